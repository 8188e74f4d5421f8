package postgres

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/jobs"
)

const (
	outboxColumns = `id, effect_key, topic, subject, payload, status, attempts, last_error, available_at`

	// A processing row older than this is treated as abandoned by a crashed
	// worker and may be claimed again.
	claimLease = 5 * time.Minute
)

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int32) ([]jobs.OutboxJob, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `
WITH picked AS (
  SELECT id FROM outbox_jobs
  WHERE (status = 'pending' AND available_at <= NOW())
     OR (status = 'processing' AND updated_at < NOW() - make_interval(secs => $2))
  ORDER BY id
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
UPDATE outbox_jobs o
SET status = 'processing', attempts = o.attempts + 1, updated_at = NOW()
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.effect_key, o.topic, o.subject, o.payload, o.status, o.attempts, o.last_error, o.available_at
`
	rows, err := r.pool.Query(ctx, q, limit, claimLease.Seconds())
	if err != nil {
		return nil, err
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *OutboxRepository) MarkDone(ctx context.Context, jobID int64) error {
	q := `UPDATE outbox_jobs SET status = 'done', last_error = '', updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, jobID)
	return err
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error {
	q := `
UPDATE outbox_jobs
SET status = 'pending', available_at = $2, last_error = $3, updated_at = NOW()
WHERE id = $1
`
	_, err := r.pool.Exec(ctx, q, jobID, nextAvailableAt, lastError)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, jobID int64, lastError string) error {
	q := `UPDATE outbox_jobs SET status = 'failed', last_error = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, jobID, lastError)
	return err
}

// Requeue puts a failed job back in line with a fresh attempt count.
func (r *OutboxRepository) Requeue(ctx context.Context, jobID int64) (jobs.OutboxJob, error) {
	var out jobs.OutboxJob
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_jobs WHERE id = $1 FOR UPDATE`, jobID))
		if errors.Is(err, errs.ErrNoRecord) {
			return errs.ErrJobNotFound.WithID(strconv.FormatInt(jobID, 10))
		}
		if err != nil {
			return err
		}
		if job.Status != jobs.StatusFailed {
			return errs.ErrJobNotFailed.WithID(strconv.FormatInt(jobID, 10))
		}
		q := `
UPDATE outbox_jobs
SET status = 'pending', attempts = 0, available_at = NOW(), updated_at = NOW()
WHERE id = $1
RETURNING ` + outboxColumns
		out, err = scanJob(tx.QueryRow(ctx, q, jobID))
		return err
	})
	return out, err
}

func (r *OutboxRepository) ListJobs(ctx context.Context, status string, limit int32) ([]jobs.OutboxJob, error) {
	w := &filter{}
	if status != "" {
		w.add("status =", status)
	}
	w.b.WriteString(" ORDER BY id ASC")
	w.limit(int(limit))
	rows, err := r.pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox_jobs WHERE 1=1`+w.b.String(), w.args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]jobs.OutboxJob, error) {
	defer rows.Close()
	out := make([]jobs.OutboxJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanJob(row pgx.Row) (jobs.OutboxJob, error) {
	var j jobs.OutboxJob
	err := row.Scan(&j.ID, &j.Key, &j.Topic, &j.Subject, &j.Payload, &j.Status, &j.Attempts, &j.LastError, &j.AvailableAt)
	if err != nil {
		return jobs.OutboxJob{}, noRecord(err)
	}
	return j, nil
}
