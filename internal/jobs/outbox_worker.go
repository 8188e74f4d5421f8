package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/metrics"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"

	maxRetryBackoff = 10 * time.Minute
)

type OutboxJob struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Topic       string    `json:"topic"`
	Subject     string    `json:"subject"`
	Payload     []byte    `json:"payload"`
	Status      string    `json:"status"`
	Attempts    int32     `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	AvailableAt time.Time `json:"available_at"`
}

func (j OutboxJob) Effect() effect.Effect {
	return effect.Effect{
		Key:     j.Key,
		Topic:   effect.Topic(j.Topic),
		Subject: j.Subject,
		Payload: j.Payload,
	}
}

// OutboxRepository hands out pending jobs. ClaimPending increments Attempts
// on every job it returns.
type OutboxRepository interface {
	ClaimPending(ctx context.Context, limit int32) ([]OutboxJob, error)
	MarkDone(ctx context.Context, jobID int64) error
	MarkRetry(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobID int64, lastError string) error
}

type EffectHandler interface {
	ApplyEffect(ctx context.Context, eff effect.Effect) error
}

// Dedup is a best-effort cache of effect keys the owning component has
// already applied. The component's own applied-effect record stays
// authoritative.
type Dedup interface {
	IsApplied(ctx context.Context, key string) (bool, error)
	MarkApplied(ctx context.Context, key string) error
}

type EffectSink interface {
	Publish(ctx context.Context, eff effect.Effect)
}

type Worker struct {
	outboxRepo   OutboxRepository
	handlers     map[effect.Topic]EffectHandler
	dedup        Dedup
	sink         EffectSink
	logger       *slog.Logger
	now          func() time.Time
	retryBackoff func(attempt int32) time.Duration
}

func NewWorker(outboxRepo OutboxRepository, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		outboxRepo: outboxRepo,
		handlers:   map[effect.Topic]EffectHandler{},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		retryBackoff: func(attempt int32) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			d := time.Duration(attempt*15) * time.Second
			if d > maxRetryBackoff {
				return maxRetryBackoff
			}
			return d
		},
	}
}

func (w *Worker) Handle(h EffectHandler, topics ...effect.Topic) *Worker {
	for _, t := range topics {
		w.handlers[t] = h
	}
	return w
}

func (w *Worker) WithDedup(d Dedup) *Worker {
	w.dedup = d
	return w
}

func (w *Worker) WithSink(s EffectSink) *Worker {
	w.sink = s
	return w
}

// RunOnce processes one claimed batch and reports how many jobs it saw.
func (w *Worker) RunOnce(ctx context.Context, batchSize int32) (int, error) {
	jobs, err := w.outboxRepo.ClaimPending(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		if err := w.processJob(ctx, job); err != nil {
			return 0, err
		}
	}

	return len(jobs), nil
}

// Drain runs batches until the outbox has nothing claimable.
func (w *Worker) Drain(ctx context.Context, batchSize int32) error {
	for {
		n, err := w.RunOnce(ctx, batchSize)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job OutboxJob) error {
	h, ok := w.handlers[effect.Topic(job.Topic)]
	if !ok {
		metrics.EffectsProcessedTotal.WithLabelValues(job.Topic, "failed").Inc()
		w.logger.Error("outbox job dead-lettered", "job_id", job.ID, "topic", job.Topic, "err", "unsupported_topic")
		return w.outboxRepo.MarkFailed(ctx, job.ID, "unsupported_topic")
	}

	if w.dedup != nil && job.Key != "" {
		seen, err := w.dedup.IsApplied(ctx, job.Key)
		if err != nil {
			w.logger.Warn("dedup lookup failed", "key", job.Key, "err", err)
		} else if seen {
			metrics.EffectDedupTotal.WithLabelValues("hit").Inc()
			metrics.EffectsProcessedTotal.WithLabelValues(job.Topic, "duplicate").Inc()
			return w.outboxRepo.MarkDone(ctx, job.ID)
		} else {
			metrics.EffectDedupTotal.WithLabelValues("miss").Inc()
		}
	}

	eff := job.Effect()
	started := time.Now()
	err := h.ApplyEffect(ctx, eff)
	metrics.EffectProcessingDuration.WithLabelValues(job.Topic).Observe(time.Since(started).Seconds())
	if err != nil {
		return w.handleJobError(ctx, job, err)
	}

	if w.dedup != nil && job.Key != "" {
		if err := w.dedup.MarkApplied(ctx, job.Key); err != nil {
			w.logger.Warn("dedup mark failed", "key", job.Key, "err", err)
		}
	}
	if w.sink != nil {
		w.sink.Publish(ctx, eff)
	}
	metrics.EffectsProcessedTotal.WithLabelValues(job.Topic, "applied").Inc()
	return w.outboxRepo.MarkDone(ctx, job.ID)
}

// handleJobError retries transient failures indefinitely and parks caller
// errors as failed for an operator to inspect and requeue.
func (w *Worker) handleJobError(ctx context.Context, job OutboxJob, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	msg := truncate(err.Error(), 512)
	if !errs.Retryable(err) {
		metrics.EffectsProcessedTotal.WithLabelValues(job.Topic, "failed").Inc()
		w.logger.Error("outbox job dead-lettered", "job_id", job.ID, "topic", job.Topic, "key", job.Key, "err", msg)
		return w.outboxRepo.MarkFailed(ctx, job.ID, msg)
	}
	metrics.EffectsProcessedTotal.WithLabelValues(job.Topic, "retry").Inc()
	next := w.now().Add(w.retryBackoff(job.Attempts))
	w.logger.Warn("outbox job retry scheduled", "job_id", job.ID, "topic", job.Topic, "attempts", job.Attempts, "next", next, "err", msg)
	return w.outboxRepo.MarkRetry(ctx, job.ID, next, msg)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
