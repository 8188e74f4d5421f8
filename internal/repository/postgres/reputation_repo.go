package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
)

const profileColumns = `identity, credit_tier, max_borrow_limit, successful_repayments, defaults, score,
       loans_taken, total_borrowed, total_repaid, total_lent, created_at, updated_at`

type ReputationRepository struct {
	pool *pgxpool.Pool
}

func NewReputationRepository(pool *pgxpool.Pool) *ReputationRepository {
	return &ReputationRepository{pool: pool}
}

func (r *ReputationRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx reputation.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &reputationTx{tx: tx})
	})
}

func (r *ReputationRepository) Get(ctx context.Context, identity string) (reputation.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM agent_profiles WHERE identity = $1`
	return scanProfile(r.pool.QueryRow(ctx, q, identity))
}

type reputationTx struct {
	tx pgx.Tx
}

func (t *reputationTx) Lock(ctx context.Context, identity string) (reputation.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM agent_profiles WHERE identity = $1 FOR UPDATE`
	return scanProfile(t.tx.QueryRow(ctx, q, identity))
}

func (t *reputationTx) Save(ctx context.Context, p reputation.Profile) error {
	q := `
INSERT INTO agent_profiles (
  identity, credit_tier, max_borrow_limit, successful_repayments, defaults, score,
  loans_taken, total_borrowed, total_repaid, total_lent, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (identity) DO UPDATE SET
  credit_tier = EXCLUDED.credit_tier,
  max_borrow_limit = EXCLUDED.max_borrow_limit,
  successful_repayments = EXCLUDED.successful_repayments,
  defaults = EXCLUDED.defaults,
  score = EXCLUDED.score,
  loans_taken = EXCLUDED.loans_taken,
  total_borrowed = EXCLUDED.total_borrowed,
  total_repaid = EXCLUDED.total_repaid,
  total_lent = EXCLUDED.total_lent,
  updated_at = EXCLUDED.updated_at
`
	_, err := t.tx.Exec(ctx, q,
		p.Identity, p.CreditTier, p.MaxBorrowLimit, p.SuccessfulRepayments, p.Defaults, p.Score,
		p.LoansTaken, p.TotalBorrowed, p.TotalRepaid, p.TotalLent, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *reputationTx) EffectApplied(ctx context.Context, key string) (bool, error) {
	return effectApplied(ctx, t.tx, componentReputation, key)
}

func (t *reputationTx) MarkEffectApplied(ctx context.Context, key string) error {
	return markEffectApplied(ctx, t.tx, componentReputation, key)
}

func scanProfile(row pgx.Row) (reputation.Profile, error) {
	var p reputation.Profile
	err := row.Scan(
		&p.Identity, &p.CreditTier, &p.MaxBorrowLimit, &p.SuccessfulRepayments, &p.Defaults, &p.Score,
		&p.LoansTaken, &p.TotalBorrowed, &p.TotalRepaid, &p.TotalLent, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return reputation.Profile{}, noRecord(err)
	}
	return p, nil
}
