package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
)

const (
	offerColumns = `id, lender, amount, min_rate_bps, max_duration_seconds, min_reputation,
       is_active, source, closed_reason, created_at, updated_at`
	loanColumns = `id, offer_id, request_id, lender, borrower, principal_amount, repayment_amount,
       apy_bps, duration_seconds, started_at, due_date, resolved_at, liquidator, source, status`
	requestColumns = `id, borrower, amount, max_rate_bps, duration_seconds, is_active, loan_id,
       created_at, updated_at`
)

// MarketRepository stores offers, loans and borrow requests. Its transactions
// also write the outbox rows that OutboxRepository later claims.
type MarketRepository struct {
	pool *pgxpool.Pool
}

func NewMarketRepository(pool *pgxpool.Pool) *MarketRepository {
	return &MarketRepository{pool: pool}
}

func (r *MarketRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx market.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &marketTx{tx: tx})
	})
}

func (r *MarketRepository) GetOffer(ctx context.Context, id string) (market.Offer, error) {
	q := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	return scanOffer(r.pool.QueryRow(ctx, q, id))
}

func (r *MarketRepository) ListOffers(ctx context.Context, f market.OfferFilter) ([]market.Offer, error) {
	w := &filter{}
	if f.Lender != "" {
		w.add("lender =", f.Lender)
	}
	if f.MinReputationAtMost != nil {
		w.add("min_reputation <=", *f.MinReputationAtMost)
	}
	if f.IsActive != nil {
		w.add("is_active =", *f.IsActive)
	}
	if f.Source != "" {
		w.add("source =", string(f.Source))
	}
	w.b.WriteString(" ORDER BY created_at ASC, id ASC")
	w.limit(f.Limit)

	rows, err := r.pool.Query(ctx, `SELECT `+offerColumns+` FROM offers WHERE 1=1`+w.b.String(), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]market.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MarketRepository) GetLoan(ctx context.Context, id string) (market.Loan, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	return scanLoan(r.pool.QueryRow(ctx, q, id))
}

func (r *MarketRepository) ListLoans(ctx context.Context, f market.LoanFilter) ([]market.Loan, error) {
	w := &filter{}
	if f.Borrower != "" {
		w.add("borrower =", f.Borrower)
	}
	if f.Lender != "" {
		w.add("lender =", f.Lender)
	}
	if f.Status != nil {
		w.add("status =", f.Status.String())
	}
	if f.DueBefore > 0 {
		w.add("due_date <", f.DueBefore)
	}
	w.b.WriteString(" ORDER BY started_at DESC, id ASC")
	w.limit(f.Limit)

	rows, err := r.pool.Query(ctx, `SELECT `+loanColumns+` FROM loans WHERE 1=1`+w.b.String(), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]market.Loan, 0)
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MarketRepository) GetBorrowRequest(ctx context.Context, id string) (market.BorrowRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM borrow_requests WHERE id = $1`
	return scanRequest(r.pool.QueryRow(ctx, q, id))
}

func (r *MarketRepository) ListBorrowRequests(ctx context.Context, f market.RequestFilter) ([]market.BorrowRequest, error) {
	w := &filter{}
	if f.Borrower != "" {
		w.add("borrower =", f.Borrower)
	}
	if f.ActiveOnly {
		w.add("is_active =", true)
	}
	if f.AfterID != "" {
		w.after(f.AfterCreatedAt, f.AfterID)
	}
	w.b.WriteString(" ORDER BY created_at ASC, id ASC")
	w.limit(f.Limit)

	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM borrow_requests WHERE 1=1`+w.b.String(), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]market.BorrowRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type marketTx struct {
	tx pgx.Tx
}

func (t *marketTx) LockOffer(ctx context.Context, id string) (market.Offer, error) {
	q := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1 FOR UPDATE`
	return scanOffer(t.tx.QueryRow(ctx, q, id))
}

func (t *marketTx) InsertOffer(ctx context.Context, o market.Offer) error {
	q := `
INSERT INTO offers (
  id, lender, amount, min_rate_bps, max_duration_seconds, min_reputation,
  is_active, source, closed_reason, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err := t.tx.Exec(ctx, q,
		o.ID, o.Lender, o.Amount, o.MinRateBps, o.MaxDurationSeconds, o.MinReputation,
		o.IsActive, string(o.Source), o.ClosedReason, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (t *marketTx) UpdateOffer(ctx context.Context, o market.Offer) error {
	q := `UPDATE offers SET is_active = $2, closed_reason = $3, updated_at = $4 WHERE id = $1`
	_, err := t.tx.Exec(ctx, q, o.ID, o.IsActive, o.ClosedReason, o.UpdatedAt)
	return err
}

func (t *marketTx) LockLoan(ctx context.Context, id string) (market.Loan, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1 FOR UPDATE`
	return scanLoan(t.tx.QueryRow(ctx, q, id))
}

func (t *marketTx) InsertLoan(ctx context.Context, l market.Loan) error {
	q := `
INSERT INTO loans (
  id, offer_id, request_id, lender, borrower, principal_amount, repayment_amount,
  apy_bps, duration_seconds, started_at, due_date, resolved_at, liquidator, source, status
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`
	_, err := t.tx.Exec(ctx, q,
		l.ID, l.OfferID, l.RequestID, l.Lender, l.Borrower, l.PrincipalAmount, l.RepaymentAmount,
		l.ApyBps, l.DurationSeconds, l.StartedAt, l.DueDate, l.ResolvedAt, l.Liquidator, string(l.Source), l.Status.String(),
	)
	return err
}

func (t *marketTx) UpdateLoan(ctx context.Context, l market.Loan) error {
	q := `UPDATE loans SET status = $2, resolved_at = $3, liquidator = $4 WHERE id = $1`
	_, err := t.tx.Exec(ctx, q, l.ID, l.Status.String(), l.ResolvedAt, l.Liquidator)
	return err
}

func (t *marketTx) LockBorrowRequest(ctx context.Context, id string) (market.BorrowRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM borrow_requests WHERE id = $1 FOR UPDATE`
	return scanRequest(t.tx.QueryRow(ctx, q, id))
}

func (t *marketTx) InsertBorrowRequest(ctx context.Context, req market.BorrowRequest) error {
	q := `
INSERT INTO borrow_requests (
  id, borrower, amount, max_rate_bps, duration_seconds, is_active, loan_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := t.tx.Exec(ctx, q,
		req.ID, req.Borrower, req.Amount, req.MaxRateBps, req.DurationSeconds,
		req.IsActive, req.LoanID, req.CreatedAt, req.UpdatedAt,
	)
	return err
}

func (t *marketTx) UpdateBorrowRequest(ctx context.Context, req market.BorrowRequest) error {
	q := `UPDATE borrow_requests SET is_active = $2, loan_id = $3, updated_at = $4 WHERE id = $1`
	_, err := t.tx.Exec(ctx, q, req.ID, req.IsActive, req.LoanID, req.UpdatedAt)
	return err
}

// Enqueue ignores a second effect with the same key.
func (t *marketTx) Enqueue(ctx context.Context, eff effect.Effect) error {
	q := `
INSERT INTO outbox_jobs (effect_key, topic, subject, payload, status)
VALUES ($1, $2, $3, $4::jsonb, 'pending')
ON CONFLICT (effect_key) DO NOTHING
`
	_, err := t.tx.Exec(ctx, q, eff.Key, string(eff.Topic), eff.Subject, eff.Payload)
	return err
}

func scanOffer(row pgx.Row) (market.Offer, error) {
	var (
		o      market.Offer
		source string
	)
	err := row.Scan(
		&o.ID, &o.Lender, &o.Amount, &o.MinRateBps, &o.MaxDurationSeconds, &o.MinReputation,
		&o.IsActive, &source, &o.ClosedReason, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return market.Offer{}, noRecord(err)
	}
	o.Source = market.Source(source)
	return o, nil
}

func scanLoan(row pgx.Row) (market.Loan, error) {
	var (
		l              market.Loan
		source, status string
	)
	err := row.Scan(
		&l.ID, &l.OfferID, &l.RequestID, &l.Lender, &l.Borrower, &l.PrincipalAmount, &l.RepaymentAmount,
		&l.ApyBps, &l.DurationSeconds, &l.StartedAt, &l.DueDate, &l.ResolvedAt, &l.Liquidator, &source, &status,
	)
	if err != nil {
		return market.Loan{}, noRecord(err)
	}
	l.Source = market.Source(source)
	if l.Status, err = market.ParseLoanStatus(status); err != nil {
		return market.Loan{}, err
	}
	return l, nil
}

func scanRequest(row pgx.Row) (market.BorrowRequest, error) {
	var req market.BorrowRequest
	err := row.Scan(
		&req.ID, &req.Borrower, &req.Amount, &req.MaxRateBps, &req.DurationSeconds,
		&req.IsActive, &req.LoanID, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return market.BorrowRequest{}, noRecord(err)
	}
	return req, nil
}
