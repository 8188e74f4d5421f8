package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
)

const positionColumns = `owner, deposited_amount, passive_pool_amount, p2p_amount, active_p2p_loan_count,
       min_p2p_rate_bps, pool_buffer_bps, auto_route, max_duration_seconds, min_reputation,
       reserved_amount, routed_offer_id, routed_rate_bps, offer_nonce, created_at, updated_at`

type RouterRepository struct {
	pool *pgxpool.Pool
}

func NewRouterRepository(pool *pgxpool.Pool) *RouterRepository {
	return &RouterRepository{pool: pool}
}

func (r *RouterRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx router.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &routerTx{tx: tx})
	})
}

func (r *RouterRepository) GetPosition(ctx context.Context, owner string) (router.Position, error) {
	q := `SELECT ` + positionColumns + ` FROM lender_positions WHERE owner = $1`
	return scanPosition(r.pool.QueryRow(ctx, q, owner))
}

func (r *RouterRepository) ListPositions(ctx context.Context) ([]router.Position, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+positionColumns+` FROM lender_positions ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]router.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RouterRepository) GetPool(ctx context.Context) (router.PoolState, error) {
	return scanPool(r.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM router_pool WHERE id = 1`))
}

type routerTx struct {
	tx pgx.Tx
}

func (t *routerTx) LockPosition(ctx context.Context, owner string) (router.Position, error) {
	q := `SELECT ` + positionColumns + ` FROM lender_positions WHERE owner = $1 FOR UPDATE`
	return scanPosition(t.tx.QueryRow(ctx, q, owner))
}

func (t *routerTx) SavePosition(ctx context.Context, p router.Position) error {
	q := `
INSERT INTO lender_positions (
  owner, deposited_amount, passive_pool_amount, p2p_amount, active_p2p_loan_count,
  min_p2p_rate_bps, pool_buffer_bps, auto_route, max_duration_seconds, min_reputation,
  reserved_amount, routed_offer_id, routed_rate_bps, offer_nonce, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (owner) DO UPDATE SET
  deposited_amount = EXCLUDED.deposited_amount,
  passive_pool_amount = EXCLUDED.passive_pool_amount,
  p2p_amount = EXCLUDED.p2p_amount,
  active_p2p_loan_count = EXCLUDED.active_p2p_loan_count,
  min_p2p_rate_bps = EXCLUDED.min_p2p_rate_bps,
  pool_buffer_bps = EXCLUDED.pool_buffer_bps,
  auto_route = EXCLUDED.auto_route,
  max_duration_seconds = EXCLUDED.max_duration_seconds,
  min_reputation = EXCLUDED.min_reputation,
  reserved_amount = EXCLUDED.reserved_amount,
  routed_offer_id = EXCLUDED.routed_offer_id,
  routed_rate_bps = EXCLUDED.routed_rate_bps,
  offer_nonce = EXCLUDED.offer_nonce,
  updated_at = EXCLUDED.updated_at
`
	_, err := t.tx.Exec(ctx, q,
		p.Owner, p.Deposited, p.Passive, p.P2P, p.ActiveP2PLoanCount,
		p.MinP2PRateBps, p.PoolBufferBps, p.AutoRoute, p.MaxDurationSeconds, p.MinReputation,
		p.Reserved, p.RoutedOfferID, p.RoutedRateBps, p.OfferNonce, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *routerTx) DeletePosition(ctx context.Context, owner string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM lender_positions WHERE owner = $1`, owner)
	return err
}

func (t *routerTx) LockPool(ctx context.Context) (router.PoolState, error) {
	return scanPool(t.tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM router_pool WHERE id = 1 FOR UPDATE`))
}

func (t *routerTx) SavePool(ctx context.Context, p router.PoolState) error {
	q := `
INSERT INTO router_pool (id, passive_rate_bps, insurance_fee_bps, protocol_fee_bps, insurance_balance, treasury_balance, updated_at)
VALUES (1, $1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
  passive_rate_bps = EXCLUDED.passive_rate_bps,
  insurance_fee_bps = EXCLUDED.insurance_fee_bps,
  protocol_fee_bps = EXCLUDED.protocol_fee_bps,
  insurance_balance = EXCLUDED.insurance_balance,
  treasury_balance = EXCLUDED.treasury_balance,
  updated_at = EXCLUDED.updated_at
`
	_, err := t.tx.Exec(ctx, q, p.PassiveRateBps, p.InsuranceFeeBps, p.ProtocolFeeBps, p.InsuranceBalance, p.TreasuryBalance, p.UpdatedAt)
	return err
}

func (t *routerTx) EffectApplied(ctx context.Context, key string) (bool, error) {
	return effectApplied(ctx, t.tx, componentRouter, key)
}

func (t *routerTx) MarkEffectApplied(ctx context.Context, key string) error {
	return markEffectApplied(ctx, t.tx, componentRouter, key)
}

func scanPosition(row pgx.Row) (router.Position, error) {
	var p router.Position
	err := row.Scan(
		&p.Owner, &p.Deposited, &p.Passive, &p.P2P, &p.ActiveP2PLoanCount,
		&p.MinP2PRateBps, &p.PoolBufferBps, &p.AutoRoute, &p.MaxDurationSeconds, &p.MinReputation,
		&p.Reserved, &p.RoutedOfferID, &p.RoutedRateBps, &p.OfferNonce, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return router.Position{}, noRecord(err)
	}
	return p, nil
}

const poolColumns = `passive_rate_bps, insurance_fee_bps, protocol_fee_bps, insurance_balance, treasury_balance, updated_at`

func scanPool(row pgx.Row) (router.PoolState, error) {
	var p router.PoolState
	if err := row.Scan(&p.PassiveRateBps, &p.InsuranceFeeBps, &p.ProtocolFeeBps, &p.InsuranceBalance, &p.TreasuryBalance, &p.UpdatedAt); err != nil {
		return router.PoolState{}, noRecord(err)
	}
	return p, nil
}
