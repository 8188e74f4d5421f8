package postgres

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
)

const (
	componentReputation = "reputation"
	componentRouter     = "router"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so scan helpers
// serve reads and locked reads alike.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func noRecord(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNoRecord
	}
	return err
}

func effectApplied(ctx context.Context, q querier, component, key string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_effects WHERE component = $1 AND effect_key = $2)`,
		component, key,
	).Scan(&ok)
	return ok, err
}

func markEffectApplied(ctx context.Context, q querier, component, key string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO applied_effects (component, effect_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		component, key,
	)
	return err
}

// filter accumulates AND clauses with positional arguments.
type filter struct {
	b    strings.Builder
	args []any
}

func (f *filter) add(clause string, arg any) {
	f.args = append(f.args, arg)
	f.b.WriteString(" AND ")
	f.b.WriteString(clause)
	f.b.WriteString(" $")
	f.b.WriteString(strconv.Itoa(len(f.args)))
}

// after adds a (created_at, id) keyset bound.
func (f *filter) after(createdAt int64, id string) {
	f.args = append(f.args, createdAt, id)
	n := len(f.args)
	f.b.WriteString(" AND (created_at, id) > ($")
	f.b.WriteString(strconv.Itoa(n - 1))
	f.b.WriteString(", $")
	f.b.WriteString(strconv.Itoa(n))
	f.b.WriteString(")")
}

func (f *filter) limit(n int) {
	if n <= 0 {
		return
	}
	f.args = append(f.args, n)
	f.b.WriteString(" LIMIT $")
	f.b.WriteString(strconv.Itoa(len(f.args)))
}
