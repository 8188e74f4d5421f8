package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	admindomain "github.com/path-hq/pln-protocol-sub000/internal/domain/admin"
)

type AdminAuditRepository struct {
	pool *pgxpool.Pool
}

func NewAdminAuditRepository(pool *pgxpool.Pool) *AdminAuditRepository {
	return &AdminAuditRepository{pool: pool}
}

func (r *AdminAuditRepository) Log(ctx context.Context, in admindomain.AuditLogInput) error {
	payload := in.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO admin_audit_logs (actor, action, target_type, target_id, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)
`, in.Actor, in.Action, in.TargetType, in.TargetID, payload)
	return err
}

func (r *AdminAuditRepository) ListRecent(ctx context.Context, limit int32) ([]admindomain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, actor, action, target_type, target_id, payload, created_at
FROM admin_audit_logs
ORDER BY id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]admindomain.AuditEntry, 0)
	for rows.Next() {
		var e admindomain.AuditEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}
