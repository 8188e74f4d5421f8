package memory

import (
	"context"
	"sync"
	"time"

	admindomain "github.com/path-hq/pln-protocol-sub000/internal/domain/admin"
)

type AuditStore struct {
	mu      sync.Mutex
	entries []admindomain.AuditEntry
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, in admindomain.AuditLogInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := in.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	s.entries = append(s.entries, admindomain.AuditEntry{
		ID:         int64(len(s.entries) + 1),
		Actor:      in.Actor,
		Action:     in.Action,
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// ListRecent returns the newest entries first.
func (s *AuditStore) ListRecent(_ context.Context, n int32) ([]admindomain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]admindomain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	return limit(out, int(n)), nil
}
