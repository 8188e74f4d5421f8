package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
)

type RouterStore struct {
	mu        sync.RWMutex
	positions map[string]router.Position
	pool      *router.PoolState
	applied   map[string]struct{}
}

func NewRouterStore() *RouterStore {
	return &RouterStore{
		positions: map[string]router.Position{},
		applied:   map[string]struct{}{},
	}
}

func (s *RouterStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx router.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &routerTx{
		store:     s,
		positions: map[string]router.Position{},
		deleted:   map[string]struct{}{},
		applied:   map[string]struct{}{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for owner := range tx.deleted {
		delete(s.positions, owner)
	}
	for owner, p := range tx.positions {
		s.positions[owner] = p
	}
	if tx.pool != nil {
		pool := *tx.pool
		s.pool = &pool
	}
	for k := range tx.applied {
		s.applied[k] = struct{}{}
	}
	return nil
}

func (s *RouterStore) GetPosition(_ context.Context, owner string) (router.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[owner]
	if !ok {
		return router.Position{}, errs.ErrNoRecord
	}
	return p, nil
}

func (s *RouterStore) ListPositions(_ context.Context) ([]router.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]router.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}

func (s *RouterStore) GetPool(_ context.Context) (router.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return router.PoolState{}, errs.ErrNoRecord
	}
	return *s.pool, nil
}

type routerTx struct {
	store     *RouterStore
	positions map[string]router.Position
	deleted   map[string]struct{}
	pool      *router.PoolState
	applied   map[string]struct{}
}

func (t *routerTx) LockPosition(_ context.Context, owner string) (router.Position, error) {
	if p, ok := t.positions[owner]; ok {
		return p, nil
	}
	if _, gone := t.deleted[owner]; gone {
		return router.Position{}, errs.ErrNoRecord
	}
	p, ok := t.store.positions[owner]
	if !ok {
		return router.Position{}, errs.ErrNoRecord
	}
	return p, nil
}

func (t *routerTx) SavePosition(_ context.Context, p router.Position) error {
	delete(t.deleted, p.Owner)
	t.positions[p.Owner] = p
	return nil
}

func (t *routerTx) DeletePosition(_ context.Context, owner string) error {
	delete(t.positions, owner)
	t.deleted[owner] = struct{}{}
	return nil
}

func (t *routerTx) LockPool(_ context.Context) (router.PoolState, error) {
	if t.pool != nil {
		return *t.pool, nil
	}
	if t.store.pool == nil {
		return router.PoolState{}, errs.ErrNoRecord
	}
	return *t.store.pool, nil
}

func (t *routerTx) SavePool(_ context.Context, p router.PoolState) error {
	t.pool = &p
	return nil
}

func (t *routerTx) EffectApplied(_ context.Context, key string) (bool, error) {
	if _, ok := t.applied[key]; ok {
		return true, nil
	}
	_, ok := t.store.applied[key]
	return ok, nil
}

func (t *routerTx) MarkEffectApplied(_ context.Context, key string) error {
	t.applied[key] = struct{}{}
	return nil
}
