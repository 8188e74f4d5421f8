// Package memory holds single-process stores for every ledger component.
// Each store serializes its transactions with one mutex and stages writes
// until the transaction function returns nil.
package memory

import (
	"context"
	"sync"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
)

type ReputationStore struct {
	mu       sync.RWMutex
	profiles map[string]reputation.Profile
	applied  map[string]struct{}
}

func NewReputationStore() *ReputationStore {
	return &ReputationStore{
		profiles: map[string]reputation.Profile{},
		applied:  map[string]struct{}{},
	}
}

func (s *ReputationStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx reputation.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &reputationTx{
		store:    s,
		profiles: map[string]reputation.Profile{},
		applied:  map[string]struct{}{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.profiles {
		s.profiles[k] = v
	}
	for k := range tx.applied {
		s.applied[k] = struct{}{}
	}
	return nil
}

func (s *ReputationStore) Get(_ context.Context, identity string) (reputation.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[identity]
	if !ok {
		return reputation.Profile{}, errs.ErrNoRecord
	}
	return p, nil
}

type reputationTx struct {
	store    *ReputationStore
	profiles map[string]reputation.Profile
	applied  map[string]struct{}
}

func (t *reputationTx) Lock(_ context.Context, identity string) (reputation.Profile, error) {
	if p, ok := t.profiles[identity]; ok {
		return p, nil
	}
	p, ok := t.store.profiles[identity]
	if !ok {
		return reputation.Profile{}, errs.ErrNoRecord
	}
	return p, nil
}

func (t *reputationTx) Save(_ context.Context, p reputation.Profile) error {
	t.profiles[p.Identity] = p
	return nil
}

func (t *reputationTx) EffectApplied(_ context.Context, key string) (bool, error) {
	if _, ok := t.applied[key]; ok {
		return true, nil
	}
	_, ok := t.store.applied[key]
	return ok, nil
}

func (t *reputationTx) MarkEffectApplied(_ context.Context, key string) error {
	t.applied[key] = struct{}{}
	return nil
}
