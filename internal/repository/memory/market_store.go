package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/jobs"
)

const claimLease = 5 * time.Minute

type outboxRecord struct {
	job       jobs.OutboxJob
	claimedAt time.Time
}

// MarketStore keeps offers, loans, borrow requests and the effect outbox
// behind one lock, so outbox rows commit with the entity writes.
type MarketStore struct {
	mu       sync.RWMutex
	offers   map[string]market.Offer
	loans    map[string]market.Loan
	requests map[string]market.BorrowRequest

	outbox    []*outboxRecord
	outboxKey map[string]int64
	now       func() time.Time
}

func NewMarketStore() *MarketStore {
	return &MarketStore{
		offers:    map[string]market.Offer{},
		loans:     map[string]market.Loan{},
		requests:  map[string]market.BorrowRequest{},
		outboxKey: map[string]int64{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MarketStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx market.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &marketTx{
		store:    s,
		offers:   map[string]market.Offer{},
		loans:    map[string]market.Loan{},
		requests: map[string]market.BorrowRequest{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.offers {
		s.offers[k] = v
	}
	for k, v := range tx.loans {
		s.loans[k] = v
	}
	for k, v := range tx.requests {
		s.requests[k] = v
	}
	now := s.now()
	for _, eff := range tx.effects {
		if _, dup := s.outboxKey[eff.Key]; dup {
			continue
		}
		id := int64(len(s.outbox) + 1)
		s.outbox = append(s.outbox, &outboxRecord{job: jobs.OutboxJob{
			ID:          id,
			Key:         eff.Key,
			Topic:       string(eff.Topic),
			Subject:     eff.Subject,
			Payload:     eff.Payload,
			Status:      jobs.StatusPending,
			AvailableAt: now,
		}})
		s.outboxKey[eff.Key] = id
	}
	return nil
}

func (s *MarketStore) GetOffer(_ context.Context, id string) (market.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return market.Offer{}, errs.ErrNoRecord
	}
	return o, nil
}

func (s *MarketStore) ListOffers(_ context.Context, f market.OfferFilter) ([]market.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.Offer, 0)
	for _, o := range s.offers {
		if f.Lender != "" && o.Lender != f.Lender {
			continue
		}
		if f.IsActive != nil && o.IsActive != *f.IsActive {
			continue
		}
		if f.MinReputationAtMost != nil && o.MinReputation > *f.MinReputationAtMost {
			continue
		}
		if f.Source != "" && o.Source != f.Source {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (s *MarketStore) GetLoan(_ context.Context, id string) (market.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loans[id]
	if !ok {
		return market.Loan{}, errs.ErrNoRecord
	}
	return l, nil
}

func (s *MarketStore) ListLoans(_ context.Context, f market.LoanFilter) ([]market.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.Loan, 0)
	for _, l := range s.loans {
		if f.Borrower != "" && l.Borrower != f.Borrower {
			continue
		}
		if f.Lender != "" && l.Lender != f.Lender {
			continue
		}
		if f.Status != nil && l.Status != *f.Status {
			continue
		}
		if f.DueBefore != 0 && l.DueDate >= f.DueBefore {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt > out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (s *MarketStore) GetBorrowRequest(_ context.Context, id string) (market.BorrowRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return market.BorrowRequest{}, errs.ErrNoRecord
	}
	return r, nil
}

func (s *MarketStore) ListBorrowRequests(_ context.Context, f market.RequestFilter) ([]market.BorrowRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.BorrowRequest, 0)
	for _, r := range s.requests {
		if f.Borrower != "" && r.Borrower != f.Borrower {
			continue
		}
		if f.ActiveOnly && !r.IsActive {
			continue
		}
		if f.AfterID != "" && (r.CreatedAt < f.AfterCreatedAt || (r.CreatedAt == f.AfterCreatedAt && r.ID <= f.AfterID)) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (s *MarketStore) ClaimPending(_ context.Context, n int32) ([]jobs.OutboxJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]jobs.OutboxJob, 0)
	for _, rec := range s.outbox {
		if n > 0 && int32(len(out)) >= n {
			break
		}
		claimable := rec.job.Status == jobs.StatusPending && !rec.job.AvailableAt.After(now)
		stale := rec.job.Status == jobs.StatusProcessing && now.Sub(rec.claimedAt) > claimLease
		if !claimable && !stale {
			continue
		}
		rec.job.Status = jobs.StatusProcessing
		rec.job.Attempts++
		rec.claimedAt = now
		out = append(out, rec.job)
	}
	return out, nil
}

func (s *MarketStore) MarkDone(_ context.Context, jobID int64) error {
	return s.updateJob(jobID, func(j *jobs.OutboxJob) {
		j.Status = jobs.StatusDone
		j.LastError = ""
	})
}

func (s *MarketStore) MarkRetry(_ context.Context, jobID int64, next time.Time, lastError string) error {
	return s.updateJob(jobID, func(j *jobs.OutboxJob) {
		j.Status = jobs.StatusPending
		j.AvailableAt = next
		j.LastError = lastError
	})
}

func (s *MarketStore) MarkFailed(_ context.Context, jobID int64, lastError string) error {
	return s.updateJob(jobID, func(j *jobs.OutboxJob) {
		j.Status = jobs.StatusFailed
		j.LastError = lastError
	})
}

func (s *MarketStore) Requeue(_ context.Context, jobID int64) (jobs.OutboxJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(jobID)
	if err != nil {
		return jobs.OutboxJob{}, err
	}
	if rec.job.Status != jobs.StatusFailed {
		return jobs.OutboxJob{}, errs.ErrJobNotFailed.WithID(jobIDString(jobID))
	}
	rec.job.Status = jobs.StatusPending
	rec.job.Attempts = 0
	rec.job.AvailableAt = s.now()
	return rec.job, nil
}

func (s *MarketStore) ListJobs(_ context.Context, status string, n int32) ([]jobs.OutboxJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobs.OutboxJob, 0)
	for _, rec := range s.outbox {
		if status != "" && rec.job.Status != status {
			continue
		}
		out = append(out, rec.job)
	}
	return limit(out, int(n)), nil
}

func (s *MarketStore) updateJob(jobID int64, fn func(j *jobs.OutboxJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(jobID)
	if err != nil {
		return err
	}
	fn(&rec.job)
	return nil
}

func (s *MarketStore) record(jobID int64) (*outboxRecord, error) {
	if jobID < 1 || jobID > int64(len(s.outbox)) {
		return nil, errs.ErrJobNotFound.WithID(jobIDString(jobID))
	}
	return s.outbox[jobID-1], nil
}

type marketTx struct {
	store    *MarketStore
	offers   map[string]market.Offer
	loans    map[string]market.Loan
	requests map[string]market.BorrowRequest
	effects  []effect.Effect
}

func (t *marketTx) LockOffer(_ context.Context, id string) (market.Offer, error) {
	if o, ok := t.offers[id]; ok {
		return o, nil
	}
	if o, ok := t.store.offers[id]; ok {
		return o, nil
	}
	return market.Offer{}, errs.ErrNoRecord
}

func (t *marketTx) InsertOffer(_ context.Context, o market.Offer) error {
	t.offers[o.ID] = o
	return nil
}

func (t *marketTx) UpdateOffer(_ context.Context, o market.Offer) error {
	t.offers[o.ID] = o
	return nil
}

func (t *marketTx) LockLoan(_ context.Context, id string) (market.Loan, error) {
	if l, ok := t.loans[id]; ok {
		return l, nil
	}
	if l, ok := t.store.loans[id]; ok {
		return l, nil
	}
	return market.Loan{}, errs.ErrNoRecord
}

func (t *marketTx) InsertLoan(_ context.Context, l market.Loan) error {
	t.loans[l.ID] = l
	return nil
}

func (t *marketTx) UpdateLoan(_ context.Context, l market.Loan) error {
	t.loans[l.ID] = l
	return nil
}

func (t *marketTx) LockBorrowRequest(_ context.Context, id string) (market.BorrowRequest, error) {
	if r, ok := t.requests[id]; ok {
		return r, nil
	}
	if r, ok := t.store.requests[id]; ok {
		return r, nil
	}
	return market.BorrowRequest{}, errs.ErrNoRecord
}

func (t *marketTx) InsertBorrowRequest(_ context.Context, r market.BorrowRequest) error {
	t.requests[r.ID] = r
	return nil
}

func (t *marketTx) UpdateBorrowRequest(_ context.Context, r market.BorrowRequest) error {
	t.requests[r.ID] = r
	return nil
}

func (t *marketTx) Enqueue(_ context.Context, eff effect.Effect) error {
	t.effects = append(t.effects, eff)
	return nil
}
