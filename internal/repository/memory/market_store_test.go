package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
	"github.com/path-hq/pln-protocol-sub000/internal/jobs"
)

var (
	_ market.Store          = (*MarketStore)(nil)
	_ jobs.OutboxRepository = (*MarketStore)(nil)
	_ reputation.Store      = (*ReputationStore)(nil)
	_ router.Store          = (*RouterStore)(nil)
)

func mustEffect(t *testing.T, topic effect.Topic, subject string) effect.Effect {
	t.Helper()
	eff, err := effect.New(topic, subject, effect.LoanPayload{LoanID: subject, Borrower: "b"})
	if err != nil {
		t.Fatalf("effect.New: %v", err)
	}
	return eff
}

func TestMarketTxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx market.Tx) error {
		if err := tx.InsertOffer(ctx, market.Offer{ID: "o-1", IsActive: true}); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, mustEffect(t, effect.TopicLoanOpened, "l-1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetOffer(ctx, "o-1"); !errors.Is(err, errs.ErrNoRecord) {
		t.Fatalf("rolled back offer must not exist, got %v", err)
	}
	if claimed, _ := s.ClaimPending(ctx, 10); len(claimed) != 0 {
		t.Fatalf("rolled back effect must not be queued: %+v", claimed)
	}
}

func TestListBorrowRequestsKeyset(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	err := s.WithinTx(ctx, func(ctx context.Context, tx market.Tx) error {
		for _, r := range []market.BorrowRequest{
			{ID: "b", CreatedAt: 10, IsActive: true},
			{ID: "a", CreatedAt: 10, IsActive: true},
			{ID: "c", CreatedAt: 20, IsActive: false},
			{ID: "d", CreatedAt: 30, IsActive: true},
		} {
			if err := tx.InsertBorrowRequest(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	page, _ := s.ListBorrowRequests(ctx, market.RequestFilter{ActiveOnly: true, Limit: 2})
	if len(page) != 2 || page[0].ID != "a" || page[1].ID != "b" {
		t.Fatalf("first page = %+v", page)
	}
	page, _ = s.ListBorrowRequests(ctx, market.RequestFilter{ActiveOnly: true, Limit: 2, AfterCreatedAt: 10, AfterID: "b"})
	if len(page) != 1 || page[0].ID != "d" {
		t.Fatalf("second page = %+v", page)
	}
}

func TestOutboxDedupAndLease(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	s.now = func() time.Time { return now }

	eff := mustEffect(t, effect.TopicRepayment, "l-1")
	for i := 0; i < 2; i++ {
		if err := s.WithinTx(ctx, func(ctx context.Context, tx market.Tx) error { return tx.Enqueue(ctx, eff) }); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	claimed, err := s.ClaimPending(ctx, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one job for a repeated key: %v %+v", err, claimed)
	}
	if claimed[0].Attempts != 1 || claimed[0].Status != jobs.StatusProcessing {
		t.Fatalf("unexpected claim: %+v", claimed[0])
	}
	if again, _ := s.ClaimPending(ctx, 10); len(again) != 0 {
		t.Fatalf("leased job claimed twice: %+v", again)
	}

	now = now.Add(claimLease + time.Second)
	again, _ := s.ClaimPending(ctx, 10)
	if len(again) != 1 || again[0].Attempts != 2 {
		t.Fatalf("stale lease must be reclaimable: %+v", again)
	}

	if err := s.MarkRetry(ctx, again[0].ID, now.Add(time.Minute), "db timeout"); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if early, _ := s.ClaimPending(ctx, 10); len(early) != 0 {
		t.Fatalf("job claimed before available_at: %+v", early)
	}
	now = now.Add(time.Minute)
	if ready, _ := s.ClaimPending(ctx, 10); len(ready) != 1 {
		t.Fatalf("job not claimable after backoff")
	}
}

func TestOutboxRequeue(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	if err := s.WithinTx(ctx, func(ctx context.Context, tx market.Tx) error {
		return tx.Enqueue(ctx, mustEffect(t, effect.TopicDefault, "l-2"))
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _ := s.ClaimPending(ctx, 1)
	if _, err := s.Requeue(ctx, claimed[0].ID); !errors.Is(err, errs.ErrJobNotFailed) {
		t.Fatalf("expected job_not_failed, got %v", err)
	}
	if err := s.MarkFailed(ctx, claimed[0].ID, "profile_not_found"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, _ := s.ListJobs(ctx, jobs.StatusFailed, 10)
	if len(failed) != 1 || failed[0].LastError != "profile_not_found" {
		t.Fatalf("unexpected failed jobs: %+v", failed)
	}
	job, err := s.Requeue(ctx, claimed[0].ID)
	if err != nil || job.Status != jobs.StatusPending || job.Attempts != 0 {
		t.Fatalf("requeue: %+v %v", job, err)
	}
	if _, err := s.Requeue(ctx, 7); !errors.Is(err, errs.ErrJobNotFound) {
		t.Fatalf("expected job_not_found, got %v", err)
	}
}

func TestRouterStoreStagesWrites(t *testing.T) {
	ctx := context.Background()
	s := NewRouterStore()

	if _, err := s.GetPool(ctx); !errors.Is(err, errs.ErrNoRecord) {
		t.Fatalf("expected no pool record, got %v", err)
	}
	err := s.WithinTx(ctx, func(ctx context.Context, tx router.Tx) error {
		if err := tx.SavePosition(ctx, router.Position{Owner: "b", Deposited: 5, Passive: 5}); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, router.Position{Owner: "a", Deposited: 1, Passive: 1}); err != nil {
			return err
		}
		return tx.MarkEffectApplied(ctx, "k-1")
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	list, _ := s.ListPositions(ctx)
	if len(list) != 2 || list[0].Owner != "a" {
		t.Fatalf("positions must be sorted by owner: %+v", list)
	}

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context, tx router.Tx) error {
		if done, _ := tx.EffectApplied(ctx, "k-1"); !done {
			t.Fatalf("applied key lost")
		}
		if err := tx.DeletePosition(ctx, "a"); err != nil {
			return err
		}
		if _, err := tx.LockPosition(ctx, "a"); !errors.Is(err, errs.ErrNoRecord) {
			t.Fatalf("deleted position visible inside tx: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetPosition(ctx, "a"); err != nil {
		t.Fatalf("rolled back delete removed the position: %v", err)
	}
}
