package reputation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
	"github.com/path-hq/pln-protocol-sub000/internal/repository/memory"
)

func newService() (*reputation.Service, *memory.ReputationStore) {
	store := memory.NewReputationStore()
	return reputation.NewService(store, reputation.DefaultPolicy()), store
}

func TestFreshProfileStartsAtTierOne(t *testing.T) {
	svc, _ := newService()
	p, err := svc.GetOrCreateProfile(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if p.CreditTier != 1 || p.MaxBorrowLimit != 50 || p.SuccessfulRepayments != 0 || p.Defaults != 0 {
		t.Fatalf("unexpected fresh profile: %+v", p)
	}
	if p.Score != 500 {
		t.Fatalf("expected initial score 500, got %d", p.Score)
	}

	again, err := svc.GetOrCreateProfile(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if again.CreatedAt != p.CreatedAt {
		t.Fatalf("expected existing profile to be returned")
	}
}

func TestTierProgression(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	if _, err := svc.GetOrCreateProfile(ctx, "agent-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	wantTiers := []uint8{2, 2, 2, 2, 3}
	var last uint8 = 1
	for i, want := range wantTiers {
		p, err := svc.RecordRepayment(ctx, "agent-1", 0)
		if err != nil {
			t.Fatalf("repayment %d: %v", i+1, err)
		}
		if p.CreditTier < last {
			t.Fatalf("tier decreased from %d to %d", last, p.CreditTier)
		}
		if p.CreditTier != want {
			t.Fatalf("after %d repayments expected tier %d, got %d", i+1, want, p.CreditTier)
		}
		last = p.CreditTier
	}

	p, err := svc.GetProfile(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.CreditTier != 3 || p.MaxBorrowLimit != 5000 {
		t.Fatalf("expected tier 3 / limit 5000, got tier %d / limit %d", p.CreditTier, p.MaxBorrowLimit)
	}
}

func TestRecordDefaultFloorsLimitAndKeepsTier(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := svc.RecordRepayment(ctx, "agent-1", 0); err != nil {
			t.Fatalf("repayment: %v", err)
		}
	}

	p, err := svc.RecordDefault(ctx, "agent-1")
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if p.CreditTier != 4 {
		t.Fatalf("expected tier to stay 4, got %d", p.CreditTier)
	}
	if p.MaxBorrowLimit != 15000 {
		t.Fatalf("expected limit 25000-10000, got %d", p.MaxBorrowLimit)
	}

	for i := 0; i < 3; i++ {
		p, err = svc.RecordDefault(ctx, "agent-1")
		if err != nil {
			t.Fatalf("default: %v", err)
		}
		if p.MaxBorrowLimit < 50 {
			t.Fatalf("limit below floor: %d", p.MaxBorrowLimit)
		}
	}
	if p.MaxBorrowLimit != 50 || p.Defaults != 4 || p.CreditTier != 4 {
		t.Fatalf("unexpected profile after defaults: %+v", p)
	}
}

func TestRecordDefaultUnknownIdentity(t *testing.T) {
	svc, _ := newService()
	_, err := svc.RecordDefault(context.Background(), "ghost")
	if !errors.Is(err, errs.ErrProfileNotFound) {
		t.Fatalf("expected profile not found, got %v", err)
	}
	if errs.EntityOf(err) != "ghost" {
		t.Fatalf("expected entity id on error, got %q", errs.EntityOf(err))
	}
}

func TestCheckEligibility(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	ok, err := svc.CheckEligibility(ctx, "newcomer", 50, 0)
	if err != nil || !ok {
		t.Fatalf("expected newcomer eligible for 50, got %v %v", ok, err)
	}
	ok, _ = svc.CheckEligibility(ctx, "newcomer", 51, 0)
	if ok {
		t.Fatalf("expected newcomer ineligible above tier-1 limit")
	}
	if _, err := svc.GetProfile(ctx, "newcomer"); !errors.Is(err, errs.ErrProfileNotFound) {
		t.Fatalf("eligibility check must not persist a profile")
	}

	seed := reputation.Profile{Identity: "veteran", CreditTier: 3, MaxBorrowLimit: 5000, SuccessfulRepayments: 5, Score: 850}
	if err := store.WithinTx(ctx, func(ctx context.Context, tx reputation.Tx) error {
		return tx.Save(ctx, seed)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, _ := svc.CheckEligibility(ctx, "veteran", 1000, 900); ok {
		t.Fatalf("expected score 850 to fail min reputation 900")
	}
	if ok, _ := svc.CheckEligibility(ctx, "veteran", 1000, 850); !ok {
		t.Fatalf("expected score 850 to pass min reputation 850")
	}
}

func TestTierProgress(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	if _, err := svc.RecordRepayment(ctx, "agent-1", 0); err != nil {
		t.Fatalf("repayment: %v", err)
	}

	tp, err := svc.TierProgress(ctx, "agent-1")
	if err != nil {
		t.Fatalf("tier progress: %v", err)
	}
	if tp.CurrentTier != 2 || tp.NextTier != 3 || tp.RepaymentsToNextTier != 4 || tp.NextTierLimit != 5000 {
		t.Fatalf("unexpected progress: %+v", tp)
	}
}

func TestScoreFormula(t *testing.T) {
	policy := reputation.DefaultPolicy()
	p := reputation.Profile{
		SuccessfulRepayments: 3,
		Defaults:             1,
		LoansTaken:           5,
		TotalRepaid:          7_500_000,
		TotalLent:            25_000_000,
	}
	// 500 + 60 + 7 + 2 - 100 - 5
	if got := policy.Score(p); got != 464 {
		t.Fatalf("expected score 464, got %d", got)
	}

	if got := policy.Score(reputation.Profile{Defaults: 9}); got != 0 {
		t.Fatalf("expected score clamped at 0, got %d", got)
	}
	if got := policy.Score(reputation.Profile{SuccessfulRepayments: 100}); got != 1000 {
		t.Fatalf("expected score clamped at 1000, got %d", got)
	}
}

func TestApplyEffectIsIdempotent(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	opened, _ := effect.New(effect.TopicLoanOpened, "loan-1", effect.LoanPayload{LoanID: "loan-1", Lender: "lender-1", Borrower: "agent-1", Principal: 40})
	repaid, _ := effect.New(effect.TopicRepayment, "loan-1", effect.LoanPayload{LoanID: "loan-1", Lender: "lender-1", Borrower: "agent-1", Principal: 40, Repayment: 41})

	for i := 0; i < 2; i++ {
		if err := svc.ApplyEffect(ctx, opened); err != nil {
			t.Fatalf("apply opened: %v", err)
		}
		if err := svc.ApplyEffect(ctx, repaid); err != nil {
			t.Fatalf("apply repaid: %v", err)
		}
	}

	b, err := svc.GetProfile(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get borrower: %v", err)
	}
	if b.LoansTaken != 1 || b.SuccessfulRepayments != 1 || b.TotalBorrowed != 40 || b.TotalRepaid != 41 {
		t.Fatalf("effects applied more than once: %+v", b)
	}
	l, err := svc.GetProfile(ctx, "lender-1")
	if err != nil {
		t.Fatalf("get lender: %v", err)
	}
	if l.TotalLent != 40 {
		t.Fatalf("expected lender total lent 40, got %d", l.TotalLent)
	}
}

func TestApplyDefaultEffectCreatesMissingBorrower(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	eff, _ := effect.New(effect.TopicDefault, "loan-9", effect.LoanPayload{LoanID: "loan-9", Lender: "lender-1", Borrower: "agent-9", Principal: 10})
	if err := svc.ApplyEffect(ctx, eff); err != nil {
		t.Fatalf("apply default: %v", err)
	}
	if err := svc.ApplyEffect(ctx, eff); err != nil {
		t.Fatalf("apply default again: %v", err)
	}
	p, err := svc.GetProfile(ctx, "agent-9")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.Defaults != 1 || p.MaxBorrowLimit != 50 {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestApplyEffectRejectsForeignTopic(t *testing.T) {
	svc, _ := newService()
	eff, _ := effect.New(effect.TopicPositionFunded, "loan-1", effect.LoanPayload{LoanID: "loan-1", Borrower: "b"})
	if err := svc.ApplyEffect(context.Background(), eff); !errors.Is(err, errs.ErrUnsupportedEffect) {
		t.Fatalf("expected unsupported effect, got %v", err)
	}
}
