package router_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
	"github.com/path-hq/pln-protocol-sub000/internal/repository/memory"
)

type fakeMarket struct {
	mu        sync.Mutex
	best      uint32
	hasBest   bool
	offers    map[string]market.Offer
	posted    []market.RoutedOfferInput
	cancelled []string
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{offers: map[string]market.Offer{}}
}

func (f *fakeMarket) setBest(rate uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.best, f.hasBest = rate, true
}

func (f *fakeMarket) accept(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.offers[id]
	o.IsActive = false
	o.ClosedReason = market.ClosedAccepted
	f.offers[id] = o
}

func (f *fakeMarket) BestBorrowRate(context.Context) (uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.best, f.hasBest, nil
}

func (f *fakeMarket) PostRoutedOffer(_ context.Context, in market.RoutedOfferInput) (market.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := market.Offer{
		ID:                 in.ID,
		Lender:             in.Lender,
		Amount:             in.Amount,
		MinRateBps:         in.RateBps,
		MaxDurationSeconds: in.MaxDurationSeconds,
		MinReputation:      in.MinReputation,
		IsActive:           true,
		Source:             market.SourceRouter,
	}
	f.offers[in.ID] = o
	f.posted = append(f.posted, in)
	return o, nil
}

func (f *fakeMarket) CancelRoutedOffer(_ context.Context, offerID, _ string) (market.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[offerID]
	if !ok {
		return market.Offer{}, errs.ErrOfferNotFound.WithID(offerID)
	}
	if !o.IsActive {
		return o, errs.ErrOfferNotActive.WithID(offerID)
	}
	o.IsActive = false
	o.ClosedReason = market.ClosedCancelled
	f.offers[offerID] = o
	f.cancelled = append(f.cancelled, offerID)
	return o, nil
}

func newRouter(t *testing.T) (*router.Service, *fakeMarket) {
	t.Helper()
	mkt := newFakeMarket()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return router.NewService(memory.NewRouterStore(), mkt, router.DefaultConfig(), logger), mkt
}

func loanEffect(t *testing.T, topic effect.Topic, loanID, offerID, lender string, principal, repayment uint64) effect.Effect {
	t.Helper()
	eff, err := effect.New(topic, loanID, effect.LoanPayload{
		LoanID:    loanID,
		OfferID:   offerID,
		Lender:    lender,
		Borrower:  "borrower",
		Principal: principal,
		Repayment: repayment,
		Source:    string(market.SourceRouter),
	})
	if err != nil {
		t.Fatalf("effect.New() error = %v", err)
	}
	return eff
}

func mustPosition(t *testing.T, svc *router.Service, owner string) router.Position {
	t.Helper()
	p, err := svc.GetPosition(context.Background(), owner)
	if err != nil {
		t.Fatalf("GetPosition(%s) error = %v", owner, err)
	}
	if p.Passive+p.P2P != p.Deposited {
		t.Fatalf("passive %d + p2p %d != deposited %d", p.Passive, p.P2P, p.Deposited)
	}
	if p.Reserved > p.Passive {
		t.Fatalf("reserved %d exceeds passive %d", p.Reserved, p.Passive)
	}
	return p
}

func TestWithdrawLimitedToLiquidPassive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRouter(t)

	if _, err := svc.Deposit(ctx, "lender", 1_000); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if err := svc.ApplyEffect(ctx, loanEffect(t, effect.TopicPositionFunded, "loan-1", "", "lender", 400, 0)); err != nil {
		t.Fatalf("ApplyEffect(funded) error = %v", err)
	}
	p := mustPosition(t, svc, "lender")
	if p.Passive != 600 || p.P2P != 400 || p.ActiveP2PLoanCount != 1 {
		t.Fatalf("position = %+v, want passive 600 p2p 400", p)
	}

	if _, err := svc.Withdraw(ctx, "lender", 700); !errors.Is(err, errs.ErrInsufficientLiquidAmount) {
		t.Fatalf("Withdraw(700) error = %v, want insufficient liquid amount", err)
	}
	got, err := svc.Withdraw(ctx, "lender", 600)
	if err != nil {
		t.Fatalf("Withdraw(600) error = %v", err)
	}
	if got != 600 {
		t.Fatalf("Withdraw(600) = %d", got)
	}
	p = mustPosition(t, svc, "lender")
	if p.Deposited != 400 || p.Passive != 0 || p.P2P != 400 {
		t.Fatalf("position = %+v, want deposited 400 all p2p", p)
	}
}

func TestFullWithdrawRemovesPosition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRouter(t)

	if _, err := svc.Deposit(ctx, "lender", 250); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if _, err := svc.Withdraw(ctx, "lender", 250); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if _, err := svc.GetPosition(ctx, "lender"); !errors.Is(err, errs.ErrPositionNotFound) {
		t.Fatalf("GetPosition() error = %v, want position not found", err)
	}
	if _, err := svc.Withdraw(ctx, "lender", 1); !errors.Is(err, errs.ErrPositionNotFound) {
		t.Fatalf("Withdraw() on missing position error = %v", err)
	}
}

func TestDepositValidation(t *testing.T) {
	ctx := context.Background()
	mkt := newFakeMarket()
	cfg := router.DefaultConfig()
	cfg.MaxDepositAmount = 10_000
	svc := router.NewService(memory.NewRouterStore(), mkt, cfg, nil)

	if _, err := svc.Deposit(ctx, "lender", 0); !errors.Is(err, errs.ErrInvalidAmount) {
		t.Fatalf("Deposit(0) error = %v", err)
	}
	if _, err := svc.Deposit(ctx, " ", 10); !errors.Is(err, errs.ErrInvalidIdentity) {
		t.Fatalf("Deposit(blank) error = %v", err)
	}
	if _, err := svc.Deposit(ctx, "lender", 10_001); !errors.Is(err, errs.ErrDepositTooLarge) {
		t.Fatalf("Deposit(too large) error = %v", err)
	}
	p, err := svc.Deposit(ctx, "lender", 10_000)
	if err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if !p.AutoRoute || p.MinP2PRateBps != 700 || p.PoolBufferBps != 100 {
		t.Fatalf("new position policy = %+v, want defaults", p)
	}
}

func TestRebalanceRoutesWhenBorrowRateClearsThresholds(t *testing.T) {
	ctx := context.Background()
	svc, mkt := newRouter(t)
	mkt.setBest(800)

	p, err := svc.Deposit(ctx, "lender", 1_000)
	if err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if len(mkt.posted) != 1 {
		t.Fatalf("posted offers = %d, want 1", len(mkt.posted))
	}
	first := mkt.posted[0]
	if first.Amount != 1_000 || first.RateBps != 700 || first.ID != p.RoutedOfferID {
		t.Fatalf("posted = %+v, position = %+v", first, p)
	}
	if p.Reserved != 1_000 || p.Liquid() != 0 {
		t.Fatalf("reservation = %d liquid = %d", p.Reserved, p.Liquid())
	}

	// Unchanged inputs keep the standing offer.
	if _, err := svc.Rebalance(ctx, "lender"); err != nil {
		t.Fatalf("Rebalance() error = %v", err)
	}
	if len(mkt.posted) != 1 || len(mkt.cancelled) != 0 {
		t.Fatalf("posted=%d cancelled=%d after idle rebalance", len(mkt.posted), len(mkt.cancelled))
	}

	if _, err := svc.Withdraw(ctx, "lender", 300); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if len(mkt.cancelled) != 1 || mkt.cancelled[0] != first.ID {
		t.Fatalf("cancelled = %v, want %s", mkt.cancelled, first.ID)
	}
	p = mustPosition(t, svc, "lender")
	if len(mkt.posted) != 2 || mkt.posted[1].Amount != 700 {
		t.Fatalf("reposted = %+v", mkt.posted)
	}
	if p.RoutedOfferID == first.ID || p.RoutedOfferID != mkt.posted[1].ID {
		t.Fatalf("routed offer id = %s, want fresh id %s", p.RoutedOfferID, mkt.posted[1].ID)
	}
}

func TestRebalanceStaysPassiveOnTie(t *testing.T) {
	ctx := context.Background()
	svc, mkt := newRouter(t)
	mkt.setBest(600)

	p, err := svc.Deposit(ctx, "lender", 1_000)
	if err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if len(mkt.posted) != 0 || p.RoutedOfferID != "" {
		t.Fatalf("tie should stay passive, posted=%v", mkt.posted)
	}
}

func TestPassiveRateChangeCancelsRoutedOffer(t *testing.T) {
	ctx := context.Background()
	svc, mkt := newRouter(t)
	mkt.setBest(800)

	if _, err := svc.Deposit(ctx, "lender", 1_000); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if _, err := svc.SetPassiveRate(ctx, 800); err != nil {
		t.Fatalf("SetPassiveRate() error = %v", err)
	}
	p := mustPosition(t, svc, "lender")
	if p.RoutedOfferID != "" || p.Reserved != 0 || len(mkt.cancelled) != 1 {
		t.Fatalf("position = %+v cancelled = %v", p, mkt.cancelled)
	}
	if _, err := svc.SetPassiveRate(ctx, 10_001); !errors.Is(err, errs.ErrInvalidRate) {
		t.Fatalf("SetPassiveRate(10001) error = %v", err)
	}
}

func TestAcceptedOfferBlocksWithdrawUntilFunded(t *testing.T) {
	ctx := context.Background()
	svc, mkt := newRouter(t)
	mkt.setBest(800)

	p, err := svc.Deposit(ctx, "lender", 1_000)
	if err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	mkt.accept(p.RoutedOfferID)

	if _, err := svc.Withdraw(ctx, "lender", 100); !errors.Is(err, errs.ErrInsufficientLiquidAmount) {
		t.Fatalf("Withdraw() error = %v, want insufficient liquid amount", err)
	}

	funded := loanEffect(t, effect.TopicPositionFunded, "loan-1", p.RoutedOfferID, "lender", 1_000, 1_010)
	if err := svc.ApplyEffect(ctx, funded); err != nil {
		t.Fatalf("ApplyEffect(funded) error = %v", err)
	}
	if err := svc.ApplyEffect(ctx, funded); err != nil {
		t.Fatalf("ApplyEffect(funded) replay error = %v", err)
	}
	p = mustPosition(t, svc, "lender")
	if p.P2P != 1_000 || p.Passive != 0 || p.ActiveP2PLoanCount != 1 || p.RoutedOfferID != "" || p.Reserved != 0 {
		t.Fatalf("position after funding = %+v", p)
	}
}

func TestResolvedLoansSplitFeesAndClaimInsurance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRouter(t)

	if _, err := svc.Deposit(ctx, "lender", 1_000); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	apply := func(eff effect.Effect) {
		t.Helper()
		if err := svc.ApplyEffect(ctx, eff); err != nil {
			t.Fatalf("ApplyEffect(%s) error = %v", eff.Key, err)
		}
	}

	apply(loanEffect(t, effect.TopicPositionFunded, "loan-1", "", "lender", 1_000, 1_100))
	repaid := loanEffect(t, effect.TopicPositionRepaid, "loan-1", "", "lender", 1_000, 1_100)
	apply(repaid)
	apply(repaid)

	p := mustPosition(t, svc, "lender")
	if p.Passive != 1_089 || p.P2P != 0 || p.Deposited != 1_089 || p.ActiveP2PLoanCount != 0 {
		t.Fatalf("position after repayment = %+v", p)
	}
	pool, err := svc.Pool(ctx)
	if err != nil {
		t.Fatalf("Pool() error = %v", err)
	}
	if pool.InsuranceBalance != 10 || pool.TreasuryBalance != 1 {
		t.Fatalf("pool = %+v, want insurance 10 treasury 1", pool)
	}

	apply(loanEffect(t, effect.TopicPositionFunded, "loan-2", "", "lender", 1_000, 1_100))
	apply(loanEffect(t, effect.TopicPositionImpaired, "loan-2", "", "lender", 1_000, 1_100))

	p = mustPosition(t, svc, "lender")
	if p.Passive != 90 || p.P2P != 0 || p.Deposited != 90 {
		t.Fatalf("position after impairment = %+v", p)
	}
	pool, _ = svc.Pool(ctx)
	if pool.InsuranceBalance != 9 {
		t.Fatalf("insurance after claim = %d, want 9", pool.InsuranceBalance)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Positions != 1 || stats.TotalDeposited != 90 || stats.UtilizationBps != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestApplyEffectRejections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRouter(t)

	err := svc.ApplyEffect(ctx, loanEffect(t, effect.TopicPositionFunded, "loan-1", "", "ghost", 10, 11))
	if !errors.Is(err, errs.ErrPositionNotFound) || errs.Retryable(err) {
		t.Fatalf("ApplyEffect(missing position) error = %v", err)
	}
	err = svc.ApplyEffect(ctx, loanEffect(t, effect.TopicRepayment, "loan-1", "", "ghost", 10, 11))
	if !errors.Is(err, errs.ErrUnsupportedEffect) {
		t.Fatalf("ApplyEffect(foreign topic) error = %v", err)
	}
	bad := effect.Effect{Key: "x", Topic: effect.TopicPositionRepaid, Payload: []byte("{")}
	if err := svc.ApplyEffect(ctx, bad); !errors.Is(err, errs.ErrInvalidEffect) {
		t.Fatalf("ApplyEffect(bad payload) error = %v", err)
	}
}

func TestRateSignalRebalancesEveryPosition(t *testing.T) {
	ctx := context.Background()
	svc, mkt := newRouter(t)

	for _, owner := range []string{"a", "b"} {
		if _, err := svc.Deposit(ctx, owner, 500); err != nil {
			t.Fatalf("Deposit(%s) error = %v", owner, err)
		}
	}
	if len(mkt.posted) != 0 {
		t.Fatalf("no borrower demand should post nothing, got %v", mkt.posted)
	}

	mkt.setBest(900)
	sig, err := effect.New(effect.TopicRateSignal, "req-1@posted", effect.RateSignalPayload{RequestID: "req-1", Event: "posted", MaxRateBps: 900})
	if err != nil {
		t.Fatalf("effect.New() error = %v", err)
	}
	if err := svc.ApplyEffect(ctx, sig); err != nil {
		t.Fatalf("ApplyEffect(rate signal) error = %v", err)
	}
	if len(mkt.posted) != 2 {
		t.Fatalf("posted = %d, want one offer per position", len(mkt.posted))
	}
	for _, owner := range []string{"a", "b"} {
		if p := mustPosition(t, svc, owner); p.Reserved != 500 {
			t.Fatalf("%s reserved = %d, want 500", owner, p.Reserved)
		}
	}
}

func TestSetPolicy(t *testing.T) {
	ctx := context.Background()
	svc, mkt := newRouter(t)
	mkt.setBest(800)

	off := false
	if _, err := svc.SetPolicy(ctx, "lender", router.PolicyInput{AutoRoute: &off}); !errors.Is(err, errs.ErrPositionNotFound) {
		t.Fatalf("SetPolicy(missing) error = %v", err)
	}
	if _, err := svc.Deposit(ctx, "lender", 1_000); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}

	tooHigh := uint32(10_001)
	if _, err := svc.SetPolicy(ctx, "lender", router.PolicyInput{PoolBufferBps: &tooHigh}); !errors.Is(err, errs.ErrInvalidRate) {
		t.Fatalf("SetPolicy(buffer) error = %v", err)
	}
	zero := uint64(0)
	if _, err := svc.SetPolicy(ctx, "lender", router.PolicyInput{MaxDurationSeconds: &zero}); !errors.Is(err, errs.ErrInvalidDuration) {
		t.Fatalf("SetPolicy(duration) error = %v", err)
	}

	p, err := svc.SetPolicy(ctx, "lender", router.PolicyInput{AutoRoute: &off})
	if err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}
	if p.AutoRoute || p.RoutedOfferID == "" {
		t.Fatalf("policy applies on next rebalance, got %+v", p)
	}
	p, err = svc.Rebalance(ctx, "lender")
	if err != nil {
		t.Fatalf("Rebalance() error = %v", err)
	}
	if p.RoutedOfferID != "" || p.Reserved != 0 {
		t.Fatalf("auto route off should release the offer, got %+v", p)
	}
}

func TestResolutionWaitsForFunding(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRouter(t)

	if _, err := svc.Deposit(ctx, "lender", 1_000); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	funded := loanEffect(t, effect.TopicPositionFunded, "loan-1", "", "lender", 400, 410)
	repaid := loanEffect(t, effect.TopicPositionRepaid, "loan-1", "", "lender", 400, 410)

	err := svc.ApplyEffect(ctx, repaid)
	if !errors.Is(err, errs.ErrEffectOutOfOrder) || !errs.Retryable(err) {
		t.Fatalf("ApplyEffect(repaid before funded) error = %v, want retryable out of order", err)
	}
	impaired := loanEffect(t, effect.TopicPositionImpaired, "loan-1", "", "lender", 400, 410)
	if err := svc.ApplyEffect(ctx, impaired); !errors.Is(err, errs.ErrEffectOutOfOrder) {
		t.Fatalf("ApplyEffect(impaired before funded) error = %v", err)
	}
	if p := mustPosition(t, svc, "lender"); p.Deposited != 1_000 || p.Passive != 1_000 || p.ActiveP2PLoanCount != 0 {
		t.Fatalf("deferred resolution changed position: %+v", p)
	}

	if err := svc.ApplyEffect(ctx, funded); err != nil {
		t.Fatalf("ApplyEffect(funded) error = %v", err)
	}
	if err := svc.ApplyEffect(ctx, repaid); err != nil {
		t.Fatalf("ApplyEffect(repaid retry) error = %v", err)
	}
	p := mustPosition(t, svc, "lender")
	if p.Deposited != 1_009 || p.Passive != 1_009 || p.P2P != 0 || p.ActiveP2PLoanCount != 0 {
		t.Fatalf("position after in-order resolution = %+v", p)
	}
}

func TestSetFeeRates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRouter(t)
	u32 := func(v uint32) *uint32 { return &v }

	cases := []struct {
		name string
		in   router.FeeRatesInput
	}{
		{"empty", router.FeeRatesInput{}},
		{"insurance above cap", router.FeeRatesInput{InsuranceFeeBps: u32(router.MaxInsuranceFeeBps + 1)}},
		{"protocol above cap", router.FeeRatesInput{ProtocolFeeBps: u32(router.MaxProtocolFeeBps + 1)}},
	}
	for _, tc := range cases {
		if _, err := svc.SetFeeRates(ctx, tc.in); !errors.Is(err, errs.ErrInvalidFeeRate) {
			t.Fatalf("%s: SetFeeRates() error = %v, want invalid fee rate", tc.name, err)
		}
	}

	pool, err := svc.SetFeeRates(ctx, router.FeeRatesInput{InsuranceFeeBps: u32(router.MaxInsuranceFeeBps)})
	if err != nil {
		t.Fatalf("SetFeeRates(insurance at cap) error = %v", err)
	}
	if pool.InsuranceFeeBps != 2_000 || pool.ProtocolFeeBps != 100 {
		t.Fatalf("pool = %+v, want insurance 2000 protocol unchanged", pool)
	}
	if _, err := svc.SetFeeRates(ctx, router.FeeRatesInput{ProtocolFeeBps: u32(router.MaxProtocolFeeBps)}); err != nil {
		t.Fatalf("SetFeeRates(protocol at cap) error = %v", err)
	}

	if _, err := svc.Deposit(ctx, "lender", 1_000); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	for _, topic := range []effect.Topic{effect.TopicPositionFunded, effect.TopicPositionRepaid} {
		if err := svc.ApplyEffect(ctx, loanEffect(t, topic, "loan-1", "", "lender", 1_000, 1_100)); err != nil {
			t.Fatalf("ApplyEffect(%s) error = %v", topic, err)
		}
	}
	p := mustPosition(t, svc, "lender")
	if p.Deposited != 1_075 {
		t.Fatalf("deposited = %d, want 1075 after 20%% insurance and 5%% protocol cut", p.Deposited)
	}
	stats, _ := svc.Stats(ctx)
	if stats.InsuranceBalance != 20 || stats.TreasuryBalance != 5 || stats.InsuranceFeeBps != 2_000 || stats.ProtocolFeeBps != 500 {
		t.Fatalf("stats = %+v", stats)
	}
}
