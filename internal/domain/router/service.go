package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/keys"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/metrics"
)

const (
	decisionRoute   = "route"
	decisionPassive = "passive"
	decisionHold    = "hold"
	decisionFailed  = "failed"
)

type Service struct {
	store  Store
	market Market
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, mkt Market, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxOfferBps == 0 || cfg.MaxOfferBps > bpsDenominator {
		cfg.MaxOfferBps = bpsDenominator
	}
	if cfg.DefaultMaxDurationSeconds == 0 {
		cfg.DefaultMaxDurationSeconds = DefaultConfig().DefaultMaxDurationSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		market: mkt,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) GetPosition(ctx context.Context, owner string) (Position, error) {
	owner = strings.TrimSpace(owner)
	p, err := s.store.GetPosition(ctx, owner)
	if errors.Is(err, errs.ErrNoRecord) {
		return Position{}, errs.ErrPositionNotFound.WithID(owner)
	}
	return p, err
}

func (s *Service) Pool(ctx context.Context) (PoolState, error) {
	p, err := s.store.GetPool(ctx)
	if errors.Is(err, errs.ErrNoRecord) {
		return s.defaultPool(), nil
	}
	return p, err
}

func (s *Service) defaultPool() PoolState {
	return PoolState{
		PassiveRateBps:  s.cfg.PassiveRateBps,
		InsuranceFeeBps: s.cfg.InsuranceFeeBps,
		ProtocolFeeBps:  s.cfg.ProtocolFeeBps,
	}
}

// Deposit adds to the passive side, creating the position with the default
// policy on first deposit, then re-evaluates routing.
func (s *Service) Deposit(ctx context.Context, owner string, amount uint64) (Position, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Position{}, errs.ErrInvalidIdentity
	}
	if amount == 0 {
		return Position{}, errs.ErrInvalidAmount
	}
	if s.cfg.MaxDepositAmount > 0 && amount > s.cfg.MaxDepositAmount {
		return Position{}, errs.ErrDepositTooLarge.WithID(owner)
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPosition(ctx, owner)
		if errors.Is(err, errs.ErrNoRecord) {
			p, err = s.newPosition(owner), nil
		}
		if err != nil {
			return err
		}
		if p.Deposited > market.MaxAmount || amount > market.MaxAmount-p.Deposited {
			return errs.ErrDepositTooLarge.WithID(owner)
		}
		p.Deposited += amount
		p.Passive += amount
		p.UpdatedAt = s.now().Unix()
		return tx.SavePosition(ctx, p)
	})
	if err != nil {
		return Position{}, err
	}
	s.rebalanceLogged(ctx, owner)
	return s.GetPosition(ctx, owner)
}

// Withdraw pays out only liquid passive funds. When the standing router offer
// holds the requested amount it is cancelled first; if the offer has already
// been accepted the withdrawal fails.
func (s *Service) Withdraw(ctx context.Context, owner string, amount uint64) (uint64, error) {
	owner = strings.TrimSpace(owner)
	if amount == 0 {
		return 0, errs.ErrInvalidAmount
	}
	pos, err := s.GetPosition(ctx, owner)
	if err != nil {
		return 0, err
	}
	if amount > pos.Passive {
		return 0, errs.ErrInsufficientLiquidAmount.WithID(owner)
	}
	if amount > pos.Liquid() && pos.RoutedOfferID != "" {
		released, err := s.releaseOffer(ctx, owner, pos.RoutedOfferID)
		if err != nil {
			return 0, err
		}
		if !released {
			return 0, errs.ErrInsufficientLiquidAmount.WithID(owner)
		}
	}

	var removed bool
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.lockPosition(ctx, tx, owner)
		if err != nil {
			return err
		}
		if amount > p.Liquid() {
			return errs.ErrInsufficientLiquidAmount.WithID(owner)
		}
		p.Passive -= amount
		p.Deposited -= amount
		if p.Deposited == 0 && p.ActiveP2PLoanCount == 0 && p.RoutedOfferID == "" {
			removed = true
			return tx.DeletePosition(ctx, owner)
		}
		p.UpdatedAt = s.now().Unix()
		return tx.SavePosition(ctx, p)
	})
	if err != nil {
		return 0, err
	}
	if !removed {
		s.rebalanceLogged(ctx, owner)
	}
	return amount, nil
}

// SetPolicy changes routing thresholds. The new policy takes effect on the
// next rebalance.
func (s *Service) SetPolicy(ctx context.Context, owner string, in PolicyInput) (Position, error) {
	owner = strings.TrimSpace(owner)
	if in.MinP2PRateBps != nil && *in.MinP2PRateBps > bpsDenominator {
		return Position{}, errs.ErrInvalidRate
	}
	if in.PoolBufferBps != nil && *in.PoolBufferBps > bpsDenominator {
		return Position{}, errs.ErrInvalidRate
	}
	if in.MaxDurationSeconds != nil && (*in.MaxDurationSeconds == 0 || *in.MaxDurationSeconds > market.MaxLoanDurationSeconds) {
		return Position{}, errs.ErrInvalidDuration
	}

	var out Position
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.lockPosition(ctx, tx, owner)
		if err != nil {
			return err
		}
		if in.MinP2PRateBps != nil {
			p.MinP2PRateBps = *in.MinP2PRateBps
		}
		if in.PoolBufferBps != nil {
			p.PoolBufferBps = *in.PoolBufferBps
		}
		if in.AutoRoute != nil {
			p.AutoRoute = *in.AutoRoute
		}
		if in.MaxDurationSeconds != nil {
			p.MaxDurationSeconds = *in.MaxDurationSeconds
		}
		if in.MinReputation != nil {
			p.MinReputation = *in.MinReputation
		}
		p.UpdatedAt = s.now().Unix()
		out = p
		return tx.SavePosition(ctx, p)
	})
	return out, err
}

// Rebalance compares the best open borrower rate with the passive rate and
// moves the position's routable funds toward the better venue.
func (s *Service) Rebalance(ctx context.Context, owner string) (Position, error) {
	pos, err := s.GetPosition(ctx, owner)
	if err != nil {
		return Position{}, err
	}
	pool, err := s.Pool(ctx)
	if err != nil {
		return Position{}, err
	}
	best, ok, err := s.market.BestBorrowRate(ctx)
	if err != nil {
		return Position{}, err
	}
	return s.reconcile(ctx, pos, pool.PassiveRateBps, best, ok)
}

func (s *Service) RebalanceAll(ctx context.Context) error {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return err
	}
	pool, err := s.Pool(ctx)
	if err != nil {
		return err
	}
	best, ok, err := s.market.BestBorrowRate(ctx)
	if err != nil {
		return err
	}
	var all []error
	for _, p := range positions {
		_, err := s.reconcile(ctx, p, pool.PassiveRateBps, best, ok)
		if err != nil && !errors.Is(err, errs.ErrPositionNotFound) {
			all = append(all, fmt.Errorf("rebalance %s: %w", p.Owner, err))
		}
	}
	return errors.Join(all...)
}

func (s *Service) SetPassiveRate(ctx context.Context, rateBps uint32) (PoolState, error) {
	if rateBps > bpsDenominator {
		return PoolState{}, errs.ErrInvalidRate
	}
	var out PoolState
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		pool, err := s.lockPool(ctx, tx)
		if err != nil {
			return err
		}
		pool.PassiveRateBps = rateBps
		pool.UpdatedAt = s.now().Unix()
		out = pool
		return tx.SavePool(ctx, pool)
	})
	if err != nil {
		return PoolState{}, err
	}
	if err := s.RebalanceAll(ctx); err != nil {
		s.logger.Warn("rebalance after passive rate change failed", "err", err)
	}
	return out, nil
}

// SetFeeRates changes the insurance and protocol cuts taken from future
// repayments. Loans already resolved keep the split they were settled with.
func (s *Service) SetFeeRates(ctx context.Context, in FeeRatesInput) (PoolState, error) {
	if in.InsuranceFeeBps == nil && in.ProtocolFeeBps == nil {
		return PoolState{}, errs.ErrInvalidFeeRate
	}
	if in.InsuranceFeeBps != nil && *in.InsuranceFeeBps > MaxInsuranceFeeBps {
		return PoolState{}, errs.ErrInvalidFeeRate.WithID("insurance_fee_bps")
	}
	if in.ProtocolFeeBps != nil && *in.ProtocolFeeBps > MaxProtocolFeeBps {
		return PoolState{}, errs.ErrInvalidFeeRate.WithID("protocol_fee_bps")
	}
	var out PoolState
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		pool, err := s.lockPool(ctx, tx)
		if err != nil {
			return err
		}
		if in.InsuranceFeeBps != nil {
			pool.InsuranceFeeBps = *in.InsuranceFeeBps
		}
		if in.ProtocolFeeBps != nil {
			pool.ProtocolFeeBps = *in.ProtocolFeeBps
		}
		pool.UpdatedAt = s.now().Unix()
		out = pool
		return tx.SavePool(ctx, pool)
	})
	if err != nil {
		return PoolState{}, err
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return Stats{}, err
	}
	pool, err := s.Pool(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		Positions:        len(positions),
		PassiveRateBps:   pool.PassiveRateBps,
		InsuranceFeeBps:  pool.InsuranceFeeBps,
		ProtocolFeeBps:   pool.ProtocolFeeBps,
		InsuranceBalance: pool.InsuranceBalance,
		TreasuryBalance:  pool.TreasuryBalance,
	}
	for _, p := range positions {
		out.TotalDeposited += p.Deposited
		out.TotalPassive += p.Passive
		out.TotalP2P += p.P2P
		out.TotalReserved += p.Reserved
		out.ActiveP2PLoans += uint64(p.ActiveP2PLoanCount)
	}
	if out.TotalDeposited > 0 {
		out.UtilizationBps = ratioBps(out.TotalP2P, out.TotalDeposited)
	}
	return out, nil
}

// ApplyEffect consumes the position effects LoanMarket emits for router-funded
// loans, plus the rate signals that trigger a sweep over every position.
func (s *Service) ApplyEffect(ctx context.Context, eff effect.Effect) error {
	switch eff.Topic {
	case effect.TopicRateSignal:
		var sig effect.RateSignalPayload
		if err := eff.Decode(&sig); err != nil {
			return err
		}
		return s.RebalanceAll(ctx)
	case effect.TopicPositionFunded, effect.TopicPositionRepaid, effect.TopicPositionImpaired:
	default:
		return errs.ErrUnsupportedEffect.WithID(eff.Key)
	}

	payload, err := eff.Loan()
	if err != nil {
		return err
	}
	owner := strings.TrimSpace(payload.Lender)
	if owner == "" {
		return errs.ErrInvalidEffect.WithID(eff.Key)
	}

	var applied bool
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		done, err := tx.EffectApplied(ctx, eff.Key)
		if err != nil || done {
			return err
		}
		p, err := s.lockPosition(ctx, tx, owner)
		if err != nil {
			return err
		}

		switch eff.Topic {
		case effect.TopicPositionFunded:
			onLoanFunded(&p, payload.Principal, payload.OfferID)
		default:
			// A resolution retried past its funding would release capital
			// that was never moved into p2p.
			funded, err := tx.EffectApplied(ctx, effect.Key(payload.LoanID, effect.TopicPositionFunded))
			if err != nil {
				return err
			}
			if !funded {
				return errs.ErrEffectOutOfOrder.WithID(eff.Key)
			}
			pool, err := s.lockPool(ctx, tx)
			if err != nil {
				return err
			}
			s.onLoanResolved(&p, &pool, payload.Principal, payload.Repayment, eff.Topic == effect.TopicPositionImpaired)
			pool.UpdatedAt = s.now().Unix()
			if err := tx.SavePool(ctx, pool); err != nil {
				return err
			}
		}
		p.UpdatedAt = s.now().Unix()
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		applied = true
		return tx.MarkEffectApplied(ctx, eff.Key)
	})
	if err != nil {
		return err
	}
	if applied {
		s.rebalanceLogged(ctx, owner)
	}
	return nil
}

// onLoanFunded moves the accepted amount from passive to p2p and clears the
// reservation held by the accepted offer.
func onLoanFunded(p *Position, amount uint64, offerID string) {
	moved := minU64(amount, p.Passive)
	p.Passive -= moved
	p.P2P += moved
	p.ActiveP2PLoanCount++
	if offerID != "" && offerID == p.RoutedOfferID {
		p.Reserved = 0
		p.RoutedOfferID = ""
		p.RoutedRateBps = 0
	}
	if p.Reserved > p.Passive {
		p.Reserved = p.Passive
	}
}

// onLoanResolved returns a repaid loan's principal plus net interest to the
// passive side, splitting the insurance and protocol fees off the interest.
// An impaired loan's principal is written off and the insurance fund covers
// part of it.
func (s *Service) onLoanResolved(p *Position, pool *PoolState, principal, repayment uint64, impaired bool) {
	back := minU64(principal, p.P2P)
	p.P2P -= back
	if p.ActiveP2PLoanCount > 0 {
		p.ActiveP2PLoanCount--
	}

	if impaired {
		p.Deposited -= back
		claim := minU64(mulBps(principal, s.cfg.CoverageBps), mulBps(pool.InsuranceBalance, s.cfg.MaxClaimBps))
		pool.InsuranceBalance -= claim
		p.Passive += claim
		p.Deposited += claim
		return
	}

	var interest uint64
	if repayment > principal {
		interest = repayment - principal
	}
	insurance := mulBps(interest, pool.InsuranceFeeBps)
	protocol := mulBps(interest, pool.ProtocolFeeBps)
	if insurance+protocol > interest {
		protocol = interest - insurance
	}
	net := interest - insurance - protocol
	pool.InsuranceBalance += insurance
	pool.TreasuryBalance += protocol
	p.Passive += back + net
	p.Deposited += net
}

func (s *Service) reconcile(ctx context.Context, pos Position, passiveRate, best uint32, haveBest bool) (Position, error) {
	var (
		target uint64
		rate   uint32
	)
	if haveBest && shouldRoute(pos, passiveRate, best) {
		rate = offerRate(pos, passiveRate)
		target = minU64(pos.Passive, mulBps(pos.Deposited, s.cfg.MaxOfferBps))
	}

	if pos.RoutedOfferID != "" {
		if pos.Reserved == target && pos.RoutedRateBps == rate {
			metrics.RouterRebalancesTotal.WithLabelValues(decisionHold).Inc()
			return pos, nil
		}
		released, err := s.releaseOffer(ctx, pos.Owner, pos.RoutedOfferID)
		if err != nil {
			metrics.RouterRebalancesTotal.WithLabelValues(decisionFailed).Inc()
			return Position{}, err
		}
		if !released {
			// Accepted; the funded effect will settle the reservation.
			metrics.RouterRebalancesTotal.WithLabelValues(decisionHold).Inc()
			return s.GetPosition(ctx, pos.Owner)
		}
	}

	if target == 0 {
		metrics.RouterRebalancesTotal.WithLabelValues(decisionPassive).Inc()
		return s.GetPosition(ctx, pos.Owner)
	}
	out, err := s.reserveAndPost(ctx, pos.Owner, target, rate)
	if err != nil {
		metrics.RouterRebalancesTotal.WithLabelValues(decisionFailed).Inc()
		return Position{}, err
	}
	metrics.RouterRebalancesTotal.WithLabelValues(decisionRoute).Inc()
	return out, nil
}

// reserveAndPost earmarks funds under a fresh offer id, then posts the
// offer. The reservation is released again if posting fails.
func (s *Service) reserveAndPost(ctx context.Context, owner string, target uint64, rate uint32) (Position, error) {
	var (
		pos    Position
		posted bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.lockPosition(ctx, tx, owner)
		if err != nil {
			return err
		}
		amount := minU64(target, p.Passive)
		if p.RoutedOfferID != "" || amount == 0 {
			pos = p
			return nil
		}
		p.OfferNonce++
		p.Reserved = amount
		p.RoutedOfferID = keys.Derive("routed_offer", owner, strconv.FormatUint(p.OfferNonce, 10))
		p.RoutedRateBps = rate
		p.UpdatedAt = s.now().Unix()
		pos, posted = p, true
		return tx.SavePosition(ctx, p)
	})
	if err != nil || !posted {
		return pos, err
	}

	_, err = s.market.PostRoutedOffer(ctx, market.RoutedOfferInput{
		ID:                 pos.RoutedOfferID,
		Lender:             owner,
		Amount:             pos.Reserved,
		RateBps:            rate,
		MaxDurationSeconds: pos.MaxDurationSeconds,
		MinReputation:      pos.MinReputation,
	})
	if err != nil {
		if _, relErr := s.releaseOffer(ctx, owner, pos.RoutedOfferID); relErr != nil {
			s.logger.Error("release routed offer failed", "owner", owner, "offer_id", pos.RoutedOfferID, "err", relErr)
		}
		return Position{}, fmt.Errorf("post routed offer: %w", err)
	}
	s.logger.Info("routed offer posted", "owner", owner, "offer_id", pos.RoutedOfferID, "amount", pos.Reserved, "rate_bps", rate)
	return pos, nil
}

// releaseOffer cancels the routed offer and clears its reservation. It
// reports false when the offer was accepted before it could be cancelled.
func (s *Service) releaseOffer(ctx context.Context, owner, offerID string) (bool, error) {
	o, err := s.market.CancelRoutedOffer(ctx, offerID, owner)
	switch {
	case err == nil, errors.Is(err, errs.ErrOfferNotFound):
	case errors.Is(err, errs.ErrOfferNotActive):
		if o.ClosedReason == market.ClosedAccepted {
			return false, nil
		}
	default:
		return false, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.lockPosition(ctx, tx, owner)
		if err != nil {
			return err
		}
		if p.RoutedOfferID != offerID {
			return nil
		}
		p.Reserved = 0
		p.RoutedOfferID = ""
		p.RoutedRateBps = 0
		p.UpdatedAt = s.now().Unix()
		return tx.SavePosition(ctx, p)
	})
	return err == nil, err
}

func (s *Service) rebalanceLogged(ctx context.Context, owner string) {
	if _, err := s.Rebalance(ctx, owner); err != nil {
		s.logger.Warn("rebalance failed", "owner", owner, "err", err)
	}
}

func (s *Service) newPosition(owner string) Position {
	now := s.now().Unix()
	return Position{
		Owner:              owner,
		MinP2PRateBps:      s.cfg.DefaultMinP2PRateBps,
		PoolBufferBps:      s.cfg.DefaultPoolBufferBps,
		AutoRoute:          true,
		MaxDurationSeconds: s.cfg.DefaultMaxDurationSeconds,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (s *Service) lockPosition(ctx context.Context, tx Tx, owner string) (Position, error) {
	p, err := tx.LockPosition(ctx, owner)
	if errors.Is(err, errs.ErrNoRecord) {
		return Position{}, errs.ErrPositionNotFound.WithID(owner)
	}
	return p, err
}

func (s *Service) lockPool(ctx context.Context, tx Tx) (PoolState, error) {
	p, err := tx.LockPool(ctx)
	if errors.Is(err, errs.ErrNoRecord) {
		return s.defaultPool(), nil
	}
	return p, err
}
