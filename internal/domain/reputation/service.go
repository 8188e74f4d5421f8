package reputation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
)

type Service struct {
	store  Store
	policy Policy
	now    func() time.Time
}

func NewService(store Store, policy Policy) *Service {
	if len(policy.Tiers) == 0 {
		policy = DefaultPolicy()
	}
	return &Service{
		store:  store,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) GetProfile(ctx context.Context, identity string) (Profile, error) {
	identity = strings.TrimSpace(identity)
	p, err := s.store.Get(ctx, identity)
	if errors.Is(err, errs.ErrNoRecord) {
		return Profile{}, errs.ErrProfileNotFound.WithID(identity)
	}
	return p, err
}

func (s *Service) GetOrCreateProfile(ctx context.Context, identity string) (Profile, error) {
	p, _, err := s.RegisterAgent(ctx, identity)
	return p, err
}

// RegisterAgent creates the profile on first sight and reports whether it did.
func (s *Service) RegisterAgent(ctx context.Context, identity string) (Profile, bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Profile{}, false, errs.ErrInvalidIdentity
	}

	var (
		out     Profile
		created bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, isNew, err := s.lockOrNew(ctx, tx, identity)
		if err != nil {
			return err
		}
		if isNew {
			if err := tx.Save(ctx, p); err != nil {
				return err
			}
		}
		out, created = p, isNew
		return nil
	})
	return out, created, err
}

func (s *Service) RecordRepayment(ctx context.Context, identity string, repaid uint64) (Profile, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Profile{}, errs.ErrInvalidIdentity
	}
	var out Profile
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.applyRepayment(ctx, tx, identity, repaid)
		out = p
		return err
	})
	return out, err
}

// RecordDefault penalizes a known borrower. A default against an identity
// that never borrowed is rejected.
func (s *Service) RecordDefault(ctx context.Context, identity string) (Profile, error) {
	identity = strings.TrimSpace(identity)
	var out Profile
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.Lock(ctx, identity)
		if errors.Is(err, errs.ErrNoRecord) {
			return errs.ErrProfileNotFound.WithID(identity)
		}
		if err != nil {
			return err
		}
		out, err = s.applyDefault(ctx, tx, p)
		return err
	})
	return out, err
}

func (s *Service) RecordLoanOpened(ctx context.Context, borrower, lender string, amount uint64) error {
	borrower = strings.TrimSpace(borrower)
	lender = strings.TrimSpace(lender)
	if borrower == "" || lender == "" {
		return errs.ErrInvalidIdentity
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.applyLoanOpened(ctx, tx, borrower, lender, amount)
	})
}

// CheckEligibility evaluates an unknown identity as a fresh tier-1 profile
// without persisting it.
func (s *Service) CheckEligibility(ctx context.Context, identity string, requestedAmount uint64, lenderMinReputation uint16) (bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false, errs.ErrInvalidIdentity
	}
	p, err := s.store.Get(ctx, identity)
	if errors.Is(err, errs.ErrNoRecord) {
		p = s.policy.newProfile(identity, s.now().Unix())
	} else if err != nil {
		return false, err
	}
	return requestedAmount <= p.MaxBorrowLimit && p.Score >= lenderMinReputation, nil
}

func (s *Service) TierProgress(ctx context.Context, identity string) (TierProgress, error) {
	p, err := s.GetProfile(ctx, identity)
	if err != nil {
		return TierProgress{}, err
	}
	out := TierProgress{
		Identity:             p.Identity,
		CurrentTier:          p.CreditTier,
		MaxBorrowLimit:       p.MaxBorrowLimit,
		SuccessfulRepayments: p.SuccessfulRepayments,
	}
	if next, ok := s.policy.next(p.CreditTier); ok {
		out.NextTier = next.Level
		out.NextTierLimit = next.Limit
		if next.MinRepayments > p.SuccessfulRepayments {
			out.RepaymentsToNextTier = next.MinRepayments - p.SuccessfulRepayments
		}
	}
	return out, nil
}

// ApplyEffect applies a loan follow-up effect exactly once per effect key.
func (s *Service) ApplyEffect(ctx context.Context, eff effect.Effect) error {
	switch eff.Topic {
	case effect.TopicLoanOpened, effect.TopicRepayment, effect.TopicDefault:
	default:
		return errs.ErrUnsupportedEffect.WithID(eff.Key)
	}
	payload, err := eff.Loan()
	if err != nil {
		return err
	}
	if payload.Borrower == "" {
		return errs.ErrInvalidEffect.WithID(eff.Key)
	}

	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		done, err := tx.EffectApplied(ctx, eff.Key)
		if err != nil || done {
			return err
		}

		switch eff.Topic {
		case effect.TopicLoanOpened:
			if payload.Lender == "" {
				return errs.ErrInvalidEffect.WithID(eff.Key)
			}
			err = s.applyLoanOpened(ctx, tx, payload.Borrower, payload.Lender, payload.Principal)
		case effect.TopicRepayment:
			_, err = s.applyRepayment(ctx, tx, payload.Borrower, payload.Repayment)
		case effect.TopicDefault:
			// The borrower held a loan, so a missing profile is created here
			// rather than rejected.
			var p Profile
			p, _, err = s.lockOrNew(ctx, tx, payload.Borrower)
			if err == nil {
				_, err = s.applyDefault(ctx, tx, p)
			}
		}
		if err != nil {
			return err
		}
		return tx.MarkEffectApplied(ctx, eff.Key)
	})
}

func (s *Service) lockOrNew(ctx context.Context, tx Tx, identity string) (Profile, bool, error) {
	p, err := tx.Lock(ctx, identity)
	if errors.Is(err, errs.ErrNoRecord) {
		return s.policy.newProfile(identity, s.now().Unix()), true, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return p, false, nil
}

func (s *Service) applyRepayment(ctx context.Context, tx Tx, identity string, repaid uint64) (Profile, error) {
	p, _, err := s.lockOrNew(ctx, tx, identity)
	if err != nil {
		return Profile{}, err
	}
	p.SuccessfulRepayments++
	p.TotalRepaid = saturatingAdd(p.TotalRepaid, repaid)
	s.policy.recompute(&p, s.now().Unix())
	return p, tx.Save(ctx, p)
}

func (s *Service) applyDefault(ctx context.Context, tx Tx, p Profile) (Profile, error) {
	p.Defaults++
	s.policy.recompute(&p, s.now().Unix())
	return p, tx.Save(ctx, p)
}

func (s *Service) applyLoanOpened(ctx context.Context, tx Tx, borrower, lender string, amount uint64) error {
	ids := []string{borrower, lender}
	sort.Strings(ids)
	now := s.now().Unix()

	profiles := map[string]Profile{}
	for _, id := range ids {
		if _, seen := profiles[id]; seen {
			continue
		}
		p, _, err := s.lockOrNew(ctx, tx, id)
		if err != nil {
			return err
		}
		profiles[id] = p
	}

	b := profiles[borrower]
	b.LoansTaken++
	b.TotalBorrowed = saturatingAdd(b.TotalBorrowed, amount)
	profiles[borrower] = b

	l := profiles[lender]
	l.TotalLent = saturatingAdd(l.TotalLent, amount)
	profiles[lender] = l

	for _, id := range ids {
		p, ok := profiles[id]
		if !ok {
			continue
		}
		s.policy.recompute(&p, now)
		if err := tx.Save(ctx, p); err != nil {
			return err
		}
		delete(profiles, id)
	}
	return nil
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}
