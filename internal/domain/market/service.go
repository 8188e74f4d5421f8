package market

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/metrics"
)

const (
	ClosedAccepted  = "accepted"
	ClosedCancelled = "cancelled"

	rateEventPosted    = "posted"
	rateEventCancelled = "cancelled"
	rateEventFilled    = "filled"
)

type Config struct {
	DefaultRateBps uint32
	MaxRateBps     uint32
}

func DefaultConfig() Config {
	return Config{DefaultRateBps: 500, MaxRateBps: BpsDenominator}
}

type Service struct {
	store      Store
	reputation Reputation
	cfg        Config
	now        func() time.Time
	newID      func() string
}

func NewService(store Store, rep Reputation, cfg Config) *Service {
	if cfg.MaxRateBps == 0 {
		cfg.MaxRateBps = BpsDenominator
	}
	return &Service{
		store:      store,
		reputation: rep,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// WithClock replaces the time source; tests use it to move past due dates.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) PostOffer(ctx context.Context, in PostOfferInput) (Offer, error) {
	in.Lender = strings.TrimSpace(in.Lender)
	if in.Lender == "" {
		return Offer{}, errs.ErrInvalidIdentity
	}
	if !validAmount(in.Amount) {
		return Offer{}, errs.ErrInvalidAmount
	}
	if in.MinRateBps > s.cfg.MaxRateBps {
		return Offer{}, errs.ErrInvalidRate
	}
	if !validDuration(in.MaxDurationSeconds) {
		return Offer{}, errs.ErrInvalidDuration
	}

	now := s.now().Unix()
	o := Offer{
		ID:                 s.newID(),
		Lender:             in.Lender,
		Amount:             in.Amount,
		MinRateBps:         in.MinRateBps,
		MaxDurationSeconds: in.MaxDurationSeconds,
		MinReputation:      in.MinReputation,
		IsActive:           true,
		Source:             SourceDirect,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOffer(ctx, o)
	})
	if err != nil {
		return Offer{}, err
	}
	return o, nil
}

func (s *Service) CancelOffer(ctx context.Context, offerID, caller string) (Offer, error) {
	offerID = strings.TrimSpace(offerID)
	var out Offer
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if o.Source == SourceRouter || o.Lender != strings.TrimSpace(caller) {
			return errs.ErrUnauthorized.WithID(offerID)
		}
		if !o.IsActive {
			return errs.ErrOfferNotActive.WithID(offerID)
		}
		o.IsActive = false
		o.ClosedReason = ClosedCancelled
		o.UpdatedAt = s.now().Unix()
		out = o
		return tx.UpdateOffer(ctx, o)
	})
	return out, err
}

// AcceptOffer validates terms and eligibility before opening the
// transaction, so a rejected acceptance writes nothing.
func (s *Service) AcceptOffer(ctx context.Context, in AcceptOfferInput) (Loan, error) {
	in.OfferID = strings.TrimSpace(in.OfferID)
	in.Borrower = strings.TrimSpace(in.Borrower)
	if in.Borrower == "" {
		return Loan{}, errs.ErrInvalidIdentity
	}
	if !validAmount(in.Amount) {
		return Loan{}, errs.ErrInvalidAmount
	}
	if !validDuration(in.DurationSeconds) {
		return Loan{}, errs.ErrInvalidDuration
	}

	o, err := s.GetOffer(ctx, in.OfferID)
	if err != nil {
		return Loan{}, err
	}
	if err := checkTerms(o, in.Borrower, in.Amount, in.DurationSeconds); err != nil {
		return Loan{}, err
	}
	if err := s.checkEligible(ctx, o, in.Borrower, in.Amount); err != nil {
		return Loan{}, err
	}

	var out Loan
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := lockOffer(ctx, tx, in.OfferID)
		if err != nil {
			return err
		}
		if err := checkTerms(locked, in.Borrower, in.Amount, in.DurationSeconds); err != nil {
			return err
		}
		out, err = s.openLoan(ctx, tx, locked, in.Borrower, in.Amount, in.DurationSeconds, "")
		return err
	})
	if err != nil {
		return Loan{}, err
	}
	metrics.LoansOpenedTotal.WithLabelValues(string(out.Source)).Inc()
	return out, nil
}

func (s *Service) RepayLoan(ctx context.Context, loanID, caller string) (Loan, error) {
	loanID = strings.TrimSpace(loanID)
	var out Loan
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if l.Borrower != strings.TrimSpace(caller) {
			return errs.ErrUnauthorized.WithID(loanID)
		}
		if l.Status != LoanStatusActive {
			return errs.ErrLoanNotActive.WithID(loanID)
		}
		now := s.now().Unix()
		if now > l.DueDate {
			return errs.ErrLoanOverdue.WithID(loanID)
		}

		l.Status = LoanStatusRepaid
		l.ResolvedAt = now
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		if err := s.enqueueLoan(ctx, tx, l, effect.TopicRepayment, effect.TopicPositionRepaid); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	metrics.LoansResolvedTotal.WithLabelValues(out.Status.String()).Inc()
	return out, nil
}

// Liquidate may be invoked by any caller once the due date has passed.
func (s *Service) Liquidate(ctx context.Context, loanID, caller string) (Loan, error) {
	loanID = strings.TrimSpace(loanID)
	var out Loan
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if l.Status != LoanStatusActive {
			return errs.ErrLoanNotActive.WithID(loanID)
		}
		now := s.now().Unix()
		if now <= l.DueDate {
			return errs.ErrNotYetDue.WithID(loanID)
		}

		l.Status = LoanStatusLiquidated
		l.ResolvedAt = now
		l.Liquidator = strings.TrimSpace(caller)
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		if err := s.enqueueLoan(ctx, tx, l, effect.TopicDefault, effect.TopicPositionImpaired); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	metrics.LoansResolvedTotal.WithLabelValues(out.Status.String()).Inc()
	return out, nil
}

func (s *Service) PostBorrowRequest(ctx context.Context, in PostBorrowRequestInput) (BorrowRequest, error) {
	in.Borrower = strings.TrimSpace(in.Borrower)
	if in.Borrower == "" {
		return BorrowRequest{}, errs.ErrInvalidIdentity
	}
	if !validAmount(in.Amount) {
		return BorrowRequest{}, errs.ErrInvalidAmount
	}
	if in.MaxRateBps > s.cfg.MaxRateBps {
		return BorrowRequest{}, errs.ErrInvalidRate
	}
	if !validDuration(in.DurationSeconds) {
		return BorrowRequest{}, errs.ErrInvalidDuration
	}
	if _, err := s.reputation.GetOrCreateProfile(ctx, in.Borrower); err != nil {
		return BorrowRequest{}, err
	}

	now := s.now().Unix()
	r := BorrowRequest{
		ID:              s.newID(),
		Borrower:        in.Borrower,
		Amount:          in.Amount,
		MaxRateBps:      in.MaxRateBps,
		DurationSeconds: in.DurationSeconds,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertBorrowRequest(ctx, r); err != nil {
			return err
		}
		return enqueueRateSignal(ctx, tx, r, rateEventPosted)
	})
	if err != nil {
		return BorrowRequest{}, err
	}
	return r, nil
}

func (s *Service) CancelBorrowRequest(ctx context.Context, requestID, caller string) (BorrowRequest, error) {
	requestID = strings.TrimSpace(requestID)
	var out BorrowRequest
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.Borrower != strings.TrimSpace(caller) {
			return errs.ErrUnauthorized.WithID(requestID)
		}
		if !r.IsActive {
			return errs.ErrRequestNotActive.WithID(requestID)
		}
		r.IsActive = false
		r.UpdatedAt = s.now().Unix()
		if err := tx.UpdateBorrowRequest(ctx, r); err != nil {
			return err
		}
		out = r
		return enqueueRateSignal(ctx, tx, r, rateEventCancelled)
	})
	return out, err
}

// MatchBorrowRequest fills an open request from the cheapest eligible
// active offer: lowest effective rate, then oldest, then lowest id.
func (s *Service) MatchBorrowRequest(ctx context.Context, requestID string) (Loan, error) {
	requestID = strings.TrimSpace(requestID)
	r, err := s.GetBorrowRequest(ctx, requestID)
	if err != nil {
		return Loan{}, err
	}
	if !r.IsActive {
		return Loan{}, errs.ErrRequestNotActive.WithID(requestID)
	}

	active := true
	offers, err := s.store.ListOffers(ctx, OfferFilter{IsActive: &active})
	if err != nil {
		return Loan{}, err
	}
	sort.SliceStable(offers, func(i, j int) bool {
		ri := effectiveRate(offers[i].MinRateBps, s.cfg.DefaultRateBps)
		rj := effectiveRate(offers[j].MinRateBps, s.cfg.DefaultRateBps)
		if ri != rj {
			return ri < rj
		}
		if offers[i].CreatedAt != offers[j].CreatedAt {
			return offers[i].CreatedAt < offers[j].CreatedAt
		}
		return offers[i].ID < offers[j].ID
	})

	var picked *Offer
	for i := range offers {
		o := offers[i]
		if effectiveRate(o.MinRateBps, s.cfg.DefaultRateBps) > r.MaxRateBps {
			break
		}
		if checkTerms(o, r.Borrower, r.Amount, r.DurationSeconds) != nil {
			continue
		}
		if s.checkEligible(ctx, o, r.Borrower, r.Amount) != nil {
			continue
		}
		picked = &o
		break
	}
	if picked == nil {
		return Loan{}, errs.ErrNoMatchingOffer.WithID(requestID)
	}

	var out Loan
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !req.IsActive {
			return errs.ErrRequestNotActive.WithID(requestID)
		}
		o, err := lockOffer(ctx, tx, picked.ID)
		if err != nil {
			return err
		}
		if err := checkTerms(o, req.Borrower, req.Amount, req.DurationSeconds); err != nil {
			return err
		}
		out, err = s.openLoan(ctx, tx, o, req.Borrower, req.Amount, req.DurationSeconds, req.ID)
		if err != nil {
			return err
		}
		req.IsActive = false
		req.LoanID = out.ID
		req.UpdatedAt = out.StartedAt
		if err := tx.UpdateBorrowRequest(ctx, req); err != nil {
			return err
		}
		return enqueueRateSignal(ctx, tx, req, rateEventFilled)
	})
	if err != nil {
		return Loan{}, err
	}
	metrics.LoansOpenedTotal.WithLabelValues(string(out.Source)).Inc()
	return out, nil
}

// BestBorrowRate is the highest rate any open borrow request will pay.
func (s *Service) BestBorrowRate(ctx context.Context) (uint32, bool, error) {
	reqs, err := s.store.ListBorrowRequests(ctx, RequestFilter{ActiveOnly: true})
	if err != nil {
		return 0, false, err
	}
	var (
		best  uint32
		found bool
	)
	for _, r := range reqs {
		if !found || r.MaxRateBps > best {
			best, found = r.MaxRateBps, true
		}
	}
	return best, found, nil
}

func (s *Service) PostRoutedOffer(ctx context.Context, in RoutedOfferInput) (Offer, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Lender = strings.TrimSpace(in.Lender)
	if in.ID == "" || in.Lender == "" {
		return Offer{}, errs.ErrInvalidIdentity
	}
	if !validAmount(in.Amount) {
		return Offer{}, errs.ErrInvalidAmount
	}
	if in.RateBps > s.cfg.MaxRateBps {
		return Offer{}, errs.ErrInvalidRate
	}
	if !validDuration(in.MaxDurationSeconds) {
		return Offer{}, errs.ErrInvalidDuration
	}

	var out Offer
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.LockOffer(ctx, in.ID)
		if err == nil {
			if existing.Source != SourceRouter || existing.Lender != in.Lender {
				return errs.ErrUnauthorized.WithID(in.ID)
			}
			out = existing
			return nil
		}
		if !errors.Is(err, errs.ErrNoRecord) {
			return err
		}
		now := s.now().Unix()
		out = Offer{
			ID:                 in.ID,
			Lender:             in.Lender,
			Amount:             in.Amount,
			MinRateBps:         in.RateBps,
			MaxDurationSeconds: in.MaxDurationSeconds,
			MinReputation:      in.MinReputation,
			IsActive:           true,
			Source:             SourceRouter,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return tx.InsertOffer(ctx, out)
	})
	return out, err
}

// CancelRoutedOffer withdraws a router offer. ErrOfferNotActive means it was
// already accepted or cancelled.
func (s *Service) CancelRoutedOffer(ctx context.Context, offerID, lender string) (Offer, error) {
	offerID = strings.TrimSpace(offerID)
	var out Offer
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if o.Source != SourceRouter || o.Lender != strings.TrimSpace(lender) {
			return errs.ErrUnauthorized.WithID(offerID)
		}
		out = o
		if !o.IsActive {
			return errs.ErrOfferNotActive.WithID(offerID)
		}
		o.IsActive = false
		o.ClosedReason = ClosedCancelled
		o.UpdatedAt = s.now().Unix()
		out = o
		return tx.UpdateOffer(ctx, o)
	})
	return out, err
}

func (s *Service) GetOffer(ctx context.Context, offerID string) (Offer, error) {
	offerID = strings.TrimSpace(offerID)
	o, err := s.store.GetOffer(ctx, offerID)
	if errors.Is(err, errs.ErrNoRecord) {
		return Offer{}, errs.ErrOfferNotFound.WithID(offerID)
	}
	return o, err
}

// ListActiveOffers lists active offers unless the filter asks otherwise.
func (s *Service) ListActiveOffers(ctx context.Context, f OfferFilter) ([]Offer, error) {
	if f.IsActive == nil {
		active := true
		f.IsActive = &active
	}
	return s.store.ListOffers(ctx, f)
}

func (s *Service) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	loanID = strings.TrimSpace(loanID)
	l, err := s.store.GetLoan(ctx, loanID)
	if errors.Is(err, errs.ErrNoRecord) {
		return Loan{}, errs.ErrLoanNotFound.WithID(loanID)
	}
	return l, err
}

func (s *Service) ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error) {
	return s.store.ListLoans(ctx, f)
}

func (s *Service) ListOverdueLoans(ctx context.Context, limit int) ([]Loan, error) {
	active := LoanStatusActive
	return s.store.ListLoans(ctx, LoanFilter{Status: &active, DueBefore: s.now().Unix(), Limit: limit})
}

func (s *Service) GetBorrowRequest(ctx context.Context, requestID string) (BorrowRequest, error) {
	requestID = strings.TrimSpace(requestID)
	r, err := s.store.GetBorrowRequest(ctx, requestID)
	if errors.Is(err, errs.ErrNoRecord) {
		return BorrowRequest{}, errs.ErrRequestNotFound.WithID(requestID)
	}
	return r, err
}

func (s *Service) ListBorrowRequests(ctx context.Context, f RequestFilter) ([]BorrowRequest, error) {
	return s.store.ListBorrowRequests(ctx, f)
}

func (s *Service) checkEligible(ctx context.Context, o Offer, borrower string, amount uint64) error {
	ok, err := s.reputation.CheckEligibility(ctx, borrower, amount, o.MinReputation)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrReputationTooLow.WithID(borrower)
	}
	return nil
}

func (s *Service) openLoan(ctx context.Context, tx Tx, o Offer, borrower string, amount, duration uint64, requestID string) (Loan, error) {
	rate := effectiveRate(o.MinRateBps, s.cfg.DefaultRateBps)
	repayment, err := RepaymentAmount(amount, rate, duration)
	if err != nil {
		return Loan{}, err
	}
	now := s.now().Unix()

	o.IsActive = false
	o.ClosedReason = ClosedAccepted
	o.UpdatedAt = now
	if err := tx.UpdateOffer(ctx, o); err != nil {
		return Loan{}, err
	}

	l := Loan{
		ID:              s.newID(),
		OfferID:         o.ID,
		RequestID:       requestID,
		Lender:          o.Lender,
		Borrower:        borrower,
		PrincipalAmount: amount,
		RepaymentAmount: repayment,
		ApyBps:          rate,
		DurationSeconds: duration,
		StartedAt:       now,
		DueDate:         now + int64(duration),
		Source:          o.Source,
		Status:          LoanStatusActive,
	}
	if err := tx.InsertLoan(ctx, l); err != nil {
		return Loan{}, err
	}
	if err := s.enqueueLoan(ctx, tx, l, effect.TopicLoanOpened, effect.TopicPositionFunded); err != nil {
		return Loan{}, err
	}
	return l, nil
}

// enqueueLoan emits the reputation effect and, for router-funded loans, the
// matching position effect.
func (s *Service) enqueueLoan(ctx context.Context, tx Tx, l Loan, reputationTopic, routerTopic effect.Topic) error {
	payload := effect.LoanPayload{
		LoanID:    l.ID,
		OfferID:   l.OfferID,
		Lender:    l.Lender,
		Borrower:  l.Borrower,
		Principal: l.PrincipalAmount,
		Repayment: l.RepaymentAmount,
		Source:    string(l.Source),
	}
	topics := []effect.Topic{reputationTopic}
	if l.Source == SourceRouter {
		topics = append(topics, routerTopic)
	}
	for _, topic := range topics {
		eff, err := effect.New(topic, l.ID, payload)
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, eff); err != nil {
			return err
		}
	}
	return nil
}

func enqueueRateSignal(ctx context.Context, tx Tx, r BorrowRequest, event string) error {
	eff, err := effect.New(effect.TopicRateSignal, r.ID+"@"+event, effect.RateSignalPayload{
		RequestID:  r.ID,
		Event:      event,
		MaxRateBps: r.MaxRateBps,
	})
	if err != nil {
		return err
	}
	return tx.Enqueue(ctx, eff)
}

func checkTerms(o Offer, borrower string, amount, duration uint64) error {
	if !o.IsActive {
		return errs.ErrOfferNotActive.WithID(o.ID)
	}
	if o.Lender == borrower {
		return errs.ErrSelfDealing.WithID(o.ID)
	}
	if amount > o.Amount {
		return errs.ErrAmountExceedsOffer.WithID(o.ID)
	}
	if duration > o.MaxDurationSeconds {
		return errs.ErrDurationExceedsMax.WithID(o.ID)
	}
	return nil
}

func lockOffer(ctx context.Context, tx Tx, id string) (Offer, error) {
	o, err := tx.LockOffer(ctx, id)
	if errors.Is(err, errs.ErrNoRecord) {
		return Offer{}, errs.ErrOfferNotFound.WithID(id)
	}
	return o, err
}

func lockLoan(ctx context.Context, tx Tx, id string) (Loan, error) {
	l, err := tx.LockLoan(ctx, id)
	if errors.Is(err, errs.ErrNoRecord) {
		return Loan{}, errs.ErrLoanNotFound.WithID(id)
	}
	return l, err
}

func lockRequest(ctx context.Context, tx Tx, id string) (BorrowRequest, error) {
	r, err := tx.LockBorrowRequest(ctx, id)
	if errors.Is(err, errs.ErrNoRecord) {
		return BorrowRequest{}, errs.ErrRequestNotFound.WithID(id)
	}
	return r, err
}
