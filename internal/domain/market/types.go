package market

import (
	"context"
	"fmt"
	"strings"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
)

type LoanStatus uint8

const (
	LoanStatusActive LoanStatus = iota + 1
	LoanStatusRepaid
	LoanStatusLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanStatusActive:
		return "active"
	case LoanStatusRepaid:
		return "repaid"
	case LoanStatusLiquidated:
		return "liquidated"
	default:
		return fmt.Sprintf("loan_status(%d)", uint8(s))
	}
}

func (s LoanStatus) Terminal() bool {
	return s == LoanStatusRepaid || s == LoanStatusLiquidated
}

func ParseLoanStatus(v string) (LoanStatus, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "active":
		return LoanStatusActive, nil
	case "repaid":
		return LoanStatusRepaid, nil
	case "liquidated":
		return LoanStatusLiquidated, nil
	default:
		return 0, fmt.Errorf("invalid_loan_status: %q", v)
	}
}

func (s LoanStatus) MarshalText() ([]byte, error) {
	switch s {
	case LoanStatusActive, LoanStatusRepaid, LoanStatusLiquidated:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid_loan_status: %d", uint8(s))
	}
}

func (s *LoanStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseLoanStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Source string

const (
	SourceDirect Source = "direct"
	SourceRouter Source = "router"
)

type Offer struct {
	ID                 string `json:"id"`
	Lender             string `json:"lender"`
	Amount             uint64 `json:"amount"`
	MinRateBps         uint32 `json:"min_rate_bps"`
	MaxDurationSeconds uint64 `json:"max_duration_seconds"`
	MinReputation      uint16 `json:"min_reputation"`
	IsActive           bool   `json:"is_active"`
	Source             Source `json:"source"`
	ClosedReason       string `json:"closed_reason,omitempty"`
	CreatedAt          int64  `json:"created_at"`
	UpdatedAt          int64  `json:"updated_at"`
}

type BorrowRequest struct {
	ID              string `json:"id"`
	Borrower        string `json:"borrower"`
	Amount          uint64 `json:"amount"`
	MaxRateBps      uint32 `json:"max_rate_bps"`
	DurationSeconds uint64 `json:"duration_seconds"`
	IsActive        bool   `json:"is_active"`
	LoanID          string `json:"loan_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

type Loan struct {
	ID              string     `json:"id"`
	OfferID         string     `json:"offer_id"`
	RequestID       string     `json:"request_id,omitempty"`
	Lender          string     `json:"lender"`
	Borrower        string     `json:"borrower"`
	PrincipalAmount uint64     `json:"principal_amount"`
	RepaymentAmount uint64     `json:"repayment_amount"`
	ApyBps          uint32     `json:"apy_bps"`
	DurationSeconds uint64     `json:"duration_seconds"`
	StartedAt       int64      `json:"started_at"`
	DueDate         int64      `json:"due_date"`
	ResolvedAt      int64      `json:"resolved_at,omitempty"`
	Liquidator      string     `json:"liquidator,omitempty"`
	Source          Source     `json:"source"`
	Status          LoanStatus `json:"status"`
}

type PostOfferInput struct {
	Lender             string
	Amount             uint64
	MinRateBps         uint32
	MaxDurationSeconds uint64
	MinReputation      uint16
}

type AcceptOfferInput struct {
	OfferID         string
	Borrower        string
	Amount          uint64
	DurationSeconds uint64
}

type PostBorrowRequestInput struct {
	Borrower        string
	Amount          uint64
	MaxRateBps      uint32
	DurationSeconds uint64
}

// RoutedOfferInput is an offer the liquidity router places on a lender's
// behalf. ID is chosen by the caller so a retried post is a no-op.
type RoutedOfferInput struct {
	ID                 string
	Lender             string
	Amount             uint64
	RateBps            uint32
	MaxDurationSeconds uint64
	MinReputation      uint16
}

type OfferFilter struct {
	Lender              string
	MinReputationAtMost *uint16
	IsActive            *bool
	Source              Source
	Limit               int
}

type LoanFilter struct {
	Borrower  string
	Lender    string
	Status    *LoanStatus
	DueBefore int64
	Limit     int
}

// RequestFilter lists in (created_at, id) order. A non-empty AfterID starts
// the page strictly after that key.
type RequestFilter struct {
	Borrower       string
	ActiveOnly     bool
	Limit          int
	AfterCreatedAt int64
	AfterID        string
}

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOffer(ctx context.Context, id string) (Offer, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]Offer, error)
	GetLoan(ctx context.Context, id string) (Loan, error)
	ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error)
	GetBorrowRequest(ctx context.Context, id string) (BorrowRequest, error)
	ListBorrowRequests(ctx context.Context, f RequestFilter) ([]BorrowRequest, error)
}

// Tx locks rows for the rest of the transaction. Lock methods return
// errs.ErrNoRecord for unknown ids. Enqueue is committed atomically with
// the entity writes.
type Tx interface {
	LockOffer(ctx context.Context, id string) (Offer, error)
	InsertOffer(ctx context.Context, o Offer) error
	UpdateOffer(ctx context.Context, o Offer) error
	LockLoan(ctx context.Context, id string) (Loan, error)
	InsertLoan(ctx context.Context, l Loan) error
	UpdateLoan(ctx context.Context, l Loan) error
	LockBorrowRequest(ctx context.Context, id string) (BorrowRequest, error)
	InsertBorrowRequest(ctx context.Context, r BorrowRequest) error
	UpdateBorrowRequest(ctx context.Context, r BorrowRequest) error
	Enqueue(ctx context.Context, eff effect.Effect) error
}

type Reputation interface {
	CheckEligibility(ctx context.Context, identity string, requestedAmount uint64, lenderMinReputation uint16) (bool, error)
	GetOrCreateProfile(ctx context.Context, identity string) (reputation.Profile, error)
}
