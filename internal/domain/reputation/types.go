package reputation

import (
	"context"
)

type Profile struct {
	Identity             string `json:"identity"`
	CreditTier           uint8  `json:"credit_tier"`
	MaxBorrowLimit       uint64 `json:"max_borrow_limit"`
	SuccessfulRepayments uint32 `json:"successful_repayments"`
	Defaults             uint32 `json:"defaults"`
	Score                uint16 `json:"score"`
	LoansTaken           uint32 `json:"loans_taken"`
	TotalBorrowed        uint64 `json:"total_borrowed"`
	TotalRepaid          uint64 `json:"total_repaid"`
	TotalLent            uint64 `json:"total_lent"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

type TierProgress struct {
	Identity             string `json:"identity"`
	CurrentTier          uint8  `json:"current_tier"`
	MaxBorrowLimit       uint64 `json:"max_borrow_limit"`
	SuccessfulRepayments uint32 `json:"successful_repayments"`
	NextTier             uint8  `json:"next_tier,omitempty"`
	NextTierLimit        uint64 `json:"next_tier_limit,omitempty"`
	RepaymentsToNextTier uint32 `json:"repayments_to_next_tier"`
}

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, identity string) (Profile, error)
}

// Tx is a serializable unit of work over profiles. Lock returns
// errs.ErrNoRecord for an unknown identity.
type Tx interface {
	Lock(ctx context.Context, identity string) (Profile, error)
	Save(ctx context.Context, p Profile) error
	EffectApplied(ctx context.Context, key string) (bool, error)
	MarkEffectApplied(ctx context.Context, key string) error
}
