package router

import (
	"context"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
)

// Position is one lender's capital split. Passive + P2P always equals
// Deposited. Reserved is the part of Passive earmarked by the standing
// router offer RoutedOfferID; it stays withdrawable only after that offer
// is cancelled.
type Position struct {
	Owner              string `json:"owner"`
	Deposited          uint64 `json:"deposited_amount"`
	Passive            uint64 `json:"passive_pool_amount"`
	P2P                uint64 `json:"p2p_amount"`
	ActiveP2PLoanCount uint32 `json:"active_p2p_loan_count"`
	MinP2PRateBps      uint32 `json:"min_p2p_rate_bps"`
	PoolBufferBps      uint32 `json:"pool_buffer_bps"`
	AutoRoute          bool   `json:"auto_route"`
	MaxDurationSeconds uint64 `json:"max_duration_seconds"`
	MinReputation      uint16 `json:"min_reputation"`
	Reserved           uint64 `json:"reserved_amount"`
	RoutedOfferID      string `json:"routed_offer_id,omitempty"`
	RoutedRateBps      uint32 `json:"routed_rate_bps,omitempty"`
	OfferNonce         uint64 `json:"offer_nonce"`
	CreatedAt          int64  `json:"created_at"`
	UpdatedAt          int64  `json:"updated_at"`
}

func (p Position) Liquid() uint64 {
	if p.Reserved >= p.Passive {
		return 0
	}
	return p.Passive - p.Reserved
}

const (
	MaxInsuranceFeeBps = 2_000
	MaxProtocolFeeBps  = 500
)

// PoolState is the router-wide singleton. The fee rates are cut from the
// interest of every repaid router loan.
type PoolState struct {
	PassiveRateBps   uint32 `json:"passive_rate_bps"`
	InsuranceFeeBps  uint32 `json:"insurance_fee_bps"`
	ProtocolFeeBps   uint32 `json:"protocol_fee_bps"`
	InsuranceBalance uint64 `json:"insurance_balance"`
	TreasuryBalance  uint64 `json:"treasury_balance"`
	UpdatedAt        int64  `json:"updated_at"`
}

// FeeRatesInput leaves a rate unchanged when its field is nil.
type FeeRatesInput struct {
	InsuranceFeeBps *uint32
	ProtocolFeeBps  *uint32
}

type Stats struct {
	Positions        int    `json:"positions"`
	TotalDeposited   uint64 `json:"total_deposited"`
	TotalPassive     uint64 `json:"total_passive"`
	TotalP2P         uint64 `json:"total_p2p"`
	TotalReserved    uint64 `json:"total_reserved"`
	ActiveP2PLoans   uint64 `json:"active_p2p_loans"`
	UtilizationBps   uint64 `json:"utilization_bps"`
	PassiveRateBps   uint32 `json:"passive_rate_bps"`
	InsuranceFeeBps  uint32 `json:"insurance_fee_bps"`
	ProtocolFeeBps   uint32 `json:"protocol_fee_bps"`
	InsuranceBalance uint64 `json:"insurance_balance"`
	TreasuryBalance  uint64 `json:"treasury_balance"`
}

// PolicyInput leaves a threshold unchanged when its field is nil.
type PolicyInput struct {
	MinP2PRateBps      *uint32
	PoolBufferBps      *uint32
	AutoRoute          *bool
	MaxDurationSeconds *uint64
	MinReputation      *uint16
}

type Config struct {
	PassiveRateBps            uint32
	DefaultMinP2PRateBps      uint32
	DefaultPoolBufferBps      uint32
	DefaultMaxDurationSeconds uint64
	MaxOfferBps               uint32
	InsuranceFeeBps           uint32
	ProtocolFeeBps            uint32
	CoverageBps               uint32
	MaxClaimBps               uint32
	MaxDepositAmount          uint64
}

func DefaultConfig() Config {
	return Config{
		PassiveRateBps:            600,
		DefaultMinP2PRateBps:      700,
		DefaultPoolBufferBps:      100,
		DefaultMaxDurationSeconds: 30 * 24 * 3600,
		MaxOfferBps:               10_000,
		InsuranceFeeBps:           1_000,
		ProtocolFeeBps:            100,
		CoverageBps:               5_000,
		MaxClaimBps:               1_000,
	}
}

type Market interface {
	BestBorrowRate(ctx context.Context) (uint32, bool, error)
	PostRoutedOffer(ctx context.Context, in market.RoutedOfferInput) (market.Offer, error)
	CancelRoutedOffer(ctx context.Context, offerID, lender string) (market.Offer, error)
}

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetPosition(ctx context.Context, owner string) (Position, error)
	ListPositions(ctx context.Context) ([]Position, error)
	GetPool(ctx context.Context) (PoolState, error)
}

// Tx lock methods return errs.ErrNoRecord when the row does not exist yet.
type Tx interface {
	LockPosition(ctx context.Context, owner string) (Position, error)
	SavePosition(ctx context.Context, p Position) error
	DeletePosition(ctx context.Context, owner string) error
	LockPool(ctx context.Context) (PoolState, error)
	SavePool(ctx context.Context, p PoolState) error
	EffectApplied(ctx context.Context, key string) (bool, error)
	MarkEffectApplied(ctx context.Context, key string) error
}
