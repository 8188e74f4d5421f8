package market

import (
	"math"

	"github.com/holiman/uint256"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
)

const (
	BpsDenominator = 10_000
	SecondsPerYear = 365 * 24 * 60 * 60

	// MaxLoanDurationSeconds bounds every term so due dates stay far from
	// int64 overflow.
	MaxLoanDurationSeconds = 10 * SecondsPerYear
	// MaxAmount is the largest principal or repayment the ledger stores.
	MaxAmount uint64 = math.MaxInt64
)

func validAmount(v uint64) bool {
	return v > 0 && v <= MaxAmount
}

func validDuration(v uint64) bool {
	return v > 0 && v <= MaxLoanDurationSeconds
}

// RepaymentAmount is principal plus simple interest rounded toward zero:
// principal + floor(principal * rateBps * duration / (10000 * SecondsPerYear)).
func RepaymentAmount(principal uint64, rateBps uint32, durationSeconds uint64) (uint64, error) {
	p := uint256.NewInt(principal)
	num := new(uint256.Int).Mul(p, uint256.NewInt(uint64(rateBps)))
	num.Mul(num, uint256.NewInt(durationSeconds))
	interest := num.Div(num, uint256.NewInt(BpsDenominator*SecondsPerYear))

	total := new(uint256.Int).Add(p, interest)
	if !total.IsUint64() || total.Uint64() > MaxAmount {
		return 0, errs.ErrInvalidAmount
	}
	return total.Uint64(), nil
}

func effectiveRate(offerMinRateBps, defaultRateBps uint32) uint32 {
	if offerMinRateBps > defaultRateBps {
		return offerMinRateBps
	}
	return defaultRateBps
}
