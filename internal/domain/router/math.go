package router

import "github.com/holiman/uint256"

const bpsDenominator = 10_000

// mulBps returns floor(x * bps / 10000). The product is taken in 256 bits so
// large balances do not wrap.
func mulBps(x uint64, bps uint32) uint64 {
	if x == 0 || bps == 0 {
		return 0
	}
	v := new(uint256.Int).SetUint64(x)
	v.Mul(v, uint256.NewInt(uint64(bps)))
	v.Div(v, uint256.NewInt(bpsDenominator))
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

// ratioBps returns floor(num * 10000 / den).
func ratioBps(num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	v := new(uint256.Int).SetUint64(num)
	v.Mul(v, uint256.NewInt(bpsDenominator))
	v.Div(v, uint256.NewInt(den))
	return v.Uint64()
}

// shouldRoute reports whether the best borrower rate clears the position's
// thresholds. A rate equal to the passive rate always stays passive.
func shouldRoute(p Position, passiveRate, best uint32) bool {
	if !p.AutoRoute || best == passiveRate {
		return false
	}
	if uint64(best) < uint64(passiveRate)+uint64(p.PoolBufferBps) {
		return false
	}
	return best >= p.MinP2PRateBps
}

// offerRate is the rate the router asks for: the passive rate plus buffer,
// but never below the lender's floor.
func offerRate(p Position, passiveRate uint32) uint32 {
	r := uint64(passiveRate) + uint64(p.PoolBufferBps)
	if uint64(p.MinP2PRateBps) > r {
		r = uint64(p.MinP2PRateBps)
	}
	if r > bpsDenominator {
		r = bpsDenominator
	}
	return uint32(r)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
