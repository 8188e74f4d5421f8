package router

import "testing"

func TestShouldRoute(t *testing.T) {
	base := Position{AutoRoute: true, MinP2PRateBps: 700, PoolBufferBps: 100}
	tests := []struct {
		name string
		pos  Position
		best uint32
		want bool
	}{
		{name: "equal to passive stays passive", pos: Position{AutoRoute: true}, best: 600, want: false},
		{name: "inside buffer", pos: base, best: 650, want: false},
		{name: "clears buffer and floor", pos: base, best: 700, want: true},
		{name: "below lender floor", pos: Position{AutoRoute: true, MinP2PRateBps: 900, PoolBufferBps: 100}, best: 800, want: false},
		{name: "auto route off", pos: Position{MinP2PRateBps: 700, PoolBufferBps: 100}, best: 2000, want: false},
		{name: "below passive", pos: Position{AutoRoute: true}, best: 500, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRoute(tt.pos, 600, tt.best); got != tt.want {
				t.Fatalf("shouldRoute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOfferRate(t *testing.T) {
	if got := offerRate(Position{MinP2PRateBps: 700, PoolBufferBps: 100}, 600); got != 700 {
		t.Fatalf("offerRate() = %d, want 700", got)
	}
	if got := offerRate(Position{MinP2PRateBps: 650, PoolBufferBps: 200}, 600); got != 800 {
		t.Fatalf("offerRate() = %d, want 800", got)
	}
	if got := offerRate(Position{PoolBufferBps: 10_000}, 600); got != 10_000 {
		t.Fatalf("offerRate() = %d, want cap 10000", got)
	}
}

func TestMulBps(t *testing.T) {
	if got := mulBps(1_000, 1_000); got != 100 {
		t.Fatalf("mulBps() = %d, want 100", got)
	}
	if got := mulBps(99, 100); got != 0 {
		t.Fatalf("mulBps() = %d, want 0 (floor)", got)
	}
	top := ^uint64(0)
	if got := mulBps(top, 10_000); got != top {
		t.Fatalf("mulBps(max, 10000) = %d, want %d", got, top)
	}
	if got := ratioBps(400, 1_000); got != 4_000 {
		t.Fatalf("ratioBps() = %d, want 4000", got)
	}
}
