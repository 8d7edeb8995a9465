package clearing

import (
	"errors"
	"math"

	"github.com/holiman/uint256"

	"github.com/vibeswap/vibeswap/types"
)

const (
	// EpsilonDenom is the relative convergence precision of the binary
	// search: candidates within mid/EpsilonDenom of each other are
	// considered equal and resolved by the tie-break rule.
	EpsilonDenom = 1_000_000
	// IterationCap is the hard limit on price probes per Solve call.
	// Hitting it does not block settlement, the result is flagged
	// imprecise for monitoring.
	IterationCap = 96

	bpDenominator = 10_000
)

var ErrBadBounds = errors.New("reference price is zero")

/*
Bounds is the collaborator supplied search interval context: the
current reserve ratio (or oracle price) as Reference, the previous
batch's clearing value for the tie-break, the available pool liquidity,
the maximum allowed jump from the reference and the per-submission cap
as a fraction of that liquidity. Zero MaxOrderFractionBP or zero
Liquidity disables the cap, zero PrevClearing falls back to the
reference.
*/
type Bounds struct {
	Reference          uint64
	PrevClearing       uint64
	Liquidity          uint64
	MaxJumpBP          uint32
	MaxOrderFractionBP uint32
}

type solver struct {
	buys       []types.Order // effective (capped) amounts
	sells      []types.Order
	iterations uint32
}

/*
Solve finds the single value v* in the bounded interval that maximizes
matched volume min(demand(v*), supply(v*)). Demand is the sum of buy
amounts with limit ≥ v*, supply the sum of sell amounts with limit ≤ v*.
When several candidates match the same volume within epsilon the one
closest to the previous clearing value wins (volatility dampening).
All arithmetic is integer so re-execution from the same inputs is bit
identical. Never returns an error for order-shaped inputs: an empty or
non-crossing book resolves to a no-trade result.
*/
func Solve(orders []types.Order, b Bounds) (types.ClearingResult, error) {
	if b.Reference == 0 {
		return types.ClearingResult{}, ErrBadBounds
	}

	s := &solver{}
	s.partition(orders, SubmissionCap(b))
	if len(s.buys) == 0 || len(s.sells) == 0 {
		return types.ClearingResult{NoTrade: true}, nil
	}

	lo, hi := searchInterval(b)
	prev := b.PrevClearing
	if prev == 0 {
		prev = b.Reference
	}

	// best candidate seen so far: max volume, ties to the value closest
	// to the previous clearing value
	var bestValue, bestVolume uint64
	consider := func(p, vol uint64) {
		if vol > bestVolume || (vol == bestVolume && vol > 0 && distance(p, prev) < distance(bestValue, prev)) {
			bestValue, bestVolume = p, vol
		}
	}

	imprecise := false
	for lo <= hi {
		if s.iterations >= IterationCap {
			imprecise = true
			break
		}
		mid := lo + (hi-lo)/2
		d, sup := s.volumesAt(mid)
		vol := min(d, sup)
		consider(mid, vol)

		if d == sup {
			// exact balance - the maximizer is a plateau around mid,
			// the tie-break picks the plateau point closest to prev
			pLo, pHi := s.plateau(mid, vol, lo, hi)
			v := clamp(prev, pLo, pHi)
			dv, sv := s.volumesAt(v)
			consider(v, min(dv, sv))
			break
		}
		if d > sup {
			lo = mid + 1
		} else {
			if mid == 0 {
				break
			}
			hi = mid - 1
		}
		// epsilon convergence: remaining candidates are equal by policy
		if hi >= lo && (hi-lo) <= mid/EpsilonDenom {
			v := clamp(prev, lo, hi)
			dv, sv := s.volumesAt(v)
			consider(v, min(dv, sv))
			break
		}
	}

	if bestVolume == 0 {
		return types.ClearingResult{Iterations: s.iterations, NoTrade: true}, nil
	}
	return types.ClearingResult{
		Value:         bestValue,
		MatchedVolume: bestVolume,
		Iterations:    s.iterations,
		Imprecise:     imprecise || s.iterations >= IterationCap,
	}, nil
}

// partition splits orders by side, capping each submission's effective
// amount so that no single submission can move the clearing value on
// its own.
func (s *solver) partition(orders []types.Order, maxAmount uint64) {
	for _, o := range orders {
		o.Amount = min(o.Amount, maxAmount)
		switch o.Side {
		case types.Buy:
			s.buys = append(s.buys, o)
		case types.Sell:
			s.sells = append(s.sells, o)
		}
	}
}

// SubmissionCap is MaxOrderFractionBP of the available pool liquidity,
// the most a single submission may weigh in the clearing computation.
// The settlement applies the same cap to fills, an amount that could
// not influence the clearing value cannot be filled either.
func SubmissionCap(b Bounds) uint64 {
	if b.MaxOrderFractionBP == 0 || b.Liquidity == 0 {
		return math.MaxUint64
	}
	c := mulBP(b.Liquidity, b.MaxOrderFractionBP)
	if c == 0 {
		return 1
	}
	return c
}

// volumesAt returns (demand, supply) at price p with saturating sums.
func (s *solver) volumesAt(p uint64) (demand uint64, supply uint64) {
	s.iterations++
	for _, o := range s.buys {
		if o.LimitPrice >= p {
			demand = satAdd(demand, o.Amount)
		}
	}
	for _, o := range s.sells {
		if o.LimitPrice <= p {
			supply = satAdd(supply, o.Amount)
		}
	}
	return demand, supply
}

/*
plateau expands around an exact-balance point: the maximal interval
within [lo, hi] where matched volume stays at vol. Two auxiliary binary
searches, so the probe count stays logarithmic.
*/
func (s *solver) plateau(mid, vol, lo, hi uint64) (uint64, uint64) {
	volAt := func(p uint64) uint64 {
		d, sup := s.volumesAt(p)
		return min(d, sup)
	}

	pLo := mid
	l, h := lo, mid
	for l < h && s.iterations < IterationCap {
		m := l + (h-l)/2
		if volAt(m) == vol {
			pLo, h = m, m
		} else {
			l = m + 1
		}
	}

	pHi := mid
	l, h = mid, hi
	for l < h && s.iterations < IterationCap {
		m := l + (h-l+1)/2
		if volAt(m) == vol {
			pHi, l = m, m
		} else {
			h = m - 1
		}
	}
	return pLo, pHi
}

func searchInterval(b Bounds) (lo uint64, hi uint64) {
	jump := mulBP(b.Reference, b.MaxJumpBP)
	if jump >= b.Reference {
		lo = 1
	} else {
		lo = b.Reference - jump
	}
	hi = satAdd(b.Reference, jump)
	return lo, hi
}

func mulBP(v uint64, bp uint32) uint64 {
	r := uint256.NewInt(v)
	r.Mul(r, uint256.NewInt(uint64(bp)))
	r.Div(r, uint256.NewInt(bpDenominator))
	if !r.IsUint64() {
		return math.MaxUint64
	}
	return r.Uint64()
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
