package settlement

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/vibeswap/vibeswap/types"
)

var ErrMissingCommitment = errors.New("revealed submission without a stored commitment")

/*
Execute applies the clearing result and execution order to the revealed
set and produces the per-submission outcomes of the batch. The engine
never moves funds, the outcome records are the instruction stream for
the ledger collaborator.

Fill policy: the clearing value fixes the matched volume V per side.
On each side, priority submissions are filled first, walking the
execution order, each in full up to the remaining counter-volume. What
is left is split across the eligible non-priority submissions pro-rata
by size - execution order decides priority admission only, never the
uniform-price fairness of the rest. maxFill is the solver's
per-submission cap: no submission fills beyond the amount it was
allowed to weigh in the clearing computation.

Deposits are bonds, not trade funds: every validly revealed commitment
gets its deposit back in full, every slashable one forfeits slashRateBP
of it. For each record refund + slashed == deposit.
*/
func Execute(
	header types.BatchHeader,
	clearing types.ClearingResult,
	maxFill uint64,
	seed [32]byte,
	order []uint32,
	revealed []*types.RevealedSubmission,
	commitments map[types.ParticipantID]*types.Commitment,
	slashable []*types.Commitment,
	slashRateBP uint32,
) (*types.BatchResult, error) {
	if len(order) != len(revealed) {
		return nil, fmt.Errorf("execution order length %d does not match revealed set size %d", len(order), len(revealed))
	}

	fills := make([]uint64, len(revealed))
	if !clearing.NoTrade {
		fillSide(types.Buy, clearing, maxFill, order, revealed, fills)
		fillSide(types.Sell, clearing, maxFill, order, revealed, fills)
	}

	result := &types.BatchResult{
		Header:         header,
		Clearing:       clearing,
		ExecutionOrder: order,
		Seed:           seed[:],
	}

	// outcomes follow the execution order, ie the order the ledger is
	// expected to apply them in
	for _, idx := range order {
		sub := revealed[idx]
		c, ok := commitments[sub.Participant]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingCommitment, sub.Participant)
		}
		result.Outcomes = append(result.Outcomes, types.OutcomeRecord{
			Participant:   sub.Participant,
			Filled:        fills[idx],
			ClearingValue: clearing.Value,
			Refund:        c.Deposit,
			Slashed:       0,
			Deposit:       c.Deposit,
		})
	}

	for _, c := range slashable {
		slashed := mulBP(c.Deposit, slashRateBP)
		result.Outcomes = append(result.Outcomes, types.OutcomeRecord{
			Participant: c.Participant,
			Refund:      c.Deposit - slashed,
			Slashed:     slashed,
			Deposit:     c.Deposit,
		})
		if slashed > 0 {
			result.Slashes = append(result.Slashes, types.SlashRecord{
				PoolID:      header.PoolID,
				BatchID:     header.BatchID,
				Participant: c.Participant,
				Amount:      slashed,
			})
		}
	}

	if err := result.Verify(); err != nil {
		return nil, err
	}
	return result, nil
}

// fillSide distributes the matched volume across one side's eligible
// submissions: priority in execution order first, the rest pro-rata.
// Every submission's fillable amount is capped at maxFill, matching the
// effective amount the solver counted.
func fillSide(side types.Side, clearing types.ClearingResult, maxFill uint64, order []uint32, revealed []*types.RevealedSubmission, fills []uint64) {
	remaining := clearing.MatchedVolume

	eligible := func(o types.Order) bool {
		if o.Side != side || o.Amount == 0 {
			return false
		}
		if side == types.Buy {
			return o.LimitPrice >= clearing.Value
		}
		return o.LimitPrice <= clearing.Value
	}

	// priority pass, in execution order
	var restTotal uint64
	var rest []uint32
	for _, idx := range order {
		o := revealed[idx].Order
		if !eligible(o) {
			continue
		}
		amount := min(o.Amount, maxFill)
		if o.PriorityWeight > 0 {
			fill := min(amount, remaining)
			fills[idx] = fill
			remaining -= fill
			continue
		}
		rest = append(rest, idx)
		restTotal += amount
	}

	if remaining == 0 || restTotal == 0 {
		return
	}

	if restTotal <= remaining {
		// everything fits, no rationing needed
		for _, idx := range rest {
			fills[idx] = min(revealed[idx].Order.Amount, maxFill)
		}
		return
	}

	// pro-rata by size with floor rounding, the dust stays unfilled and
	// is simply refunded - no participant can gain from order position
	for _, idx := range rest {
		fills[idx] = proRata(min(revealed[idx].Order.Amount, maxFill), remaining, restTotal)
	}
}

// proRata computes amount * share / total without intermediate overflow.
func proRata(amount, share, total uint64) uint64 {
	r := uint256.NewInt(amount)
	r.Mul(r, uint256.NewInt(share))
	r.Div(r, uint256.NewInt(total))
	return r.Uint64()
}

func mulBP(v uint64, bp uint32) uint64 {
	r := uint256.NewInt(v)
	r.Mul(r, uint256.NewInt(uint64(bp)))
	r.Div(r, uint256.NewInt(10_000))
	return r.Uint64()
}
