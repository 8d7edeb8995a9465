package settlement

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vibeswap/vibeswap/shuffle"
	"github.com/vibeswap/vibeswap/types"
)

const slashRateBP = 5000

func price(v uint64) uint64 { return v * types.PriceScale }

type book struct {
	revealed    []*types.RevealedSubmission
	commitments map[types.ParticipantID]*types.Commitment
	slashable   []*types.Commitment
}

func (b *book) add(pid string, order types.Order, deposit uint64) *book {
	if b.commitments == nil {
		b.commitments = map[types.ParticipantID]*types.Commitment{}
	}
	b.revealed = append(b.revealed, &types.RevealedSubmission{
		Participant: types.ParticipantID(pid),
		Order:       order,
		RevealedAt:  int64(len(b.revealed)),
	})
	b.commitments[types.ParticipantID(pid)] = &types.Commitment{
		Participant: types.ParticipantID(pid),
		Deposit:     deposit,
	}
	return b
}

func (b *book) addSlashable(pid string, deposit uint64) *book {
	b.slashable = append(b.slashable, &types.Commitment{
		Participant: types.ParticipantID(pid),
		Deposit:     deposit,
	})
	return b
}

func execute(t *testing.T, b *book, clearing types.ClearingResult) *types.BatchResult {
	return executeCapped(t, b, clearing, math.MaxUint64)
}

func executeCapped(t *testing.T, b *book, clearing types.ClearingResult, maxFill uint64) *types.BatchResult {
	t.Helper()
	seed, order := shuffle.ExecutionOrder(b.revealed)
	res, err := Execute(
		types.BatchHeader{PoolID: 1, BatchID: 1},
		clearing, maxFill, seed, order, b.revealed, b.commitments, b.slashable, slashRateBP,
	)
	require.NoError(t, err)
	require.NoError(t, res.Verify())
	return res
}

func outcomeOf(t *testing.T, res *types.BatchResult, pid string) types.OutcomeRecord {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.Participant == types.ParticipantID(pid) {
			return o
		}
	}
	t.Fatalf("no outcome for participant %s", pid)
	return types.OutcomeRecord{}
}

func Test_Execute_UniformClearing(t *testing.T) {
	// buy 10@100, sell 5@95, sell 5@98 - everything fills at v*
	b := (&book{}).
		add("buyer", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, 1000).
		add("seller1", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(95)}, 500).
		add("seller2", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(98)}, 500)

	res := execute(t, b, types.ClearingResult{Value: price(100), MatchedVolume: 10})

	require.Len(t, res.Outcomes, 3)
	require.Empty(t, res.Slashes)
	for _, pid := range []string{"buyer", "seller1", "seller2"} {
		o := outcomeOf(t, res, pid)
		require.Equal(t, price(100), o.ClearingValue, pid)
		require.Equal(t, o.Deposit, o.Refund, "deposit is a bond, revealed participants get it back")
		require.Zero(t, o.Slashed)
	}
	require.EqualValues(t, 10, outcomeOf(t, res, "buyer").Filled)
	require.EqualValues(t, 5, outcomeOf(t, res, "seller1").Filled)
	require.EqualValues(t, 5, outcomeOf(t, res, "seller2").Filled)
}

func Test_Execute_ProRataRationing(t *testing.T) {
	// supply 10 vs demand 30: buyers ration pro-rata by size
	b := (&book{}).
		add("big", types.Order{Side: types.Buy, Amount: 20, LimitPrice: price(100)}, 1000).
		add("small", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, 1000).
		add("seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, 1000)

	res := execute(t, b, types.ClearingResult{Value: price(97), MatchedVolume: 10})

	require.EqualValues(t, 6, outcomeOf(t, res, "big").Filled)   // 20*10/30
	require.EqualValues(t, 3, outcomeOf(t, res, "small").Filled) // 10*10/30
	require.EqualValues(t, 10, outcomeOf(t, res, "seller").Filled)
}

func Test_Execute_PriorityAdmission(t *testing.T) {
	// priority buyer is admitted in full before non-priority buyers
	// regardless of shuffle order
	b := (&book{}).
		add("np1", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, 1000).
		add("np2", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, 1000).
		add("prio", types.Order{Side: types.Buy, Amount: 6, LimitPrice: price(100), PriorityWeight: 3}, 1000).
		add("seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, 1000)

	res := execute(t, b, types.ClearingResult{Value: price(97), MatchedVolume: 10})

	// priority filled in full (6), the remaining 4 split pro-rata over
	// the 20 units of non-priority demand: 2 each
	require.EqualValues(t, 6, outcomeOf(t, res, "prio").Filled)
	require.EqualValues(t, 2, outcomeOf(t, res, "np1").Filled)
	require.EqualValues(t, 2, outcomeOf(t, res, "np2").Filled)

	// and the priority outcome is scheduled first
	require.EqualValues(t, "prio", res.Outcomes[0].Participant)
}

func Test_Execute_FillRespectsSubmissionCap(t *testing.T) {
	// a priority order larger than the per-submission cap fills only
	// the amount that was allowed to weigh in the clearing computation
	b := (&book{}).
		add("prio", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100), PriorityWeight: 1}, 1000).
		add("np", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, 1000).
		add("seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, 1000)

	res := executeCapped(t, b, types.ClearingResult{Value: price(97), MatchedVolume: 6}, 6)

	require.EqualValues(t, 6, outcomeOf(t, res, "prio").Filled)
	require.Zero(t, outcomeOf(t, res, "np").Filled)
	require.EqualValues(t, 6, outcomeOf(t, res, "seller").Filled)
}

func Test_Execute_IneligibleLimitGetsNoFill(t *testing.T) {
	// a buyer whose limit is below the clearing value is not eligible
	b := (&book{}).
		add("in", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, 1000).
		add("out", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(96)}, 1000).
		add("seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, 1000)

	res := execute(t, b, types.ClearingResult{Value: price(98), MatchedVolume: 10})

	require.EqualValues(t, 10, outcomeOf(t, res, "in").Filled)
	require.Zero(t, outcomeOf(t, res, "out").Filled)
	o := outcomeOf(t, res, "out")
	require.Equal(t, o.Deposit, o.Refund)
}

func Test_Execute_Slashing(t *testing.T) {
	b := (&book{}).
		add("buyer", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, 1000).
		add("seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, 1000).
		addSlashable("ghost", 801)

	res := execute(t, b, types.ClearingResult{Value: price(97), MatchedVolume: 10})

	o := outcomeOf(t, res, "ghost")
	require.EqualValues(t, 400, o.Slashed) // floor of 50% of 801
	require.EqualValues(t, 401, o.Refund)
	require.EqualValues(t, 801, o.Deposit)
	require.Zero(t, o.Filled)

	require.Len(t, res.Slashes, 1)
	require.EqualValues(t, "ghost", res.Slashes[0].Participant)
	require.EqualValues(t, 400, res.Slashes[0].Amount)
}

func Test_Execute_NoTrade(t *testing.T) {
	b := (&book{}).
		add("buyer", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(95)}, 1000).
		add("seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(99)}, 1000)

	res := execute(t, b, types.ClearingResult{NoTrade: true})

	for _, o := range res.Outcomes {
		require.Zero(t, o.Filled)
		require.Equal(t, o.Deposit, o.Refund)
		require.Zero(t, o.Slashed)
	}
}

func Test_Execute_DepositConservation(t *testing.T) {
	b := (&book{}).
		add("a", types.Order{Side: types.Buy, Amount: 13, LimitPrice: price(101)}, 777).
		add("b", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(99)}, 123).
		addSlashable("c", 999).
		addSlashable("d", 1)

	res := execute(t, b, types.ClearingResult{Value: price(100), MatchedVolume: 5})

	var refunds, slashes, deposits uint64
	for _, o := range res.Outcomes {
		refunds += o.Refund
		slashes += o.Slashed
		deposits += o.Deposit
	}
	require.Equal(t, deposits, refunds+slashes, "no value creation or destruction")
}

func Test_Execute_MismatchedOrder(t *testing.T) {
	b := (&book{}).add("a", types.Order{Side: types.Buy, Amount: 1, LimitPrice: 1}, 1)
	_, err := Execute(types.BatchHeader{}, types.ClearingResult{NoTrade: true}, math.MaxUint64, [32]byte{}, nil, b.revealed, b.commitments, nil, slashRateBP)
	require.ErrorContains(t, err, "execution order length")
}
