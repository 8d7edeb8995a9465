package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibeswap/vibeswap/commitbuf"
	"github.com/vibeswap/vibeswap/engine/event"
	"github.com/vibeswap/vibeswap/internal/testutils/observability"
	"github.com/vibeswap/vibeswap/keyvaluedb/boltdb"
	"github.com/vibeswap/vibeswap/reveal"
	"github.com/vibeswap/vibeswap/types"
)

const testPool types.PoolID = 0xCAFE

type (
	fakeOracle struct {
		value     uint64
		liquidity uint64
		err       error
	}

	fakeTreasury struct{}

	allowAll struct{}
)

func (o *fakeOracle) Reference(_ context.Context, _ types.PoolID) (uint64, uint64, error) {
	return o.value, o.liquidity, o.err
}

func (fakeTreasury) SlashSplits(_ types.PoolID) []types.SlashSplit {
	return []types.SlashSplit{{Destination: "treasury", FractionBP: 10_000}}
}

func (allowAll) IsEligible(_ context.Context, _ types.PoolID, _ types.ParticipantID) (bool, error) {
	return true, nil
}

func price(v uint64) uint64 { return v * types.PriceScale }

func testEngine(t *testing.T, oracle ReferenceOracle, opts ...Option) *Engine {
	t.Helper()
	db, err := boltdb.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	e, err := New(oracle, fakeTreasury{}, allowAll{}, db, observability.Default(t), opts...)
	require.NoError(t, err)
	require.NoError(t, e.AddPool(testPool))
	return e
}

// sealed prepares the wire messages of one participant: the commit
// binding the order and the matching reveal.
func sealed(t *testing.T, batch types.BatchID, pid string, order types.Order, deposit uint64) (*types.CommitRequest, *types.RevealRequest) {
	t.Helper()
	payload, err := order.Bytes()
	require.NoError(t, err)
	secret := make([]byte, types.SecretLength)
	_, err = rand.Read(secret)
	require.NoError(t, err)

	commit := &types.CommitRequest{
		PoolID:      testPool,
		BatchID:     batch,
		Participant: types.ParticipantID(pid),
		Hash:        types.CommitmentHash(payload, secret),
		Deposit:     deposit,
	}
	rev := &types.RevealRequest{
		PoolID:      testPool,
		BatchID:     batch,
		Participant: types.ParticipantID(pid),
		Payload:     payload,
		Secret:      secret,
	}
	return commit, rev
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

func Test_Engine_BatchLifecycle(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000})
	base := time.Now()

	_, _, err := e.CurrentBatch(testPool)
	require.ErrorContains(t, err, "no open batch")
	_, _, err = e.CurrentBatch(0xDEAD)
	require.ErrorIs(t, err, ErrUnknownPool)

	// first tick opens batch 1 in commit phase
	e.Tick(ctx, base)
	header, phase, err := e.CurrentBatch(testPool)
	require.NoError(t, err)
	require.EqualValues(t, 1, header.BatchID)
	require.Equal(t, types.PhaseCommit, phase)
	require.Greater(t, header.RevealDeadline, header.CommitDeadline)

	commit, rev := sealed(t, 1, "alice", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, MinDeposit)
	require.NoError(t, e.Commit(ctx, commit, 0, ""))

	// reveals are not accepted during the commit phase
	require.ErrorIs(t, e.Reveal(ctx, rev), reveal.ErrWrongPhase)

	// ticks before the deadline change nothing
	e.Tick(ctx, base.Add(time.Second))
	_, phase, err = e.CurrentBatch(testPool)
	require.NoError(t, err)
	require.Equal(t, types.PhaseCommit, phase)

	// commit deadline passes, reveal phase opens
	e.Tick(ctx, base.Add(DefaultCommitDuration))
	_, phase, err = e.CurrentBatch(testPool)
	require.NoError(t, err)
	require.Equal(t, types.PhaseReveal, phase)

	commit2, _ := sealed(t, 1, "bob", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(95)}, MinDeposit)
	require.ErrorIs(t, e.Commit(ctx, commit2, 0, ""), commitbuf.ErrWrongPhase)
	require.NoError(t, e.Reveal(ctx, rev))

	// reveal deadline passes: batch 1 settles, batch 2 opens
	e.Tick(ctx, base.Add(DefaultCommitDuration+DefaultRevealDuration))
	header, phase, err = e.CurrentBatch(testPool)
	require.NoError(t, err)
	require.EqualValues(t, 2, header.BatchID)
	require.Equal(t, types.PhaseCommit, phase)

	res, err := e.Result(testPool, 1)
	require.NoError(t, err)
	require.NoError(t, res.Verify())
	// one-sided book, no counterparty
	require.True(t, res.Clearing.NoTrade)
	o := outcomeOf(t, res, "alice")
	require.Equal(t, o.Deposit, o.Refund)
}

// runBatch drives one full batch through the engine: all commits, all
// reveals from the revealing set, then settlement.
func runBatch(t *testing.T, e *Engine, batch types.BatchID, base time.Time, commits []*types.CommitRequest, reveals []*types.RevealRequest) *types.BatchResult {
	t.Helper()
	ctx := context.Background()

	e.Tick(ctx, base)
	for _, c := range commits {
		require.NoError(t, e.Commit(ctx, c, 0, ""))
	}
	e.Tick(ctx, base.Add(DefaultCommitDuration))
	for _, r := range reveals {
		require.NoError(t, e.Reveal(ctx, r))
	}
	e.Tick(ctx, base.Add(DefaultCommitDuration+DefaultRevealDuration))

	res, err := e.Result(testPool, batch)
	require.NoError(t, err)
	require.NoError(t, res.Verify())
	return res
}

func Test_Engine_UniformClearing(t *testing.T) {
	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000})

	cBuy, rBuy := sealed(t, 1, "buyer", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, MinDeposit)
	cS1, rS1 := sealed(t, 1, "seller1", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(95)}, MinDeposit)
	cS2, rS2 := sealed(t, 1, "seller2", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(98)}, MinDeposit)

	res := runBatch(t, e, 1, time.Now(),
		[]*types.CommitRequest{cBuy, cS1, cS2},
		[]*types.RevealRequest{rBuy, rS1, rS2})

	require.False(t, res.Clearing.NoTrade)
	require.EqualValues(t, 10, res.Clearing.MatchedVolume)
	v := res.Clearing.Value
	require.EqualValues(t, 10, outcomeOf(t, res, "buyer").Filled)
	require.EqualValues(t, 5, outcomeOf(t, res, "seller1").Filled)
	require.EqualValues(t, 5, outcomeOf(t, res, "seller2").Filled)
	for _, o := range res.Outcomes {
		require.Equal(t, v, o.ClearingValue, "everything executes at the one clearing value")
		require.Equal(t, o.Deposit, o.Refund)
	}
	require.Empty(t, res.Slashes)
}

func Test_Engine_UnrevealedIsSlashed(t *testing.T) {
	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000})

	cBuy, rBuy := sealed(t, 1, "honest", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, MinDeposit)
	cGhost, _ := sealed(t, 1, "ghost", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, MinDeposit)

	res := runBatch(t, e, 1, time.Now(),
		[]*types.CommitRequest{cBuy, cGhost},
		[]*types.RevealRequest{rBuy})

	// exactly half the deposit slashed, half refunded
	o := outcomeOf(t, res, "ghost")
	require.Equal(t, MinDeposit/2, o.Slashed)
	require.Equal(t, MinDeposit/2, o.Refund)
	require.Len(t, res.Slashes, 1)
	require.Equal(t, MinDeposit/2, res.Slashes[0].Amount)

	honest := outcomeOf(t, res, "honest")
	require.Equal(t, honest.Deposit, honest.Refund)
}

func Test_Engine_ZeroRevealBatch(t *testing.T) {
	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000})

	c1, _ := sealed(t, 1, "p1", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, MinDeposit)
	c2, _ := sealed(t, 1, "p2", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, MinDeposit)

	res := runBatch(t, e, 1, time.Now(), []*types.CommitRequest{c1, c2}, nil)

	// nobody revealed so there was nobody to cheat against: full
	// refunds, no slashing, no trades
	require.True(t, res.Clearing.NoTrade)
	require.Empty(t, res.Slashes)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		require.Equal(t, o.Deposit, o.Refund)
		require.Zero(t, o.Slashed)
		require.Zero(t, o.Filled)
	}

	// the refund outcomes are archived and the audit replays them
	replayed, err := e.Replay(testPool, 1)
	require.NoError(t, err)
	require.Equal(t, res, replayed)
}

func Test_Engine_ReplayGuard(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000})
	base := time.Now()
	e.Tick(ctx, base)

	// two intermediary identities funded from one source commit within
	// the same tick: the second one is rejected
	c1, _ := sealed(t, 1, "proxy1", types.Order{Side: types.Buy, Amount: 1, LimitPrice: price(100)}, MinDeposit)
	c2, _ := sealed(t, 1, "proxy2", types.Order{Side: types.Buy, Amount: 1, LimitPrice: price(100)}, MinDeposit)
	require.NoError(t, e.Commit(ctx, c1, 0, "whale"))
	require.ErrorIs(t, e.Commit(ctx, c2, 0, "whale"), commitbuf.ErrReplayGuard)

	// the next tick is a new scheduling unit
	e.Tick(ctx, base.Add(time.Second))
	require.NoError(t, e.Commit(ctx, c2, 0, "whale"))
}

func Test_Engine_OracleFailure(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("reserve unavailable")}
	e := testEngine(t, oracle)

	cBuy, rBuy := sealed(t, 1, "buyer", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, MinDeposit)
	cSell, rSell := sealed(t, 1, "seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(95)}, MinDeposit)

	// no reference means no market, the batch degrades to no-trade but
	// never gets stuck
	res := runBatch(t, e, 1, time.Now(),
		[]*types.CommitRequest{cBuy, cSell},
		[]*types.RevealRequest{rBuy, rSell})
	require.True(t, res.Clearing.NoTrade)
	for _, o := range res.Outcomes {
		require.Equal(t, o.Deposit, o.Refund)
	}
}

func Test_Engine_ConsecutiveBatches(t *testing.T) {
	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000})
	base := time.Now()

	cBuy, rBuy := sealed(t, 1, "buyer", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, MinDeposit)
	cSell, rSell := sealed(t, 1, "seller", types.Order{Side: types.Sell, Amount: 10, LimitPrice: price(98)}, MinDeposit)
	res1 := runBatch(t, e, 1, base,
		[]*types.CommitRequest{cBuy, cSell}, []*types.RevealRequest{rBuy, rSell})
	require.False(t, res1.Clearing.NoTrade)

	// batch 2 runs on the same pool with fresh commitments, stale batch
	// IDs are rejected
	base2 := base.Add(DefaultCommitDuration + DefaultRevealDuration)
	stale, _ := sealed(t, 1, "late", types.Order{Side: types.Buy, Amount: 1, LimitPrice: price(100)}, MinDeposit)
	require.ErrorIs(t, e.Commit(context.Background(), stale, 0, ""), commitbuf.ErrWrongBatch)

	cBuy2, rBuy2 := sealed(t, 2, "buyer", types.Order{Side: types.Buy, Amount: 4, LimitPrice: price(101)}, MinDeposit)
	cSell2, rSell2 := sealed(t, 2, "seller", types.Order{Side: types.Sell, Amount: 4, LimitPrice: price(99)}, MinDeposit)
	res2 := runBatch(t, e, 2, base2,
		[]*types.CommitRequest{cBuy2, cSell2}, []*types.RevealRequest{rBuy2, rSell2})
	require.False(t, res2.Clearing.NoTrade)
	require.EqualValues(t, 2, res2.Header.BatchID)
}

func Test_Engine_ReplayIsBitIdentical(t *testing.T) {
	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000})

	cBuy, rBuy := sealed(t, 1, "buyer", types.Order{Side: types.Buy, Amount: 10, LimitPrice: price(100)}, MinDeposit)
	cS1, rS1 := sealed(t, 1, "seller1", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(95)}, MinDeposit)
	cGhost, _ := sealed(t, 1, "ghost", types.Order{Side: types.Sell, Amount: 5, LimitPrice: price(98)}, MinDeposit)

	res := runBatch(t, e, 1, time.Now(),
		[]*types.CommitRequest{cBuy, cS1, cGhost},
		[]*types.RevealRequest{rBuy, rS1})
	require.Len(t, res.Slashes, 1)

	replayed, err := e.Replay(testPool, 1)
	require.NoError(t, err)

	archived, err := types.Cbor.Marshal(res)
	require.NoError(t, err)
	recomputed, err := types.Cbor.Marshal(replayed)
	require.NoError(t, err)
	require.Equal(t, archived, recomputed)

	// unknown and unsettled batches
	_, err = e.Replay(testPool, 99)
	require.ErrorIs(t, err, ErrUnknownBatch)
}

func Test_Engine_Run(t *testing.T) {
	var mutex sync.Mutex
	var seen []event.Type
	handler := func(ev *event.Event) {
		mutex.Lock()
		defer mutex.Unlock()
		seen = append(seen, ev.EventType)
	}

	e := testEngine(t, &fakeOracle{value: price(100), liquidity: 1000},
		WithPhaseDurations(40*time.Millisecond, 40*time.Millisecond),
		WithTickInterval(10*time.Millisecond),
		WithEventHandler(handler),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		var opened, settled bool
		for _, et := range seen {
			opened = opened || et == event.BatchOpened
			settled = settled || et == event.BatchSettled
		}
		return opened && settled
	}, 3*time.Second, 20*time.Millisecond, "expected an empty batch to open and settle")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
