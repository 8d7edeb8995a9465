package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vibeswap/vibeswap/clearing"
	"github.com/vibeswap/vibeswap/commitbuf"
	"github.com/vibeswap/vibeswap/engine/event"
	"github.com/vibeswap/vibeswap/keyvaluedb"
	"github.com/vibeswap/vibeswap/reveal"
	"github.com/vibeswap/vibeswap/settlement"
	"github.com/vibeswap/vibeswap/types"
)

/*
Protocol constants shared by every pool and batch. These are execution
safety parameters, deliberately not configurable per pool: a pool that
could lower its own deposit or slash rate would undercut the incentive
guarantees of all the others. Only eligibility varies per pool, through
the injected access control collaborator.
*/
const (
	// MinDeposit is the absolute deposit floor per commitment.
	MinDeposit uint64 = 1_000
	// CollateralRateBP scales the deposit floor with the estimated
	// notional of the hidden order: 10% of notional.
	CollateralRateBP uint32 = 1_000
	// SlashRateBP is the forfeited fraction of an unrevealed
	// commitment's deposit: 50%.
	SlashRateBP uint32 = 5_000
	// MaxJumpBP bounds the clearing value search interval around the
	// reference: ±20%.
	MaxJumpBP uint32 = 2_000
	// MaxOrderFractionBP caps a single submission's effective size at
	// 10% of the pool's available liquidity.
	MaxOrderFractionBP uint32 = 1_000
)

var ErrUnknownPool = errors.New("pool is not registered")

type (
	// ReferenceOracle supplies the current reference value and the
	// available liquidity of a pool, read once per settlement to derive
	// the clearing bounds.
	ReferenceOracle interface {
		Reference(ctx context.Context, pool types.PoolID) (value uint64, liquidity uint64, err error)
	}

	// Treasury names the destinations of forfeited deposits. The split
	// ratios are owned by the treasury, the engine only applies them.
	Treasury interface {
		SlashSplits(pool types.PoolID) []types.SlashSplit
	}

	/*
		Engine runs the commit-reveal batch lifecycle for any number of
		pools. Pools tick independently against the same wall clock but
		batches within one pool are strictly serialized: the next commit
		phase opens only after the previous batch has settled. The
		engine never moves funds, the outcome and slash events it emits
		are the instructions for the ledger collaborators.
	*/
	Engine struct {
		conf        conf
		eligibility commitbuf.Eligibility
		oracle      ReferenceOracle
		treasury    Treasury
		journal     *Journal
		distributor *settlement.Distributor
		guard       *commitbuf.TickGuard

		mutex sync.RWMutex
		pools map[types.PoolID]*poolClock
		tick  atomic.Uint64

		eventHandler event.Handler
		eventCh      chan event.Event

		observe Observability
		log     *slog.Logger
		tracer  trace.Tracer
		tickCnt metric.Int64Counter
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

func New(oracle ReferenceOracle, treasury Treasury, eligibility commitbuf.Eligibility, db keyvaluedb.KeyValueDB, obs Observability, opts ...Option) (*Engine, error) {
	if oracle == nil {
		return nil, errors.New("reference oracle is nil")
	}
	if treasury == nil {
		return nil, errors.New("treasury is nil")
	}
	if eligibility == nil {
		return nil, errors.New("eligibility check is nil")
	}

	journal, err := NewJournal(db)
	if err != nil {
		return nil, err
	}
	distributor, err := settlement.NewDistributor(obs)
	if err != nil {
		return nil, fmt.Errorf("creating slash distributor: %w", err)
	}

	e := &Engine{
		conf:        defaultConf(),
		eligibility: eligibility,
		oracle:      oracle,
		treasury:    treasury,
		journal:     journal,
		distributor: distributor,
		guard:       commitbuf.NewTickGuard(),
		pools:       make(map[types.PoolID]*poolClock),
		observe:     obs,
		log:         obs.Logger(),
		tracer:      obs.Tracer("engine"),
	}
	for _, opt := range opts {
		opt(&e.conf)
	}
	if e.conf.eventHandler != nil {
		e.eventHandler = e.conf.eventHandler
		e.eventCh = make(chan event.Event, e.conf.eventChCapacity)
	}

	if e.tickCnt, err = obs.Meter("engine").Int64Counter(
		"scheduler.tick",
		metric.WithDescription("Count of scheduler ticks processed."),
	); err != nil {
		return nil, fmt.Errorf("creating tick counter: %w", err)
	}
	return e, nil
}

// AddPool registers a pool; its first batch opens on the next tick.
// Adding an already registered pool is an error.
func (e *Engine) AddPool(pool types.PoolID) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if _, ok := e.pools[pool]; ok {
		return fmt.Errorf("pool %s is already registered", pool)
	}
	e.pools[pool] = &poolClock{engine: e, poolID: pool}
	e.log.Info(fmt.Sprintf("pool %s registered", pool))
	return nil
}

/*
Commit submits a sealed commitment. The origin identifies the funding
source of the deposit for the anti-replay guard; when empty the
participant is its own origin. Rejections leave no state behind.
*/
func (e *Engine) Commit(ctx context.Context, req *types.CommitRequest, estimatedNotional uint64, origin types.ParticipantID) error {
	if req == nil {
		return commitbuf.ErrRequestIsNil
	}
	clock, err := e.pool(req.PoolID)
	if err != nil {
		return err
	}
	return clock.commit(ctx, req, estimatedNotional, e.tick.Load(), origin)
}

// Reveal discloses the payload and secret behind a commitment.
func (e *Engine) Reveal(ctx context.Context, req *types.RevealRequest) error {
	if req == nil {
		return reveal.ErrRequestIsNil
	}
	clock, err := e.pool(req.PoolID)
	if err != nil {
		return err
	}
	return clock.reveal(ctx, req, time.Now().UnixNano())
}

// CurrentBatch returns the open batch header and phase of a pool.
func (e *Engine) CurrentBatch(pool types.PoolID) (types.BatchHeader, types.Phase, error) {
	clock, err := e.pool(pool)
	if err != nil {
		return types.BatchHeader{}, 0, err
	}
	return clock.currentBatch()
}

// Result loads the archived settlement of a batch from the journal.
func (e *Engine) Result(pool types.PoolID, batch types.BatchID) (*types.BatchResult, error) {
	return e.journal.Result(pool, batch)
}

// Replay re-executes an archived batch and verifies bit-identity with
// the journalled result.
func (e *Engine) Replay(pool types.PoolID, batch types.BatchID) (*types.BatchResult, error) {
	return e.journal.Replay(pool, batch)
}

/*
Tick is the atomic scheduling unit: it increments the tick counter,
expires the anti-replay guard's previous window and advances every
pool clock against now. Driven by Run in production, called directly
in tests.
*/
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	tick := e.tick.Add(1)
	e.guard.Forget(tick)
	e.tickCnt.Add(ctx, 1)

	e.mutex.RLock()
	clocks := make([]*poolClock, 0, len(e.pools))
	for _, clock := range e.pools {
		clocks = append(clocks, clock)
	}
	e.mutex.RUnlock()

	for _, clock := range clocks {
		clock.advance(ctx, now)
	}
}

// Run drives the scheduler from a wall clock ticker until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(e.conf.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				e.Tick(ctx, now)
			}
		}
	})

	if e.eventHandler != nil {
		g.Go(func() error { return e.eventHandlerLoop(ctx) })
	}
	return g.Wait()
}

func (e *Engine) pool(pool types.PoolID) (*poolClock, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	clock, ok := e.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	return clock, nil
}

func (e *Engine) depositRule() commitbuf.DepositRule {
	return commitbuf.DepositRule{MinDeposit: MinDeposit, CollateralRateBP: CollateralRateBP}
}

// bounds derives the solver's search context for a settlement.
func (e *Engine) bounds(ctx context.Context, pool types.PoolID, prevClearing uint64) (clearing.Bounds, error) {
	ref, liquidity, err := e.oracle.Reference(ctx, pool)
	if err != nil {
		return clearing.Bounds{}, fmt.Errorf("reading pool reference: %w", err)
	}
	return clearing.Bounds{
		Reference:          ref,
		PrevClearing:       prevClearing,
		Liquidity:          liquidity,
		MaxJumpBP:          MaxJumpBP,
		MaxOrderFractionBP: MaxOrderFractionBP,
	}, nil
}

func (e *Engine) sendEvent(eventType event.Type, content any) {
	if e.eventHandler != nil {
		e.eventCh <- event.Event{EventType: eventType, Content: content}
	}
}

// eventHandlerLoop forwards engine events to the configured handler.
func (e *Engine) eventHandlerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.eventCh:
			e.eventHandler(&ev)
		}
	}
}
