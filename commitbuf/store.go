package commitbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vibeswap/vibeswap/logger"
	"github.com/vibeswap/vibeswap/observability"
	"github.com/vibeswap/vibeswap/types"
)

var (
	ErrRequestIsNil        = errors.New("commit request is nil")
	ErrWrongPhase          = errors.New("commit phase is closed")
	ErrWrongBatch          = errors.New("commit targets a wrong batch")
	ErrDuplicateCommitment = errors.New("participant already has a commitment in this batch")
	ErrInsufficientDeposit = errors.New("deposit is below the required minimum")
	ErrReplayGuard         = errors.New("second interaction within the same scheduling tick")
	ErrNotEligible         = errors.New("participant is not eligible for this pool")
)

type (
	// Eligibility is the access-control collaborator: is the
	// participant permitted to submit to the pool. Evaluated at commit
	// time only.
	Eligibility interface {
		IsEligible(ctx context.Context, pool types.PoolID, participant types.ParticipantID) (bool, error)
	}

	// DepositRule fixes the minimum deposit a commitment must carry:
	// max(MinDeposit, CollateralRateBP * estimated notional / 10000).
	// These are protocol constants, not per-pool knobs.
	DepositRule struct {
		MinDeposit       uint64
		CollateralRateBP uint32
	}

	// Store holds the sealed commitments of one batch. Exactly one
	// commitment per participant is enforced under the store mutex, the
	// anti-flash-loan guard is shared across batches of all pools.
	Store struct {
		mutex       sync.Mutex
		poolID      types.PoolID
		batchID     types.BatchID
		open        bool
		commitments map[types.ParticipantID]*types.Commitment

		rule        DepositRule
		eligibility Eligibility
		guard       *TickGuard

		log    *slog.Logger
		tracer trace.Tracer
		mCnt   metric.Int64Counter
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

func New(pool types.PoolID, batch types.BatchID, rule DepositRule, eligibility Eligibility, guard *TickGuard, obs Observability) (*Store, error) {
	if eligibility == nil {
		return nil, errors.New("eligibility check is nil")
	}
	if guard == nil {
		return nil, errors.New("tick guard is nil")
	}
	s := &Store{
		poolID:      pool,
		batchID:     batch,
		open:        true,
		commitments: make(map[types.ParticipantID]*types.Commitment),
		rule:        rule,
		eligibility: eligibility,
		guard:       guard,
		log:         obs.Logger(),
		tracer:      obs.Tracer("commitbuf"),
	}

	var err error
	if s.mCnt, err = obs.Meter("commitbuf").Int64Counter(
		"commits",
		metric.WithDescription("Number of commit attempts."),
		metric.WithUnit("{commitment}"),
	); err != nil {
		return nil, fmt.Errorf("creating commit counter: %w", err)
	}
	return s, nil
}

/*
Add stores the sealed commitment of the request. The estimatedNotional
is supplied by the caller (reserve collaborator) and feeds the deposit
floor; tick is the current atomic scheduling unit of the engine clock.
Origin is the funding source the transport resolved for the request -
the replay guard keys on it so intermediary identities funded from one
source cannot commit twice within a tick. Empty origin defaults to the
participant itself. Rejections leave no trace in the store.
*/
func (s *Store) Add(ctx context.Context, req *types.CommitRequest, estimatedNotional uint64, tick uint64, origin types.ParticipantID) (err error) {
	ctx, span := s.tracer.Start(ctx, "Store.Add")
	defer func() {
		s.mCnt.Add(ctx, 1, metric.WithAttributes(observability.PoolAttr(s.poolID), observability.ErrStatus(err)))
		span.End()
	}()

	if req == nil {
		return ErrRequestIsNil
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid commit request: %w", err)
	}
	if req.PoolID != s.poolID || req.BatchID != s.batchID {
		return fmt.Errorf("%w: got %s/%d, current batch is %s/%d", ErrWrongBatch, req.PoolID, req.BatchID, s.poolID, s.batchID)
	}
	if min := s.requiredDeposit(estimatedNotional); req.Deposit < min {
		return fmt.Errorf("%w: got %d, need at least %d", ErrInsufficientDeposit, req.Deposit, min)
	}

	ok, err := s.eligibility.IsEligible(ctx, s.poolID, req.Participant)
	if err != nil {
		return fmt.Errorf("eligibility check: %w", err)
	}
	if !ok {
		return ErrNotEligible
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.open {
		return ErrWrongPhase
	}
	if _, found := s.commitments[req.Participant]; found {
		return ErrDuplicateCommitment
	}
	// the guard mutates state so it must be the last check - rejections
	// after a guard update would leave a side effect behind
	if origin == "" {
		origin = req.Participant
	}
	if err := s.guard.Interact(origin, tick); err != nil {
		return err
	}

	s.commitments[req.Participant] = &types.Commitment{
		Participant: req.Participant,
		Hash:        req.Hash,
		Deposit:     req.Deposit,
		SubmittedAt: req.SubmittedAt,
	}
	s.log.DebugContext(ctx, fmt.Sprintf("commitment accepted, deposit %d", req.Deposit),
		logger.Batch(s.poolID, s.batchID), logger.Participant(req.Participant))
	return nil
}

// Close ends the commit phase. Any Add call after Close is rejected
// with ErrWrongPhase. Returns the number of commitments collected.
func (s *Store) Close() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.open = false
	return len(s.commitments)
}

// Commitments returns the stored commitments. Must only be called
// after Close, the returned map is the store's own (callers must not
// mutate it).
func (s *Store) Commitments() map[types.ParticipantID]*types.Commitment {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.commitments
}

func (s *Store) requiredDeposit(estimatedNotional uint64) uint64 {
	// collateralRate * notional / 10000 without intermediate overflow
	req := uint256.NewInt(estimatedNotional)
	req.Mul(req, uint256.NewInt(uint64(s.rule.CollateralRateBP)))
	req.Div(req, uint256.NewInt(10_000))
	if !req.IsUint64() {
		return math.MaxUint64
	}
	if req.Uint64() < s.rule.MinDeposit {
		return s.rule.MinDeposit
	}
	return req.Uint64()
}
