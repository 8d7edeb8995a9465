package reveal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vibeswap/vibeswap/logger"
	"github.com/vibeswap/vibeswap/observability"
	"github.com/vibeswap/vibeswap/types"
)

var (
	ErrRequestIsNil      = errors.New("reveal request is nil")
	ErrWrongPhase        = errors.New("reveal phase is closed")
	ErrWrongBatch        = errors.New("reveal targets a wrong batch")
	ErrUnknownCommitment = errors.New("no commitment stored for participant")
	ErrDuplicateReveal   = errors.New("participant has already revealed")
	ErrHashMismatch      = errors.New("reveal does not match the stored commitment hash")
	ErrInvalidPayload    = errors.New("revealed payload is not a valid order")
)

type (
	// Verifier checks revealed submissions of one batch against their
	// stored commitments and tallies the valid reveals. Commitments
	// left unrevealed when the phase closes are handed over for
	// slashing.
	Verifier struct {
		mutex       sync.Mutex
		poolID      types.PoolID
		batchID     types.BatchID
		open        bool
		commitments map[types.ParticipantID]*types.Commitment
		revealed    map[types.ParticipantID]*types.RevealedSubmission

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

// New creates a verifier over the closed commitment set of a batch.
func New(pool types.PoolID, batch types.BatchID, commitments map[types.ParticipantID]*types.Commitment, obs Observability) (*Verifier, error) {
	v := &Verifier{
		poolID:      pool,
		batchID:     batch,
		open:        true,
		commitments: commitments,
		revealed:    make(map[types.ParticipantID]*types.RevealedSubmission),
		log:         obs.Logger(),
		tracer:      obs.Tracer("reveal"),
	}

	var err error
	if v.mCnt, err = obs.Meter("reveal").Int64Counter(
		"reveals",
		metric.WithDescription("Number of reveal attempts."),
		metric.WithUnit("{reveal}"),
	); err != nil {
		return nil, fmt.Errorf("creating reveal counter: %w", err)
	}
	return v, nil
}

/*
Reveal verifies the request against the stored commitment: accepted iff
the reveal phase is open, the participant has an unrevealed commitment
and SHA256(payload ‖ secret) equals the stored hash. The secret is
retained only for shuffle seed derivation. Rejection changes no state -
a commitment whose owner never produces a valid reveal resolves to a
slash at settlement, not here.
*/
func (v *Verifier) Reveal(ctx context.Context, req *types.RevealRequest, now int64) (err error) {
	ctx, span := v.tracer.Start(ctx, "Verifier.Reveal")
	defer func() {
		v.mCnt.Add(ctx, 1, metric.WithAttributes(observability.PoolAttr(v.poolID), observability.ErrStatus(err)))
		span.End()
	}()

	if req == nil {
		return ErrRequestIsNil
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid reveal request: %w", err)
	}
	if req.PoolID != v.poolID || req.BatchID != v.batchID {
		return fmt.Errorf("%w: got %s/%d, current batch is %s/%d", ErrWrongBatch, req.PoolID, req.BatchID, v.poolID, v.batchID)
	}

	var order types.Order
	if err := types.Cbor.Unmarshal(req.Payload, &order); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := order.IsValid(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()

	if !v.open {
		return ErrWrongPhase
	}
	commitment, found := v.commitments[req.Participant]
	if !found {
		return ErrUnknownCommitment
	}
	if _, found := v.revealed[req.Participant]; found {
		return ErrDuplicateReveal
	}
	if !bytes.Equal(types.CommitmentHash(req.Payload, req.Secret), commitment.Hash) {
		return ErrHashMismatch
	}

	sub := &types.RevealedSubmission{
		Participant: req.Participant,
		Order:       order,
		RevealedAt:  now,
	}
	copy(sub.Secret[:], req.Secret)
	v.revealed[req.Participant] = sub

	v.log.DebugContext(ctx, fmt.Sprintf("reveal accepted (%s %d @ %d)", order.Side, order.Amount, order.LimitPrice),
		logger.Batch(v.poolID, v.batchID), logger.Participant(req.Participant))
	return nil
}

/*
Close ends the reveal phase and partitions the batch: valid reveals in
deterministic (participant) order, and the commitments never matched by
a valid reveal. On a zero-reveal batch every commitment lands in the
second set - the settlement applies a zero slash rate then, so the
records resolve to full refunds rather than slashes.
*/
func (v *Verifier) Close() (revealed []*types.RevealedSubmission, slashable []*types.Commitment) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.open = false

	for _, sub := range v.revealed {
		revealed = append(revealed, sub)
	}
	sort.Slice(revealed, func(i, j int) bool { return revealed[i].Participant < revealed[j].Participant })

	for pid, c := range v.commitments {
		if _, ok := v.revealed[pid]; !ok {
			slashable = append(slashable, c)
		}
	}
	sort.Slice(slashable, func(i, j int) bool { return slashable[i].Participant < slashable[j].Participant })
	return revealed, slashable
}

// RevealedCount returns the number of valid reveals tallied so far.
func (v *Verifier) RevealedCount() int {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return len(v.revealed)
}
