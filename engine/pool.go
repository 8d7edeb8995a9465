package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vibeswap/vibeswap/clearing"
	"github.com/vibeswap/vibeswap/commitbuf"
	"github.com/vibeswap/vibeswap/engine/event"
	"github.com/vibeswap/vibeswap/logger"
	"github.com/vibeswap/vibeswap/reveal"
	"github.com/vibeswap/vibeswap/settlement"
	"github.com/vibeswap/vibeswap/shuffle"
	"github.com/vibeswap/vibeswap/types"
)

/*
poolClock runs the batch lifecycle of one pool: COMMIT → REVEAL →
SETTLED → next batch's COMMIT. Transitions are time driven through
advance, never through participant input. All state behind the mutex,
settlement holds it exclusively so no commit or reveal can race the
clearing computation.
*/
type poolClock struct {
	mutex  sync.Mutex
	engine *Engine

	poolID   types.PoolID
	batchID  types.BatchID
	phase    types.Phase
	header   types.BatchHeader
	store    *commitbuf.Store
	verifier *reveal.Verifier
	seq      uint64

	// previous batch's clearing value, the solver's tie-break anchor
	prevClearing uint64
}

func (p *poolClock) commit(ctx context.Context, req *types.CommitRequest, estimatedNotional uint64, tick uint64, origin types.ParticipantID) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.store == nil || p.phase != types.PhaseCommit {
		return commitbuf.ErrWrongPhase
	}
	if err := p.store.Add(ctx, req, estimatedNotional, tick, origin); err != nil {
		return err
	}
	p.seq++
	if err := p.engine.journal.appendCommit(p.poolID, p.batchID, p.seq, &types.Commitment{
		Participant: req.Participant,
		Hash:        req.Hash,
		Deposit:     req.Deposit,
		SubmittedAt: req.SubmittedAt,
	}); err != nil {
		p.engine.log.ErrorContext(ctx, "journalling commitment", logger.Error(err), logger.Batch(p.poolID, p.batchID))
		return fmt.Errorf("commitment accepted but not journalled: %w", err)
	}
	p.engine.sendEvent(event.CommitAccepted, req)
	return nil
}

func (p *poolClock) reveal(ctx context.Context, req *types.RevealRequest, now int64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.verifier == nil || p.phase != types.PhaseReveal {
		return reveal.ErrWrongPhase
	}
	if err := p.verifier.Reveal(ctx, req, now); err != nil {
		return err
	}
	p.seq++
	if err := p.engine.journal.appendReveal(p.poolID, p.batchID, p.seq, req, now); err != nil {
		p.engine.log.ErrorContext(ctx, "journalling reveal", logger.Error(err), logger.Batch(p.poolID, p.batchID))
		return fmt.Errorf("reveal accepted but not journalled: %w", err)
	}
	p.engine.sendEvent(event.RevealAccepted, req)
	return nil
}

func (p *poolClock) currentBatch() (types.BatchHeader, types.Phase, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.batchID == 0 {
		return types.BatchHeader{}, 0, fmt.Errorf("pool %s has no open batch", p.poolID)
	}
	return p.header, p.phase, nil
}

// advance moves the clock according to wall time. Called on every
// engine tick, a no-op between phase deadlines.
func (p *poolClock) advance(ctx context.Context, now time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.batchID == 0 {
		p.openBatch(ctx, now)
		return
	}

	switch p.phase {
	case types.PhaseCommit:
		if now.UnixNano() >= p.header.CommitDeadline {
			p.closeCommitPhase(ctx)
		}
	case types.PhaseReveal:
		if now.UnixNano() >= p.header.RevealDeadline {
			p.settle(ctx)
			p.openBatch(ctx, now)
		}
	}
}

// openBatch starts the next batch's commit phase. Caller must hold the
// mutex.
func (p *poolClock) openBatch(ctx context.Context, now time.Time) {
	p.batchID++
	p.seq = 0
	p.header = types.BatchHeader{
		PoolID:         p.poolID,
		BatchID:        p.batchID,
		CommitDeadline: now.Add(p.engine.conf.commitDuration).UnixNano(),
		RevealDeadline: now.Add(p.engine.conf.commitDuration + p.engine.conf.revealDuration).UnixNano(),
	}
	store, err := commitbuf.New(p.poolID, p.batchID, p.engine.depositRule(), p.engine.eligibility, p.engine.guard, p.engine.observe)
	if err != nil {
		// constructor fails only on nil collaborators which New checked
		p.engine.log.ErrorContext(ctx, "opening commitment store", logger.Error(err), logger.Batch(p.poolID, p.batchID))
		p.engine.sendEvent(event.Error, err)
		p.batchID--
		return
	}
	p.store = store
	p.verifier = nil
	p.phase = types.PhaseCommit
	p.engine.log.InfoContext(ctx, "batch opened", logger.Batch(p.poolID, p.batchID), logger.Phase(p.phase))
	p.engine.sendEvent(event.BatchOpened, p.header)
}

// closeCommitPhase seals the commitment set and opens the reveal
// phase. Caller must hold the mutex.
func (p *poolClock) closeCommitPhase(ctx context.Context) {
	n := p.store.Close()
	verifier, err := reveal.New(p.poolID, p.batchID, p.store.Commitments(), p.engine.observe)
	if err != nil {
		p.engine.log.ErrorContext(ctx, "opening reveal verifier", logger.Error(err), logger.Batch(p.poolID, p.batchID))
		p.engine.sendEvent(event.Error, err)
		return
	}
	p.verifier = verifier
	p.phase = types.PhaseReveal
	p.engine.log.InfoContext(ctx, fmt.Sprintf("commit phase closed with %d commitments", n),
		logger.Batch(p.poolID, p.batchID), logger.Phase(p.phase))
}

/*
settle resolves the batch: close the reveal set, solve for the
clearing value, derive the execution order and produce the outcome
records. Holding the mutex makes this a single atomic step, nothing
can mutate the revealed set while it runs. Every failure mode degrades
to a no-trade settlement with full refunds, a batch is never stuck.
Caller must hold the mutex.
*/
func (p *poolClock) settle(ctx context.Context) {
	ctx, span := p.engine.tracer.Start(ctx, "poolClock.settle")
	defer span.End()

	revealed, slashable := p.verifier.Close()
	commitments := p.store.Commitments()

	cr := types.ClearingResult{NoTrade: true}
	bounds := clearing.Bounds{}
	slashRate := uint32(0)
	var seed [32]byte
	var order []uint32

	if len(revealed) > 0 {
		slashRate = SlashRateBP
		var err error
		if bounds, err = p.engine.bounds(ctx, p.poolID, p.prevClearing); err != nil {
			// no reference, no market: the batch degrades to no-trade
			// but non-revealers are still slashed, they had a
			// counterparty to cheat against
			p.engine.log.WarnContext(ctx, "no clearing bounds, settling as no-trade", logger.Error(err), logger.Batch(p.poolID, p.batchID))
			p.engine.sendEvent(event.Error, err)
		} else {
			orders := make([]types.Order, len(revealed))
			for i, sub := range revealed {
				orders[i] = sub.Order
			}
			if cr, err = clearing.Solve(orders, bounds); err != nil {
				p.engine.log.WarnContext(ctx, "clearing failed, settling as no-trade", logger.Error(err), logger.Batch(p.poolID, p.batchID))
				p.engine.sendEvent(event.Error, err)
				cr = types.ClearingResult{NoTrade: true}
			}
		}
		seed, order = shuffle.ExecutionOrder(revealed)
	}

	result, err := settlement.Execute(p.header, cr, clearing.SubmissionCap(bounds), seed, order, revealed, commitments, slashable, slashRate)
	if err != nil {
		p.engine.log.ErrorContext(ctx, "settlement failed", logger.Error(err), logger.Batch(p.poolID, p.batchID))
		p.engine.sendEvent(event.Error, err)
		return
	}
	if cr.Imprecise {
		p.engine.log.WarnContext(ctx, fmt.Sprintf("clearing value imprecise after %d iterations", cr.Iterations), logger.Batch(p.poolID, p.batchID))
	}

	p.seq++
	if err := p.engine.journal.appendSettle(p.poolID, p.batchID, p.seq, &settleEntry{
		Bounds:      bounds,
		SlashRateBP: slashRate,
		Result:      result,
	}); err != nil {
		p.engine.log.ErrorContext(ctx, "journalling settlement", logger.Error(err), logger.Batch(p.poolID, p.batchID))
		p.engine.sendEvent(event.Error, err)
	}

	if !cr.NoTrade {
		p.prevClearing = cr.Value
	}
	p.phase = types.PhaseSettled
	p.engine.log.InfoContext(ctx, fmt.Sprintf("batch settled, matched volume %d", cr.MatchedVolume),
		logger.Batch(p.poolID, p.batchID), logger.Phase(p.phase))
	p.engine.sendEvent(event.BatchSettled, result)

	for _, rec := range result.Slashes {
		p.engine.sendEvent(event.SlashRecorded, rec)
		payouts, err := p.engine.distributor.Distribute(ctx, rec, p.engine.treasury.SlashSplits(p.poolID))
		if err != nil {
			p.engine.log.ErrorContext(ctx, "distributing slash", logger.Error(err), logger.Batch(p.poolID, p.batchID), logger.Participant(rec.Participant))
			p.engine.sendEvent(event.Error, err)
			continue
		}
		p.engine.sendEvent(event.SlashPayout, payouts)
	}
}
