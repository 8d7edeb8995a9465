package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/vibeswap/vibeswap/clearing"
	"github.com/vibeswap/vibeswap/keyvaluedb"
	"github.com/vibeswap/vibeswap/settlement"
	"github.com/vibeswap/vibeswap/shuffle"
	"github.com/vibeswap/vibeswap/types"
)

const (
	entryCommit uint8 = iota + 1
	entryReveal
	entrySettle
)

var (
	ErrUnknownBatch = errors.New("no journal entries for the batch")
	ErrNotSettled   = errors.New("batch has no settlement entry")
)

type (
	/*
		Journal is the append-only persistent log of everything that
		mutated a batch: accepted commitments, accepted reveals and the
		final settlement. The log is the source of truth for audit, the
		in-memory batch state is just a projection of it. Entries are
		keyed (poolID ‖ batchID ‖ seq) so one batch's entries are a
		contiguous key range in insertion order.
	*/
	Journal struct {
		db keyvaluedb.KeyValueDB
	}

	journalEntry struct {
		_    struct{} `cbor:",toarray"`
		Kind uint8
		Data types.RawCBOR
	}

	revealEntry struct {
		_          struct{} `cbor:",toarray"`
		Request    types.RevealRequest
		RevealedAt int64
	}

	// settleEntry archives the settlement together with the solver
	// bounds that produced it, the only settlement input not derivable
	// from the commit and reveal entries.
	settleEntry struct {
		_           struct{} `cbor:",toarray"`
		Bounds      clearing.Bounds
		SlashRateBP uint32
		Result      *types.BatchResult
	}
)

func NewJournal(db keyvaluedb.KeyValueDB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal database is nil")
	}
	return &Journal{db: db}, nil
}

func (j *Journal) appendCommit(pool types.PoolID, batch types.BatchID, seq uint64, c *types.Commitment) error {
	return j.append(pool, batch, seq, entryCommit, c)
}

func (j *Journal) appendReveal(pool types.PoolID, batch types.BatchID, seq uint64, req *types.RevealRequest, at int64) error {
	return j.append(pool, batch, seq, entryReveal, &revealEntry{Request: *req, RevealedAt: at})
}

func (j *Journal) appendSettle(pool types.PoolID, batch types.BatchID, seq uint64, e *settleEntry) error {
	return j.append(pool, batch, seq, entrySettle, e)
}

func (j *Journal) append(pool types.PoolID, batch types.BatchID, seq uint64, kind uint8, v any) error {
	data, err := types.Cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}
	if err := j.db.Write(journalKey(pool, batch, seq), &journalEntry{Kind: kind, Data: data}); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Result loads the archived settlement of a batch.
func (j *Journal) Result(pool types.PoolID, batch types.BatchID) (*types.BatchResult, error) {
	_, _, se, err := j.load(pool, batch)
	if err != nil {
		return nil, err
	}
	if se == nil {
		return nil, ErrNotSettled
	}
	return se.Result, nil
}

/*
Replay re-executes the settlement of an archived batch from its journal
entries and verifies that the recomputation is bit-identical to the
archived result. A difference means either a corrupted journal or a
non-deterministic engine, both of which void the audit trail.
*/
func (j *Journal) Replay(pool types.PoolID, batch types.BatchID) (*types.BatchResult, error) {
	commitments, reveals, se, err := j.load(pool, batch)
	if err != nil {
		return nil, err
	}
	if se == nil {
		return nil, ErrNotSettled
	}

	revealed := make([]*types.RevealedSubmission, 0, len(reveals))
	for _, re := range reveals {
		var order types.Order
		if err := types.Cbor.Unmarshal(re.Request.Payload, &order); err != nil {
			return nil, fmt.Errorf("decoding revealed payload of %s: %w", re.Request.Participant, err)
		}
		sub := &types.RevealedSubmission{
			Participant: re.Request.Participant,
			Order:       order,
			RevealedAt:  re.RevealedAt,
		}
		copy(sub.Secret[:], re.Request.Secret)
		revealed = append(revealed, sub)
	}
	sort.Slice(revealed, func(i, k int) bool { return revealed[i].Participant < revealed[k].Participant })

	didReveal := make(map[types.ParticipantID]bool, len(revealed))
	for _, sub := range revealed {
		didReveal[sub.Participant] = true
	}
	slashable := make([]*types.Commitment, 0, len(commitments))
	for _, c := range commitments {
		if !didReveal[c.Participant] {
			slashable = append(slashable, c)
		}
	}
	sort.Slice(slashable, func(i, k int) bool { return slashable[i].Participant < slashable[k].Participant })

	// zero reveals settles as no-trade with nobody slashed
	cr := types.ClearingResult{NoTrade: true}
	slashRate := uint32(0)
	var seed [32]byte
	var order []uint32
	if len(revealed) > 0 {
		orders := make([]types.Order, len(revealed))
		for i, sub := range revealed {
			orders[i] = sub.Order
		}
		if cr, err = clearing.Solve(orders, se.Bounds); err != nil {
			return nil, fmt.Errorf("replaying clearing: %w", err)
		}
		seed, order = shuffle.ExecutionOrder(revealed)
		slashRate = se.SlashRateBP
	}

	result, err := settlement.Execute(se.Result.Header, cr, clearing.SubmissionCap(se.Bounds), seed, order, revealed, commitments, slashable, slashRate)
	if err != nil {
		return nil, fmt.Errorf("replaying settlement: %w", err)
	}

	recomputed, err := types.Cbor.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding recomputed result: %w", err)
	}
	archived, err := types.Cbor.Marshal(se.Result)
	if err != nil {
		return nil, fmt.Errorf("encoding archived result: %w", err)
	}
	if string(recomputed) != string(archived) {
		return nil, fmt.Errorf("replay of pool %s batch %d diverged from the archived result", pool, batch)
	}
	return result, nil
}

// load reads every journal entry of a batch in insertion order.
func (j *Journal) load(pool types.PoolID, batch types.BatchID) (map[types.ParticipantID]*types.Commitment, []*revealEntry, *settleEntry, error) {
	commitments := make(map[types.ParticipantID]*types.Commitment)
	var reveals []*revealEntry
	var se *settleEntry

	prefix := journalKey(pool, batch, 0)[:12]
	it := j.db.Find(prefix)
	defer func() { _ = it.Close() }()

	found := false
	for ; it.Valid(); it.Next() {
		found = true
		var entry journalEntry
		if err := it.Value(&entry); err != nil {
			return nil, nil, nil, fmt.Errorf("reading journal entry: %w", err)
		}
		switch entry.Kind {
		case entryCommit:
			c := &types.Commitment{}
			if err := types.Cbor.Unmarshal(entry.Data, c); err != nil {
				return nil, nil, nil, fmt.Errorf("decoding commit entry: %w", err)
			}
			commitments[c.Participant] = c
		case entryReveal:
			re := &revealEntry{}
			if err := types.Cbor.Unmarshal(entry.Data, re); err != nil {
				return nil, nil, nil, fmt.Errorf("decoding reveal entry: %w", err)
			}
			reveals = append(reveals, re)
		case entrySettle:
			se = &settleEntry{}
			if err := types.Cbor.Unmarshal(entry.Data, se); err != nil {
				return nil, nil, nil, fmt.Errorf("decoding settle entry: %w", err)
			}
		default:
			return nil, nil, nil, fmt.Errorf("unknown journal entry kind %d", entry.Kind)
		}
	}
	if !found {
		return nil, nil, nil, fmt.Errorf("%w: pool %s batch %d", ErrUnknownBatch, pool, batch)
	}
	return commitments, reveals, se, nil
}

func journalKey(pool types.PoolID, batch types.BatchID, seq uint64) []byte {
	key := make([]byte, 0, 20)
	key = append(key, pool.Bytes()...)
	key = append(key, batch.Bytes()...)
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}
