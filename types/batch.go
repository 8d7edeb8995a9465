package types

import (
	"errors"
	"fmt"
)

type (
	// BatchHeader describes one commit-reveal round of a pool.
	BatchHeader struct {
		_              struct{} `cbor:",toarray"`
		PoolID         PoolID
		BatchID        BatchID
		CommitDeadline int64 // unix nanoseconds
		RevealDeadline int64
	}

	// ClearingResult is the single value the whole batch settles at.
	// Exactly one per settled batch; every executed submission of the
	// batch references this value.
	ClearingResult struct {
		_             struct{} `cbor:",toarray"`
		Value         uint64
		MatchedVolume uint64
		Iterations    uint32
		// Imprecise is set when the solver hit its iteration cap before
		// reaching epsilon convergence. Settlement still proceeds, this
		// is an operational monitoring signal only.
		Imprecise bool
		// NoTrade is set when demand and supply never cross (or nothing
		// was revealed): all deposits are refunded, nothing executes.
		NoTrade bool
	}

	// OutcomeRecord is the per-submission settlement outcome. The
	// engine never moves funds itself, the ledger collaborator acts on
	// these records.
	OutcomeRecord struct {
		_             struct{} `cbor:",toarray"`
		Participant   ParticipantID
		Filled        uint64
		ClearingValue uint64
		Refund        uint64
		Slashed       uint64
		Deposit       uint64
	}

	// SlashRecord is created for every commitment that was never
	// validly revealed by the reveal deadline.
	SlashRecord struct {
		_           struct{} `cbor:",toarray"`
		PoolID      PoolID
		BatchID     BatchID
		Participant ParticipantID
		Amount      uint64
	}

	// SlashSplit routes a basis-point fraction of a slashed amount to a
	// named destination. Splits are supplied by the treasury
	// collaborator, not owned by the engine.
	SlashSplit struct {
		_           struct{} `cbor:",toarray"`
		Destination string
		FractionBP  uint32
	}

	// BatchResult is the archived, replayable record of a settled
	// batch: the inputs are journalled separately, this is the agreed
	// output. Recomputing it from the same revealed set must be bit
	// identical on every replica.
	BatchResult struct {
		_              struct{} `cbor:",toarray"`
		Header         BatchHeader
		Clearing       ClearingResult
		ExecutionOrder []uint32
		Outcomes       []OutcomeRecord
		Slashes        []SlashRecord
		Seed           []byte
	}
)

const bpDenominator = 10_000

// Verify checks structural sanity and the deposit conservation
// invariant: refund + slashed == deposit for every outcome.
func (r *BatchResult) Verify() error {
	if r == nil {
		return errors.New("batch result is nil")
	}
	for i, o := range r.Outcomes {
		if o.Refund+o.Slashed != o.Deposit {
			return fmt.Errorf("outcome %d violates deposit conservation: refund %d + slashed %d != deposit %d",
				i, o.Refund, o.Slashed, o.Deposit)
		}
	}
	return nil
}

// ValidSplits checks that split fractions are sane and sum to 100%.
func ValidSplits(splits []SlashSplit) error {
	if len(splits) == 0 {
		return errors.New("no slash destinations")
	}
	var sum uint64
	for _, s := range splits {
		if s.Destination == "" {
			return errors.New("slash destination name is empty")
		}
		sum += uint64(s.FractionBP)
	}
	if sum != bpDenominator {
		return fmt.Errorf("slash split fractions must sum to %d basis points, got %d", bpDenominator, sum)
	}
	return nil
}
