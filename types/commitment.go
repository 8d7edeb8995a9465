package types

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// HashLength is the length of a commitment hash in bytes.
const HashLength = 32

// SecretLength is the required length of a reveal secret in bytes.
const SecretLength = 32

type (
	// CommitRequest is the wire level commit message. Hash binds the
	// hidden payload and secret; Deposit is held by the engine until
	// the batch resolves the commitment to a refund and/or a slash.
	CommitRequest struct {
		_           struct{} `cbor:",toarray"`
		PoolID      PoolID
		BatchID     BatchID
		Participant ParticipantID
		Hash        []byte
		Deposit     uint64
		SubmittedAt int64 // unix nanoseconds
	}

	// RevealRequest is the wire level reveal message. Payload is the
	// exact bytes the commitment hash was computed over.
	RevealRequest struct {
		_           struct{} `cbor:",toarray"`
		PoolID      PoolID
		BatchID     BatchID
		Participant ParticipantID
		Payload     RawCBOR
		Secret      []byte
	}

	// Commitment is the stored, immutable record of an accepted commit.
	Commitment struct {
		_           struct{} `cbor:",toarray"`
		Participant ParticipantID
		Hash        []byte
		Deposit     uint64
		SubmittedAt int64
	}

	// RevealedSubmission is a commitment whose payload has been
	// disclosed and verified. The secret is retained only for shuffle
	// seed derivation and is never exposed outside the engine.
	RevealedSubmission struct {
		Participant ParticipantID
		Order       Order
		Secret      [SecretLength]byte
		RevealedAt  int64
	}
)

var (
	ErrHashLength   = errors.New("commitment hash must be 32 bytes")
	ErrSecretLength = errors.New("reveal secret must be 32 bytes")
)

// CommitmentHash computes the hash binding payload and secret:
// SHA256(payload ‖ secret).
func CommitmentHash(payload []byte, secret []byte) []byte {
	h := sha256.New()
	h.Write(payload)
	h.Write(secret)
	return h.Sum(nil)
}

func (c *CommitRequest) IsValid() error {
	if len(c.Hash) != HashLength {
		return fmt.Errorf("%w, got %d", ErrHashLength, len(c.Hash))
	}
	if c.Participant == "" {
		return errors.New("participant ID is empty")
	}
	if c.Deposit == 0 {
		return errors.New("deposit is zero")
	}
	return nil
}

func (r *RevealRequest) IsValid() error {
	if len(r.Secret) != SecretLength {
		return fmt.Errorf("%w, got %d", ErrSecretLength, len(r.Secret))
	}
	if r.Participant == "" {
		return errors.New("participant ID is empty")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is empty")
	}
	return nil
}
