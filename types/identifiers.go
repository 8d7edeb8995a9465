package types

import (
	"encoding/binary"
	"fmt"
)

const PoolIdentifierLength = 4

type (
	// PoolID identifies an independent market. Pools share protocol
	// constants but run their batch clocks independently.
	PoolID uint32

	// BatchID is the sequence number of a batch within its pool,
	// starting from 1. Batches of one pool never overlap.
	BatchID uint64

	// ParticipantID is the opaque principal identity of a submitter
	// (hex encoded address or public key hash). The engine never
	// interprets it beyond equality and ordering.
	ParticipantID string
)

func BytesToPoolID(b []byte) (PoolID, error) {
	if len(b) != PoolIdentifierLength {
		return 0, fmt.Errorf("pool ID length must be %d bytes, got %d bytes", PoolIdentifierLength, len(b))
	}
	return PoolID(binary.BigEndian.Uint32(b)), nil
}

func (pid PoolID) Bytes() []byte {
	b := make([]byte, PoolIdentifierLength)
	binary.BigEndian.PutUint32(b, uint32(pid))
	return b
}

func (pid PoolID) String() string {
	return fmt.Sprintf("%08X", uint32(pid))
}

func (bid BatchID) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(bid))
	return b
}
