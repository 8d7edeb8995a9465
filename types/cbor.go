package types

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Cbor is the canonical encoder/decoder used for all persisted and
// wire level engine data. Encoding is deterministic (core
// deterministic CBOR) so that independently produced byte streams of
// the same value are identical; the audit replay path relies on this.
var Cbor = cborHandler{}

type cborHandler struct{}

func (cborHandler) encMode() (cbor.EncMode, error) {
	opts := cbor.CoreDetEncOptions()
	return opts.EncMode()
}

func (c cborHandler) Marshal(v any) ([]byte, error) {
	enc, err := c.encMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(v)
}

func (c cborHandler) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (c cborHandler) Encode(w io.Writer, v any) error {
	enc, err := c.encMode()
	if err != nil {
		return err
	}
	return enc.NewEncoder(w).Encode(v)
}

func (c cborHandler) Decode(r io.Reader, v any) error {
	return cbor.NewDecoder(r).Decode(v)
}

// RawCBOR is an already encoded CBOR value carried through without
// re-encoding. Commit hashes are computed over these exact bytes so
// they must survive round-trips untouched.
type RawCBOR []byte

func (r RawCBOR) MarshalCBOR() ([]byte, error) {
	if len(r) == 0 {
		return cborNil, nil
	}
	return r, nil
}

func (r *RawCBOR) UnmarshalCBOR(data []byte) error {
	if r == nil {
		return io.ErrUnexpectedEOF
	}
	*r = append((*r)[:0], data...)
	return nil
}

var cborNil = []byte{0xf6}
