package types

import (
	"errors"
	"fmt"
)

// PriceScale is the fixed point scale of all price values: a price of
// 1.0 is represented as 1e8. All clearing arithmetic is integer only.
const PriceScale = 100_000_000

// Side of an order within a batch.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Order is the payload of a trade pool submission. A vote payload for
// trust comparison pools is expressed as an Order with Amount equal to
// the vote weight and LimitPrice encoding the chosen option, so both
// uses of the engine share one clearing path.
type Order struct {
	_              struct{} `cbor:",toarray"`
	Side           Side
	Amount         uint64
	LimitPrice     uint64
	PriorityWeight uint64
}

func (o *Order) IsValid() error {
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("unknown order side %d", o.Side)
	}
	if o.Amount == 0 {
		return errors.New("order amount is zero")
	}
	if o.LimitPrice == 0 {
		return errors.New("order limit price is zero")
	}
	return nil
}

// Bytes returns the canonical CBOR encoding of the order, ie the exact
// bytes a participant must hash together with their secret when
// committing.
func (o *Order) Bytes() ([]byte, error) {
	return Cbor.Marshal(o)
}
