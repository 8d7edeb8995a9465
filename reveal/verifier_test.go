package reveal

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vibeswap/vibeswap/internal/testutils/observability"
	"github.com/vibeswap/vibeswap/types"
)

type committed struct {
	payload []byte
	secret  []byte
	order   types.Order
}

func commitOrder(t *testing.T, order types.Order) committed {
	t.Helper()
	payload, err := order.Bytes()
	require.NoError(t, err)
	secret := make([]byte, types.SecretLength)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return committed{payload: payload, secret: secret, order: order}
}

func testVerifier(t *testing.T, commits map[types.ParticipantID]committed) *Verifier {
	t.Helper()
	cms := make(map[types.ParticipantID]*types.Commitment, len(commits))
	for pid, c := range commits {
		cms[pid] = &types.Commitment{
			Participant: pid,
			Hash:        types.CommitmentHash(c.payload, c.secret),
			Deposit:     100,
		}
	}
	v, err := New(1, 1, cms, observability.Default(t))
	require.NoError(t, err)
	return v
}

func revealReq(pid types.ParticipantID, c committed) *types.RevealRequest {
	return &types.RevealRequest{
		PoolID:      1,
		BatchID:     1,
		Participant: pid,
		Payload:     types.RawCBOR(c.payload),
		Secret:      c.secret,
	}
}

func Test_Verifier_Reveal(t *testing.T) {
	ctx := context.Background()
	order := types.Order{Side: types.Buy, Amount: 10, LimitPrice: 100 * types.PriceScale}

	t.Run("nil request", func(t *testing.T) {
		v := testVerifier(t, nil)
		require.ErrorIs(t, v.Reveal(ctx, nil, 0), ErrRequestIsNil)
	})

	t.Run("valid reveal is accepted", func(t *testing.T) {
		c := commitOrder(t, order)
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		require.NoError(t, v.Reveal(ctx, revealReq("p1", c), 42))
		require.Equal(t, 1, v.RevealedCount())

		revealed, slashable := v.Close()
		require.Len(t, revealed, 1)
		require.Empty(t, slashable)
		require.Equal(t, order, revealed[0].Order)
		require.EqualValues(t, 42, revealed[0].RevealedAt)
	})

	t.Run("unknown commitment", func(t *testing.T) {
		c := commitOrder(t, order)
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		require.ErrorIs(t, v.Reveal(ctx, revealReq("p2", c), 0), ErrUnknownCommitment)
	})

	t.Run("duplicate reveal", func(t *testing.T) {
		c := commitOrder(t, order)
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		require.NoError(t, v.Reveal(ctx, revealReq("p1", c), 0))
		require.ErrorIs(t, v.Reveal(ctx, revealReq("p1", c), 0), ErrDuplicateReveal)
	})

	t.Run("wrong batch", func(t *testing.T) {
		c := commitOrder(t, order)
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		req := revealReq("p1", c)
		req.BatchID = 9
		require.ErrorIs(t, v.Reveal(ctx, req, 0), ErrWrongBatch)
	})

	t.Run("reveal after close", func(t *testing.T) {
		c := commitOrder(t, order)
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		v.Close()
		require.ErrorIs(t, v.Reveal(ctx, revealReq("p1", c), 0), ErrWrongPhase)
	})

	t.Run("malformed payload", func(t *testing.T) {
		c := commitOrder(t, order)
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		req := revealReq("p1", c)
		req.Payload = types.RawCBOR{0x01} // valid CBOR, not an order
		require.ErrorIs(t, v.Reveal(ctx, req, 0), ErrInvalidPayload)
	})
}

func Test_Verifier_HashBinding(t *testing.T) {
	ctx := context.Background()
	order := types.Order{Side: types.Sell, Amount: 5, LimitPrice: 95 * types.PriceScale}
	c := commitOrder(t, order)

	t.Run("any payload bit flip is rejected", func(t *testing.T) {
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		for i := range c.payload {
			req := revealReq("p1", c)
			payload := append([]byte(nil), c.payload...)
			payload[i] ^= 0x80
			req.Payload = types.RawCBOR(payload)
			// either the mutation broke the CBOR structure or the hash check
			require.Error(t, v.Reveal(ctx, req, 0))
		}
		require.Equal(t, 0, v.RevealedCount())
	})

	t.Run("any secret bit flip is rejected", func(t *testing.T) {
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c})
		for i := range c.secret {
			req := revealReq("p1", c)
			secret := append([]byte(nil), c.secret...)
			secret[i] ^= 0x01
			req.Secret = secret
			require.ErrorIs(t, v.Reveal(ctx, req, 0), ErrHashMismatch)
		}
		require.Equal(t, 0, v.RevealedCount())
	})
}

func Test_Verifier_Close(t *testing.T) {
	ctx := context.Background()
	c1 := commitOrder(t, types.Order{Side: types.Buy, Amount: 10, LimitPrice: 100 * types.PriceScale})
	c2 := commitOrder(t, types.Order{Side: types.Sell, Amount: 5, LimitPrice: 95 * types.PriceScale})
	c3 := commitOrder(t, types.Order{Side: types.Sell, Amount: 5, LimitPrice: 98 * types.PriceScale})

	t.Run("unrevealed commitments are slashable", func(t *testing.T) {
		v := testVerifier(t, map[types.ParticipantID]committed{"p1": c1, "p2": c2, "p3": c3})
		require.NoError(t, v.Reveal(ctx, revealReq("p1", c1), 0))
		require.NoError(t, v.Reveal(ctx, revealReq("p2", c2), 0))

		revealed, slashable := v.Close()
		require.Len(t, revealed, 2)
		require.Len(t, slashable, 1)
		require.EqualValues(t, "p3", slashable[0].Participant)
	})

	t.Run("zero reveals hand back every commitment", func(t *testing.T) {
		v := testVerifier(t, map[types.ParticipantID]committed{"p2": c2, "p1": c1})
		revealed, slashable := v.Close()
		require.Empty(t, revealed)
		require.Len(t, slashable, 2)
		require.EqualValues(t, "p1", slashable[0].Participant)
		require.EqualValues(t, "p2", slashable[1].Participant)
	})

	t.Run("revealed set is in deterministic order", func(t *testing.T) {
		v := testVerifier(t, map[types.ParticipantID]committed{"p3": c3, "p1": c1, "p2": c2})
		require.NoError(t, v.Reveal(ctx, revealReq("p2", c2), 0))
		require.NoError(t, v.Reveal(ctx, revealReq("p3", c3), 0))
		require.NoError(t, v.Reveal(ctx, revealReq("p1", c1), 0))

		revealed, _ := v.Close()
		require.Len(t, revealed, 3)
		require.EqualValues(t, "p1", revealed[0].Participant)
		require.EqualValues(t, "p2", revealed[1].Participant)
		require.EqualValues(t, "p3", revealed[2].Participant)
	})
}
