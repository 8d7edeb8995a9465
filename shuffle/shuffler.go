package shuffle

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/vibeswap/vibeswap/types"
)

/*
Seed combines all revealed secrets into the shuffle seed:
SHA256(secret_1 ⊕ ... ⊕ secret_n ‖ n). XOR with one uniformly random
secret yields a uniform combination, so as long as a single honest
participant's secret stayed hidden until their reveal was locked in,
no coalition of the other n-1 participants can predict the seed.
*/
func Seed(secrets [][types.SecretLength]byte) [32]byte {
	var acc [types.SecretLength]byte
	for _, s := range secrets {
		for i := range acc {
			acc[i] ^= s[i]
		}
	}
	buf := make([]byte, types.SecretLength+8)
	copy(buf, acc[:])
	binary.BigEndian.PutUint64(buf[types.SecretLength:], uint64(len(secrets)))
	return sha256.Sum256(buf)
}

/*
Permutation produces a uniform pseudo-random permutation of n indices
from the seed via Fisher-Yates. The random value of every swap step is
re-derived as SHA256(seed ‖ step) instead of consuming a single stream,
which keeps a short cycle in one derivation from biasing the rest.
A fixed seed always yields the same permutation.
*/
func Permutation(seed [32]byte, n int) []uint32 {
	perm := make([]uint32, n)
	for i := range perm {
		perm[i] = uint32(i)
	}
	buf := make([]byte, 32+8)
	copy(buf, seed[:])
	for i := n - 1; i > 0; i-- {
		binary.BigEndian.PutUint64(buf[32:], uint64(i))
		h := sha256.Sum256(buf)
		j := binary.BigEndian.Uint64(h[:8]) % uint64(i+1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

/*
ExecutionOrder derives the batch execution order over the revealed
submissions: priority submissions first - descending by weight, ties by
earliest valid reveal then by participant - followed by the seeded
shuffle of the non-priority rest. Returns the seed and the index
permutation into the revealed slice. Recomputing over the same revealed
set is bit identical.
*/
func ExecutionOrder(revealed []*types.RevealedSubmission) ([32]byte, []uint32) {
	secrets := make([][types.SecretLength]byte, len(revealed))
	for i, sub := range revealed {
		secrets[i] = sub.Secret
	}
	seed := Seed(secrets)

	var priority, rest []uint32
	for i, sub := range revealed {
		if sub.Order.PriorityWeight > 0 {
			priority = append(priority, uint32(i))
		} else {
			rest = append(rest, uint32(i))
		}
	}

	sort.SliceStable(priority, func(a, b int) bool {
		sa, sb := revealed[priority[a]], revealed[priority[b]]
		if sa.Order.PriorityWeight != sb.Order.PriorityWeight {
			return sa.Order.PriorityWeight > sb.Order.PriorityWeight
		}
		if sa.RevealedAt != sb.RevealedAt {
			return sa.RevealedAt < sb.RevealedAt
		}
		return sa.Participant < sb.Participant
	})

	order := make([]uint32, 0, len(revealed))
	order = append(order, priority...)
	for _, p := range Permutation(seed, len(rest)) {
		order = append(order, rest[p])
	}
	return seed, order
}
