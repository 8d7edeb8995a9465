package commitbuf

import (
	"fmt"
	"sync"

	"github.com/vibeswap/vibeswap/types"
)

/*
TickGuard is the anti-flash-loan guard: at most one state-changing
interaction per principal per atomic scheduling tick, across all pools.
The last-interaction-tick map is checked and updated atomically so two
racing commits from one origin within a tick cannot both pass.
*/
type TickGuard struct {
	mutex    sync.Mutex
	lastTick map[types.ParticipantID]uint64
}

func NewTickGuard() *TickGuard {
	return &TickGuard{lastTick: make(map[types.ParticipantID]uint64)}
}

// Interact records an interaction of the participant at the given tick.
// Returns ErrReplayGuard if the participant has already interacted
// within the same tick.
func (g *TickGuard) Interact(participant types.ParticipantID, tick uint64) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if last, found := g.lastTick[participant]; found && last == tick {
		return fmt.Errorf("%w (tick %d)", ErrReplayGuard, tick)
	}
	g.lastTick[participant] = tick
	return nil
}

// Forget drops principals whose last interaction is older than the
// given tick, keeping the map from growing without bound.
func (g *TickGuard) Forget(olderThan uint64) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for p, t := range g.lastTick {
		if t < olderThan {
			delete(g.lastTick, p)
		}
	}
}
