package types

import "fmt"

// Phase of a batch lifecycle. Transitions are time driven and strictly
// one way: Commit -> Reveal -> Settled.
type Phase int

const (
	PhaseCommit Phase = iota
	PhaseReveal
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseCommit:
		return "commit"
	case PhaseReveal:
		return "reveal"
	case PhaseSettled:
		return "settled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}
