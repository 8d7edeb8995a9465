package engine

import (
	"time"

	"github.com/vibeswap/vibeswap/engine/event"
)

const (
	DefaultCommitDuration = 30 * time.Second
	DefaultRevealDuration = 30 * time.Second
	DefaultTickInterval   = 500 * time.Millisecond

	defaultEventChCapacity = 100
)

type (
	conf struct {
		commitDuration  time.Duration
		revealDuration  time.Duration
		tickInterval    time.Duration
		eventHandler    event.Handler
		eventChCapacity int
	}

	Option func(*conf)
)

func defaultConf() conf {
	return conf{
		commitDuration:  DefaultCommitDuration,
		revealDuration:  DefaultRevealDuration,
		tickInterval:    DefaultTickInterval,
		eventChCapacity: defaultEventChCapacity,
	}
}

// WithPhaseDurations overrides the commit and reveal phase lengths.
// The durations are shared by all pools, there are no per-pool clocks.
func WithPhaseDurations(commit, reveal time.Duration) Option {
	return func(c *conf) {
		c.commitDuration = commit
		c.revealDuration = reveal
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(c *conf) {
		c.tickInterval = d
	}
}

// WithEventHandler registers the consumer of engine events. Events are
// delivered through a buffered channel by the Run loop, a nil handler
// disables event production entirely.
func WithEventHandler(h event.Handler) Option {
	return func(c *conf) {
		c.eventHandler = h
	}
}
