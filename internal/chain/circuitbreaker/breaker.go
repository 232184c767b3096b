// Package circuitbreaker guards node RPC calls so a failing endpoint fails fast
// instead of stalling every worker on timeouts.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int
	// Successes is the number of consecutive half-open successes that close it again.
	Successes int
	// OpenTimeout is how long the breaker rejects calls before probing.
	OpenTimeout time.Duration
	// OnStateChange runs synchronously on every transition, keep it cheap.
	OnStateChange func(from, to State)
}

type Breaker struct {
	cfg   Config
	clock time2.Clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(cfg Config, clock time2.Clock) *Breaker {
	if cfg.Failures <= 0 {
		cfg.Failures = 5
	}
	if cfg.Successes <= 0 {
		cfg.Successes = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	return &Breaker{cfg: cfg, clock: clock}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.current()
}

// current must be called with mu held.
func (b *Breaker) current() State {
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transition(HalfOpen)
	}

	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.current() != Open
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0

	if b.current() == HalfOpen {
		b.successes++
		if b.successes >= b.cfg.Successes {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes = 0
	b.failures++

	switch b.current() {
	case Closed:
		if b.failures >= b.cfg.Failures {
			b.open()
		}
	case HalfOpen:
		b.open()
	case Open:
	}
}

func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}

	from := b.state
	b.state = to
	b.successes = 0
	if to == Closed {
		b.failures = 0
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
