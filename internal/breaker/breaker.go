// Package breaker gates calls to the document store after repeated failures.
package breaker

import (
	"sync"
	"time"
)

const (
	DefaultThreshold = 10
	DefaultCooldown  = 60 * time.Second
)

type State string

const (
	StateClosed State = "CLOSED"
	StateOpen   State = "OPEN"
)

// Snapshot is a point-in-time view of the breaker for diagnostics.
type Snapshot struct {
	State       State
	Failures    int
	Threshold   int
	Cooldown    time.Duration
	LastFailure time.Time
}

// Breaker counts recent store failures. It never blocks callers; IsOpen only
// advises whether to attempt the store.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
	now         func() time.Time
}

type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a Breaker. Non-positive arguments fall back to the defaults.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
}

// RecordSuccess lets the breaker recover one step at a time.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
	}
}

// IsOpen reports whether store calls should be skipped. Once the cool-down
// has elapsed since the last failure the counter resets.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker) isOpenLocked() bool {
	if b.now().Sub(b.lastFailure) > b.cooldown {
		b.failures = 0
		return false
	}
	return b.failures >= b.threshold
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := StateClosed
	if b.isOpenLocked() {
		state = StateOpen
	}
	return Snapshot{
		State:       state,
		Failures:    b.failures,
		Threshold:   b.threshold,
		Cooldown:    b.cooldown,
		LastFailure: b.lastFailure,
	}
}
