package chain

import (
	"sync"
	"time"

	"github.com/itskum47/MechForge/observability"
)

// BreakerState represents the state of the RPC circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerHalfOpen                     // Testing recovery
	BreakerOpen                         // Failing fast
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when the RPC endpoint is considered down and
// calls are being rejected without hitting the wire. Callers fall back to
// the indexer tier where one exists.
var ErrBreakerOpen = breakerOpenError{}

type breakerOpenError struct{}

func (breakerOpenError) Error() string { return "rpc circuit open" }

// Breaker trips after a run of consecutive RPC failures and fails fast
// until a cooldown has passed, then lets a single probe call through.
type Breaker struct {
	mu sync.Mutex

	state      BreakerState
	failures   int
	threshold  int
	cooldown   time.Duration
	openedAt   time.Time
	probeInUse bool
	now        func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and cools down for the given duration.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open state only one
// probe call is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cooldown {
		b.state = BreakerHalfOpen
		b.probeInUse = false
		b.publish()
	}

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probeInUse {
			return false
		}
		b.probeInUse = true
		return true
	default:
		return false
	}
}

// Record reports a call result to the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state != BreakerClosed {
			b.state = BreakerClosed
			b.publish()
		}
		b.probeInUse = false
		return
	}

	b.failures++
	b.probeInUse = false
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.publish()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) publish() {
	for _, s := range []BreakerState{BreakerClosed, BreakerHalfOpen, BreakerOpen} {
		v := 0.0
		if s == b.state {
			v = 1.0
		}
		observability.RPCCircuitState.WithLabelValues(s.String()).Set(v)
	}
}
