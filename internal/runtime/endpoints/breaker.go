package endpoints

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// State is the circuit breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// BreakerSettings configures every endpoint breaker in a registry.
type BreakerSettings struct {
	Threshold     int
	Cooldown      time.Duration
	OnStateChange func(endpointID string, from, to State)
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Threshold <= 0 {
		s.Threshold = DefaultBreakerThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultBreakerCooldown
	}
	return s
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	State               State      `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

// Breaker isolates one endpoint. Closed it lets calls through; after Threshold
// consecutive failures it opens and rejects calls until Cooldown passes; then
// it admits exactly one trial call whose result closes or reopens it.
type Breaker struct {
	cb *gobreaker.CircuitBreaker

	mu       sync.Mutex
	failures uint32
	openedAt time.Time
}

// NewBreaker builds a breaker named after the endpoint it guards.
func NewBreaker(endpointID string, settings BreakerSettings) *Breaker {
	settings = settings.withDefaults()
	b := &Breaker{}
	threshold := uint32(settings.Threshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpointID,
		MaxRequests: 1,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
			} else if to == gobreaker.StateClosed {
				b.openedAt = time.Time{}
			}
			b.mu.Unlock()
			if settings.OnStateChange != nil {
				settings.OnStateChange(name, stateOf(from), stateOf(to))
			}
		},
	})
	return b
}

// Execute runs fn when the breaker admits it. A rejection returns an error
// wrapping ErrCircuitOpen without calling fn. When ctx is already done fn is
// not called and nothing is counted against the endpoint.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", errspkg.ErrCircuitOpen, b.cb.Name(), err)
	}

	b.mu.Lock()
	if err == nil {
		b.failures = 0
	} else {
		b.failures++
	}
	b.mu.Unlock()
	return err
}

// State reports the current position, moving open to half-open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	return stateOf(b.cb.State())
}

// Snapshot captures state, failure streak and when the breaker last opened.
func (b *Breaker) Snapshot() BreakerSnapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BreakerSnapshot{State: state, ConsecutiveFailures: b.failures}
	if state != StateClosed && !b.openedAt.IsZero() {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Gauge value for a state: closed 0, half-open 1, open 2.
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}
