// Package circuitbreaker keeps a circuit per key (closed, open, half-open).
// The ledger adapter keys it by operation so a failing history endpoint
// does not block transfers.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen matches every *OpenError.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// OpenError is returned by Execute while a circuit is open.
type OpenError struct {
	Key     string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuitbreaker: %s open, retry in %s", e.Key, e.RetryIn.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetescrow",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state transitions by key, from-state and to-state.",
	}, []string{"key", "from_state", "to_state"})

	// stateGauge is 0 closed, 1 open, 2 half-open.
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "assetescrow",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, stateGauge)
}

type circuit struct {
	state    State
	failures int
	since    time.Time // when state was entered
}

// Snapshot is the externally visible state of one circuit.
type Snapshot struct {
	Key      string        `json:"key"`
	State    string        `json:"state"`
	Failures int           `json:"failures"`
	Since    time.Time     `json:"since"`
	RetryIn  time.Duration `json:"retryInNs,omitempty"`
}

// Breaker opens a key after threshold consecutive failures and lets one
// probe through once cooldown has passed. A probe that never reports back
// is abandoned after another cooldown.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments default to 5 failures and
// 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Execute runs fn unless the circuit for key is open. countsAsFailure picks
// the errors that trip the circuit; nil counts them all. Errors it excludes
// (a ledger rejection, say) prove the backend is reachable and count as
// success.
func (b *Breaker) Execute(key string, fn func() error, countsAsFailure func(error) bool) error {
	if wait, ok := b.admit(key); !ok {
		return &OpenError{Key: key, RetryIn: wait}
	}
	err := fn()
	if err != nil && (countsAsFailure == nil || countsAsFailure(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed, claiming the probe
// slot when the circuit is ready to half-open.
func (b *Breaker) Allow(key string) bool {
	_, ok := b.admit(key)
	return ok
}

func (b *Breaker) admit(key string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return 0, true
	}
	elapsed := b.now().Sub(c.since)
	switch c.state {
	case StateOpen, StateHalfOpen:
		if elapsed >= b.cooldown {
			b.enter(c, key, StateHalfOpen)
			return 0, true
		}
		if c.state == StateOpen {
			return b.cooldown - elapsed, false
		}
		return 0, false
	default:
		return 0, true
	}
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state != StateClosed {
		b.enter(c, key, StateClosed)
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed, since: b.now()}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		b.enter(c, key, StateOpen)
	}
}

// Ready reports whether a call for key would be admitted now, without
// claiming the half-open probe slot. When it would not, wait is how long
// until the circuit may admit again.
func (b *Breaker) Ready(key string) (wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, found := b.circuits[key]
	if !found || c.state == StateClosed {
		return 0, true
	}
	elapsed := b.now().Sub(c.since)
	if elapsed >= b.cooldown {
		return 0, true
	}
	return b.cooldown - elapsed, false
}

// State returns the current state for key.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot lists every circuit that has seen a failure, sorted by key.
func (b *Breaker) Snapshot() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Snapshot, 0, len(b.circuits))
	for key, c := range b.circuits {
		s := Snapshot{Key: key, State: c.state.String(), Failures: c.failures, Since: c.since}
		if c.state == StateOpen {
			s.RetryIn = max(b.cooldown-now.Sub(c.since), 0)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// enter must be called with b.mu held.
func (b *Breaker) enter(c *circuit, key string, to State) {
	from := c.state
	c.state = to
	c.since = b.now()
	if from == to {
		return
	}
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(gaugeValue(to))
}

func gaugeValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
