// Package resilience wraps stage invocations with retry-with-backoff, a
// circuit breaker and an explicit fallback table keyed by failure class.
package resilience

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Breaker defaults
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// ErrCircuitOpen is returned by Allow when the breaker short-circuits.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Clock abstracts time so breaker transitions can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Permit is handed out by Allow and must be passed back to Record.
type Permit struct {
	generation uint64
	trial      bool
}

// Trial reports whether this permit is the single half-open trial.
func (p Permit) Trial() bool { return p.trial }

// Result is the final outcome of a guarded call.
type Result int

const (
	// ResultSuccess closes a half-open breaker and resets the failure count.
	ResultSuccess Result = iota
	// ResultFailure counts toward the threshold or reopens a half-open breaker.
	ResultFailure
	// ResultIgnored releases the permit without changing counts (cancellation).
	ResultIgnored
)

// CircuitBreaker guards one (pipeline, stage) pair. All state is behind a
// mutex so concurrent runs of the same pipeline count failures consistently.
type CircuitBreaker struct {
	name      string
	threshold int
	recovery  time.Duration
	clock     Clock

	// OnStateChange is called with the mutex held; it must not call back
	// into the breaker.
	OnStateChange func(name string, from, to pipeline.BreakerState, failures int)

	mu            sync.Mutex
	state         pipeline.BreakerState
	generation    uint64
	failures      int
	openedAt      time.Time
	trialInFlight bool
	lastClass     pipeline.FailureClass
}

// NewCircuitBreaker creates a closed breaker. A nil clock uses the wall clock.
func NewCircuitBreaker(name string, policy pipeline.CircuitBreakerPolicy, clock Clock) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		threshold: policy.FailureThreshold,
		recovery:  policy.RecoveryTimeout,
		clock:     clock,
		state:     pipeline.BreakerClosed,
	}
	if cb.threshold <= 0 {
		cb.threshold = DefaultFailureThreshold
	}
	if cb.recovery <= 0 {
		cb.recovery = DefaultRecoveryTimeout
	}
	if cb.clock == nil {
		cb.clock = SystemClock{}
	}
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow asks to invoke the guarded stage. In open state it returns
// ErrCircuitOpen until the recovery timeout has elapsed; the first caller
// after that receives the only half-open trial permit and every concurrent
// caller is short-circuited until that trial is recorded.
func (cb *CircuitBreaker) Allow() (Permit, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	switch cb.state {
	case pipeline.BreakerClosed:
		return Permit{generation: cb.generation}, nil
	case pipeline.BreakerOpen:
		if now.Sub(cb.openedAt) < cb.recovery {
			return Permit{}, ErrCircuitOpen
		}
		cb.setState(pipeline.BreakerHalfOpen)
		cb.trialInFlight = true
		return Permit{generation: cb.generation, trial: true}, nil
	default: // half-open
		if cb.trialInFlight {
			return Permit{}, ErrCircuitOpen
		}
		cb.trialInFlight = true
		return Permit{generation: cb.generation, trial: true}, nil
	}
}

// Record reports the final outcome of a permitted call. class is the failure
// class of a failed call and is remembered for short-circuited callers.
func (cb *CircuitBreaker) Record(p Permit, res Result, class pipeline.FailureClass) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if p.trial {
		cb.trialInFlight = false
		switch res {
		case ResultSuccess:
			cb.failures = 0
			cb.setState(pipeline.BreakerClosed)
		case ResultFailure:
			cb.failures++
			cb.lastClass = class
			cb.trip()
		default:
			// Cancelled trial: back to open without restarting the timer.
			cb.setState(pipeline.BreakerOpen)
		}
		return
	}

	// A result from before the last transition no longer describes the
	// current state of the dependency.
	if p.generation != cb.generation || cb.state != pipeline.BreakerClosed {
		return
	}

	switch res {
	case ResultSuccess:
		cb.failures = 0
	case ResultFailure:
		cb.failures++
		cb.lastClass = class
		if cb.failures >= cb.threshold {
			cb.trip()
		}
	}
}

// trip opens the breaker and restarts the recovery timer.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.clock.Now()
	cb.setState(pipeline.BreakerOpen)
}

func (cb *CircuitBreaker) setState(to pipeline.BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, from, to, cb.failures)
	}
}

// LastFailureClass returns the class of the most recent counted failure.
func (cb *CircuitBreaker) LastFailureClass() pipeline.FailureClass {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastClass
}

// State returns a snapshot of the breaker. An open breaker whose recovery
// timeout has elapsed is still reported as open until the next Allow.
func (cb *CircuitBreaker) State() pipeline.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return pipeline.CircuitBreakerState{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
	}
}

// BreakerSet owns one breaker per (pipeline, stage) pair.
type BreakerSet struct {
	clock         Clock
	onStateChange func(name string, from, to pipeline.BreakerState, failures int)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set. onStateChange may be nil.
func NewBreakerSet(clock Clock, onStateChange func(name string, from, to pipeline.BreakerState, failures int)) *BreakerSet {
	return &BreakerSet{
		clock:         clock,
		onStateChange: onStateChange,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// BreakerKey names the breaker of a pipeline stage.
func BreakerKey(pipelineID, stage string) string {
	return pipelineID + "/" + stage
}

// Get returns the breaker for (pipelineID, stage), creating it with policy
// on first use. Later calls return the same instance regardless of policy.
func (s *BreakerSet) Get(pipelineID, stage string, policy pipeline.CircuitBreakerPolicy) *CircuitBreaker {
	key := BreakerKey(pipelineID, stage)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(key, policy, s.clock)
	cb.OnStateChange = s.onStateChange
	s.breakers[key] = cb
	return cb
}

// Reset drops every breaker of a pipeline, used when its configuration is replaced.
func (s *BreakerSet) Reset(pipelineID string) {
	prefix := pipelineID + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.breakers {
		if strings.HasPrefix(key, prefix) {
			delete(s.breakers, key)
		}
	}
}

// States returns a snapshot of every breaker keyed by name.
func (s *BreakerSet) States() map[string]pipeline.CircuitBreakerState {
	s.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		list = append(list, cb)
	}
	s.mu.Unlock()

	out := make(map[string]pipeline.CircuitBreakerState, len(list))
	for _, cb := range list {
		out[cb.name] = cb.State()
	}
	return out
}
