package transport

import (
	"sync"
	"time"
)

// RetryPolicy controls reconnect pacing for the event channel.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryPolicy matches the sync plane's standard schedule: three
// attempts at 1s, 2s, 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     4 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Delay returns the backoff before the given attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// ConnState is the reconnection state machine's position.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateBackoff
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateBackoff:
		return "backoff"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Reconnector is an explicit retry state machine replacing scattered
// timer callbacks: Idle -> Connecting -> Connected, with failures cycling
// through Backoff until the policy's retry budget runs out (Failed). A
// successful connect resets the attempt counter.
type Reconnector struct {
	policy  RetryPolicy
	mu      sync.Mutex
	state   ConnState
	attempt int
}

func NewReconnector(policy RetryPolicy) *Reconnector {
	return &Reconnector{policy: policy, state: StateIdle}
}

func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connecting moves into the dialing state.
func (r *Reconnector) Connecting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateConnecting
}

// Connected records a successful dial and resets the retry budget.
func (r *Reconnector) Connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateConnected
	r.attempt = 0
}

// Failed records a failed dial or a dropped connection. It returns the
// backoff to wait before the next attempt, or ok=false when the retry
// budget is exhausted and the machine parks in Failed.
func (r *Reconnector) Failed() (delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempt >= r.policy.MaxRetries {
		r.state = StateFailed
		return 0, false
	}
	delay = r.policy.Delay(r.attempt)
	r.attempt++
	r.state = StateBackoff
	return delay, true
}

// Reset returns the machine to Idle with a full retry budget. Called when
// the caller decides to start over (e.g. a new master was announced).
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateIdle
	r.attempt = 0
}
