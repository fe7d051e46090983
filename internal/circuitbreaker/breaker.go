// Package circuitbreaker guards outbound platform API calls.
//
// Each connected platform gets its own breaker: repeated transient failures
// open the circuit so discovery jobs fail fast with a retryable fault
// instead of hammering a degraded API. Auth, permission and rate-limit
// responses are signals about the tenant or our pacing, not about platform
// health, and never trip the breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Probing whether the platform recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("too many probes in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// MaxProbes is the number of requests allowed through in half-open state
	MaxProbes uint32

	// Interval is the cyclic period in closed state for clearing counts
	Interval time.Duration

	// Timeout is the period of open state before switching to half-open
	Timeout time.Duration

	// ReadyToTrip is consulted with a copy of Counts after each failure in
	// closed state; returning true trips the circuit
	ReadyToTrip func(counts Counts) bool

	// IsFailure classifies an error as a platform-health failure. Errors it
	// rejects pass through without counting against the circuit.
	IsFailure func(err error) bool

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the platform-call configuration: trip after five
// consecutive failures or a 60% failure ratio over ten calls, probe again
// after a minute.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:      name,
		MaxProbes: 2,
		Interval:  60 * time.Second,
		Timeout:   60 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && counts.FailureRatio() > 0.6)
		},
		IsFailure: IsPlatformFailure,
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// IsPlatformFailure is the default classifier. Only failures that say
// something about the platform's availability count.
func IsPlatformFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Cancellation is the caller's doing, not the platform's.
		return false
	}
	if f, ok := faults.As(err); ok {
		switch f.Code {
		case "RATE_LIMITED":
			// The platform answered; it wants us slower, not gone.
			return false
		case "CREDENTIALS_EXPIRED", "AUTH_PERMANENT_FAILURE", "MISSING_PERMISSIONS":
			return false
		case "PLATFORM_UNAVAILABLE", "INTERNAL_ERROR":
			return true
		}
	}
	// Unknown errors count: a platform returning garbage is unhealthy.
	return true
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds request/response counts
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the failure ratio
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Clear resets all counts
func (c *Counts) Clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
}

// OnRequest records an admitted request
func (c *Counts) OnRequest() {
	c.Requests++
}

// OnSuccess records a successful outcome
func (c *Counts) OnSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

// OnFailure records a failed outcome
func (c *Counts) OnFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsPlatformFailure
	}

	return &CircuitBreaker{
		cfg:           cfg,
		state:         StateClosed,
		lastStateTime: time.Now(),
	}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Do runs the given function if the circuit allows it. The function's error
// is returned as-is; only errors the classifier accepts count against the
// circuit.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, true)
			panic(r)
		}
	}()

	callErr := fn(ctx)
	cb.afterRequest(generation, cb.cfg.IsFailure(callErr))
	return callErr
}

// Allow checks admission without executing anything. Callers that use Allow
// must report the outcome via RecordResult.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxProbes {
		return ErrTooManyProbes
	}
	return nil
}

// RecordResult feeds an out-of-band call outcome into the circuit.
func (cb *CircuitBreaker) RecordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	cb.counts.OnRequest()
	if cb.cfg.IsFailure(err) {
		cb.onFailure(state, now)
	} else {
		cb.onSuccess(state, now)
	}
}

// beforeRequest checks admission and returns the generation the request
// belongs to.
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxProbes {
		return generation, ErrTooManyProbes
	}

	cb.counts.OnRequest()
	return generation, nil
}

// afterRequest records the result, discarding it if the circuit moved to a
// new generation while the call was in flight.
func (cb *CircuitBreaker) afterRequest(generation uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return
	}

	if failed {
		cb.onFailure(state, now)
	} else {
		cb.onSuccess(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnSuccess()
	case StateHalfOpen:
		cb.counts.OnSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxProbes {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState returns the current state and possibly advances it
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prevState := cb.state
	cb.state = state
	cb.lastStateTime = now

	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prevState, state)
	}
}

// toNewGeneration starts a new generation
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.Clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.Timeout)
	}
	cb.expiry = expiry
}

// String implements fmt.Stringer for CircuitBreaker
func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager manages multiple circuit breakers
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // Default config for new breakers
}

// NewManager creates a new circuit breaker manager
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}

	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns a circuit breaker by name, creating it if necessary
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb

	return cb
}

// GetOrCreate returns an existing circuit breaker or creates one with custom config
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	if cfg == nil {
		cfg = m.cfg
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb

	return cb
}

// List returns all circuit breaker names
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns statistics for all circuit breakers
func (m *Manager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = BreakerStats{
			Name:   name,
			State:  cb.State(),
			Counts: cb.Counts(),
		}
	}
	return stats
}

// BreakerStats contains stats for a single circuit breaker
type BreakerStats struct {
	Name   string
	State  State
	Counts Counts
}

// ============================================================================
// PLATFORM BREAKERS
// ============================================================================

// PlatformBreakers holds one breaker per connected platform, shared by all
// connector calls in the process.
type PlatformBreakers struct {
	manager *Manager
}

// NewPlatformBreakers creates the per-platform breaker set.
func NewPlatformBreakers() *PlatformBreakers {
	return &PlatformBreakers{manager: NewManager(nil)}
}

// Call runs one platform API call through that platform's breaker. An open
// circuit surfaces as a retryable transient-platform fault so the job
// orchestrator backs off instead of failing the run outright.
func (p *PlatformBreakers) Call(ctx context.Context, platform core.Platform, fn func(context.Context) error) error {
	cb := p.manager.Get(string(platform))
	err := cb.Do(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyProbes) {
		return faults.TransientPlatform(string(platform), err)
	}
	return err
}

// Breaker exposes the raw breaker for a platform.
func (p *PlatformBreakers) Breaker(platform core.Platform) *CircuitBreaker {
	return p.manager.Get(string(platform))
}

// HealthStatus reports overall connector health for readiness probes.
func (p *PlatformBreakers) HealthStatus() (string, map[string]string) {
	stats := p.manager.Stats()

	statuses := make(map[string]string)
	healthy := true
	for name, stat := range stats {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}

	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
