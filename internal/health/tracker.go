// Package health tracks the refresh health of every scraped target.
package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/srcds-exporter/srcds-exporter/internal/circuit"
	"github.com/srcds-exporter/srcds-exporter/internal/scrape"
	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// HealthState represents the health state of a target
type HealthState int

const (
	// StateHealthy indicates refreshes succeed
	StateHealthy HealthState = iota

	// StateDegraded indicates the target answers but refreshes keep failing
	// or keep returning partial output
	StateDegraded

	// StateUnavailable indicates the target cannot be reached
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TargetHealth tracks the health of one target
type TargetHealth struct {
	Target            string      `json:"target"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastRefresh       time.Time   `json:"last_refresh"`
	LastSuccess       time.Time   `json:"last_success,omitempty"`
	LastDuration      string      `json:"last_duration"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	Refreshes         int64       `json:"refreshes"`
	Errors            int64       `json:"errors"`
	StaleServed       int64       `json:"stale_served"`
	InvalidMetrics    int64       `json:"invalid_metrics"`
	LastErrorCode     string      `json:"last_error_code,omitempty"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`

	// Breaker is set when breaker stats are configured.
	Breaker *circuit.CircuitBreakerStats `json:"breaker,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a target degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive connection errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// Breakers returns the circuit breaker of every target; nil leaves
	// breakers out of the report
	Breakers func() map[string]circuit.CircuitBreakerStats `yaml:"-" json:"-"`

	// Now overrides the clock; nil means time.Now
	Now func() time.Time `yaml:"-" json:"-"`
}

// StateChangeCallback is called when a target's health state changes
type StateChangeCallback func(target string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       1,
		UnavailableThreshold: 3,
	}
}

// Tracker tracks the health of every target and implements scrape.Observer.
type Tracker struct {
	mu        sync.RWMutex
	targets   map[string]*TargetHealth
	config    TrackerConfig
	callbacks []StateChangeCallback
}

var _ scrape.Observer = (*Tracker)(nil)

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(defaults.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Tracker{
		targets: make(map[string]*TargetHealth),
		config:  config,
	}
}

// OnStateChange registers a callback for state changes. Callbacks run on
// their own goroutine.
func (t *Tracker) OnStateChange(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callbacks = append(t.callbacks, callback)
}

// CacheResult counts scrapes answered with stale data.
func (t *Tracker) CacheResult(target string, result scrape.CacheResult) {
	if result != scrape.CacheStale {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.target(target).StaleServed++
}

// InvalidMetrics counts metrics the target produced that failed validation.
func (t *Tracker) InvalidMetrics(target string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.target(target).InvalidMetrics += int64(count)
}

// RefreshCompleted records a refresh outcome.
func (t *Tracker) RefreshCompleted(target string, duration time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.config.Now()
	health := t.target(target)
	oldState := health.State

	health.LastRefresh = now
	health.LastDuration = duration.String()
	health.Refreshes++

	if err == nil {
		health.LastSuccess = now
		if health.ConsecutiveErrors > 0 {
			health.ConsecutiveErrors = 0
			t.transitionState(health, StateHealthy, now)
		}
	} else {
		health.Errors++
		health.ConsecutiveErrors++
		health.LastErrorCode = string(errors.RootCode(err))
		health.LastErrorMessage = err.Error()
		t.transitionState(health, t.stateForError(health, err), now)
	}

	if oldState != health.State {
		for _, callback := range t.callbacks {
			go callback(target, oldState, health.State, err)
		}
	}
}

// Remove forgets target.
func (t *Tracker) Remove(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.targets, target)
}

// GetState returns the current health state of a target. Unknown targets
// are unavailable.
func (t *Tracker) GetState(target string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.targets[target]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetTargetHealth returns a copy of the health of target.
func (t *Tracker) GetTargetHealth(target string) (TargetHealth, bool) {
	breakers := t.breakerStats()

	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.targets[target]
	if !exists {
		return TargetHealth{}, false
	}
	return withBreaker(*health, breakers), true
}

// Report is the JSON document served for target health.
type Report struct {
	Status  HealthState    `json:"status"`
	Targets []TargetHealth `json:"targets"`
}

// Report returns every target sorted by name, and the worst state among them.
func (t *Tracker) Report() Report {
	breakers := t.breakerStats()

	t.mu.RLock()
	defer t.mu.RUnlock()

	report := Report{Status: StateHealthy, Targets: make([]TargetHealth, 0, len(t.targets))}
	for _, health := range t.targets {
		report.Targets = append(report.Targets, withBreaker(*health, breakers))
		if health.State > report.Status {
			report.Status = health.State
		}
	}
	sort.Slice(report.Targets, func(i, j int) bool {
		return report.Targets[i].Target < report.Targets[j].Target
	})
	return report
}

func (t *Tracker) breakerStats() map[string]circuit.CircuitBreakerStats {
	if t.config.Breakers == nil {
		return nil
	}
	return t.config.Breakers()
}

func withBreaker(health TargetHealth, breakers map[string]circuit.CircuitBreakerStats) TargetHealth {
	if stats, ok := breakers[health.Target]; ok {
		health.Breaker = &stats
	}
	return health
}

// target returns the entry for name, creating it (must be called with lock held)
func (t *Tracker) target(name string) *TargetHealth {
	health, exists := t.targets[name]
	if !exists {
		now := t.config.Now()
		health = &TargetHealth{
			Target:          name,
			State:           StateHealthy,
			LastStateChange: now,
		}
		t.targets[name] = health
	}
	return health
}

// stateForError picks the state after a failed refresh. Only connection
// errors make a target unavailable; a target that answers with output we
// cannot fully use stays degraded.
func (t *Tracker) stateForError(health *TargetHealth, err error) HealthState {
	if health.ConsecutiveErrors < t.config.ErrorThreshold {
		return health.State
	}
	if health.ConsecutiveErrors >= t.config.UnavailableThreshold && isConnectionError(err) {
		return StateUnavailable
	}
	return StateDegraded
}

// transitionState transitions a target to a new state (must be called with lock held)
func (t *Tracker) transitionState(health *TargetHealth, newState HealthState, now time.Time) {
	if health.State == newState {
		return
	}
	health.State = newState
	health.LastStateChange = now
	if newState == StateHealthy {
		health.LastErrorCode = ""
		health.LastErrorMessage = ""
	}
}

func isConnectionError(err error) bool {
	return errors.GetCategory(errors.RootCode(err)) == errors.CategoryConnection
}

// LogStateChanges returns a callback that logs every transition.
func LogStateChanges(logger *zap.Logger) StateChangeCallback {
	return func(target string, oldState, newState HealthState, err error) {
		fields := []zap.Field{
			zap.String("target", target),
			zap.Stringer("from", oldState),
			zap.Stringer("to", newState),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		if newState == StateHealthy {
			logger.Info("Target recovered", fields...)
			return
		}
		logger.Warn("Target health changed", fields...)
	}
}
