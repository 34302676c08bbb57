// Package breaker implements C2: a per-external-service circuit
// breaker with fallback dispatch, administrator alert throttling, and
// a system-wide degradation level. The state machine itself is
// delegated to github.com/sony/gobreaker (present in the retrieved
// jordigilh-kubernaut dependency set) whose Settings map directly onto
// spec §4.2's consecutive-failure threshold, timeout-based half-open
// promotion, and half-open request admission. This package layers the
// monotonic metrics counters, the bounded state-change ring, the
// fallback registry, and the admin-alert throttle on top.
package breaker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Config holds the tunables named in spec §4.2. Defaults match the spec.
//
// gobreaker has a single knob, Settings.MaxRequests, governing both how
// many trial requests half-open admits and how many consecutive
// successes are required to close again — there's no way to decouple
// admission count from close count with the library's state machine.
// SuccessThreshold drives that single knob; there is no separate
// half-open admission limit.
type Config struct {
	FailureThreshold int
	TimeoutSeconds   int
	SuccessThreshold int
}

// DefaultConfig returns spec §4.2's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		TimeoutSeconds:   60,
		SuccessThreshold: 3,
	}
}

// DegradationLevel is the system-wide health summary (spec §4.2).
type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelDegraded
	LevelCritical
	LevelOffline
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelDegraded:
		return "degraded"
	case LevelCritical:
		return "critical"
	case LevelOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Metrics are the monotonically non-decreasing per-service counters
// required by spec §8 ("failed + successful <= total").
type Metrics struct {
	Total      uint64
	Successful uint64
	Failed     uint64
}

// StateChange is one entry in the bounded state-change ring.
type StateChange struct {
	Service string
	From    string
	To      string
	At      time.Time
}

const historyCap = 50

// AlertSink persists an administrator alert for later dashboard
// display, as SystemConfig rows under a timestamped key (spec §4.2).
type AlertSink interface {
	Set(ctx context.Context, key, value, description string) error
}

// Fallback is a degraded-path handler for a service, invoked when the
// primary call fails or the breaker is open.
type Fallback func(ctx context.Context) (interface{}, error)

// Manager owns one circuit breaker per service name plus the
// cross-cutting resilience bookkeeping described in spec §4.2.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	logger    *logrus.Logger
	alerts    AlertSink
	breakers  map[string]*gobreaker.CircuitBreaker
	metrics   map[string]*Metrics
	fallbacks map[string]Fallback
	history   []StateChange
	lastAlert map[string]time.Time // key: service + "|" + error signature
}

// NewManager constructs a Manager. alerts may be nil, in which case
// admin alerts are logged only (used in tests).
func NewManager(logger *logrus.Logger, alerts AlertSink, cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		alerts:    alerts,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		metrics:   make(map[string]*Metrics),
		fallbacks: make(map[string]Fallback),
		lastAlert: make(map[string]time.Time),
	}
}

// RegisterFallback installs a fallback for service, replacing any prior
// registration.
func (m *Manager) RegisterFallback(service string, fb Fallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[service] = fb
}

func (m *Manager) breakerFor(service string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[service]; ok {
		return cb
	}

	threshold := uint32(m.cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        service,
		MaxRequests: uint32(m.cfg.SuccessThreshold),
		Timeout:     time.Duration(m.cfg.TimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.recordTransition(name, from, to)
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	m.breakers[service] = cb
	m.metrics[service] = &Metrics{}
	return cb
}

func (m *Manager) recordTransition(service string, from, to gobreaker.State) {
	m.mu.Lock()
	entry := StateChange{Service: service, From: from.String(), To: to.String(), At: time.Now()}
	m.history = append(m.history, entry)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"service": service,
		"from":    from.String(),
		"to":      to.String(),
	}).Warn("circuit breaker state transition")
}

func (m *Manager) recordOutcome(service string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	met, exists := m.metrics[service]
	if !exists {
		met = &Metrics{}
		m.metrics[service] = met
	}
	met.Total++
	if ok {
		met.Successful++
	} else {
		met.Failed++
	}
}

// State returns the current gobreaker state name for service.
func (m *Manager) State(service string) string {
	return m.breakerFor(service).State().String()
}

// MetricsFor returns a copy of the cumulative counters for service.
func (m *Manager) MetricsFor(service string) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if met, ok := m.metrics[service]; ok {
		return *met
	}
	return Metrics{}
}

// History returns a copy of the bounded state-change ring.
func (m *Manager) History() []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateChange, len(m.history))
	copy(out, m.history)
	return out
}

// DegradationLevel returns the single service's current degradation.
func (m *Manager) DegradationLevel(service string) DegradationLevel {
	switch m.State(service) {
	case "open":
		return LevelCritical
	case "half-open":
		return LevelDegraded
	default:
		return LevelNormal
	}
}

// SystemDegradationLevel returns the worst level among all services
// that have been called at least once (spec §4.2: "worst among
// services").
func (m *Manager) SystemDegradationLevel() DegradationLevel {
	m.mu.Lock()
	services := make([]string, 0, len(m.breakers))
	for svc := range m.breakers {
		services = append(services, svc)
	}
	m.mu.Unlock()

	worst := LevelNormal
	for _, svc := range services {
		if lvl := m.DegradationLevel(svc); lvl > worst {
			worst = lvl
		}
	}
	return worst
}

// Result carries the outcome of a guarded call, including whether a
// fallback served the response (spec §9: "fallback success semantics").
type Result[T any] struct {
	Value          T
	FallbackActive bool
}

// Execute runs primary under service's circuit breaker. On breaker-open
// or primary failure it invokes the registered fallback, if any. When
// both primary and fallback fail, it emits a throttled admin alert and
// returns a degraded-service error.
func Execute[T any](ctx context.Context, m *Manager, service string, primary func(context.Context) (T, error)) (Result[T], error) {
	cb := m.breakerFor(service)

	raw, err := cb.Execute(func() (interface{}, error) {
		return primary(ctx)
	})
	m.recordOutcome(service, err == nil)

	if err == nil {
		v, _ := raw.(T)
		return Result[T]{Value: v}, nil
	}

	m.mu.Lock()
	fb, hasFallback := m.fallbacks[service]
	m.mu.Unlock()

	if !hasFallback {
		m.alertAdmin(ctx, service, err, nil)
		var zero T
		return Result[T]{Value: zero}, fmt.Errorf("service %s degraded: %w", service, err)
	}

	fraw, ferr := fb(ctx)
	if ferr != nil {
		m.alertAdmin(ctx, service, err, ferr)
		var zero T
		return Result[T]{Value: zero, FallbackActive: true}, fmt.Errorf("service %s degraded, fallback failed: primary=%v fallback=%w", service, err, ferr)
	}

	v, _ := fraw.(T)
	return Result[T]{Value: v, FallbackActive: true}, nil
}

// alertAdmin emits a critical-severity admin alert, throttled to at
// most one per (service, error-signature) pair per hour (spec §4.2).
func (m *Manager) alertAdmin(ctx context.Context, service string, primaryErr, fallbackErr error) {
	sig := errorSignature(primaryErr)
	key := service + "|" + sig

	m.mu.Lock()
	last, seen := m.lastAlert[key]
	now := time.Now()
	if seen && now.Sub(last) < time.Hour {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = now
	m.mu.Unlock()

	fields := logrus.Fields{
		"service":    service,
		"primary":    safeErrString(primaryErr),
		"fallback":   safeErrString(fallbackErr),
		"signature":  sig,
	}
	m.logger.WithFields(fields).Error("administrator alert: service degraded")

	if m.alerts == nil {
		return
	}
	configKey := fmt.Sprintf("admin_alert_%s_%s_%d", service, sig, now.Unix())
	value := fmt.Sprintf("primary=%s fallback=%s", safeErrString(primaryErr), safeErrString(fallbackErr))
	if err := m.alerts.Set(ctx, configKey, value, "circuit breaker admin alert"); err != nil {
		m.logger.WithError(err).Warn("failed to persist admin alert")
	}
}

func safeErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errorSignature(err error) string {
	if err == nil {
		return "none"
	}
	sum := sha1.Sum([]byte(err.Error()))
	return hex.EncodeToString(sum[:])[:12]
}
