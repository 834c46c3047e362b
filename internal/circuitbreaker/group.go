package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opshub_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"group", "name"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"group", "name", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opshub_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"group", "name"},
	)
)

// Group lazily creates one breaker per name, all sharing a config and
// reporting metrics under the group label (e.g. "adapter", "provider").
type Group struct {
	label  string
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates an empty group.
func NewGroup(label string, config Config, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		label:    label,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[name]; ok {
		return cb
	}

	cfg := g.config
	userCallback := cfg.OnStateChange
	label := g.label
	cfg.OnStateChange = func(n string, from, to State) {
		if userCallback != nil {
			userCallback(n, from, to)
		}
		breakerStateChanges.WithLabelValues(label, n, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(label, n).Set(float64(to))
		if to == StateOpen {
			breakerOpenSince.WithLabelValues(label, n).SetToCurrentTime()
		} else if from == StateOpen {
			breakerOpenSince.WithLabelValues(label, n).Set(0)
		}
	}
	cb = New(name, cfg, g.logger.With(zap.String("breaker_group", label)))
	breakerState.WithLabelValues(label, name).Set(float64(StateClosed))
	g.breakers[name] = cb
	return cb
}

// Snapshot returns the state of every breaker in the group.
func (g *Group) Snapshot() map[string]State {
	g.mu.RLock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]State, len(names))
	for _, name := range names {
		out[name] = g.Get(name).State()
	}
	return out
}

// UpdateConfig replaces the config used for breakers created from now on.
func (g *Group) UpdateConfig(config Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config = config
}
