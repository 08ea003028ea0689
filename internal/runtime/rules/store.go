package rules

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
)

// Store caches the rule set produced by a Source. Reads within the TTL are
// served from memory; a failed reload keeps serving the previous set.
type Store struct {
	source Source
	ttl    time.Duration
	logger logging.ServiceLogger
	now    func() time.Time
	stats  *storeMetrics

	reloadMu sync.Mutex

	mu          sync.RWMutex
	rules       []Rule
	loaded      bool
	lastRefresh time.Time
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithTTL sets how long a loaded rule set stays fresh. Zero never expires.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger attaches a logger for reload reports.
func WithLogger(logger logging.ServiceLogger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics exports reload counters and the loaded rule gauge to reg.
func WithMetrics(reg prometheus.Registerer) StoreOption {
	return func(s *Store) {
		if m, err := newStoreMetrics(reg); err == nil {
			s.stats = m
		} else {
			s.logger.Error("Rule metrics registration failed", err, nil)
		}
	}
}

// NewStore builds a store over source. Nothing is loaded until first use.
func NewStore(source Source, opts ...StoreOption) *Store {
	s := &Store{
		source: source,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetRules returns the cached rules, reloading when forced, on first access
// or once the TTL has elapsed. It never fails: on a broken reload the stale
// set, or an empty one, is returned. Callers must not modify the slice.
func (s *Store) GetRules(ctx context.Context, forceReload bool) []Rule {
	if !forceReload {
		if rules, fresh := s.cached(); fresh {
			return rules
		}
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if !forceReload {
		if rules, fresh := s.cached(); fresh {
			return rules
		}
	}
	s.reload(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Refresh forces a reload and returns the loader report.
func (s *Store) Refresh(ctx context.Context) LoadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.reload(ctx)
}

// Lookup returns the rule called name from the current set.
func (s *Store) Lookup(ctx context.Context, name string) (Rule, bool) {
	for _, r := range s.GetRules(ctx, false) {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// LastRefresh reports when the last successful reload finished.
func (s *Store) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

func (s *Store) cached() ([]Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, false
	}
	if s.ttl > 0 && s.now().Sub(s.lastRefresh) >= s.ttl {
		return s.rules, false
	}
	return s.rules, true
}

// reload must be called with reloadMu held.
func (s *Store) reload(ctx context.Context) LoadResult {
	res := s.source.Load(ctx)

	for _, le := range res.Errors {
		s.logger.Error("Rule rejected", le.Err, logging.LogFields{"file": le.File})
	}

	if !res.OK() {
		s.mu.RLock()
		stale := len(s.rules)
		loaded := s.loaded
		s.mu.RUnlock()
		s.logger.Error("Rule reload failed", res.Err, logging.LogFields{
			"serving_stale": loaded,
			"rules":         stale,
		})
		s.stats.observeReload(false, stale)
		return res
	}

	rules := res.Rules
	if rules == nil {
		rules = []Rule{}
	}

	s.mu.Lock()
	s.rules = rules
	s.loaded = true
	s.lastRefresh = s.now()
	s.mu.Unlock()

	s.logger.Info("Rules loaded", logging.LogFields{
		"rules":    len(rules),
		"rejected": len(res.Errors),
	})
	s.stats.observeReload(true, len(rules))
	return res
}

type storeMetrics struct {
	reloads *prometheus.CounterVec
	loaded  prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) (*storeMetrics, error) {
	reloads, err := metrics.Register(reg, metrics.NewCounterVec("rules", "reload_total", "Rule reloads by result", []string{"result"}))
	if err != nil {
		return nil, err
	}
	loaded, err := metrics.Register(reg, metrics.NewGauge("rules", "loaded", "Number of rules currently served"))
	if err != nil {
		return nil, err
	}
	return &storeMetrics{reloads: reloads, loaded: loaded}, nil
}

func (m *storeMetrics) observeReload(ok bool, rules int) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reloads.WithLabelValues(result).Inc()
	m.loaded.Set(float64(rules))
}
