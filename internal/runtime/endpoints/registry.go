package endpoints

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
)

// Registry holds the configured endpoints in declaration order.
type Registry struct {
	settings BreakerSettings
	logger   logging.ServiceLogger
	gauge    *prometheus.GaugeVec

	mu      sync.RWMutex
	ordered []*Endpoint
	byID    map[string]*Endpoint
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithBreakerSettings sets the breaker configuration applied to every
// endpoint added afterwards.
func WithBreakerSettings(s BreakerSettings) RegistryOption {
	return func(r *Registry) { r.settings = s }
}

// WithLogger logs breaker transitions.
func WithLogger(logger logging.ServiceLogger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics exports breaker positions as relayflow_breaker_state.
func WithMetrics(reg prometheus.Registerer) RegistryOption {
	return func(r *Registry) {
		gauge, err := metrics.Register(reg, metrics.NewGaugeVec("breaker", "state",
			"Circuit breaker position per endpoint (0 closed, 1 half-open, 2 open)", []string{"endpoint"}))
		if err != nil {
			r.logger.Error("Breaker metrics registration failed", err, nil)
			return
		}
		r.gauge = gauge
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: logging.NopLogger(),
		byID:   make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add validates ep, attaches a fresh breaker and appends it. IDs are unique.
func (r *Registry) Add(ep Endpoint) (*Endpoint, error) {
	if err := ep.normalize(); err != nil {
		return nil, err
	}
	ep.EventTypes = append([]string(nil), ep.EventTypes...)
	ep.Recipes = append([]string(nil), ep.Recipes...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[ep.ID]; exists {
		return nil, invalid(ep.ID, "duplicate id")
	}

	stored := &ep
	stored.breaker = NewBreaker(ep.ID, r.breakerSettings())
	r.ordered = append(r.ordered, stored)
	r.byID[ep.ID] = stored
	if r.gauge != nil {
		r.gauge.WithLabelValues(ep.ID).Set(StateClosed.Gauge())
	}
	return stored, nil
}

func (r *Registry) breakerSettings() BreakerSettings {
	s := r.settings
	user := s.OnStateChange
	s.OnStateChange = func(id string, from, to State) {
		fields := logging.LogFields{"endpoint": id, "from": string(from), "to": string(to)}
		if to == StateOpen {
			r.logger.Error("Circuit breaker opened", errspkg.ErrCircuitOpen, fields)
		} else {
			r.logger.Info("Circuit breaker state changed", fields)
		}
		if r.gauge != nil {
			r.gauge.WithLabelValues(id).Set(to.Gauge())
		}
		if user != nil {
			user(id, from, to)
		}
	}
	return s
}

// Get returns the endpoint with id.
func (r *Registry) Get(id string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byID[id]
	return ep, ok
}

// All returns every endpoint in declaration order.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Endpoint(nil), r.ordered...)
}

// Len reports the number of endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// Eligible returns the endpoints accepting eventType, in declaration order.
// No match yields an empty slice.
func (r *Registry) Eligible(eventType string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.ordered))
	for _, ep := range r.ordered {
		if ep.Accepts(eventType) {
			out = append(out, ep)
		}
	}
	return out
}

// endpointDocument is the on-disk shape; the timeout is a duration string.
type endpointDocument struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Address    string            `json:"address" yaml:"address"`
	Transport  string            `json:"transport" yaml:"transport"`
	Method     string            `json:"method" yaml:"method"`
	Headers    map[string]string `json:"headers" yaml:"headers"`
	Encoding   string            `json:"encoding" yaml:"encoding"`
	EventTypes []string          `json:"eventTypes" yaml:"eventTypes"`
	Recipes    []string          `json:"recipes" yaml:"recipes"`
	Timeout    string            `json:"timeout" yaml:"timeout"`
}

// LoadFile reads a JSON or YAML endpoint file, either a bare list or an
// object with an "endpoints" list, and adds every entry. The first invalid
// entry aborts the load; entries added before it are kept.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errspkg.ErrInvalidEndpoint, err)
	}
	docs, err := decodeEndpoints(path, data)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", errspkg.ErrInvalidEndpoint, path, err)
	}

	for i, doc := range docs {
		ep := Endpoint{
			ID:         doc.ID,
			Name:       doc.Name,
			Address:    doc.Address,
			Transport:  doc.Transport,
			Method:     doc.Method,
			Headers:    doc.Headers,
			Encoding:   doc.Encoding,
			EventTypes: doc.EventTypes,
			Recipes:    doc.Recipes,
		}
		if doc.Timeout != "" {
			if ep.Timeout, err = time.ParseDuration(doc.Timeout); err != nil {
				return i, invalid(doc.ID, fmt.Sprintf("timeout: %v", err))
			}
		}
		if _, err := r.Add(ep); err != nil {
			return i, err
		}
	}
	return len(docs), nil
}

func decodeEndpoints(path string, data []byte) ([]endpointDocument, error) {
	unmarshal := jsoncodec.Unmarshal
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		unmarshal = yaml.Unmarshal
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' || (trimmed[0] == '-' && !bytes.HasPrefix(trimmed, []byte("---"))) {
		var list []endpointDocument
		if err := unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var file struct {
		Endpoints []endpointDocument `json:"endpoints" yaml:"endpoints"`
	}
	if err := unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Endpoints, nil
}
