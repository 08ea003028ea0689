// Package endpoints holds the downstream systems events are fanned out to,
// each guarded by its own circuit breaker.
package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// Transports an endpoint can be reached over.
const (
	TransportHTTP = "http"
	TransportBus  = "bus"
)

// Body encodings.
const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

// Endpoint is one downstream system.
type Endpoint struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Transport  string            `json:"transport"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Encoding   string            `json:"encoding"`
	EventTypes []string          `json:"eventTypes"`
	Recipes    []string          `json:"recipes"`
	Timeout    time.Duration     `json:"timeout,omitempty"`

	breaker *Breaker
}

// Breaker returns the endpoint's circuit breaker. It is nil until the
// endpoint has been added to a Registry.
func (e *Endpoint) Breaker() *Breaker { return e.breaker }

// Accepts reports whether the endpoint is eligible for eventType.
func (e *Endpoint) Accepts(eventType string) bool {
	return slices.Contains(e.EventTypes, eventType)
}

// Label is the human-readable identity used in traces.
func (e *Endpoint) Label() string {
	if e.Name == "" {
		return e.ID
	}
	return e.Name
}

// normalize fills defaults and checks the endpoint is usable.
func (e *Endpoint) normalize() error {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return invalid("", "id is required")
	}
	if strings.TrimSpace(e.Address) == "" {
		return invalid(e.ID, "address is required")
	}
	if len(e.EventTypes) == 0 {
		return invalid(e.ID, "at least one event type is required")
	}
	if len(e.Recipes) == 0 {
		return invalid(e.ID, "at least one recipe is required")
	}
	if e.Timeout < 0 {
		return invalid(e.ID, "timeout cannot be negative")
	}

	e.Transport = strings.ToLower(strings.TrimSpace(e.Transport))
	switch e.Transport {
	case "":
		e.Transport = TransportHTTP
		fallthrough
	case TransportHTTP:
		u, err := url.Parse(e.Address)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid(e.ID, fmt.Sprintf("address %q is not an absolute URL", e.Address))
		}
		e.Method = strings.ToUpper(strings.TrimSpace(e.Method))
		if e.Method == "" {
			e.Method = http.MethodPost
		}
	case TransportBus:
		e.Method = ""
	default:
		return invalid(e.ID, fmt.Sprintf("unsupported transport %q", e.Transport))
	}

	e.Encoding = strings.ToLower(strings.TrimSpace(e.Encoding))
	switch e.Encoding {
	case "":
		e.Encoding = EncodingJSON
	case EncodingJSON, EncodingProtobuf:
	default:
		return invalid(e.ID, fmt.Sprintf("unsupported encoding %q", e.Encoding))
	}
	return nil
}

func invalid(id, reason string) error {
	if id == "" {
		return fmt.Errorf("%w: %s", errspkg.ErrInvalidEndpoint, reason)
	}
	return fmt.Errorf("%w: %s: %s", errspkg.ErrInvalidEndpoint, id, reason)
}
