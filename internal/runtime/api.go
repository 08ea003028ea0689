package runtime

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	"github.com/drblury/relayflow/internal/runtime/delivery"
	"github.com/drblury/relayflow/internal/runtime/endpoints"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/rules"
)

// maxEventBytes caps inbound request bodies.
const maxEventBytes = 4 << 20

// EndpointView is one entry of GET /api/endpoints.
type EndpointView struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Address    string                    `json:"address"`
	Transport  string                    `json:"transport"`
	EventTypes []string                  `json:"eventTypes"`
	Recipes    []string                  `json:"recipes"`
	Breaker    endpoints.BreakerSnapshot `json:"breaker"`
	Stats      *delivery.StatsSnapshot   `json:"stats,omitempty"`
}

// ReloadView is the body of POST /api/rules/reload.
type ReloadView struct {
	OK         bool              `json:"ok"`
	Rules      []string          `json:"rules"`
	Errors     []rules.LoadError `json:"errors,omitempty"`
	Error      string            `json:"error,omitempty"`
	ReloadedAt time.Time         `json:"reloadedAt"`
}

func (s *Service) registerRoutes() {
	port := s.Conf.HTTPPort

	s.RegisterHTTPHandler(port, "POST /events", http.HandlerFunc(s.handleEvent))
	s.RegisterHTTPHandler(port, "POST /transform/{rule}", http.HandlerFunc(s.handleTransform))
	s.RegisterHTTPHandler(port, "GET /health", http.HandlerFunc(s.handleHealth))
	s.RegisterHTTPHandler(port, "/api/endpoints", http.HandlerFunc(s.handleGetEndpoints))
	s.RegisterHTTPHandler(port, "POST /api/rules/reload", http.HandlerFunc(s.handleReloadRules))

	if s.Conf.MetricsEnabled {
		metricsPort := port
		if s.Conf.MetricsPort > 0 {
			metricsPort = s.Conf.MetricsPort
		}
		s.RegisterHTTPHandler(metricsPort, "GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := s.decodeEvent(w, r)
	if err != nil {
		resp := s.reporter.Failure(http.StatusBadRequest, err.Error(), nil)
		s.writeJSON(w, resp.Code(), resp)
		return
	}
	resp := s.Process(r.Context(), evt)
	s.writeJSON(w, resp.Code(), resp)
}

func (s *Service) handleTransform(w http.ResponseWriter, r *http.Request) {
	evt, err := s.decodeEvent(w, r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, TransformResult{Error: err.Error()})
		return
	}
	result, code := s.Transform(r.Context(), evt, r.PathValue("rule"))
	s.writeJSON(w, code, result)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reporter.Health(s.Conf.ServiceName, s.Conf.ServiceVersion))
}

func (s *Service) handleGetEndpoints(w http.ResponseWriter, r *http.Request) {
	if origin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	all := s.endpoints.All()
	views := make([]EndpointView, 0, len(all))
	for _, ep := range all {
		view := EndpointView{
			ID:         ep.ID,
			Name:       ep.Name,
			Address:    ep.Address,
			Transport:  ep.Transport,
			EventTypes: ep.EventTypes,
			Recipes:    ep.Recipes,
		}
		if b := ep.Breaker(); b != nil {
			view.Breaker = b.Snapshot()
		}
		if snap, ok := s.engine.Stats().Get(ep.ID); ok {
			view.Stats = &snap
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Service) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	res := s.rules.Refresh(r.Context())

	view := ReloadView{
		OK:         res.OK(),
		Rules:      make([]string, 0, len(res.Rules)),
		Errors:     res.Errors,
		ReloadedAt: s.rules.LastRefresh(),
	}
	for _, rule := range res.Rules {
		view.Rules = append(view.Rules, rule.Name)
	}

	code := http.StatusOK
	if !res.OK() {
		view.Error = res.Err.Error()
		code = http.StatusInternalServerError
	}
	s.Logger.Info("Rules reloaded on request", loggingpkg.LogFields{
		"ok":     view.OK,
		"rules":  len(view.Rules),
		"errors": len(view.Errors),
	})
	s.writeJSON(w, code, view)
}

// decodeEvent reads and validates a structured CloudEvent from the body.
func (s *Service) decodeEvent(w http.ResponseWriter, r *http.Request) (cloudevents.Event, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return cloudevents.Event{}, errors.New("request body too large")
		}
		return cloudevents.Event{}, err
	}
	return cloudevents.Parse(body)
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
