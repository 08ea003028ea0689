package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/delivery"
	"github.com/drblury/relayflow/internal/runtime/endpoints"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/mapping"
	"github.com/drblury/relayflow/internal/runtime/orchestration"
	"github.com/drblury/relayflow/internal/runtime/rules"
	"github.com/drblury/relayflow/internal/runtime/schema"
	transportpkg "github.com/drblury/relayflow/internal/runtime/transport"
)

const shutdownTimeout = 5 * time.Second

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds optional collaborators. Zero values select the
// defaults.
type ServiceDependencies struct {
	// TransportFactory connects the event bus. Defaults to the registry of
	// built-in buses keyed by Config.PubSubSystem.
	TransportFactory transportpkg.Factory
	// Middlewares are appended after the default chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	Hooks                     EventHooks
	// HTTPClient performs downstream HTTP deliveries.
	HTTPClient *http.Client
	// MetricsRegistry receives every collector and backs /metrics. Defaults
	// to the Prometheus global registry.
	MetricsRegistry *prometheus.Registry
	// Transforms extends the built-in transform functions.
	Transforms *mapping.Registry
}

// Service is the mediator: it consumes events from the bus and over HTTP,
// and fans each one out to its eligible endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transportpkg.Transport
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	rules     *rules.Store
	matcher   *rules.Matcher
	mapper    *mapping.Engine
	validator *schema.Validator
	endpoints *endpoints.Registry
	engine    *delivery.Engine
	reporter  *orchestration.Reporter
	hooks     EventHooks

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewService wires the mediator for conf. Handlers, middlewares and routes
// are registered; nothing listens until Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errors.New("relayflow: config is required")
	}
	if log == nil {
		log = loggingpkg.NopLogger()
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating mediator service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		hooks:      deps.Hooks,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	if deps.MetricsRegistry != nil {
		s.registerer = deps.MetricsRegistry
		s.gatherer = deps.MetricsRegistry
	}

	if err := s.buildPipeline(deps); err != nil {
		return nil, err
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	s.transport = tr
	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber

	if err := s.buildEngine(deps); err != nil {
		_ = tr.Close()
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: shutdownTimeout}, wmLogger)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = tr.Close()
		return nil, err
	}
	s.registerConsumers()
	s.registerRoutes()

	return s, nil
}

// buildPipeline creates the rule store, matcher, mapper, validator and
// endpoint registry.
func (s *Service) buildPipeline(deps ServiceDependencies) error {
	conf := s.Conf

	transforms := deps.Transforms
	if transforms == nil {
		transforms = mapping.NewRegistry()
	}
	loader := rules.NewLoader(conf.RulesDir, rules.WithTransforms(transforms))
	s.rules = rules.NewStore(loader,
		rules.WithTTL(conf.RuleCacheTTL),
		rules.WithLogger(s.Logger),
		rules.WithMetrics(s.registerer),
	)
	s.matcher = rules.NewMatcher(s.rules)
	s.mapper = mapping.NewEngine(transforms)
	s.validator = schema.NewValidator(conf.SchemaDir)

	s.endpoints = endpoints.NewRegistry(
		endpoints.WithBreakerSettings(endpoints.BreakerSettings{
			Threshold: conf.BreakerThreshold,
			Cooldown:  conf.BreakerCooldown,
		}),
		endpoints.WithLogger(s.Logger),
		endpoints.WithMetrics(s.registerer),
	)
	if conf.EndpointsFile == "" {
		return nil
	}
	n, err := s.endpoints.LoadFile(conf.EndpointsFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.Logger.Info("Endpoint file not found; starting without endpoints", loggingpkg.LogFields{"file": conf.EndpointsFile})
	case err != nil:
		return fmt.Errorf("load endpoints: %w", err)
	default:
		s.Logger.Info("Endpoints loaded", loggingpkg.LogFields{"file": conf.EndpointsFile, "count": n})
	}
	return nil
}

func (s *Service) buildEngine(deps ServiceDependencies) error {
	conf := s.Conf

	deliveryMetrics, err := delivery.NewMetrics(s.registerer)
	if err != nil {
		return fmt.Errorf("delivery metrics: %w", err)
	}

	opts := []delivery.Option{
		delivery.WithMapper(s.mapper),
		delivery.WithValidator(s.validator),
		delivery.WithRetryPolicy(delivery.RetryPolicy{
			MaxRetries:      conf.RetryMaxRetries,
			InitialInterval: conf.RetryInitialInterval,
			MaxInterval:     conf.RetryMaxInterval,
			Multiplier:      conf.RetryMultiplier,
			Jitter:          conf.RetryJitter,
		}),
		delivery.WithHTTPSender(delivery.NewHTTPSender(deps.HTTPClient)),
		delivery.WithConcurrency(conf.DeliveryConcurrency),
		delivery.WithAttemptTimeout(conf.DeliveryTimeout),
		delivery.WithLogger(s.Logger),
		delivery.WithMetrics(deliveryMetrics),
	}
	if s.publisher != nil {
		bus, err := delivery.NewBusSender(s.publisher)
		if err != nil {
			return err
		}
		opts = append(opts, delivery.WithBusSender(bus))
	}

	s.engine = delivery.NewEngine(s.endpoints, s.rules, opts...)
	s.reporter = orchestration.NewReporter(conf.MediatorURN)
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start serves HTTP and consumes the inbound topics until ctx is cancelled
// or the router stops, then releases every resource.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	defer s.Close()

	if len(s.Conf.InboundTopics) == 0 {
		s.Logger.Info("No inbound topics configured; serving HTTP only", nil)
		<-ctx.Done()
		return nil
	}
	return routerRun(s.router, ctx)
}

// Running is closed once the bus consumer is running.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the HTTP listeners and the router, then disconnects the bus.
// It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		s.httpServersMu.Lock()
		for _, srv := range s.servers {
			errs = append(errs, srv.Shutdown(ctx))
		}
		s.httpServersMu.Unlock()

		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		errs = append(errs, s.transport.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Rules exposes the rule store.
func (s *Service) Rules() *rules.Store { return s.rules }

// Endpoints exposes the endpoint registry.
func (s *Service) Endpoints() *endpoints.Registry { return s.endpoints }

// Publisher exposes the bus publisher.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// RegisterHTTPHandler mounts handler on the mux for port. Port 0 keeps the
// mux reachable through HTTPHandler without opening a listener.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// HTTPHandler returns the mux registered for port, or nil.
func (s *Service) HTTPHandler(port int) http.Handler {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()
	if mux, ok := s.httpServers[port]; ok {
		return mux
	}
	return nil
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		if port <= 0 {
			continue
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}
