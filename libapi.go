package relayflow

import (
	runtimepkg "github.com/drblury/relayflow/internal/runtime"
	ce "github.com/drblury/relayflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/delivery"
	"github.com/drblury/relayflow/internal/runtime/endpoints"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/relayflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/mapping"
	"github.com/drblury/relayflow/internal/runtime/orchestration"
	"github.com/drblury/relayflow/internal/runtime/rules"
	transportpkg "github.com/drblury/relayflow/internal/runtime/transport"
	bus "github.com/drblury/relayflow/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnprocessableEventError = runtimepkg.UnprocessableEventError

	// Event lifecycle hooks
	EventContext = runtimepkg.EventContext
	EventHooks   = runtimepkg.EventHooks
	Intake       = runtimepkg.Intake

	// CloudEvents
	Event = ce.Event

	// Mediator results
	Response        = orchestration.Response
	Orchestration   = orchestration.Orchestration
	Health          = orchestration.Health
	TransformResult = runtimepkg.TransformResult
	DeliveryReport  = delivery.Report
	DeliveryOutcome = delivery.Outcome
	EndpointView    = runtimepkg.EndpointView
	ReloadView      = runtimepkg.ReloadView

	// Rules, endpoints and transforms
	Rule              = rules.Rule
	FieldMapping      = mapping.FieldMapping
	TransformFunc     = mapping.Func
	TransformRegistry = mapping.Registry
	Endpoint          = endpoints.Endpoint

	// Modular transport registry
	TransportBuilder  = bus.Builder
	TransportConfig   = bus.Config
	TransportRegistry = bus.Registry
)

var (
	NewService = runtimepkg.NewService
	LoadConfig = configpkg.Load

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	AlertingHooks   = runtimepkg.AlertingHooks
	IsUnprocessable = runtimepkg.IsUnprocessable

	NewCloudEvent   = ce.New
	ParseCloudEvent = ce.Parse

	NewTransformRegistry = mapping.NewRegistry

	DefaultTransportFactory  = transportpkg.DefaultFactory
	StaticTransport          = transportpkg.Static
	DefaultTransportRegistry = bus.DefaultRegistry
	RegisterTransport        = bus.Register
	BuildTransport           = bus.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrInvalidRule      = errspkg.ErrInvalidRule
	ErrRuleNotFound     = errspkg.ErrRuleNotFound
	ErrRuleDisabled     = errspkg.ErrRuleDisabled
	ErrNoMatchingRule   = errspkg.ErrNoMatchingRule
	ErrInvalidEvent     = errspkg.ErrInvalidEvent
	ErrUnknownTransform = errspkg.ErrUnknownTransform
	ErrInvalidSchema    = errspkg.ErrInvalidSchema
	ErrOutputInvalid    = errspkg.ErrOutputInvalid
	ErrInvalidEndpoint  = errspkg.ErrInvalidEndpoint
	ErrDeliveryFailed   = errspkg.ErrDeliveryFailed
	ErrCircuitOpen      = errspkg.ErrCircuitOpen

	NewTextLogger        = loggingpkg.NewTextLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger

	CreateULID = idspkg.CreateULID
	CreateUUID = idspkg.CreateUUID
)

// Where an event entered the mediator.
const (
	IntakeHTTP = runtimepkg.IntakeHTTP
	IntakeBus  = runtimepkg.IntakeBus
)

// Overall envelope statuses.
const (
	StatusSuccessful = orchestration.StatusSuccessful
	StatusFailed     = orchestration.StatusFailed
)

// MetadataKeyCorrelationID is the bus metadata key carrying the correlation id.
const MetadataKeyCorrelationID = runtimepkg.CorrelationIDMetadataKey
