/*
Package runtime is the relayflow mediator: it receives CloudEvents from an
event bus or over HTTP, projects each one into the document shape every
interested downstream endpoint expects, and delivers them concurrently.

# Architecture Overview

An event flows through these stages:

	bus topic / POST /events
	  -> cloudevents.Parse
	  -> Service.Process
	  -> delivery.Engine.Deliver   (one task per eligible endpoint)
	       -> rules.Store.Lookup   (recipe per endpoint)
	       -> mapping.Engine.Apply
	       -> schema.Validator.ValidateRef
	       -> endpoints.Breaker + delivery.Retrier around one HTTP or bus send
	  -> orchestration.Reporter.Build

The envelope returned to the caller lists every network attempt. Its status is
200 when every endpoint succeeded and 502 otherwise; a malformed event is 400.

# Service (service.go, mediator.go)

Service wires the rule store, matcher, mapper, validator, endpoint registry,
delivery engine and reporter, then attaches a Watermill router consuming
Config.InboundTopics. Bus messages are acked after processing: retries happen
per endpoint, never per message. Payloads that are not CloudEvents become
UnprocessableEventError and go to Config.PoisonQueue when one is set.

# Middleware (middleware.go)

Bus consumers run behind a composable chain:
  - CorrelationID: ensures every message carries a correlation id
  - LogMessages: debug logging of payloads
  - Tracer: OpenTelemetry span per message
  - Metrics: Watermill router metrics in Prometheus
  - PoisonQueue: forwards unprocessable messages
  - Recoverer: converts panics into errors

# HTTP API (api.go)

	POST /events             process one CloudEvent, answer with the envelope
	POST /transform/{rule}   run one recipe without delivering
	GET  /health             liveness
	GET  /api/endpoints      endpoint stats and breaker state
	POST /api/rules/reload   force a rule reload
	GET  /metrics            Prometheus, when metrics are enabled

# Sub-packages

  - cloudevents/: CloudEvents 1.0 envelope
  - config/: environment configuration
  - delivery/: fan-out, retry, senders and stats
  - endpoints/: endpoint registry and circuit breakers
  - errors/: sentinel errors
  - ids/: ULID and UUID generation
  - jsoncodec/: JSON codec
  - logging/: logger interface and adapters
  - mapping/: field mappings and transform functions
  - metrics/: Prometheus collector helpers
  - orchestration/: response envelope and health
  - rules/: rule loading, caching and matching
  - schema/: JSON Schema validation
  - transport/: event bus factory
*/
package runtime
