// Package relayflow is a protocol-translation mediator. It receives CloudEvents
// from an event bus or over HTTP, projects each one through declarative
// mapping rules into the document shape every interested downstream endpoint
// expects, validates the result against JSON Schema, and delivers it to all
// eligible endpoints concurrently with per-endpoint retry and circuit
// breaking. The caller gets back an orchestration envelope listing every
// network attempt that was made.
//
// Config is read from RELAYFLOW_* environment variables (LoadConfig). A
// minimal embedding fills Config, creates a Service with NewService, and
// calls Start; Service.Process and Service.Transform can also be called
// directly.
//
// # Rules
//
// Rule files (JSON or YAML) live under Config.RulesDir. Each rule names the
// event type it applies to and a list of field mappings from "$.data.x"
// style source addresses to target addresses, with optional transforms
// (trim, uppercase, toNumber, toDate, toGender, uuid, ulid, ...) and
// defaults. Rules are cached with Config.RuleCacheTTL and can be reloaded on
// demand through POST /api/rules/reload.
//
// # Endpoints
//
// Config.EndpointsFile lists the downstream systems: an address, the event
// types they accept and the recipes (rule names) that can feed them. HTTP
// endpoints receive a POST (or the configured method); bus endpoints get a
// message on the topic named by their address. Bodies are JSON or protobuf
// Struct.
//
// # Transports
//
// The inbound and outbound bus is selected with Config.PubSubSystem:
//   - channel: in-memory Go channels for tests and single-process use
//   - kafka: consumer-group streaming
//   - rabbitmq: durable AMQP queues
//   - aws: SNS topics consumed through SQS, with LocalStack support
//   - nats: NATS Core with a queue group
//   - http: Watermill's HTTP publisher and subscriber
//   - io: a JSON-lines file
//
// Custom buses register through RegisterTransport or are handed in with
// ServiceDependencies.TransportFactory.
//
// # Middleware and hooks
//
// Bus consumers run behind correlation id injection, debug logging,
// OpenTelemetry tracing, Prometheus metrics, poison queue forwarding for
// unparseable payloads, and panic recovery. EventHooks observe every event
// processed, whichever way it arrived.
package relayflow
