package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/mapping"
	"github.com/drblury/relayflow/internal/runtime/orchestration"
	"github.com/drblury/relayflow/internal/runtime/rules"
	"github.com/drblury/relayflow/internal/runtime/schema"
)

const tracerName = "github.com/drblury/relayflow/internal/runtime"

// TransformResult is the answer of the single-recipe path.
type TransformResult struct {
	Success      bool                 `json:"success"`
	Rule         string               `json:"rule,omitempty"`
	TargetFormat string               `json:"targetFormat,omitempty"`
	Data         map[string]any       `json:"data,omitempty"`
	Error        string               `json:"error,omitempty"`
	FieldErrors  []mapping.FieldError `json:"fieldErrors,omitempty"`
	SchemaErrors []schema.FieldError  `json:"schemaErrors,omitempty"`
}

// Process validates evt, delivers it to every eligible endpoint and returns
// the orchestration envelope. An invalid envelope, or an event with no
// eligible endpoint and no enabled rule for its type, short-circuits with a
// 400; delivery failures show up as a 502 envelope.
func (s *Service) Process(ctx context.Context, evt cloudevents.Event) orchestration.Response {
	return s.process(ctx, evt, EventContext{Intake: IntakeHTTP})
}

func (s *Service) process(ctx context.Context, evt cloudevents.Event, ec EventContext) orchestration.Response {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ProcessEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", evt.Type),
		attribute.String("event.intake", string(ec.Intake)),
	)

	ec.Context = ctx
	ec.EventID = evt.ID
	ec.EventType = evt.Type
	ec.StartedAt = time.Now()
	s.hooks.start(ec)

	var resp orchestration.Response
	if err := evt.Validate(); err != nil {
		resp = s.reporter.Failure(http.StatusBadRequest, err.Error(), nil)
	} else if match, routable := s.routable(ctx, evt); !routable {
		resp = s.reporter.Failure(http.StatusBadRequest, match.Err.Error(), nil)
	} else {
		resp = s.reporter.Build(s.engine.Deliver(ctx, evt))
	}

	if resp.Status != orchestration.StatusSuccessful {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.Code()))
	}
	ec.Duration = time.Since(ec.StartedAt)
	s.hooks.done(ec, resp)
	return resp
}

// routable reports whether evt has somewhere to go: at least one eligible
// endpoint, or an enabled rule for its type. An event with neither is a
// client error.
func (s *Service) routable(ctx context.Context, evt cloudevents.Event) (rules.MatchResult, bool) {
	if len(s.endpoints.Eligible(evt.Type)) > 0 {
		return rules.MatchResult{}, true
	}
	match := s.matcher.Match(ctx, evt, "")
	return match, match.Matched
}

// Transform runs the matched recipe over evt and validates the output without
// dispatching anything. ruleName selects a recipe explicitly; empty matches
// on the event type.
func (s *Service) Transform(ctx context.Context, evt cloudevents.Event, ruleName string) (TransformResult, int) {
	if err := evt.Validate(); err != nil {
		return TransformResult{Error: err.Error()}, http.StatusBadRequest
	}

	match := s.matcher.Match(ctx, evt, ruleName)
	if !match.Matched {
		return TransformResult{Error: match.Err.Error()}, http.StatusBadRequest
	}
	rule := match.Rule
	out := TransformResult{Rule: rule.Name, TargetFormat: rule.TargetFormat}

	doc, err := evt.Document()
	if err != nil {
		out.Error = err.Error()
		return out, http.StatusBadRequest
	}

	mapped := s.mapper.Apply(doc, rule.Mappings)
	out.Data = mapped.Data
	if !mapped.Success {
		out.Error = "Transformation failed"
		out.FieldErrors = mapped.Errors
		return out, http.StatusInternalServerError
	}

	if rule.OutputSchema != "" {
		res, err := s.validator.ValidateRef(mapped.Data, rule.OutputSchema)
		if err != nil {
			out.Error = err.Error()
			return out, http.StatusInternalServerError
		}
		if !res.Valid {
			out.Error = "Output validation failed: " + res.Error()
			out.SchemaErrors = res.Errors
			return out, http.StatusInternalServerError
		}
	}

	out.Success = true
	return out, http.StatusOK
}

// consume is the bus handler for one inbound topic. A payload that is not a
// CloudEvent is unprocessable; everything else is acked after Process since
// retries already happened per endpoint.
func (s *Service) consume(topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		evt, err := cloudevents.Parse(msg.Payload)
		if err != nil {
			if s.Conf.PoisonQueue != "" {
				return &UnprocessableEventError{Payload: string(msg.Payload), Err: err}
			}
			s.Logger.Error("Dropping unparseable event", err, loggingpkg.LogFields{
				"topic":        topic,
				"message_uuid": msg.UUID,
			})
			return nil
		}

		resp := s.process(msg.Context(), evt, EventContext{Intake: IntakeBus, Topic: topic})
		fields := loggingpkg.LogFields{
			"topic":      topic,
			"event_id":   evt.ID,
			"event_type": evt.Type,
			"status":     resp.Status,
			"code":       resp.Code(),
		}
		if resp.Status == orchestration.StatusSuccessful {
			s.Logger.Info("Event processed", fields)
		} else {
			s.Logger.Info("Event processed with failures", fields)
		}
		return nil
	}
}

// registerConsumers adds one handler per distinct inbound topic.
func (s *Service) registerConsumers() {
	seen := make(map[string]struct{}, len(s.Conf.InboundTopics))
	for _, topic := range s.Conf.InboundTopics {
		if topic == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		s.router.AddNoPublisherHandler(
			fmt.Sprintf("relayflow-consume-%s", topic),
			topic,
			s.subscriber,
			s.consume(topic),
		)
		s.Logger.Info("Consuming topic", loggingpkg.LogFields{"topic": topic})
	}
}
