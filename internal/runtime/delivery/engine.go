// Package delivery fans an event out to every eligible endpoint. Each
// endpoint is transformed, validated and dispatched independently; one
// endpoint's failure never cancels or delays another.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	"github.com/drblury/relayflow/internal/runtime/endpoints"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/mapping"
	"github.com/drblury/relayflow/internal/runtime/rules"
	"github.com/drblury/relayflow/internal/runtime/schema"
)

// Headers added to every downstream request.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderTraceParent   = "traceparent"
)

// busMethod labels bus publishes in traces.
const busMethod = "PUBLISH"

// RecipeSource resolves recipe names to rules.
type RecipeSource interface {
	Lookup(ctx context.Context, name string) (rules.Rule, bool)
}

// OutputValidator checks a transformed document against a schema reference.
type OutputValidator interface {
	ValidateRef(value any, ref string) (schema.Result, error)
}

// Engine delivers events to the endpoints of a registry.
type Engine struct {
	registry  *endpoints.Registry
	recipes   RecipeSource
	mapper    *mapping.Engine
	validator OutputValidator
	retrier   *Retrier

	httpSender Sender
	busSender  Sender

	concurrency int
	timeout     time.Duration

	logger  logging.ServiceLogger
	metrics *Metrics
	stats   *StatsBook
	tracer  trace.Tracer
}

// Option customises an Engine.
type Option func(*Engine)

// WithMapper sets the transformation engine.
func WithMapper(m *mapping.Engine) Option {
	return func(e *Engine) {
		if m != nil {
			e.mapper = m
		}
	}
}

// WithValidator sets the output validator. Without one, output schemas are
// not checked.
func WithValidator(v OutputValidator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithRetryPolicy sets the per-endpoint retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retrier = NewRetrier(p) }
}

// WithHTTPSender replaces the sender used for http endpoints.
func WithHTTPSender(s Sender) Option {
	return func(e *Engine) {
		if s != nil {
			e.httpSender = s
		}
	}
}

// WithBusSender sets the sender used for bus endpoints.
func WithBusSender(s Sender) Option {
	return func(e *Engine) { e.busSender = s }
}

// WithConcurrency bounds how many endpoints are dispatched at once. Zero or
// less means no bound.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithAttemptTimeout bounds each network attempt unless the endpoint sets
// its own timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics exports delivery series.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStats shares a stats book, e.g. with the admin API.
func WithStats(book *StatsBook) Option {
	return func(e *Engine) {
		if book != nil {
			e.stats = book
		}
	}
}

// NewEngine returns an engine delivering to registry, resolving recipes
// through recipes.
func NewEngine(registry *endpoints.Registry, recipes RecipeSource, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		recipes:    recipes,
		mapper:     mapping.NewEngine(nil),
		retrier:    NewRetrier(RetryPolicy{}),
		httpSender: NewHTTPSender(nil),
		logger:     logging.NopLogger(),
		stats:      NewStatsBook(),
		tracer:     otel.Tracer("relayflow/delivery"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the endpoint registry.
func (e *Engine) Registry() *endpoints.Registry { return e.registry }

// Stats returns the per-endpoint stats book.
func (e *Engine) Stats() *StatsBook { return e.stats }

// job is an endpoint that passed transformation and validation.
type job struct {
	index       int
	endpoint    *endpoints.Endpoint
	rule        string
	body        []byte
	contentType string
	traceBody   string
}

// Deliver sends evt to every endpoint that accepts its type and waits for all
// of them to settle. It never fails as a whole; per-endpoint failures are in
// the report.
func (e *Engine) Deliver(ctx context.Context, evt cloudevents.Event) Report {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "Deliver", trace.WithAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", evt.Type),
	))
	defer span.End()

	eligible := e.registry.Eligible(evt.Type)
	report := Report{
		EventID:   evt.ID,
		EventType: evt.Type,
		Results:   make([]Outcome, len(eligible)),
	}

	// Deliveries outlive the caller; each attempt is bounded by its own timeout.
	dispatchCtx := context.WithoutCancel(ctx)

	doc, docErr := evt.Document()
	jobs := make([]*job, 0, len(eligible))
	for i, ep := range eligible {
		j, failed, err := e.prepare(dispatchCtx, ep, doc, docErr)
		if j == nil {
			report.Results[i] = failed
			e.finish(failed, err)
			continue
		}
		j.index = i
		jobs = append(jobs, j)
	}

	g := new(errgroup.Group)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for _, j := range jobs {
		g.Go(func() error {
			report.Results[j.index] = e.dispatch(dispatchCtx, evt, j)
			return nil
		})
	}
	_ = g.Wait()

	report.tally()
	report.TotalDurationMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("delivery.endpoints", report.TotalEndpoints),
		attribute.Int("delivery.failed", report.FailedDeliveries),
	)
	if !report.AllSucceeded() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d deliveries failed", report.FailedDeliveries, report.TotalEndpoints))
	}
	return report
}

// prepare resolves the recipe, maps and validates for one endpoint. On
// failure it returns the finished outcome instead of a job.
func (e *Engine) prepare(ctx context.Context, ep *endpoints.Endpoint, doc map[string]any, docErr error) (*job, Outcome, error) {
	out := Outcome{EndpointID: ep.ID, EndpointName: ep.Label()}
	fail := func(reason Reason, err error) (*job, Outcome, error) {
		out.Reason = reason
		out.Error = err.Error()
		return nil, out, err
	}

	rule, ok := e.resolveRecipe(ctx, ep)
	if !ok {
		return fail(ReasonRecipeMissing, fmt.Errorf("%w: no enabled recipe among %s for endpoint %s",
			errspkg.ErrRuleNotFound, strings.Join(ep.Recipes, ", "), ep.ID))
	}
	out.Rule = rule.Name

	if docErr != nil {
		return fail(ReasonTransformFailed, fmt.Errorf("%w: %w", errspkg.ErrTransformFailed, docErr))
	}

	mapped := e.mapper.Apply(doc, rule.Mappings)
	if !mapped.Success {
		msgs := make([]string, len(mapped.Errors))
		errs := make([]error, len(mapped.Errors))
		for i, fe := range mapped.Errors {
			msgs[i] = fe.Message
			errs[i] = fe
		}
		out.Reason = ReasonTransformFailed
		out.Error = strings.Join(msgs, "; ")
		return nil, out, errors.Join(errs...)
	}

	if rule.OutputSchema != "" && e.validator != nil {
		result, err := e.validator.ValidateRef(mapped.Data, rule.OutputSchema)
		if err != nil {
			return fail(ReasonValidationFailed, err)
		}
		if !result.Valid {
			return fail(ReasonValidationFailed, fmt.Errorf("%w: %s", errspkg.ErrOutputInvalid, result.Error()))
		}
	}

	body, contentType, err := encodeBody(mapped.Data, ep.Encoding)
	if err != nil {
		return fail(ReasonTransformFailed, fmt.Errorf("%w: %w", errspkg.ErrTransformFailed, err))
	}
	traceBody := string(body)
	if contentType != ContentTypeJSON {
		if raw, err := jsoncodec.Marshal(mapped.Data); err == nil {
			traceBody = string(raw)
		}
	}

	return &job{
		endpoint:    ep,
		rule:        rule.Name,
		body:        body,
		contentType: contentType,
		traceBody:   traceBody,
	}, out, nil
}

func (e *Engine) resolveRecipe(ctx context.Context, ep *endpoints.Endpoint) (rules.Rule, bool) {
	if e.recipes == nil {
		return rules.Rule{}, false
	}
	for _, name := range ep.Recipes {
		if rule, ok := e.recipes.Lookup(ctx, name); ok && rule.Enabled {
			return rule, true
		}
	}
	return rules.Rule{}, false
}

// dispatch runs the breaker around the retry sequence for one endpoint.
func (e *Engine) dispatch(ctx context.Context, evt cloudevents.Event, j *job) Outcome {
	start := time.Now()
	ep := j.endpoint
	ctx, span := e.tracer.Start(ctx, "DeliverEndpoint", trace.WithAttributes(
		attribute.String("endpoint.id", ep.ID),
		attribute.String("endpoint.transport", ep.Transport),
		attribute.String("rule.name", j.rule),
	))
	defer span.End()

	out := Outcome{EndpointID: ep.ID, EndpointName: ep.Label(), Rule: j.rule}
	sender := e.senderFor(ep)
	headers := e.requestHeaders(ctx, evt, ep)

	sequence := func() error {
		n, err := e.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
			return e.attempt(ctx, j, sender, headers, attempt, &out)
		})
		out.Attempts = n
		return err
	}

	var err error
	if b := ep.Breaker(); b != nil {
		err = b.Execute(ctx, sequence)
	} else {
		err = sequence()
	}
	out.TotalDurationMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		out.Success = true
	case out.Attempts == 0 && errors.Is(err, errspkg.ErrCircuitOpen):
		out.Reason = ReasonCircuitOpen
		out.Error = "Circuit breaker open for endpoint " + ep.ID
	default:
		out.Reason = ReasonDeliveryFailed
		out.Error = err.Error()
	}

	span.SetAttributes(attribute.Int("delivery.attempts", out.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(out.Reason))
	}
	e.finish(out, err)
	return out
}

// attempt performs one network attempt and records the exchange on out.
func (e *Engine) attempt(ctx context.Context, j *job, sender Sender, headers map[string]string, attempt int, out *Outcome) error {
	if timeout := e.attemptTimeout(j.endpoint); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &Request{
		Endpoint:    j.endpoint,
		Method:      j.endpoint.Method,
		URL:         j.endpoint.Address,
		Headers:     headers,
		ContentType: j.contentType,
		Body:        j.body,
	}
	method := req.Method
	if j.endpoint.Transport == endpoints.TransportBus {
		method = busMethod
	}
	sentHeaders := maps.Clone(headers)
	sentHeaders["Content-Type"] = j.contentType

	ex := Exchange{
		Attempt: attempt,
		Request: RequestRecord{
			Method:    method,
			URL:       req.URL,
			Headers:   sentHeaders,
			Body:      j.traceBody,
			Timestamp: time.Now().UTC(),
		},
	}

	resp, err := sender.Send(ctx, req)
	ex.Response.Timestamp = time.Now().UTC()
	out.StatusCode = 0
	if resp != nil {
		ex.Response.Status = resp.StatusCode
		ex.Response.Headers = resp.Headers
		ex.Response.Body = string(resp.Body)
		out.StatusCode = resp.StatusCode
	} else if err != nil {
		ex.Response.Body = err.Error()
	}
	out.Exchanges = append(out.Exchanges, ex)

	if err != nil {
		e.logger.Debug("Delivery attempt failed", logging.LogFields{
			"endpoint":  j.endpoint.ID,
			"attempt":   attempt,
			"error":     err.Error(),
			"permanent": IsPermanent(err),
		})
	}
	return err
}

func (e *Engine) attemptTimeout(ep *endpoints.Endpoint) time.Duration {
	if ep.Timeout > 0 {
		return ep.Timeout
	}
	return e.timeout
}

func (e *Engine) senderFor(ep *endpoints.Endpoint) Sender {
	if ep.Transport == endpoints.TransportBus {
		if e.busSender == nil {
			return SenderFunc(func(context.Context, *Request) (*Response, error) {
				return nil, Permanent(fmt.Errorf("%w: %w", errspkg.ErrDeliveryFailed, errspkg.ErrPublisherRequired))
			})
		}
		return e.busSender
	}
	return e.httpSender
}

// requestHeaders merges the endpoint's headers with correlation and trace
// context. The active span wins over the event's traceparent extension.
func (e *Engine) requestHeaders(ctx context.Context, evt cloudevents.Event, ep *endpoints.Endpoint) map[string]string {
	headers := make(map[string]string, len(ep.Headers)+2)
	maps.Copy(headers, ep.Headers)
	headers[HeaderCorrelationID] = cloudevents.CorrelationID(evt)

	propagation.TraceContext{}.Inject(ctx, propagation.MapCarrier(headers))
	if _, ok := headers[HeaderTraceParent]; !ok {
		if tp := cloudevents.TraceParent(evt); tp != "" {
			headers[HeaderTraceParent] = tp
		}
	}
	return headers
}

func (e *Engine) finish(o Outcome, err error) {
	e.stats.forEndpoint(o.EndpointID).record(o, err, time.Now())
	e.metrics.observe(o)

	fields := logging.LogFields{
		"endpoint":    o.EndpointID,
		"rule":        o.Rule,
		"attempts":    o.Attempts,
		"duration_ms": o.TotalDurationMs,
	}
	if o.Success {
		fields["status"] = o.StatusCode
		e.logger.Debug("Delivered event", fields)
		return
	}
	fields["reason"] = string(o.Reason)
	e.logger.Error("Delivery failed", err, fields)
}
