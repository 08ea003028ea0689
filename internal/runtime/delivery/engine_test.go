package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	"github.com/drblury/relayflow/internal/runtime/endpoints"
	"github.com/drblury/relayflow/internal/runtime/mapping"
	"github.com/drblury/relayflow/internal/runtime/rules"
	"github.com/drblury/relayflow/internal/runtime/schema"
)

type recipeMap map[string]rules.Rule

func (m recipeMap) Lookup(_ context.Context, name string) (rules.Rule, bool) {
	r, ok := m[name]
	return r, ok
}

func orderRecipes() recipeMap {
	return recipeMap{
		"order-to-crm": {
			Name:      "order-to-crm",
			EventType: "order.created",
			Enabled:   true,
			Mappings: []mapping.FieldMapping{
				{Source: "$.data.orderId", Target: "$.order.id", Required: true},
				{Source: "$.data.name", Target: "$.customer.name", Transform: mapping.TransformTrim},
			},
		},
		"order-disabled": {
			Name:      "order-disabled",
			EventType: "order.created",
			Enabled:   false,
			Mappings:  []mapping.FieldMapping{{Source: "$.id", Target: "$.id"}},
		},
		"needs-email": {
			Name:      "needs-email",
			EventType: "order.created",
			Enabled:   true,
			Mappings:  []mapping.FieldMapping{{Source: "$.data.email", Target: "$.contact.email", Required: true}},
		},
	}
}

func orderEvent() cloudevents.Event {
	evt := cloudevents.New("order.created", "urn:shop", map[string]any{
		"orderId": "O-1",
		"name":    "  Jane  ",
	})
	evt.ID = "evt-1"
	return evt
}

// recorder is an httptest endpoint answering with a fixed status.
type recorder struct {
	srv    *httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies []string
	header http.Header
}

func newRecorder(t *testing.T, status int) *recorder {
	t.Helper()
	rec := &recorder{}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, string(body))
		rec.header = r.Header.Clone()
		rec.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func (r *recorder) received() ([]string, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...), r.header
}

func addEndpoint(t *testing.T, reg *endpoints.Registry, ep endpoints.Endpoint) *endpoints.Endpoint {
	t.Helper()
	if ep.EventTypes == nil {
		ep.EventTypes = []string{"order.created"}
	}
	if ep.Recipes == nil {
		ep.Recipes = []string{"order-to-crm"}
	}
	added, err := reg.Add(ep)
	require.NoError(t, err)
	return added
}

func newTestEngine(reg *endpoints.Registry, opts ...Option) *Engine {
	base := []Option{WithRetryPolicy(fastPolicy(2))}
	return NewEngine(reg, orderRecipes(), append(base, opts...)...)
}

func requireTally(t *testing.T, r Report) {
	t.Helper()
	assert.Len(t, r.Results, r.TotalEndpoints)
	assert.Equal(t, r.TotalEndpoints, r.SuccessfulDeliveries+r.FailedDeliveries)
}

func TestDeliverNoEligibleEndpoints(t *testing.T) {
	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "crm", Address: "http://127.0.0.1:1", EventTypes: []string{"invoice.paid"}})

	report := newTestEngine(reg).Deliver(context.Background(), orderEvent())

	assert.Zero(t, report.TotalEndpoints)
	assert.NotNil(t, report.Results)
	assert.Empty(t, report.Results)
	assert.True(t, report.AllSucceeded())
	requireTally(t, report)
}

func TestDeliverTransformsAndSends(t *testing.T) {
	crm := newRecorder(t, http.StatusOK)
	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{
		ID:      "crm",
		Name:    "CRM",
		Address: crm.srv.URL,
		Headers: map[string]string{"Authorization": "Bearer t"},
	})

	evt := orderEvent().WithExtension(cloudevents.ExtTraceParent, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	report := newTestEngine(reg).Deliver(context.Background(), evt)

	requireTally(t, report)
	require.Len(t, report.Results, 1)
	out := report.Results[0]
	assert.True(t, out.Success, out.Error)
	assert.Equal(t, "crm", out.EndpointID)
	assert.Equal(t, "CRM", out.EndpointName)
	assert.Equal(t, "order-to-crm", out.Rule)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.Reason)

	bodies, header := crm.received()
	require.Len(t, bodies, 1)
	assert.JSONEq(t, `{"order":{"id":"O-1"},"customer":{"name":"Jane"}}`, bodies[0])
	assert.Equal(t, "evt-1", header.Get(HeaderCorrelationID))
	assert.Equal(t, "Bearer t", header.Get("Authorization"))
	assert.Equal(t, ContentTypeJSON, header.Get("Content-Type"))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", header.Get(HeaderTraceParent))

	require.Len(t, out.Exchanges, 1)
	ex := out.Exchanges[0]
	assert.Equal(t, 1, ex.Attempt)
	assert.Equal(t, http.MethodPost, ex.Request.Method)
	assert.Equal(t, crm.srv.URL, ex.Request.URL)
	assert.JSONEq(t, bodies[0], ex.Request.Body)
	assert.Equal(t, http.StatusOK, ex.Response.Status)
	assert.Equal(t, `{"received":true}`, ex.Response.Body)
	assert.False(t, ex.Response.Timestamp.Before(ex.Request.Timestamp))
}

// A broken endpoint fails on its own while its sibling still receives the
// payload.
func TestDeliverSettlesAllEndpoints(t *testing.T) {
	good := newRecorder(t, http.StatusAccepted)
	broken := httptest.NewServer(http.NotFoundHandler())
	brokenURL := broken.URL
	broken.Close()

	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "broken", Address: brokenURL})
	addEndpoint(t, reg, endpoints.Endpoint{ID: "good", Address: good.srv.URL})

	report := newTestEngine(reg).Deliver(context.Background(), orderEvent())

	requireTally(t, report)
	assert.Equal(t, 2, report.TotalEndpoints)
	assert.Equal(t, 1, report.SuccessfulDeliveries)
	assert.Equal(t, 1, report.FailedDeliveries)
	assert.False(t, report.AllSucceeded())

	failedOut, goodOut := report.Results[0], report.Results[1]
	assert.Equal(t, "broken", failedOut.EndpointID)
	assert.False(t, failedOut.Success)
	assert.Equal(t, ReasonDeliveryFailed, failedOut.Reason)
	assert.Equal(t, 3, failedOut.Attempts, "two retries after the first attempt")
	assert.Len(t, failedOut.Exchanges, 3)
	assert.Zero(t, failedOut.Exchanges[0].Response.Status)
	assert.NotEmpty(t, failedOut.Exchanges[0].Response.Body)

	assert.Equal(t, "good", goodOut.EndpointID)
	assert.True(t, goodOut.Success)
	assert.Equal(t, int32(1), good.hits.Load())
}

func TestDeliverRetriesTransientStatusThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "crm", Address: srv.URL})

	out := newTestEngine(reg, WithRetryPolicy(fastPolicy(3))).Deliver(context.Background(), orderEvent()).Results[0]

	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	require.Len(t, out.Exchanges, 3)
	assert.Equal(t, http.StatusServiceUnavailable, out.Exchanges[0].Response.Status)
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	rec := newRecorder(t, http.StatusBadRequest)
	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "crm", Address: rec.srv.URL})

	out := newTestEngine(reg).Deliver(context.Background(), orderEvent()).Results[0]

	assert.False(t, out.Success)
	assert.Equal(t, ReasonDeliveryFailed, out.Reason)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, http.StatusBadRequest, out.StatusCode)
	assert.Equal(t, int32(1), rec.hits.Load())
}

func TestDeliverCircuitOpenSkipsNetwork(t *testing.T) {
	rec := newRecorder(t, http.StatusInternalServerError)
	reg := endpoints.NewRegistry(endpoints.WithBreakerSettings(endpoints.BreakerSettings{Threshold: 2, Cooldown: time.Hour}))
	ep := addEndpoint(t, reg, endpoints.Endpoint{ID: "crm", Address: rec.srv.URL})
	engine := newTestEngine(reg, WithRetryPolicy(fastPolicy(0)))

	for range 2 {
		out := engine.Deliver(context.Background(), orderEvent()).Results[0]
		require.Equal(t, ReasonDeliveryFailed, out.Reason)
		require.Equal(t, 1, out.Attempts)
	}
	require.Equal(t, endpoints.StateOpen, ep.Breaker().State())

	out := engine.Deliver(context.Background(), orderEvent()).Results[0]
	assert.False(t, out.Success)
	assert.Equal(t, ReasonCircuitOpen, out.Reason)
	assert.Zero(t, out.Attempts)
	assert.Empty(t, out.Exchanges)
	assert.Equal(t, int32(2), rec.hits.Load(), "no network call while open")

	snap, ok := engine.Stats().Get("crm")
	require.True(t, ok)
	assert.Equal(t, uint64(3), snap.Failed)
	assert.Equal(t, uint64(1), snap.Errors.CircuitOpen)
}

func TestDeliverIgnoresCallerCancellation(t *testing.T) {
	rec := newRecorder(t, http.StatusOK)
	reg := endpoints.NewRegistry(endpoints.WithBreakerSettings(endpoints.BreakerSettings{Threshold: 2, Cooldown: time.Hour}))
	ep := addEndpoint(t, reg, endpoints.Endpoint{ID: "crm", Address: rec.srv.URL})
	engine := newTestEngine(reg, WithRetryPolicy(fastPolicy(0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		out := engine.Deliver(ctx, orderEvent()).Results[0]
		require.True(t, out.Success, out.Error)
		require.Equal(t, 1, out.Attempts)
	}
	assert.Equal(t, endpoints.StateClosed, ep.Breaker().State())
	assert.Zero(t, ep.Breaker().Snapshot().ConsecutiveFailures)
	assert.Equal(t, int32(3), rec.hits.Load())

	out := engine.Deliver(context.Background(), orderEvent()).Results[0]
	assert.True(t, out.Success)
	assert.Equal(t, int32(4), rec.hits.Load())
}

func TestDeliverPreparationFailuresAreNotDispatched(t *testing.T) {
	rec := newRecorder(t, http.StatusOK)
	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "no-recipe", Address: rec.srv.URL, Recipes: []string{"missing", "order-disabled"}})
	addEndpoint(t, reg, endpoints.Endpoint{ID: "bad-mapping", Address: rec.srv.URL, Recipes: []string{"needs-email"}})
	addEndpoint(t, reg, endpoints.Endpoint{ID: "ok", Address: rec.srv.URL, Recipes: []string{"order-disabled", "order-to-crm"}})

	report := newTestEngine(reg).Deliver(context.Background(), orderEvent())

	requireTally(t, report)
	assert.Equal(t, 1, report.SuccessfulDeliveries)
	assert.Equal(t, 2, report.FailedDeliveries)

	assert.Equal(t, ReasonRecipeMissing, report.Results[0].Reason)
	assert.Zero(t, report.Results[0].Attempts)

	assert.Equal(t, ReasonTransformFailed, report.Results[1].Reason)
	assert.Equal(t, "needs-email", report.Results[1].Rule)
	assert.Contains(t, report.Results[1].Error, "Required field missing: $.data.email")

	assert.True(t, report.Results[2].Success)
	assert.Equal(t, "order-to-crm", report.Results[2].Rule)
	assert.Equal(t, int32(1), rec.hits.Load())
}

func TestDeliverValidatesOutputSchema(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm-order.json"), []byte(`{
	  "type": "object",
	  "required": ["order"],
	  "properties": {
	    "order": {
	      "type": "object",
	      "required": ["id"],
	      "properties": {"id": {"type": "string", "minLength": 5}}
	    }
	  }
	}`), 0o644))

	recipes := orderRecipes()
	strict := recipes["order-to-crm"]
	strict.Name = "strict"
	strict.OutputSchema = "crm-order.json"
	recipes["strict"] = strict

	rec := newRecorder(t, http.StatusOK)
	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "strict", Address: rec.srv.URL, Recipes: []string{"strict"}})
	addEndpoint(t, reg, endpoints.Endpoint{ID: "lenient", Address: rec.srv.URL})

	engine := NewEngine(reg, recipes, WithValidator(schema.NewValidator(dir)), WithRetryPolicy(fastPolicy(0)))
	report := engine.Deliver(context.Background(), orderEvent())

	requireTally(t, report)
	assert.Equal(t, ReasonValidationFailed, report.Results[0].Reason)
	assert.Contains(t, report.Results[0].Error, "order.id")
	assert.True(t, report.Results[1].Success)
	assert.Equal(t, int32(1), rec.hits.Load())
}

func TestDeliverDispatchesConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived.Done()
		select {
		case <-release:
			w.WriteHeader(http.StatusOK)
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusGatewayTimeout)
		}
	})
	a := httptest.NewServer(handler)
	defer a.Close()
	b := httptest.NewServer(handler)
	defer b.Close()

	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "a", Address: a.URL})
	addEndpoint(t, reg, endpoints.Endpoint{ID: "b", Address: b.URL})

	report := newTestEngine(reg, WithRetryPolicy(fastPolicy(0)), WithConcurrency(4)).Deliver(context.Background(), orderEvent())

	assert.Equal(t, 2, report.SuccessfulDeliveries, "both requests must be in flight together")
}

func TestDeliverAttemptTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "slow", Address: slow.URL, Timeout: 20 * time.Millisecond})

	engine := newTestEngine(reg, WithRetryPolicy(fastPolicy(1)), WithAttemptTimeout(time.Hour))
	out := engine.Deliver(context.Background(), orderEvent()).Results[0]

	assert.False(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	snap, _ := engine.Stats().Get("slow")
	assert.Equal(t, uint64(1), snap.Errors.Timeout)
}

func TestDeliverBusEndpoint(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1}, watermill.NopLogger{})
	defer func() { _ = pubSub.Close() }()
	messages, err := pubSub.Subscribe(context.Background(), "warehouse.orders")
	require.NoError(t, err)

	bus, err := NewBusSender(pubSub)
	require.NoError(t, err)

	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{
		ID:        "warehouse",
		Address:   "warehouse.orders",
		Transport: endpoints.TransportBus,
		Encoding:  endpoints.EncodingProtobuf,
	})

	out := newTestEngine(reg, WithBusSender(bus)).Deliver(context.Background(), orderEvent()).Results[0]

	require.True(t, out.Success, out.Error)
	assert.Equal(t, http.StatusAccepted, out.StatusCode)
	require.Len(t, out.Exchanges, 1)
	assert.Equal(t, busMethod, out.Exchanges[0].Request.Method)
	assert.Equal(t, ContentTypeProtobuf, out.Exchanges[0].Request.Headers["Content-Type"])
	assert.JSONEq(t, `{"order":{"id":"O-1"},"customer":{"name":"Jane"}}`, out.Exchanges[0].Request.Body)

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, ContentTypeProtobuf, msg.Metadata.Get(MetadataKeyContentType))
		assert.Equal(t, "evt-1", msg.Metadata.Get(HeaderCorrelationID))
	case <-time.After(time.Second):
		t.Fatal("bus delivery not published")
	}
}

func TestDeliverBusEndpointWithoutPublisher(t *testing.T) {
	reg := endpoints.NewRegistry()
	addEndpoint(t, reg, endpoints.Endpoint{ID: "warehouse", Address: "warehouse.orders", Transport: endpoints.TransportBus})

	out := newTestEngine(reg).Deliver(context.Background(), orderEvent()).Results[0]

	assert.False(t, out.Success)
	assert.Equal(t, ReasonDeliveryFailed, out.Reason)
	assert.Equal(t, 1, out.Attempts, "a missing publisher is not retried")
}

func TestDeliverTallyHoldsForMixedSets(t *testing.T) {
	ok := newRecorder(t, http.StatusOK)
	failing := newRecorder(t, http.StatusBadGateway)

	reg := endpoints.NewRegistry()
	for i, addr := range []string{ok.srv.URL, failing.srv.URL, ok.srv.URL, failing.srv.URL, ok.srv.URL} {
		addEndpoint(t, reg, endpoints.Endpoint{ID: string(rune('a' + i)), Address: addr})
	}
	addEndpoint(t, reg, endpoints.Endpoint{ID: "z", Address: ok.srv.URL, Recipes: []string{"missing"}})

	report := newTestEngine(reg, WithConcurrency(2)).Deliver(context.Background(), orderEvent())

	requireTally(t, report)
	assert.Equal(t, 6, report.TotalEndpoints)
	assert.Equal(t, 3, report.SuccessfulDeliveries)
	assert.Equal(t, 3, report.FailedDeliveries)
	for i, id := range []string{"a", "b", "c", "d", "e", "z"} {
		assert.Equal(t, id, report.Results[i].EndpointID, "results follow declaration order")
	}
}
