package runtime

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
	"github.com/drblury/relayflow/internal/runtime/orchestration"
)

func TestProcessDeliversToEveryEndpoint(t *testing.T) {
	crm := newDownstream(t, http.StatusOK)
	erp := newDownstream(t, http.StatusCreated)
	f := newFixture(t, fixtureOptions{endpoints: endpointList(
		httpEndpoint("crm", crm.srv.URL),
		httpEndpoint("erp", erp.srv.URL),
	)})

	resp := f.svc.Process(context.Background(), defaultOrder())

	assert.Equal(t, orchestration.StatusSuccessful, resp.Status)
	assert.Equal(t, http.StatusOK, resp.Code())
	assert.Equal(t, "urn:mediator:test", resp.MediatorURN)
	require.Len(t, resp.Orchestrations, 2)
	assert.Equal(t, "Deliver to crm (attempt 1)", resp.Orchestrations[0].Name)
	assert.Equal(t, "Deliver to erp (attempt 1)", resp.Orchestrations[1].Name)

	bodies := crm.received()
	require.Len(t, bodies, 1)
	var sent map[string]any
	require.NoError(t, jsoncodec.Unmarshal([]byte(bodies[0]), &sent))
	assert.Equal(t, map[string]any{"id": "O-12345"}, sent["order"])
	assert.Equal(t, map[string]any{"name": "Jane"}, sent["customer"])
	assert.Equal(t, int32(1), erp.hits.Load())
}

func TestProcessReportsDownstreamFailure(t *testing.T) {
	ok := newDownstream(t, http.StatusOK)
	broken := newDownstream(t, http.StatusServiceUnavailable)
	f := newFixture(t, fixtureOptions{endpoints: endpointList(
		httpEndpoint("ok", ok.srv.URL),
		httpEndpoint("broken", broken.srv.URL),
	)})

	resp := f.svc.Process(context.Background(), defaultOrder())

	assert.Equal(t, orchestration.StatusFailed, resp.Status)
	assert.Equal(t, http.StatusBadGateway, resp.Code())
	// one attempt to ok, two to broken (one retry)
	assert.Len(t, resp.Orchestrations, 3)
	assert.Equal(t, int32(2), broken.hits.Load())
	assert.Equal(t, int32(1), ok.hits.Load())
}

func TestProcessWithoutEndpointsSucceeds(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.svc.Process(context.Background(), defaultOrder())

	assert.Equal(t, orchestration.StatusSuccessful, resp.Status)
	assert.Equal(t, http.StatusOK, resp.Code())
	assert.Empty(t, resp.Orchestrations)
}

func TestProcessRejectsUnroutableEvent(t *testing.T) {
	f := newFixture(t, fixtureOptions{endpoints: endpointList(httpEndpoint("crm", "http://127.0.0.1:1"))})
	evt := cloudevents.New("invoice.paid", "urn:billing", map[string]any{"total": 10})

	resp := f.svc.Process(context.Background(), evt)

	assert.Equal(t, orchestration.StatusFailed, resp.Status)
	assert.Equal(t, http.StatusBadRequest, resp.Code())
	assert.Contains(t, resp.Response.Body, "No enabled rule for event type: invoice.paid")
	assert.Empty(t, resp.Orchestrations)
}

func TestProcessRejectsInvalidEnvelope(t *testing.T) {
	crm := newDownstream(t, http.StatusOK)
	rec := &hookRecorder{}
	f := newFixture(t, fixtureOptions{
		endpoints: endpointList(httpEndpoint("crm", crm.srv.URL)),
		deps:      func(d *ServiceDependencies) { d.Hooks = rec.hooks() },
	})

	evt := defaultOrder()
	evt.Source = ""
	resp := f.svc.Process(context.Background(), evt)

	assert.Equal(t, orchestration.StatusFailed, resp.Status)
	assert.Equal(t, http.StatusBadRequest, resp.Code())
	assert.Contains(t, resp.Response.Body, "source")
	assert.Empty(t, resp.Orchestrations)
	assert.Zero(t, crm.hits.Load())

	starts, dones, resps := rec.snapshot()
	require.Len(t, starts, 1)
	require.Len(t, dones, 1)
	assert.Equal(t, IntakeHTTP, starts[0].Intake)
	assert.Equal(t, "evt-1", dones[0].EventID)
	assert.Equal(t, http.StatusBadRequest, resps[0].Code())
}

func TestProcessDeliversBusEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOptions{endpoints: `[
	  {"id": "warehouse", "transport": "bus", "address": "warehouse.orders", "eventTypes": ["order.created"], "recipes": ["order-to-crm"]}
	]`})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := f.pubsub.Subscribe(ctx, "warehouse.orders")
	require.NoError(t, err)

	resp := f.svc.Process(context.Background(), defaultOrder())
	require.Equal(t, orchestration.StatusSuccessful, resp.Status)
	require.Len(t, resp.Orchestrations, 1)
	assert.Equal(t, http.StatusAccepted, resp.Orchestrations[0].Response.Status)

	msg := <-messages
	msg.Ack()
	assert.JSONEq(t, `{"order":{"id":"O-12345"},"customer":{"name":"Jane"}}`, string(msg.Payload))
	assert.Equal(t, "warehouse", msg.Metadata.Get("relayflow_endpoint"))
}

func TestTransform(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	t.Run("matches by event type", func(t *testing.T) {
		res, code := f.svc.Transform(ctx, defaultOrder(), "")
		require.Equal(t, http.StatusOK, code)
		assert.True(t, res.Success)
		assert.Equal(t, "order-to-crm", res.Rule)
		assert.Equal(t, "crm-json", res.TargetFormat)
		assert.Equal(t, map[string]any{"id": "O-12345"}, res.Data["order"])
	})

	t.Run("named rule with passing schema", func(t *testing.T) {
		res, code := f.svc.Transform(ctx, defaultOrder(), "order-strict")
		require.Equal(t, http.StatusOK, code)
		assert.True(t, res.Success)
		assert.Equal(t, "order-strict", res.Rule)
	})

	t.Run("schema violation", func(t *testing.T) {
		res, code := f.svc.Transform(ctx, orderEvent(map[string]any{"orderId": "O-1"}), "order-strict")
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "Output validation failed")
		require.NotEmpty(t, res.SchemaErrors)
		assert.Equal(t, "order.id", res.SchemaErrors[0].Field)
	})

	t.Run("missing required field", func(t *testing.T) {
		res, code := f.svc.Transform(ctx, orderEvent(map[string]any{"name": "Jane"}), "")
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.False(t, res.Success)
		require.Len(t, res.FieldErrors, 1)
		assert.Equal(t, "$.data.orderId", res.FieldErrors[0].Source)
	})

	t.Run("unknown rule", func(t *testing.T) {
		res, code := f.svc.Transform(ctx, defaultOrder(), "nope")
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "Rule not found: nope", res.Error)
	})

	t.Run("disabled rule", func(t *testing.T) {
		res, code := f.svc.Transform(ctx, defaultOrder(), "order-legacy")
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "Rule is disabled: order-legacy", res.Error)
	})

	t.Run("no rule for type", func(t *testing.T) {
		evt := cloudevents.New("invoice.paid", "urn:billing", map[string]any{})
		res, code := f.svc.Transform(ctx, evt, "")
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "No enabled rule for event type: invoice.paid", res.Error)
	})

	t.Run("invalid envelope", func(t *testing.T) {
		evt := defaultOrder()
		evt.ID = ""
		_, code := f.svc.Transform(ctx, evt, "")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}
