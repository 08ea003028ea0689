package runtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/endpoints"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
	"github.com/drblury/relayflow/internal/runtime/orchestration"
)

const orderEventJSON = `{
  "specversion": "1.0",
  "type": "order.created",
  "source": "urn:shop",
  "id": "evt-42",
  "data": {"orderId": "O-12345", "name": " Jane "}
}`

func serve(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	require.NotNil(t, h)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEventsRoute(t *testing.T) {
	crm := newDownstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{endpoints: endpointList(httpEndpoint("crm", crm.srv.URL))})
	h := f.svc.HTTPHandler(0)

	rec := serve(t, h, http.MethodPost, "/events", orderEventJSON, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp orchestration.Response
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, orchestration.StatusSuccessful, resp.Status)
	assert.Equal(t, "urn:mediator:test", resp.MediatorURN)
	assert.Len(t, resp.Orchestrations, 1)
	assert.Equal(t, int32(1), crm.hits.Load())
}

func TestEventsRouteRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	h := f.svc.HTTPHandler(0)

	for name, body := range map[string]string{
		"not json":      "{",
		"missing type":  `{"specversion":"1.0","source":"s","id":"1"}`,
		"wrong version": `{"specversion":"0.3","type":"t","source":"s","id":"1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(t, h, http.MethodPost, "/events", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp orchestration.Response
			require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, orchestration.StatusFailed, resp.Status)
			assert.Equal(t, http.StatusBadRequest, resp.Response.Status)
		})
	}
}

func TestEventsRouteRejectsOtherMethods(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rec := serve(t, f.svc.HTTPHandler(0), http.MethodGet, "/events", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTransformRoute(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	h := f.svc.HTTPHandler(0)

	rec := serve(t, h, http.MethodPost, "/transform/order-to-crm", orderEventJSON, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res TransformResult
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"name": "Jane"}, res.Data["customer"])

	rec = serve(t, h, http.MethodPost, "/transform/unknown", orderEventJSON, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Rule not found: unknown")

	rec = serve(t, h, http.MethodPost, "/transform/order-to-crm", "[]", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthRoute(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := serve(t, f.svc.HTTPHandler(0), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h orchestration.Health
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "relayflow-test", h.Service)
	assert.Equal(t, "1.2.3", h.Version)
	assert.False(t, h.Timestamp.IsZero())
}

func TestEndpointsRoute(t *testing.T) {
	crm := newDownstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		endpoints: endpointList(httpEndpoint("crm", crm.srv.URL), httpEndpoint("idle", crm.srv.URL)),
		conf: func(c *configpkg.Config) {
			c.CORSAllowedOrigins = []string{"https://console.example.com"}
		},
	})
	h := f.svc.HTTPHandler(0)

	serve(t, h, http.MethodPost, "/events", orderEventJSON, nil)

	rec := serve(t, h, http.MethodGet, "/api/endpoints", "", map[string]string{"Origin": "https://console.example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	var views []EndpointView
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "crm", views[0].ID)
	assert.Equal(t, endpoints.StateClosed, views[0].Breaker.State)
	require.NotNil(t, views[0].Stats)
	assert.Equal(t, uint64(1), views[0].Stats.Delivered)
	assert.Equal(t, uint64(1), views[1].Stats.Delivered)

	rec = serve(t, h, http.MethodGet, "/api/endpoints", "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(t, h, http.MethodOptions, "/api/endpoints", "", map[string]string{"Origin": "https://console.example.com"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, h, http.MethodDelete, "/api/endpoints", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReloadRulesRoute(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	h := f.svc.HTTPHandler(0)

	writeTestFile(t, f.svc.Conf.RulesDir+"/d-broken.json", `{"name": "broken"}`)

	rec := serve(t, h, http.MethodPost, "/api/rules/reload", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view ReloadView
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.OK)
	assert.Equal(t, []string{"order-to-crm", "order-strict", "order-legacy"}, view.Rules)
	assert.Len(t, view.Errors, 1)
	assert.False(t, view.ReloadedAt.IsZero())
}

func TestReloadRulesRouteReportsDirectoryFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{conf: func(c *configpkg.Config) {
		c.RulesDir = c.RulesDir + "/missing"
	}})

	rec := serve(t, f.svc.HTTPHandler(0), http.MethodPost, "/api/rules/reload", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
}

func TestMetricsRoute(t *testing.T) {
	t.Run("served on the API port", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		rec := serve(t, f.svc.HTTPHandler(0), http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "relayflow_rules_loaded")
	})

	t.Run("served on a dedicated port", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{conf: func(c *configpkg.Config) { c.MetricsPort = 9464 }})
		assert.NotNil(t, f.svc.HTTPHandler(9464))
		rec := serve(t, f.svc.HTTPHandler(0), http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{conf: func(c *configpkg.Config) { c.MetricsEnabled = false }})
		rec := serve(t, f.svc.HTTPHandler(0), http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetAllowedCORSOrigin(t *testing.T) {
	svc := &Service{Conf: &configpkg.Config{CORSAllowedOrigins: []string{"https://a.example.com"}}}
	assert.Equal(t, "https://A.example.com", svc.getAllowedCORSOrigin("https://A.example.com"))
	assert.Empty(t, svc.getAllowedCORSOrigin(""))
	assert.Empty(t, svc.getAllowedCORSOrigin("https://b.example.com"))

	svc.Conf.CORSAllowedOrigins = []string{"*"}
	assert.Equal(t, "*", svc.getAllowedCORSOrigin("https://b.example.com"))

	assert.Empty(t, (&Service{}).getAllowedCORSOrigin("https://a.example.com"))
}
