package runtime

import (
	"context"
	"fmt"
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/orchestration"
	transportpkg "github.com/drblury/relayflow/internal/runtime/transport"
)

const orderRule = `{
  "name": "order-to-crm",
  "eventType": "order.created",
  "targetFormat": "crm-json",
  "mappings": [
    {"source": "$.data.orderId", "target": "$.order.id", "required": true},
    {"source": "$.data.name", "target": "$.customer.name", "transform": "trim"}
  ]
}`

const strictOrderRule = `{
  "name": "order-strict",
  "eventType": "order.created",
  "targetFormat": "crm-json",
  "outputSchema": "crm-order.json",
  "mappings": [
    {"source": "$.data.orderId", "target": "$.order.id", "required": true}
  ]
}`

const disabledRule = `{
  "name": "order-legacy",
  "eventType": "order.created",
  "targetFormat": "legacy",
  "enabled": false,
  "mappings": [{"source": "$.id", "target": "$.id"}]
}`

const crmOrderSchema = `{
  "type": "object",
  "required": ["order"],
  "properties": {
    "order": {
      "type": "object",
      "required": ["id"],
      "properties": {"id": {"type": "string", "minLength": 5}}
    }
  }
}`

// downstream is an httptest endpoint answering with a fixed status.
type downstream struct {
	srv    *httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies []string
}

func newDownstream(t *testing.T, status int) *downstream {
	t.Helper()
	d := &downstream{}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		d.bodies = append(d.bodies, string(body))
		d.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *downstream) received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.bodies...)
}

// fixture is a mediator over a gochannel bus with rules, schemas and
// endpoints written to a temp dir.
type fixture struct {
	svc      *Service
	pubsub   *gochannel.GoChannel
	registry *prometheus.Registry
	dir      string
}

type fixtureOptions struct {
	endpoints string
	conf      func(*configpkg.Config)
	deps      func(*ServiceDependencies)
}

func testConfig(dir string) *configpkg.Config {
	return &configpkg.Config{
		ServiceName:          "relayflow-test",
		ServiceVersion:       "1.2.3",
		MediatorURN:          "urn:mediator:test",
		RulesDir:             filepath.Join(dir, "rules"),
		SchemaDir:            filepath.Join(dir, "schemas"),
		EndpointsFile:        filepath.Join(dir, "endpoints.json"),
		DeliveryConcurrency:  4,
		DeliveryTimeout:      2 * time.Second,
		RetryMaxRetries:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		RetryMultiplier:      2,
		BreakerThreshold:     5,
		BreakerCooldown:      time.Minute,
		PubSubSystem:         "channel",
		MetricsEnabled:       true,
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "rules", "a-order.json"), orderRule)
	writeTestFile(t, filepath.Join(dir, "rules", "b-strict.json"), strictOrderRule)
	writeTestFile(t, filepath.Join(dir, "rules", "c-legacy.json"), disabledRule)
	writeTestFile(t, filepath.Join(dir, "schemas", "crm-order.json"), crmOrderSchema)
	if opts.endpoints != "" {
		writeTestFile(t, filepath.Join(dir, "endpoints.json"), opts.endpoints)
	}

	conf := testConfig(dir)
	if opts.conf != nil {
		opts.conf(conf)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	registry := prometheus.NewRegistry()
	deps := ServiceDependencies{
		TransportFactory: transportpkg.Static(transportpkg.Transport{Publisher: pubsub, Subscriber: pubsub}),
		MetricsRegistry:  registry,
	}
	if opts.deps != nil {
		opts.deps(&deps)
	}

	svc, err := NewService(context.Background(), conf, nil, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &fixture{svc: svc, pubsub: pubsub, registry: registry, dir: dir}
}

func httpEndpoint(id, address string, recipes ...string) string {
	if len(recipes) == 0 {
		recipes = []string{"order-to-crm"}
	}
	list := ""
	for i, r := range recipes {
		if i > 0 {
			list += ","
		}
		list += fmt.Sprintf("%q", r)
	}
	return fmt.Sprintf(`{"id":%q,"address":%q,"eventTypes":["order.created"],"recipes":[%s]}`, id, address, list)
}

func endpointList(items ...string) string {
	out := "["
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out + "]"
}

func orderEvent(data map[string]any) cloudevents.Event {
	evt := cloudevents.New("order.created", "urn:shop", data)
	evt.ID = "evt-1"
	return evt
}

func defaultOrder() cloudevents.Event {
	return orderEvent(map[string]any{"orderId": "O-12345", "name": "  Jane  "})
}

// hookRecorder collects hook invocations.
type hookRecorder struct {
	mu     sync.Mutex
	starts []EventContext
	dones  []EventContext
	resps  []orchestration.Response
}

func (h *hookRecorder) hooks() EventHooks {
	return EventHooks{
		OnEventStart: func(ec EventContext) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.starts = append(h.starts, ec)
		},
		OnEventDone: func(ec EventContext, resp orchestration.Response) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.dones = append(h.dones, ec)
			h.resps = append(h.resps, resp)
		},
	}
}

func (h *hookRecorder) snapshot() ([]EventContext, []EventContext, []orchestration.Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]EventContext(nil), h.starts...),
		append([]EventContext(nil), h.dones...),
		append([]orchestration.Response(nil), h.resps...)
}
