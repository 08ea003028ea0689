// Package orchestration assembles the envelope returned to the integration
// hub: the overall status plus one request/response pair per network
// attempt made while delivering an event.
package orchestration

import (
	"fmt"
	"net/http"
	"time"

	"github.com/drblury/relayflow/internal/runtime/delivery"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
)

// HeaderMediatorURN is the envelope key identifying the mediator.
const HeaderMediatorURN = "x-mediator-urn"

// Status is the overall outcome reported to the hub.
type Status string

const (
	StatusSuccessful Status = "Successful"
	StatusFailed     Status = "Failed"
)

// Request describes one outbound call.
type Request struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// Message is a response: the mediator's own or a downstream one.
type Message struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// Orchestration is one network attempt.
type Orchestration struct {
	Name     string  `json:"name"`
	Request  Request `json:"request"`
	Response Message `json:"response"`
}

// Response is the envelope handed back to the hub.
type Response struct {
	MediatorURN    string          `json:"x-mediator-urn"`
	Status         Status          `json:"status"`
	Response       Message         `json:"response"`
	Orchestrations []Orchestration `json:"orchestrations"`
}

// Code is the HTTP status the envelope should be served with.
func (r Response) Code() int { return r.Response.Status }

// Reporter builds envelopes for one mediator identity.
type Reporter struct {
	urn string
	now func() time.Time
}

// NewReporter returns a reporter stamping envelopes with urn.
func NewReporter(urn string) *Reporter {
	return &Reporter{urn: urn, now: time.Now}
}

// URN returns the mediator identity.
func (r *Reporter) URN() string { return r.urn }

// StatusCode maps a delivery report to an HTTP status: 200 when every
// endpoint succeeded, 502 otherwise.
func StatusCode(report delivery.Report) int {
	if report.AllSucceeded() {
		return http.StatusOK
	}
	return http.StatusBadGateway
}

// Build turns a delivery report into an envelope. The body of the mediator's
// own response is the report itself.
func (r *Reporter) Build(report delivery.Report) Response {
	status := StatusSuccessful
	if !report.AllSucceeded() {
		status = StatusFailed
	}
	if report.Results == nil {
		report.Results = []delivery.Outcome{}
	}

	orchestrations := make([]Orchestration, 0, len(report.Results))
	for _, o := range report.Results {
		for _, ex := range o.Exchanges {
			orchestrations = append(orchestrations, Orchestration{
				Name: fmt.Sprintf("Deliver to %s (attempt %d)", o.EndpointName, ex.Attempt),
				Request: Request{
					Method:    ex.Request.Method,
					URL:       ex.Request.URL,
					Headers:   nonNil(ex.Request.Headers),
					Body:      ex.Request.Body,
					Timestamp: ex.Request.Timestamp,
				},
				Response: Message{
					Status:    ex.Response.Status,
					Headers:   nonNil(ex.Response.Headers),
					Body:      ex.Response.Body,
					Timestamp: ex.Response.Timestamp,
				},
			})
		}
	}

	return Response{
		MediatorURN:    r.urn,
		Status:         status,
		Response:       r.message(StatusCode(report), report),
		Orchestrations: orchestrations,
	}
}

// errorBody is the mediator response body for requests that never reached
// delivery.
type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// Failure builds a Failed envelope without orchestrations, e.g. for a
// malformed event (400) or a transformation defect (500).
func (r *Reporter) Failure(code int, msg string, details any) Response {
	return Response{
		MediatorURN:    r.urn,
		Status:         StatusFailed,
		Response:       r.message(code, errorBody{Error: msg, Details: details}),
		Orchestrations: []Orchestration{},
	}
}

func (r *Reporter) message(code int, body any) Message {
	raw, err := jsoncodec.Marshal(body)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return Message{
		Status:    code,
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      string(raw),
		Timestamp: r.now().UTC(),
	}
}

func nonNil(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
