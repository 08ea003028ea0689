package delivery

import "time"

// Reason explains why a delivery failed.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonRecipeMissing    Reason = "recipe_missing"
	ReasonTransformFailed  Reason = "transform_failed"
	ReasonValidationFailed Reason = "validation_failed"
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonDeliveryFailed   Reason = "delivery_failed"
)

// RequestRecord is what was sent on one attempt.
type RequestRecord struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// ResponseRecord is what came back. Status is zero when the attempt never
// produced a response; Body then carries the error text.
type ResponseRecord struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// Exchange pairs the request and response of one network attempt.
type Exchange struct {
	Attempt  int            `json:"attempt"`
	Request  RequestRecord  `json:"request"`
	Response ResponseRecord `json:"response"`
}

// Outcome is the result of delivering one event to one endpoint.
type Outcome struct {
	EndpointID      string     `json:"endpointId"`
	EndpointName    string     `json:"endpointName"`
	Rule            string     `json:"rule,omitempty"`
	Success         bool       `json:"success"`
	StatusCode      int        `json:"statusCode,omitempty"`
	Error           string     `json:"error,omitempty"`
	Reason          Reason     `json:"reason,omitempty"`
	Attempts        int        `json:"attempts"`
	TotalDurationMs int64      `json:"totalDurationMs"`
	Exchanges       []Exchange `json:"-"`
}

// Report aggregates the outcomes of one fan-out. Results follow endpoint
// declaration order.
type Report struct {
	EventID              string    `json:"eventId"`
	EventType            string    `json:"eventType"`
	TotalEndpoints       int       `json:"totalEndpoints"`
	SuccessfulDeliveries int       `json:"successfulDeliveries"`
	FailedDeliveries     int       `json:"failedDeliveries"`
	Results              []Outcome `json:"results"`
	TotalDurationMs      int64     `json:"totalDurationMs"`
}

// AllSucceeded reports whether every eligible endpoint succeeded. An empty
// report counts as success.
func (r Report) AllSucceeded() bool {
	return r.FailedDeliveries == 0
}

func (r *Report) tally() {
	r.TotalEndpoints = len(r.Results)
	r.SuccessfulDeliveries = 0
	r.FailedDeliveries = 0
	for _, o := range r.Results {
		if o.Success {
			r.SuccessfulDeliveries++
		} else {
			r.FailedDeliveries++
		}
	}
}
