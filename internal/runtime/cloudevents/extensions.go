package cloudevents

// Extension attributes the mediator reads from inbound events and forwards to
// downstream systems.
const (
	// ExtCorrelationID ties every downstream request back to the inbound event.
	ExtCorrelationID = "correlationid"

	// ExtTraceParent is the W3C traceparent from the CloudEvents distributed
	// tracing extension.
	ExtTraceParent = "traceparent"
)

// CorrelationID returns the correlation extension, falling back to the event id.
func CorrelationID(evt Event) string {
	if id := evt.ExtensionString(ExtCorrelationID); id != "" {
		return id
	}
	return evt.ID
}

// TraceParent returns the traceparent extension or "".
func TraceParent(evt Event) string {
	return evt.ExtensionString(ExtTraceParent)
}
