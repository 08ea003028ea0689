// Package cloudevents holds the canonical inbound envelope the mediator
// consumes: a CloudEvents v1.0 event in structured JSON mode.
package cloudevents

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
)

// SpecVersion is the only specversion the mediator accepts.
const SpecVersion = "1.0"

// Event is a CloudEvents v1.0 envelope. Unknown top-level attributes are kept
// in Extensions and flattened back on output.
type Event struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time,omitempty"`
	DataContentType *string        `json:"datacontenttype,omitempty"`
	DataSchema      *string        `json:"dataschema,omitempty"`
	Subject         *string        `json:"subject,omitempty"`
	Data            any            `json:"data,omitempty"`
	Extensions      map[string]any `json:"-"`
}

// New creates an event with a ULID id and the current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          idspkg.CreateULID(),
		Time:        time.Now().UTC(),
		Data:        data,
		Extensions:  make(map[string]any),
	}
}

// WithSubject sets the subject field and returns the event.
func (e Event) WithSubject(subject string) Event {
	e.Subject = &subject
	return e
}

// WithExtension sets an extension attribute and returns the event.
func (e Event) WithExtension(key string, value any) Event {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// ExtensionString returns an extension attribute rendered as a string, or ""
// when absent.
func (e Event) ExtensionString(key string) string {
	v, ok := e.Extensions[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Validate checks the attributes every inbound event must carry.
func (e Event) Validate() error {
	switch {
	case e.SpecVersion == "":
		return invalid("specversion", "is required")
	case e.SpecVersion != SpecVersion:
		return invalid("specversion", fmt.Sprintf("must be %q, got %q", SpecVersion, e.SpecVersion))
	case e.Type == "":
		return invalid("type", "is required")
	case e.Source == "":
		return invalid("source", "is required")
	case e.ID == "":
		return invalid("id", "is required")
	}
	return nil
}

// Document renders the event as the generic JSON object mapping rules address,
// so "$.data.orderId", "$.id" and "$.subject" all resolve.
func (e Event) Document() (map[string]any, error) {
	data, err := jsoncodec.Normalize(e.Data)
	if err != nil {
		return nil, fmt.Errorf("normalize event data: %w", err)
	}
	doc := make(map[string]any, 10+len(e.Extensions))
	for k, v := range e.Extensions {
		doc[k] = v
	}
	doc["specversion"] = e.SpecVersion
	doc["type"] = e.Type
	doc["source"] = e.Source
	doc["id"] = e.ID
	if !e.Time.IsZero() {
		doc["time"] = e.Time.UTC().Format(time.RFC3339Nano)
	}
	if e.DataContentType != nil {
		doc["datacontenttype"] = *e.DataContentType
	}
	if e.DataSchema != nil {
		doc["dataschema"] = *e.DataSchema
	}
	if e.Subject != nil {
		doc["subject"] = *e.Subject
	}
	if data != nil {
		doc["data"] = data
	}
	return doc, nil
}

// Parse decodes and validates a structured-mode CloudEvent.
func Parse(payload []byte) (Event, error) {
	var evt Event
	if err := jsoncodec.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errspkg.ErrInvalidEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// MarshalJSON flattens extensions into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	doc, err := e.Document()
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(doc)
}

var knownAttributes = map[string]struct{}{
	"specversion":     {},
	"type":            {},
	"source":          {},
	"id":              {},
	"time":            {},
	"datacontenttype": {},
	"dataschema":      {},
	"subject":         {},
	"data":            {},
}

// UnmarshalJSON reads the structured JSON format.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if e.SpecVersion, err = stringAttr(raw, "specversion"); err != nil {
		return err
	}
	if e.Type, err = stringAttr(raw, "type"); err != nil {
		return err
	}
	if e.Source, err = stringAttr(raw, "source"); err != nil {
		return err
	}
	if e.ID, err = stringAttr(raw, "id"); err != nil {
		return err
	}
	if _, ok := raw["time"]; ok {
		ts, err := stringAttr(raw, "time")
		if err != nil {
			return err
		}
		if e.Time, err = ParseTime(ts); err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
	}
	if e.DataContentType, err = optionalStringAttr(raw, "datacontenttype"); err != nil {
		return err
	}
	if e.DataSchema, err = optionalStringAttr(raw, "dataschema"); err != nil {
		return err
	}
	if e.Subject, err = optionalStringAttr(raw, "subject"); err != nil {
		return err
	}
	e.Data = raw["data"]

	e.Extensions = make(map[string]any)
	for k, v := range raw {
		if _, known := knownAttributes[k]; !known {
			e.Extensions[k] = v
		}
	}
	return nil
}

func stringAttr(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid %s: expected string, got %T", key, v)
	}
	return s, nil
}

func optionalStringAttr(raw map[string]any, key string) (*string, error) {
	if _, ok := raw[key]; !ok {
		return nil, nil
	}
	s, err := stringAttr(raw, key)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
