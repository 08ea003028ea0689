package runtime

import (
	"context"
	"time"

	"github.com/drblury/relayflow/internal/runtime/orchestration"
)

// Intake names where an event entered the mediator.
type Intake string

const (
	IntakeHTTP Intake = "http"
	IntakeBus  Intake = "bus"
)

// EventContext describes one event passing through Process.
type EventContext struct {
	Context   context.Context
	EventID   string
	EventType string
	Intake    Intake
	// Topic is set for bus intake.
	Topic     string
	StartedAt time.Time
	// Duration is set for OnEventDone.
	Duration time.Duration
}

// EventHooks are optional callbacks around every processed event.
type EventHooks struct {
	OnEventStart func(ec EventContext)
	OnEventDone  func(ec EventContext, resp orchestration.Response)
}

// Merge returns hooks that call h first, then other.
func (h EventHooks) Merge(other EventHooks) EventHooks {
	return EventHooks{
		OnEventStart: chainStart(h.OnEventStart, other.OnEventStart),
		OnEventDone:  chainDone(h.OnEventDone, other.OnEventDone),
	}
}

func chainStart(a, b func(EventContext)) func(EventContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ec EventContext) {
		a(ec)
		b(ec)
	}
}

func chainDone(a, b func(EventContext, orchestration.Response)) func(EventContext, orchestration.Response) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ec EventContext, resp orchestration.Response) {
		a(ec, resp)
		b(ec, resp)
	}
}

func (h EventHooks) start(ec EventContext) {
	if h.OnEventStart != nil {
		h.OnEventStart(ec)
	}
}

func (h EventHooks) done(ec EventContext, resp orchestration.Response) {
	if h.OnEventDone != nil {
		h.OnEventDone(ec, resp)
	}
}

// AlertingHooks calls alert for every event that did not fully succeed.
func AlertingHooks(alert func(ec EventContext, resp orchestration.Response)) EventHooks {
	return EventHooks{
		OnEventDone: func(ec EventContext, resp orchestration.Response) {
			if resp.Status != orchestration.StatusSuccessful {
				alert(ec, resp)
			}
		},
	}
}
