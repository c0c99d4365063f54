package events

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/rs/zerolog"
)

// EventType is the `type` discriminator of a stream frame.
type EventType string

const (
	// EventTypeRouter carries the model the router picked in auto mode.
	EventTypeRouter    EventType = "router"
	EventTypeContent   EventType = "content"
	EventTypeCitations EventType = "citations"
	// EventTypeStats is the final usage report for one response.
	EventTypeStats EventType = "stats"
	// EventTypeSummary suggests a conversation title.
	EventTypeSummary EventType = "summary"
	EventTypeError   EventType = "error"
	EventTypeDone    EventType = "done"
)

// DoneSentinel is the literal frame payload that ends a stream.
const DoneSentinel = "[DONE]"

type Event interface {
	Type() EventType
	// Model is the target the event belongs to in multi-model mode, or the
	// chosen model for router events. Empty when the stream has one target.
	Model() string
	Payload() []byte
}

type EventImpl struct {
	Type_  EventType `json:"type"`
	Model_ string    `json:"model,omitempty"`

	// raw frame when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	if e.Model_ != "" {
		ev.Str("model", e.Model_)
	}
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Model() string {
	return e.Model_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON frame on the event.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

type EventRouter struct {
	EventImpl
	Rationale string `json:"rationale,omitempty"`
}

func NewRouterEvent(model string, rationale string) *EventRouter {
	return &EventRouter{
		EventImpl: EventImpl{Type_: EventTypeRouter, Model_: model},
		Rationale: rationale,
	}
}

var _ Event = &EventRouter{}

// EventContent is an incremental piece of text for one response.
type EventContent struct {
	EventImpl
	Content string `json:"content"`
}

func NewContentEvent(model string, content string) *EventContent {
	return &EventContent{
		EventImpl: EventImpl{Type_: EventTypeContent, Model_: model},
		Content:   content,
	}
}

var _ Event = &EventContent{}

type EventCitations struct {
	EventImpl
	Citations []conversation.Citation `json:"citations"`
}

func NewCitationsEvent(model string, citations []conversation.Citation) *EventCitations {
	return &EventCitations{
		EventImpl: EventImpl{Type_: EventTypeCitations, Model_: model},
		Citations: citations,
	}
}

var _ Event = &EventCitations{}

type EventStats struct {
	EventImpl
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	LatencyMs    int64   `json:"latencyMs"`
}

func NewStatsEvent(model string, stats conversation.Stats) *EventStats {
	return &EventStats{
		EventImpl:    EventImpl{Type_: EventTypeStats, Model_: model},
		InputTokens:  stats.InputTokens,
		OutputTokens: stats.OutputTokens,
		Cost:         stats.Cost,
		LatencyMs:    stats.LatencyMs,
	}
}

func (e *EventStats) Stats() conversation.Stats {
	return conversation.Stats{
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		Cost:         e.Cost,
		LatencyMs:    e.LatencyMs,
	}
}

var _ Event = &EventStats{}

type EventSummary struct {
	EventImpl
	Title string `json:"title"`
}

func NewSummaryEvent(title string) *EventSummary {
	return &EventSummary{
		EventImpl: EventImpl{Type_: EventTypeSummary},
		Title:     title,
	}
}

var _ Event = &EventSummary{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error"`
}

func NewErrorEvent(model string, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Model_: model},
		ErrorString: err.Error(),
	}
}

func (e *EventError) Error() string {
	return e.ErrorString
}

var _ Event = &EventError{}

type EventDone struct {
	EventImpl
}

func NewDoneEvent() *EventDone {
	return &EventDone{EventImpl: EventImpl{Type_: EventTypeDone}}
}

var _ Event = &EventDone{}

// UnknownEventError is returned for frames with a type nobody can decode.
type UnknownEventError struct {
	Type EventType
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil || ret == nil {
		return nil, false
	}

	return ret, true
}

func typed[T any](e *EventImpl) (Event, error) {
	ret, ok := ToTypedEvent[T](e)
	if !ok {
		return nil, fmt.Errorf("could not decode %s event", e.Type_)
	}
	ev, ok := any(ret).(Event)
	if !ok {
		return nil, fmt.Errorf("%T is not an event", ret)
	}
	if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(e.payload)
	}
	return ev, nil
}

// NewEventFromJson decodes one frame payload into its typed event.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event")
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeRouter:
		return typed[EventRouter](e)
	case EventTypeContent:
		return typed[EventContent](e)
	case EventTypeCitations:
		return typed[EventCitations](e)
	case EventTypeStats:
		return typed[EventStats](e)
	case EventTypeSummary:
		return typed[EventSummary](e)
	case EventTypeError:
		return typed[EventError](e)
	case EventTypeDone:
		return typed[EventDone](e)
	}

	if dec := lookupDecoder(string(e.Type_)); dec != nil {
		ev, err := dec(b)
		if err != nil {
			return nil, err
		}
		if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
			setter.SetPayload(b)
		}
		return ev, nil
	}

	return nil, &UnknownEventError{Type: e.Type_}
}

// Frame encodes an event as a `data: <json>` line, without the trailing
// blank line.
func Frame(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append([]byte("data: "), b...), nil
}
