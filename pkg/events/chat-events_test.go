package events

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJsonVariants(t *testing.T) {
	cases := []struct {
		frame string
		check func(t *testing.T, e Event)
	}{
		{`{"type":"router","model":"gpt-x","rationale":"code question"}`, func(t *testing.T, e Event) {
			r, ok := e.(*EventRouter)
			require.True(t, ok)
			require.Equal(t, "gpt-x", r.Model())
			require.Equal(t, "code question", r.Rationale)
		}},
		{`{"type":"content","model":"A","content":"Hi"}`, func(t *testing.T, e Event) {
			c, ok := e.(*EventContent)
			require.True(t, ok)
			require.Equal(t, "A", c.Model())
			require.Equal(t, "Hi", c.Content)
		}},
		{`{"type":"citations","citations":[{"url":"https://example.com","title":"Example"}]}`, func(t *testing.T, e Event) {
			c, ok := e.(*EventCitations)
			require.True(t, ok)
			require.Equal(t, []conversation.Citation{{URL: "https://example.com", Title: "Example"}}, c.Citations)
		}},
		{`{"type":"stats","inputTokens":10,"outputTokens":5,"cost":0.01,"latencyMs":120}`, func(t *testing.T, e Event) {
			s, ok := e.(*EventStats)
			require.True(t, ok)
			require.Equal(t, 15, s.Stats().TotalTokens())
			require.Equal(t, int64(120), s.Stats().LatencyMs)
		}},
		{`{"type":"summary","title":"Greetings"}`, func(t *testing.T, e Event) {
			s, ok := e.(*EventSummary)
			require.True(t, ok)
			require.Equal(t, "Greetings", s.Title)
		}},
		{`{"type":"error","error":"rate limited"}`, func(t *testing.T, e Event) {
			s, ok := e.(*EventError)
			require.True(t, ok)
			require.Equal(t, "rate limited", s.Error())
		}},
		{`{"type":"done"}`, func(t *testing.T, e Event) {
			_, ok := e.(*EventDone)
			require.True(t, ok)
		}},
	}
	for _, c := range cases {
		e, err := NewEventFromJson([]byte(c.frame))
		require.NoError(t, err, c.frame)
		require.Equal(t, c.frame, string(e.Payload()))
		c.check(t, e)
	}
}

func TestNewEventFromJsonRejectsGarbage(t *testing.T) {
	_, err := NewEventFromJson([]byte(`not json`))
	require.Error(t, err)

	_, err = NewEventFromJson([]byte(`{"type":"mystery"}`))
	var unknown *UnknownEventError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, EventType("mystery"), unknown.Type)
}

type eventHeartbeat struct {
	EventImpl
	Seq int `json:"seq"`
}

func TestRegisteredDecoder(t *testing.T) {
	require.NoError(t, RegisterEventFactory("heartbeat", func() Event { return &eventHeartbeat{} }))
	require.Error(t, RegisterEventFactory("heartbeat", func() Event { return &eventHeartbeat{} }))
	require.Error(t, RegisterEventFactory(string(EventTypeContent), func() Event { return &EventContent{} }))

	e, err := NewEventFromJson([]byte(`{"type":"heartbeat","seq":3}`))
	require.NoError(t, err)
	hb, ok := e.(*eventHeartbeat)
	require.True(t, ok)
	require.Equal(t, 3, hb.Seq)
	require.NotEmpty(t, hb.Payload())
}

func TestFrameRoundTrip(t *testing.T) {
	b, err := Frame(NewContentEvent("B", "chunk"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(b, []byte("data: ")))

	e, err := NewEventFromJson(bytes.TrimPrefix(b, []byte("data: ")))
	require.NoError(t, err)
	require.Equal(t, EventTypeContent, e.Type())
	require.Equal(t, "B", e.Model())
}

func TestPrinterFunc(t *testing.T) {
	var buf bytes.Buffer
	p := PrinterFunc(&buf)
	require.NoError(t, p(NewRouterEvent("m1", "short answer")))
	require.NoError(t, p(NewContentEvent("", "Hello")))
	require.NoError(t, p(NewContentEvent("", " world")))
	require.NoError(t, p(NewCitationsEvent("", []conversation.Citation{{URL: "https://a.example"}})))
	require.NoError(t, p(NewDoneEvent()))

	out := buf.String()
	require.Contains(t, out, "[router] m1: short answer\n")
	require.Contains(t, out, "Hello world\n")
	require.Contains(t, out, "https://a.example")
}

func TestBusSubscribe(t *testing.T) {
	bus, err := NewBus()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, TopicConversationUpdated)
	require.NoError(t, err)

	bus.Notify(TopicConversationUpdated, Notification{ChatID: "c1", Kind: KindTitle})
	bus.Notify(TopicBackgroundComplete, Notification{ChatID: "c2", Kind: KindComplete})

	select {
	case n := <-ch:
		require.Equal(t, "c1", n.ChatID)
		require.Equal(t, KindTitle, n.Kind)
		require.False(t, n.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestBusHandler(t *testing.T) {
	bus, err := NewBus()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	got := make(chan Notification, 1)
	bus.AddHandler("test", TopicBackgroundComplete, func(n Notification) error {
		got <- n
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = bus.Run(ctx)
	}()
	<-bus.Running()

	require.NoError(t, bus.Publish(TopicBackgroundComplete, Notification{ChatID: "c9", Kind: KindComplete}))
	select {
	case n := <-got:
		require.Equal(t, "c9", n.ChatID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}
