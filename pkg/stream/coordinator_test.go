package stream

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/arbor/pkg/client"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type scriptedTransport struct {
	mu       sync.Mutex
	requests []*client.Request
	err      error
	script   func(ctx context.Context, out chan<- events.Event) error
}

func (t *scriptedTransport) Stream(ctx context.Context, req *client.Request) (*client.Stream, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return client.NewStream(ctx, t.script), nil
}

func send(ctx context.Context, out chan<- events.Event, evs ...events.Event) error {
	for _, e := range evs {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func script(evs ...events.Event) func(ctx context.Context, out chan<- events.Event) error {
	return func(ctx context.Context, out chan<- events.Event) error {
		return send(ctx, out, evs...)
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []events.Notification
}

func (n *recordingNotifier) Notify(topic string, note events.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
}

func (n *recordingNotifier) kinds() []events.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ret []events.NotificationKind
	for _, g := range n.got {
		ret = append(ret, g.Kind)
	}
	return ret
}

type fixture struct {
	store    *store.InMemoryStore
	chat     *conversation.Chat
	user     *conversation.Message
	targets  []Target
	notifier *recordingNotifier
}

func newFixture(t *testing.T, models ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	chat := conversation.NewChat("chat-1")
	require.NoError(t, s.PutChat(ctx, chat))

	user := conversation.NewMessage(chat.ID, conversation.RoleUser, "Hello", conversation.WithID("u1"))
	require.NoError(t, s.PutMessage(ctx, user))

	f := &fixture{store: s, chat: chat, user: user, notifier: &recordingNotifier{}}
	placeholders := conversation.NewPlaceholders(chat.ID, user.ID, 0, models, time.Now())
	for _, p := range placeholders {
		require.NoError(t, s.PutMessage(ctx, p))
		f.targets = append(f.targets, Target{MessageID: p.ID, Model: p.Model})
	}
	return f
}

func (f *fixture) operation() *Operation {
	req := &client.Request{Message: f.user.Content, Mode: client.ModeAuto}
	if len(f.targets) > 1 {
		req.Mode = client.ModeManual
		for _, t := range f.targets {
			req.Models = append(req.Models, t.Model)
		}
	}
	return &Operation{
		ChatID:          f.chat.ID,
		Request:         req,
		Targets:         f.targets,
		TitleGeneration: true,
	}
}

func (f *fixture) message(t *testing.T, id string) *conversation.Message {
	t.Helper()
	msg, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func TestRunSingleTarget(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	transport := &scriptedTransport{script: script(
		events.NewContentEvent("", "H"),
		events.NewContentEvent("", "i"),
		events.NewStatsEvent("", conversation.Stats{InputTokens: 5, OutputTokens: 2, Cost: 0.01}),
		events.NewDoneEvent(),
	)}
	c := NewCoordinator(transport, f.store, WithNotifier(f.notifier), WithMetrics(metrics))

	var seen []string
	op := f.operation()
	op.OnContent = func(messageID string, content string) {
		require.Equal(t, f.targets[0].MessageID, messageID)
		seen = append(seen, content)
	}

	res, err := c.Run(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, []string{"H", "Hi"}, seen)
	require.Len(t, res.Messages, 1)

	msg := f.message(t, f.targets[0].MessageID)
	require.Equal(t, "Hi", msg.Content)
	require.False(t, msg.IsPartial)
	require.NotNil(t, msg.Stats)
	require.Equal(t, 7, msg.Stats.TotalTokens())
	require.Equal(t, f.user.ID, msg.ParentID)
	require.Equal(t, 0, msg.BranchIndex)

	chat, err := f.store.GetChat(context.Background(), f.chat.ID)
	require.NoError(t, err)
	require.Equal(t, 1, chat.MessageCount)
	require.Equal(t, 7, chat.TotalTokens)
	require.Equal(t, []events.NotificationKind{events.KindStats}, f.notifier.kinds())

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Streams.WithLabelValues(string(OutcomeCompleted))))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.ContentEvents))
}

func TestRunMultiModelRoutesByModel(t *testing.T) {
	f := newFixture(t, "A", "B")
	transport := &scriptedTransport{script: script(
		events.NewContentEvent("A", "alpha "),
		events.NewContentEvent("B", "beta"),
		events.NewContentEvent("A", "one"),
		events.NewContentEvent("C", "nobody"),
		events.NewStatsEvent("B", conversation.Stats{OutputTokens: 3}),
		events.NewDoneEvent(),
	)}
	c := NewCoordinator(transport, f.store)

	var touchedByA []string
	op := f.operation()
	op.OnContent = func(messageID string, content string) {
		if messageID == f.targets[0].MessageID {
			touchedByA = append(touchedByA, content)
		}
	}

	_, err := c.Run(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha ", "alpha one"}, touchedByA)

	a := f.message(t, f.targets[0].MessageID)
	b := f.message(t, f.targets[1].MessageID)
	require.Equal(t, 0, a.BranchIndex)
	require.Equal(t, 1, b.BranchIndex)
	require.Equal(t, "alpha one", a.Content)
	require.Equal(t, "A", a.Model)
	require.Nil(t, a.Stats)
	require.Equal(t, "beta", b.Content)
	require.Equal(t, 3, b.Stats.OutputTokens)

	require.Equal(t, []string{"A", "B"}, transport.requests[0].Models)
	require.True(t, transport.requests[0].IsMultiModel())
}

func TestRunMultiModelWaitsForEveryDone(t *testing.T) {
	f := newFixture(t, "A", "B")
	doneA := events.NewDoneEvent()
	doneA.Model_ = "A"
	doneB := events.NewDoneEvent()
	doneB.Model_ = "B"
	transport := &scriptedTransport{script: script(
		events.NewContentEvent("A", "a"),
		doneA,
		events.NewContentEvent("B", "b"),
		doneB,
	)}
	_, err := NewCoordinator(transport, f.store).Run(context.Background(), f.operation())
	require.NoError(t, err)
	require.Equal(t, "b", f.message(t, f.targets[1].MessageID).Content)
}

func TestRunRouterBackfillsModel(t *testing.T) {
	f := newFixture(t)
	id := f.targets[0].MessageID
	var persistedDuringStream string
	transport := &scriptedTransport{script: func(ctx context.Context, out chan<- events.Event) error {
		if err := send(ctx, out,
			events.NewRouterEvent("fast-model", "short greeting"),
			events.NewContentEvent("", "Hi"),
		); err != nil {
			return err
		}
		msg, err := f.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		persistedDuringStream = msg.Model
		return send(ctx, out, events.NewDoneEvent())
	}}

	var routed, backfilled string
	op := f.operation()
	op.OnRouter = func(model string, rationale string) {
		routed = model + ":" + rationale
	}
	op.OnModel = func(messageID string, model string) {
		require.Equal(t, id, messageID)
		backfilled = model
	}

	res, err := NewCoordinator(transport, f.store).Run(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, "fast-model:short greeting", routed)
	require.Equal(t, "fast-model", backfilled)
	require.Equal(t, "fast-model", persistedDuringStream)
	require.Equal(t, "fast-model", res.Model)
	require.Equal(t, "short greeting", res.Rationale)
	require.Equal(t, "fast-model", f.message(t, id).Model)
}

func TestRunRouterBackfillHonorsPersistingGate(t *testing.T) {
	f := newFixture(t)
	id := f.targets[0].MessageID
	transport := &scriptedTransport{script: func(ctx context.Context, out chan<- events.Event) error {
		if err := send(ctx, out, events.NewRouterEvent("fast-model", "")); err != nil {
			return err
		}
		msg, err := f.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if msg.Model != "" {
			return errors.New("model written after the gate closed")
		}
		return send(ctx, out, events.NewDoneEvent())
	}}

	gated, released := 0, 0
	op := f.operation()
	op.Persisting = func() (func(), bool) {
		gated++
		return func() { released++ }, false
	}
	op.Finalizing = func() bool { return false }

	_, err := NewCoordinator(transport, f.store).Run(context.Background(), op)
	require.True(t, IsAbort(err))
	require.Equal(t, 1, gated)
	require.Equal(t, 0, released)
	require.Equal(t, "", f.message(t, id).Model)
}

func TestRunStatsOnlyAttachedAtFinalization(t *testing.T) {
	f := newFixture(t)
	id := f.targets[0].MessageID
	transport := &scriptedTransport{script: func(ctx context.Context, out chan<- events.Event) error {
		if err := send(ctx, out,
			events.NewStatsEvent("", conversation.Stats{InputTokens: 1}),
			events.NewContentEvent("", "x"),
		); err != nil {
			return err
		}
		msg, err := f.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if msg.Stats != nil {
			return errors.New("stats persisted before completion")
		}
		return send(ctx, out, events.NewDoneEvent())
	}}
	_, err := NewCoordinator(transport, f.store).Run(context.Background(), f.operation())
	require.NoError(t, err)
	require.NotNil(t, f.message(t, id).Stats)
}

func TestRunSummaryTitle(t *testing.T) {
	tests := []struct {
		name            string
		titleGeneration bool
		setup           func(c *conversation.Chat)
		expected        string
	}{
		{name: "default title replaced", titleGeneration: true, expected: "Greeting"},
		{name: "generation disabled", titleGeneration: false, expected: conversation.DefaultTitle},
		{
			name:            "user title kept",
			titleGeneration: true,
			setup: func(c *conversation.Chat) {
				c.Title = "Mine"
				c.TitleSetByUser = true
			},
			expected: "Mine",
		},
		{
			name:            "earlier title kept",
			titleGeneration: true,
			setup: func(c *conversation.Chat) {
				c.Title = "Earlier"
			},
			expected: "Earlier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f.chat)
				require.NoError(t, f.store.PutChat(context.Background(), f.chat))
			}
			transport := &scriptedTransport{script: script(
				events.NewContentEvent("", "Hi"),
				events.NewSummaryEvent("  Greeting "),
				events.NewDoneEvent(),
			)}
			op := f.operation()
			op.TitleGeneration = tt.titleGeneration

			_, err := NewCoordinator(transport, f.store, WithNotifier(f.notifier)).Run(context.Background(), op)
			require.NoError(t, err)

			chat, err := f.store.GetChat(context.Background(), f.chat.ID)
			require.NoError(t, err)
			require.Equal(t, tt.expected, chat.Title)
			if tt.expected == "Greeting" {
				require.Contains(t, f.notifier.kinds(), events.KindTitle)
			} else {
				require.NotContains(t, f.notifier.kinds(), events.KindTitle)
			}
		})
	}
}

func TestRunErrorEventDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	transport := &scriptedTransport{script: script(
		events.NewContentEvent("", "The ans"),
		events.NewErrorEvent("", errors.New("provider overloaded")),
		events.NewDoneEvent(),
	)}
	var ledger string
	op := f.operation()
	op.OnContent = func(_ string, content string) {
		ledger = content
	}

	_, err := NewCoordinator(transport, f.store).Run(context.Background(), op)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTransport))
	require.False(t, IsAbort(err))
	require.Contains(t, err.Error(), "provider overloaded")
	require.Equal(t, "The ans", ledger)

	msg := f.message(t, f.targets[0].MessageID)
	require.Equal(t, "", msg.Content)
	require.False(t, msg.IsPartial)
}

func TestRunAbort(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	transport := &scriptedTransport{script: func(sctx context.Context, out chan<- events.Event) error {
		if err := send(sctx, out, events.NewContentEvent("", "The answer is 4")); err != nil {
			return err
		}
		cancel()
		<-sctx.Done()
		return sctx.Err()
	}}

	_, err := NewCoordinator(transport, f.store, WithMetrics(metrics)).Run(ctx, f.operation())
	require.Error(t, err)
	require.True(t, IsAbort(err))
	require.False(t, errors.Is(err, ErrTransport))
	require.Equal(t, "", f.message(t, f.targets[0].MessageID).Content)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Streams.WithLabelValues(string(OutcomeAborted))))
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t)
	transport := &scriptedTransport{script: func(ctx context.Context, out chan<- events.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	c := NewCoordinator(transport, f.store, WithTimeout(50*time.Millisecond))

	_, err := c.Run(context.Background(), f.operation())
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.True(t, errors.Is(err, ErrTransport))
	require.False(t, IsAbort(err))
	require.Equal(t, OutcomeTimeout, OutcomeOf(err))
}

func TestRunStartError(t *testing.T) {
	f := newFixture(t)
	transport := &scriptedTransport{err: &client.StatusError{StatusCode: http.StatusBadGateway, Body: "upstream"}}

	_, err := NewCoordinator(transport, f.store).Run(context.Background(), f.operation())
	require.True(t, errors.Is(err, ErrTransport))
	var statusErr *client.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestRunFinalizingGate(t *testing.T) {
	f := newFixture(t)
	transport := &scriptedTransport{script: script(
		events.NewContentEvent("", "late"),
		events.NewDoneEvent(),
	)}
	op := f.operation()
	op.Finalizing = func() bool { return false }

	_, err := NewCoordinator(transport, f.store).Run(context.Background(), op)
	require.True(t, IsAbort(err))
	require.Equal(t, "", f.message(t, f.targets[0].MessageID).Content)
}

func TestRunStreamCloseFinalizes(t *testing.T) {
	f := newFixture(t)
	transport := &scriptedTransport{script: script(
		events.NewContentEvent("", "Here: ![cube](https://img.example.com/cube.png)"),
	)}
	var mediaCalls int
	op := f.operation()
	op.OnMedia = func(_ string, m []conversation.Media) {
		mediaCalls++
		require.Len(t, m, 1)
	}

	_, err := NewCoordinator(transport, f.store, WithMediaInterval(time.Hour)).Run(context.Background(), op)
	require.NoError(t, err)

	msg := f.message(t, f.targets[0].MessageID)
	require.False(t, msg.IsPartial)
	require.Len(t, msg.GeneratedMedia, 1)
	require.Equal(t, conversation.MediaKindMarkdown, msg.GeneratedMedia[0].Kind)
	require.Equal(t, 2, mediaCalls)
}

func TestRunRejectsEmptyOperation(t *testing.T) {
	c := NewCoordinator(&scriptedTransport{}, store.NewInMemoryStore())
	_, err := c.Run(context.Background(), &Operation{})
	require.Error(t, err)
}
