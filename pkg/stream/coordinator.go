package stream

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/arbor/pkg/client"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/media"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is the wall clock limit of one streaming operation.
const DefaultTimeout = 5 * time.Minute

// Transport opens one streaming response. *client.Client implements it.
type Transport interface {
	Stream(ctx context.Context, req *client.Request) (*client.Stream, error)
}

var _ Transport = &client.Client{}

// Target is a placeholder message that one response streams into. Model is
// empty for an auto-routed placeholder until the router event names it.
type Target struct {
	MessageID string
	Model     string
}

// Callbacks let the caller mirror a running stream. They are invoked from
// the goroutine calling Run, in event order.
type Callbacks struct {
	// OnContent receives the full accumulated content of a target after
	// every content event.
	OnContent func(messageID string, content string)
	OnModel   func(messageID string, model string)
	OnMedia   func(messageID string, media []conversation.Media)
	OnRouter  func(model string, rationale string)
	OnTitle   func(title string)
	// OnEvent sees every decoded event before it is applied.
	OnEvent func(e events.Event)
	// Finalizing is called once, before anything is persisted at the end of a
	// successful stream. Returning false turns the run into an abort.
	Finalizing func() bool
	// Persisting guards the writes made to placeholders while streaming. It
	// returns false once the stream has been stopped; otherwise release must
	// be called after the write.
	Persisting func() (release func(), ok bool)
}

type Operation struct {
	ChatID  string
	Request *client.Request
	Targets []Target
	// TitleGeneration allows summary events to replace the default title.
	TitleGeneration bool
	Callbacks
}

type Result struct {
	ChatID string
	// Messages are the finalized targets as persisted.
	Messages  []*conversation.Message
	Model     string
	Rationale string
	Title     string
	Duration  time.Duration
}

// Coordinator drives streaming operations against a Transport and commits
// their results to a store.
type Coordinator struct {
	transport     Transport
	store         store.Store
	notifier      events.Notifier
	metrics       *Metrics
	timeout       time.Duration
	mediaInterval time.Duration
	now           func() time.Time
}

type Option func(*Coordinator)

func WithNotifier(n events.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMediaInterval bounds image extraction while streaming.
func WithMediaInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.mediaInterval = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(transport Transport, s store.Store, options ...Option) *Coordinator {
	ret := &Coordinator{
		transport:     transport,
		store:         s,
		timeout:       DefaultTimeout,
		mediaInterval: media.DefaultInterval,
		now:           time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

type target struct {
	Target
	model     string
	content   strings.Builder
	stats     *conversation.Stats
	citations []conversation.Citation
	media     *media.Throttle
	done      bool
}

type run struct {
	c         *Coordinator
	op        *Operation
	targets   []*target
	byModel   map[string]*target
	started   time.Time
	model     string
	rationale string
	title     string
}

// Run performs one streaming request and blocks until it completes, fails
// or is canceled. Cancelling ctx yields an *AbortError; the watchdog yields
// a *TimeoutError; anything else from the endpoint is a *TransportError.
// Partial content is never persisted here.
func (c *Coordinator) Run(ctx context.Context, op *Operation) (res *Result, err error) {
	if op == nil || op.Request == nil || len(op.Targets) == 0 {
		return nil, errors.New("operation needs a request and at least one target")
	}

	r := &run{
		c:       c,
		op:      op,
		byModel: map[string]*target{},
		started: time.Now(),
	}
	for _, t := range op.Targets {
		tt := &target{
			Target: t,
			model:  t.Model,
			media:  media.NewThrottle(c.mediaInterval),
		}
		r.targets = append(r.targets, tt)
		if t.Model != "" {
			r.byModel[t.Model] = tt
		}
	}

	logger := log.With().Str("chat_id", op.ChatID).Int("targets", len(op.Targets)).Logger()
	logger.Debug().Str("mode", string(op.Request.Mode)).Msg("Starting streaming operation")
	defer func() {
		c.metrics.observe(err, r.started)
		switch OutcomeOf(err) {
		case OutcomeCompleted:
			logger.Debug().Dur("duration", time.Since(r.started)).Msg("Streaming operation completed")
		case OutcomeAborted:
			logger.Info().Msg("Generation stopped")
		case OutcomeTimeout:
			logger.Warn().Err(err).Msg("Streaming operation timed out")
		default:
			logger.Error().Err(err).Msg("Streaming operation failed")
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.transport.Stream(runCtx, op.Request)
	if err != nil {
		return nil, r.classify(ctx, runCtx, err)
	}
	defer func() {
		cancel()
		for range s.Events() {
		}
		_ = s.Wait()
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil, r.classify(ctx, runCtx, runCtx.Err())

		case e, ok := <-s.Events():
			if !ok {
				if werr := s.Wait(); werr != nil {
					return nil, r.classify(ctx, runCtx, werr)
				}
				return r.finalize(ctx)
			}
			if runCtx.Err() != nil {
				return nil, r.classify(ctx, runCtx, runCtx.Err())
			}
			finished, err := r.apply(runCtx, e)
			if err != nil {
				return nil, err
			}
			if finished {
				return r.finalize(ctx)
			}
		}
	}
}

func (r *run) classify(parent context.Context, runCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return &AbortError{}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &TimeoutError{After: r.c.timeout}
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Err: err}
}

// target resolves the accumulator an event belongs to. With a single target
// every event goes to it; otherwise events are matched by model.
func (r *run) target(model string) *target {
	if len(r.targets) == 1 {
		return r.targets[0]
	}
	return r.byModel[model]
}

func (r *run) apply(ctx context.Context, e events.Event) (bool, error) {
	if r.op.OnEvent != nil {
		r.op.OnEvent(e)
	}

	switch ev := e.(type) {
	case *events.EventContent:
		r.onContent(ev)

	case *events.EventRouter:
		r.onRouter(ctx, ev)

	case *events.EventCitations:
		if t := r.target(ev.Model()); t != nil {
			t.citations = append(t.citations, ev.Citations...)
		}

	case *events.EventStats:
		if t := r.target(ev.Model()); t != nil {
			st := ev.Stats()
			t.stats = &st
		}

	case *events.EventSummary:
		r.onSummary(ctx, ev)

	case *events.EventError:
		return false, &TransportError{Err: errors.New(ev.Error())}

	case *events.EventDone:
		return r.onDone(ev), nil

	default:
		log.Debug().Str("type", string(e.Type())).Msg("Ignoring event")
	}
	return false, nil
}

func (r *run) onContent(ev *events.EventContent) {
	t := r.target(ev.Model())
	if t == nil {
		log.Debug().Str("model", ev.Model()).Msg("Dropping content for unknown target")
		return
	}
	if r.c.metrics != nil {
		r.c.metrics.ContentEvents.Inc()
	}
	t.content.WriteString(ev.Content)
	content := t.content.String()
	if r.op.OnContent != nil {
		r.op.OnContent(t.MessageID, content)
	}
	if t.media.Update(content) && r.op.OnMedia != nil && len(t.media.Media()) > 0 {
		r.op.OnMedia(t.MessageID, t.media.Media())
	}
}

// onRouter records the routing decision and back-fills the model of every
// placeholder that does not have one yet.
func (r *run) onRouter(ctx context.Context, ev *events.EventRouter) {
	r.model = ev.Model()
	r.rationale = ev.Rationale
	if r.op.OnRouter != nil {
		r.op.OnRouter(r.model, r.rationale)
	}
	if r.model == "" {
		return
	}
	for _, t := range r.targets {
		if t.model != "" {
			continue
		}
		t.model = r.model
		if r.op.OnModel != nil {
			r.op.OnModel(t.MessageID, t.model)
		}
		if err := r.persistModel(ctx, t); err != nil {
			log.Warn().Err(err).Str("message_id", t.MessageID).Msg("Could not back-fill model")
		}
	}
}

func (r *run) persistModel(ctx context.Context, t *target) error {
	if r.op.Persisting != nil {
		release, ok := r.op.Persisting()
		if !ok {
			return nil
		}
		defer release()
	}
	msg, err := r.c.store.GetMessage(ctx, t.MessageID)
	if err != nil {
		return err
	}
	msg.Model = t.model
	msg.UpdatedAt = r.c.now()
	return r.c.store.PutMessage(ctx, msg)
}

func (r *run) onSummary(ctx context.Context, ev *events.EventSummary) {
	title := strings.TrimSpace(ev.Title)
	if !r.op.TitleGeneration || title == "" {
		return
	}
	chat, err := r.c.store.GetChat(ctx, r.op.ChatID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", r.op.ChatID).Msg("Could not load chat for title")
		return
	}
	if !chat.HasDefaultTitle() {
		return
	}
	chat.Title = title
	chat.UpdatedAt = r.c.now()
	if err := r.c.store.PutChat(ctx, chat); err != nil {
		log.Warn().Err(err).Str("chat_id", r.op.ChatID).Msg("Could not save generated title")
		return
	}
	r.title = title
	if r.op.OnTitle != nil {
		r.op.OnTitle(title)
	}
	r.notify(events.KindTitle)
}

// onDone reports whether the whole operation is done. A model tagged done
// in multi-model mode only completes that model.
func (r *run) onDone(ev *events.EventDone) bool {
	if len(r.targets) == 1 || ev.Model() == "" {
		return true
	}
	if t := r.byModel[ev.Model()]; t != nil {
		t.done = true
	}
	for _, t := range r.targets {
		if !t.done {
			return false
		}
	}
	return true
}

func (r *run) notify(kind events.NotificationKind) {
	if r.c.notifier == nil {
		return
	}
	r.c.notifier.Notify(events.TopicConversationUpdated, events.Notification{
		ChatID: r.op.ChatID,
		Kind:   kind,
		At:     r.c.now(),
	})
}

// finalize persists every target with its accumulated content, resolved
// model and stats, then updates the chat aggregates.
func (r *run) finalize(ctx context.Context) (*Result, error) {
	if ctx.Err() != nil {
		return nil, &AbortError{}
	}
	if r.op.Finalizing != nil && !r.op.Finalizing() {
		return nil, &AbortError{}
	}

	elapsed := time.Since(r.started)
	now := r.c.now()
	res := &Result{
		ChatID:    r.op.ChatID,
		Model:     r.model,
		Rationale: r.rationale,
		Title:     r.title,
		Duration:  elapsed,
	}
	delta := conversation.StatsDelta{}

	for _, t := range r.targets {
		msg, err := r.c.store.GetMessage(ctx, t.MessageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Warn().Str("message_id", t.MessageID).Msg("Target message disappeared before finalization")
				continue
			}
			return nil, errors.Wrapf(err, "could not load message %s", t.MessageID)
		}

		content := t.content.String()
		msg.Content = content
		if t.model != "" {
			msg.Model = t.model
		}
		if t.stats != nil {
			st := *t.stats
			if st.LatencyMs == 0 {
				st.LatencyMs = elapsed.Milliseconds()
			}
			msg.Stats = &st
		}
		msg.Citations = t.citations
		msg.GeneratedMedia = t.media.Flush(content)
		msg.IsPartial = false
		msg.UpdatedAt = now

		if err := r.c.store.PutMessage(ctx, msg); err != nil {
			return nil, errors.Wrapf(err, "could not save message %s", t.MessageID)
		}
		if r.op.OnMedia != nil && len(msg.GeneratedMedia) > 0 {
			r.op.OnMedia(msg.ID, msg.GeneratedMedia)
		}
		res.Messages = append(res.Messages, msg)

		delta.Messages++
		if msg.Stats != nil {
			delta.Tokens += msg.Stats.TotalTokens()
			delta.Cost += msg.Stats.Cost
		}
		if msg.Model != "" {
			delta.Models = append(delta.Models, msg.Model)
		}
	}

	if _, err := r.c.store.UpdateChatStats(ctx, r.op.ChatID, delta); err != nil {
		return nil, errors.Wrapf(err, "could not update stats of chat %s", r.op.ChatID)
	}
	r.notify(events.KindStats)

	return res, nil
}
