package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/registry"
	"github.com/go-go-golems/arbor/pkg/settings"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle      State = "idle"
	StateComposing State = "composing"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateErrored   State = "errored"
)

// Runner performs one streaming operation. *stream.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, op *stream.Operation) (*stream.Result, error)
}

var _ Runner = &stream.Coordinator{}

// Session is the in-memory state of the conversation being viewed: the
// active chat, its branch selections, the streaming status and the
// partial-content ledger. Generations of other chats keep running when the
// focus moves; the registry tracks them.
type Session struct {
	store    store.Store
	runner   Runner
	registry *registry.Registry
	notifier events.Notifier
	navigate func(chatID string)
	onEvent  func(chatID string, e events.Event)
	now      func() time.Time
	newID    func() string

	mu          sync.Mutex
	settings    *settings.Settings
	chat        *conversation.Chat
	manager     *conversation.Manager
	state       State
	ledger      *Ledger
	generations map[string]*Generation
}

type Option func(*Session)

func WithRegistry(r *registry.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

func WithSettings(settings *settings.Settings) Option {
	return func(s *Session) {
		s.settings = settings.Clone()
	}
}

func WithBus(n events.Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

// WithNavigate is called with the id of a newly created chat before its
// first generation starts.
func WithNavigate(f func(chatID string)) Option {
	return func(s *Session) {
		s.navigate = f
	}
}

// WithEventHandler observes every raw event of every generation, e.g. to
// print a stream as it arrives.
func WithEventHandler(f func(chatID string, e events.Event)) Option {
	return func(s *Session) {
		s.onEvent = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func WithIDGenerator(f func() string) Option {
	return func(s *Session) {
		s.newID = f
	}
}

func New(st store.Store, runner Runner, options ...Option) *Session {
	ret := &Session{
		store:       st,
		runner:      runner,
		settings:    settings.New(),
		now:         time.Now,
		newID:       uuid.NewString,
		state:       StateIdle,
		ledger:      NewLedger(),
		generations: map[string]*Generation{},
	}
	for _, o := range options {
		o(ret)
	}
	if ret.registry == nil {
		ret.registry = registry.New(registry.WithNotifier(ret.notifier))
	}
	ret.manager = conversation.NewManager("", nil)
	return ret
}

func (s *Session) Registry() *registry.Registry {
	return s.registry
}

func (s *Session) Settings() *settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

// UpdateSettings applies to operations started afterwards.
func (s *Session) UpdateSettings(settings *settings.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings.Clone()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveChatID is empty for a fresh, unsaved conversation.
func (s *Session) ActiveChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChatID()
}

func (s *Session) activeChatID() string {
	if s.chat == nil {
		return ""
	}
	return s.chat.ID
}

// Chat returns a copy of the active chat record, nil before the first send.
func (s *Session) Chat() *conversation.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chat == nil {
		return nil
	}
	return clone.Clone(s.chat).(*conversation.Chat)
}

// IsStreaming reports whether the active chat has a running generation.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked(s.activeChatID()) != nil
}

// Generation returns the latest generation of the active chat, if any.
func (s *Session) Generation() *Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[s.activeChatID()]
}

func (s *Session) runningLocked(chatID string) *Generation {
	if chatID == "" {
		return nil
	}
	g := s.generations[chatID]
	if g == nil || !g.IsRunning() {
		return nil
	}
	return g
}

// VisibleMessages returns copies of the messages on the visible path.
func (s *Session) VisibleMessages() []*conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked()
}

func (s *Session) visibleLocked() []*conversation.Message {
	visible := s.manager.GetConversation()
	ret := make([]*conversation.Message, 0, len(visible))
	for _, m := range visible {
		ret = append(ret, clone.Clone(m).(*conversation.Message))
	}
	return ret
}

func (s *Session) Selections() conversation.Selections {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Selections()
}

// VersionInfo returns "version N of M" for a message of the active chat.
func (s *Session) VersionInfo(messageID string) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Tree.VersionInfo(messageID)
}

// Tree returns a snapshot of the active chat's tree.
func (s *Session) Tree() *conversation.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]*conversation.Message, 0, s.manager.Tree.Len())
	for _, m := range s.manager.Tree.Nodes {
		msgs = append(msgs, clone.Clone(m).(*conversation.Message))
	}
	return conversation.NewTree(msgs)
}

func (s *Session) notify(chatID string, kind events.NotificationKind) {
	if s.notifier == nil || chatID == "" {
		return
	}
	s.notifier.Notify(events.TopicConversationUpdated, events.Notification{
		ChatID: chatID,
		Kind:   kind,
		At:     s.now(),
	})
}

func (s *Session) bumpStats(ctx context.Context, chatID string, delta conversation.StatsDelta) {
	chat, err := s.store.UpdateChatStats(ctx, chatID, delta)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Could not update chat stats")
		return
	}
	s.mu.Lock()
	if s.activeChatID() == chatID {
		s.chat = chat
	}
	s.mu.Unlock()
	s.notify(chatID, events.KindStats)
}

// persistLeaf records the end of the visible path on the chat so that
// reopening it restores the same branches.
func (s *Session) persistLeaf(ctx context.Context, chatID string, leafID string) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return errors.Wrapf(err, "could not load chat %s", chatID)
	}
	if chat.CurrentLeafMessageID == leafID {
		return nil
	}
	chat.CurrentLeafMessageID = leafID
	chat.UpdatedAt = s.now()
	if err := s.store.PutChat(ctx, chat); err != nil {
		return errors.Wrapf(err, "could not save chat %s", chatID)
	}
	s.mu.Lock()
	if s.activeChatID() == chatID {
		s.chat = chat
	}
	s.mu.Unlock()
	return nil
}

// reload rebuilds the visible path of chatID from the store when it is
// still the active chat. With overlay, content streamed but not yet
// persisted by a running generation is laid over the stored placeholders.
func (s *Session) reload(ctx context.Context, chatID string, overlay bool) error {
	msgs, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return errors.Wrapf(err, "could not list messages of chat %s", chatID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeChatID() != chatID {
		return nil
	}
	s.manager.Reload(msgs)
	if g := s.runningLocked(chatID); g != nil && overlay {
		for _, id := range g.AssistantMessageIDs {
			if content, ok := s.ledger.Get(id); ok {
				s.manager.SetContent(id, content)
			}
		}
	}
	return nil
}

// Close stops every running generation and waits for them.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	var running []*Generation
	for _, g := range s.generations {
		if g.IsRunning() {
			running = append(running, g)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, g := range running {
		if err := s.stop(ctx, g); err != nil && firstErr == nil {
			firstErr = err
		}
		g.Wait()
	}
	return firstErr
}
