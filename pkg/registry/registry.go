package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/rs/zerolog/log"
)

// Entry is the streaming status of one chat as seen from outside the chat.
type Entry struct {
	ChatID         string
	IsStreaming    bool
	StartedAt      time.Time
	CompletedAt    time.Time
	HasNewMessages bool
	DisplayName    string
}

type entry struct {
	Entry
	abort func()
}

// CompletionFunc is called when a chat finishes streaming while another
// chat has focus.
type CompletionFunc func(e Entry)

// Registry tracks streaming operations by chat id, independently of which
// chat is focused, so that leaving a chat does not cancel its generation.
// It holds at most one abort handle per chat.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	focused   string
	callbacks map[int]CompletionFunc
	nextID    int
	notifier  events.Notifier
	now       func() time.Time
}

type Option func(*Registry)

func WithNotifier(n events.Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(options ...Option) *Registry {
	ret := &Registry{
		entries:   map[string]*entry{},
		callbacks: map[int]CompletionFunc{},
		now:       time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// once makes an abort handle safe to call any number of times.
func once(abort func()) func() {
	if abort == nil {
		return nil
	}
	var o sync.Once
	return func() {
		o.Do(abort)
	}
}

// StartStreaming records a running operation for chatID. A display name
// already known for the chat is kept. A previous abort handle is replaced
// and never invoked.
func (r *Registry) StartStreaming(chatID string, displayName string, abort func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[chatID]
	if !ok {
		e = &entry{Entry: Entry{ChatID: chatID}}
		r.entries[chatID] = e
	} else if e.abort != nil && e.IsStreaming {
		log.Warn().Str("chat_id", chatID).Msg("Replacing abort handle of a running stream")
	}
	if e.DisplayName == "" {
		e.DisplayName = displayName
	}
	e.IsStreaming = true
	e.StartedAt = r.now()
	e.CompletedAt = time.Time{}
	e.abort = once(abort)
}

// CompleteStreaming marks chatID as finished. When the chat is not focused
// it is flagged as having new messages and the completion callbacks run.
func (r *Registry) CompleteStreaming(chatID string, displayName string) {
	r.mu.Lock()
	e, ok := r.entries[chatID]
	if !ok {
		e = &entry{Entry: Entry{ChatID: chatID}}
		r.entries[chatID] = e
	}
	if displayName != "" {
		e.DisplayName = displayName
	}
	e.IsStreaming = false
	e.CompletedAt = r.now()
	e.abort = nil

	background := chatID != r.focused
	if background {
		e.HasNewMessages = true
	}
	snapshot := e.Entry
	var callbacks []CompletionFunc
	if background {
		ids := make([]int, 0, len(r.callbacks))
		for id := range r.callbacks {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			callbacks = append(callbacks, r.callbacks[id])
		}
	}
	r.mu.Unlock()

	if !background {
		return
	}
	log.Debug().Str("chat_id", chatID).Str("name", snapshot.DisplayName).Msg("Background stream completed")
	for _, cb := range callbacks {
		cb(snapshot)
	}
	if r.notifier != nil {
		r.notifier.Notify(events.TopicBackgroundComplete, events.Notification{
			ChatID:      chatID,
			Kind:        events.KindComplete,
			DisplayName: snapshot.DisplayName,
			At:          snapshot.CompletedAt,
		})
	}
}

// StopStreaming aborts the operation of chatID, if any, and forgets the
// chat. Calling it again is a no-op.
func (r *Registry) StopStreaming(chatID string) {
	r.mu.Lock()
	e, ok := r.entries[chatID]
	delete(r.entries, chatID)
	r.mu.Unlock()

	if ok && e.abort != nil {
		e.abort()
	}
}

// ClearNewMessages drops the unread flag without touching streaming status.
func (r *Registry) ClearNewMessages(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[chatID]; ok {
		e.HasNewMessages = false
	}
}

// SetFocused records the chat the user is looking at. An empty id means
// none.
func (r *Registry) SetFocused(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focused = chatID
}

func (r *Registry) Focused() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

func (r *Registry) Get(chatID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[chatID]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

func (r *Registry) IsStreaming(chatID string) bool {
	e, ok := r.Get(chatID)
	return ok && e.IsStreaming
}

// List returns every known entry ordered by chat id.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		ret = append(ret, e.Entry)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ChatID < ret[j].ChatID
	})
	return ret
}

// OnBackgroundComplete registers cb and returns a function removing it.
func (r *Registry) OnBackgroundComplete(cb CompletionFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.callbacks[id] = cb
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.callbacks, id)
	}
}
