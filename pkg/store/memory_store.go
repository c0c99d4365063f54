package store

import (
	"context"
	"sync"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/huandu/go-clone"
)

// InMemoryStore is a thread-safe Store. Records are deep-copied on the way
// in and out so callers never share memory with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]*conversation.Chat
	messages map[string]*conversation.Message
	byChat   map[string]map[string]struct{}
	closed   bool
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats:    map[string]*conversation.Chat{},
		messages: map[string]*conversation.Message{},
		byChat:   map[string]map[string]struct{}{},
	}
}

func cloneChat(c *conversation.Chat) *conversation.Chat {
	return clone.Clone(c).(*conversation.Chat)
}

func cloneMessage(m *conversation.Message) *conversation.Message {
	return clone.Clone(m).(*conversation.Message).Normalize()
}

func (s *InMemoryStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *InMemoryStore) GetChat(_ context.Context, chatID string) (*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.chats[chatID]
	if !ok {
		return nil, chatNotFound(chatID)
	}
	return cloneChat(c), nil
}

func (s *InMemoryStore) ListChats(_ context.Context) ([]*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := make([]*conversation.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, cloneChat(c))
	}
	sortChats(out)
	return out, nil
}

func (s *InMemoryStore) PutChat(_ context.Context, chat *conversation.Chat) error {
	if err := validateChat(chat); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.chats[chat.ID] = cloneChat(chat)
	return nil
}

func (s *InMemoryStore) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	for id := range s.byChat[chatID] {
		delete(s.messages, id)
	}
	delete(s.byChat, chatID)
	delete(s.chats, chatID)
	return nil
}

func (s *InMemoryStore) GetMessage(_ context.Context, messageID string) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	m, ok := s.messages[messageID]
	if !ok {
		return nil, messageNotFound(messageID)
	}
	return cloneMessage(m), nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, chatID string) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ids := s.byChat[chatID]
	out := make([]*conversation.Message, 0, len(ids))
	for id := range ids {
		out = append(out, cloneMessage(s.messages[id]))
	}
	sortMessages(out)
	return out, nil
}

func (s *InMemoryStore) ListChildren(_ context.Context, chatID string, parentID string) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var out []*conversation.Message
	for id := range s.byChat[chatID] {
		m := s.messages[id]
		if m.ParentID == parentID {
			out = append(out, cloneMessage(m))
		}
	}
	sortSiblings(out)
	return out, nil
}

func (s *InMemoryStore) PutMessage(_ context.Context, msg *conversation.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if prev, ok := s.messages[msg.ID]; ok && prev.ChatID != msg.ChatID {
		delete(s.byChat[prev.ChatID], msg.ID)
	}
	s.messages[msg.ID] = clone.Clone(msg).(*conversation.Message)
	if s.byChat[msg.ChatID] == nil {
		s.byChat[msg.ChatID] = map[string]struct{}{}
	}
	s.byChat[msg.ChatID][msg.ID] = struct{}{}
	return nil
}

func (s *InMemoryStore) DeleteMessages(_ context.Context, chatID string, messageIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.ChatID != chatID {
			continue
		}
		delete(s.messages, id)
		delete(s.byChat[chatID], id)
	}
	return nil
}

func (s *InMemoryStore) UpdateChatStats(_ context.Context, chatID string, delta conversation.StatsDelta) (*conversation.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.chats[chatID]
	if !ok {
		return nil, chatNotFound(chatID)
	}
	c.ApplyStats(delta)
	return cloneChat(c), nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Snapshot is the serialized form of a whole store.
type Snapshot struct {
	Chats    []*conversation.Chat    `json:"chats" yaml:"chats"`
	Messages []*conversation.Message `json:"messages" yaml:"messages"`
}

// Snapshot returns a deep copy of every record.
func (s *InMemoryStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := &Snapshot{
		Chats:    make([]*conversation.Chat, 0, len(s.chats)),
		Messages: make([]*conversation.Message, 0, len(s.messages)),
	}
	for _, c := range s.chats {
		ret.Chats = append(ret.Chats, cloneChat(c))
	}
	for _, m := range s.messages {
		ret.Messages = append(ret.Messages, cloneMessage(m))
	}
	sortChats(ret.Chats)
	sortMessages(ret.Messages)
	return ret
}

// Restore replaces the store contents with snap.
func (s *InMemoryStore) Restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	chats := map[string]*conversation.Chat{}
	messages := map[string]*conversation.Message{}
	byChat := map[string]map[string]struct{}{}
	for _, c := range snap.Chats {
		if err := validateChat(c); err != nil {
			return err
		}
		chats[c.ID] = cloneChat(c)
	}
	for _, m := range snap.Messages {
		if err := validateMessage(m); err != nil {
			return err
		}
		messages[m.ID] = cloneMessage(m)
		if byChat[m.ChatID] == nil {
			byChat[m.ChatID] = map[string]struct{}{}
		}
		byChat[m.ChatID][m.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.chats, s.messages, s.byChat = chats, messages, byChat
	return nil
}
