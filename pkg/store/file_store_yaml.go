package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// YAMLFileStore keeps every record in memory and rewrites a single YAML
// snapshot file after each write.
type YAMLFileStore struct {
	mu     sync.Mutex
	path   string
	store  *InMemoryStore
	closed bool
}

var _ Store = (*YAMLFileStore)(nil)

func NewYAMLFileStore(path string) (*YAMLFileStore, error) {
	if path == "" {
		return nil, errors.New("yaml store path is required")
	}
	s := &YAMLFileStore{
		path:  path,
		store: NewInMemoryStore(),
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *YAMLFileStore) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "could not read %s", s.path)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return errors.Wrapf(err, "could not parse %s", s.path)
	}
	return s.store.Restore(&snap)
}

func (s *YAMLFileStore) persistLocked() error {
	data, err := yaml.Marshal(s.store.Snapshot())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// write runs fn against the in-memory store and persists on success.
func (s *YAMLFileStore) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := fn(); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *YAMLFileStore) GetChat(ctx context.Context, chatID string) (*conversation.Chat, error) {
	return s.store.GetChat(ctx, chatID)
}

func (s *YAMLFileStore) ListChats(ctx context.Context) ([]*conversation.Chat, error) {
	return s.store.ListChats(ctx)
}

func (s *YAMLFileStore) GetMessage(ctx context.Context, messageID string) (*conversation.Message, error) {
	return s.store.GetMessage(ctx, messageID)
}

func (s *YAMLFileStore) ListMessages(ctx context.Context, chatID string) ([]*conversation.Message, error) {
	return s.store.ListMessages(ctx, chatID)
}

func (s *YAMLFileStore) ListChildren(ctx context.Context, chatID string, parentID string) ([]*conversation.Message, error) {
	return s.store.ListChildren(ctx, chatID, parentID)
}

func (s *YAMLFileStore) PutChat(ctx context.Context, chat *conversation.Chat) error {
	return s.write(func() error { return s.store.PutChat(ctx, chat) })
}

func (s *YAMLFileStore) DeleteChat(ctx context.Context, chatID string) error {
	return s.write(func() error { return s.store.DeleteChat(ctx, chatID) })
}

func (s *YAMLFileStore) PutMessage(ctx context.Context, msg *conversation.Message) error {
	return s.write(func() error { return s.store.PutMessage(ctx, msg) })
}

func (s *YAMLFileStore) DeleteMessages(ctx context.Context, chatID string, messageIDs ...string) error {
	return s.write(func() error { return s.store.DeleteMessages(ctx, chatID, messageIDs...) })
}

func (s *YAMLFileStore) UpdateChatStats(ctx context.Context, chatID string, delta conversation.StatsDelta) (*conversation.Chat, error) {
	var ret *conversation.Chat
	err := s.write(func() error {
		var err error
		ret, err = s.store.UpdateChatStats(ctx, chatID, delta)
		return err
	})
	return ret, err
}

func (s *YAMLFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}
