package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/pkg/errors"
)

// PebbleStore persists chats and messages in a pebble key/value database.
//
// Key layout:
//
//	chat:<chatID>                                  chat JSON
//	msg:<msgID>                                    message JSON
//	chatmsg:<chatID>:<msgID>                       chat membership index
//	child:<chatID>:<parentID>:<branchIndex>:<msgID> parent index, roots use an empty parentID
type PebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	closed bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) a database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "pebble store: open %s", path)
	}
	return &PebbleStore{db: db}, nil
}

// NewInMemoryPebbleStore opens a database backed by an in-memory filesystem.
func NewInMemoryPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "pebble store: open in-memory")
	}
	return &PebbleStore{db: db}, nil
}

func chatKey(chatID string) []byte {
	return []byte("chat:" + chatID)
}

func msgKey(msgID string) []byte {
	return []byte("msg:" + msgID)
}

func chatMsgPrefix(chatID string) []byte {
	return []byte("chatmsg:" + chatID + ":")
}

func chatMsgKey(chatID, msgID string) []byte {
	return append(chatMsgPrefix(chatID), msgID...)
}

func childPrefix(chatID, parentID string) []byte {
	return []byte("child:" + chatID + ":" + parentID + ":")
}

func childKey(m *conversation.Message) []byte {
	return append(childPrefix(m.ChatID, m.ParentID), fmt.Sprintf("%010d:%s", m.BranchIndex, m.ID)...)
}

func upperBound(prefix []byte) []byte {
	return append(append([]byte(nil), prefix...), 0xff)
}

func validateKeyPart(field, id string) error {
	if strings.Contains(id, ":") {
		return &ValidationError{Field: field, Reason: "must not contain ':'"}
	}
	return nil
}

func (s *PebbleStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = closer.Close()
	}()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// scanSuffixes returns the key remainder after prefix for every key under it.
func (s *PebbleStore) scanSuffixes(prefix []byte) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = iter.Close()
	}()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		out = append(out, string(k[len(prefix):]))
	}
	return out, nil
}

func (s *PebbleStore) getChat(chatID string) (*conversation.Chat, error) {
	v, ok, err := s.get(chatKey(chatID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chatNotFound(chatID)
	}
	chat := &conversation.Chat{}
	if err := json.Unmarshal(v, chat); err != nil {
		return nil, errors.Wrapf(err, "pebble store: decode chat %s", chatID)
	}
	return chat, nil
}

func (s *PebbleStore) getMessage(msgID string) (*conversation.Message, error) {
	v, ok, err := s.get(msgKey(msgID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, messageNotFound(msgID)
	}
	msg := &conversation.Message{}
	if err := json.Unmarshal(v, msg); err != nil {
		return nil, errors.Wrapf(err, "pebble store: decode message %s", msgID)
	}
	return msg.Normalize(), nil
}

func (s *PebbleStore) GetChat(_ context.Context, chatID string) (*conversation.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.getChat(chatID)
}

func (s *PebbleStore) ListChats(_ context.Context) ([]*conversation.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	prefix := []byte("chat:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = iter.Close()
	}()

	var out []*conversation.Chat
	for iter.First(); iter.Valid(); iter.Next() {
		chat := &conversation.Chat{}
		if err := json.Unmarshal(iter.Value(), chat); err != nil {
			return nil, errors.Wrapf(err, "pebble store: decode %s", iter.Key())
		}
		out = append(out, chat)
	}
	sortChats(out)
	return out, nil
}

func (s *PebbleStore) PutChat(_ context.Context, chat *conversation.Chat) error {
	if err := validateChat(chat); err != nil {
		return err
	}
	if err := validateKeyPart("chat.id", chat.ID); err != nil {
		return err
	}
	data, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.Set(chatKey(chat.ID), data, pebble.Sync)
}

func (s *PebbleStore) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	ids, err := s.scanSuffixes(chatMsgPrefix(chatID))
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	for _, id := range ids {
		if err := s.deleteMessageInto(batch, chatID, id); err != nil {
			return err
		}
	}
	if err := batch.Delete(chatKey(chatID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetMessage(_ context.Context, messageID string) (*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.getMessage(messageID)
}

func (s *PebbleStore) loadMessages(ids []string) ([]*conversation.Message, error) {
	out := make([]*conversation.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.getMessage(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *PebbleStore) ListMessages(_ context.Context, chatID string) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ids, err := s.scanSuffixes(chatMsgPrefix(chatID))
	if err != nil {
		return nil, err
	}
	out, err := s.loadMessages(ids)
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

func (s *PebbleStore) ListChildren(_ context.Context, chatID string, parentID string) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	suffixes, err := s.scanSuffixes(childPrefix(chatID, parentID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		// <branchIndex>:<msgID>
		if i := strings.IndexByte(suffix, ':'); i >= 0 {
			ids = append(ids, suffix[i+1:])
		}
	}
	out, err := s.loadMessages(ids)
	if err != nil {
		return nil, err
	}
	sortSiblings(out)
	return out, nil
}

func (s *PebbleStore) PutMessage(_ context.Context, msg *conversation.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	for field, id := range map[string]string{
		"message.id":       msg.ID,
		"message.chatId":   msg.ChatID,
		"message.parentId": msg.ParentID,
	} {
		if err := validateKeyPart(field, id); err != nil {
			return err
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	prev, err := s.getMessage(msg.ID)
	switch {
	case err == nil:
		if err := batch.Delete(childKey(prev), nil); err != nil {
			return err
		}
		if err := batch.Delete(chatMsgKey(prev.ChatID, prev.ID), nil); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if err := batch.Set(msgKey(msg.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(chatMsgKey(msg.ChatID, msg.ID), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(childKey(msg), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) deleteMessageInto(batch *pebble.Batch, chatID string, msgID string) error {
	m, err := s.getMessage(msgID)
	if errors.Is(err, ErrNotFound) {
		return batch.Delete(chatMsgKey(chatID, msgID), nil)
	}
	if err != nil {
		return err
	}
	if m.ChatID != chatID {
		return nil
	}
	if err := batch.Delete(childKey(m), nil); err != nil {
		return err
	}
	if err := batch.Delete(chatMsgKey(chatID, msgID), nil); err != nil {
		return err
	}
	return batch.Delete(msgKey(msgID), nil)
}

func (s *PebbleStore) DeleteMessages(_ context.Context, chatID string, messageIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	for _, id := range messageIDs {
		if err := s.deleteMessageInto(batch, chatID, id); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) UpdateChatStats(_ context.Context, chatID string, delta conversation.StatsDelta) (*conversation.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	chat, err := s.getChat(chatID)
	if err != nil {
		return nil, err
	}
	chat.ApplyStats(delta)
	data, err := json.Marshal(chat)
	if err != nil {
		return nil, err
	}
	if err := s.db.Set(chatKey(chatID), data, pebble.Sync); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
