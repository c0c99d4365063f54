package session

import (
	"context"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SwitchVersion makes messageID visible by rebuilding every selection so the
// path runs through it, and persists the new leaf. For an unknown id the
// selections fall back to the default path and an InvalidOperationError is
// returned along with that path.
func (s *Session) SwitchVersion(ctx context.Context, messageID string) ([]*conversation.Message, error) {
	s.mu.Lock()
	chatID := s.activeChatID()
	if !s.manager.SwitchTo(messageID) {
		s.manager.ResetSelections()
		visible := s.visibleLocked()
		s.mu.Unlock()
		log.Warn().Str("chat_id", chatID).Str("message_id", messageID).Msg("Cannot switch to unknown message, showing default path")
		return visible, invalid("switch", "message %s not found", messageID)
	}
	leafID := s.manager.LeafID()
	visible := s.visibleLocked()
	s.mu.Unlock()

	if chatID != "" {
		if err := s.persistLeaf(ctx, chatID, leafID); err != nil {
			return visible, err
		}
	}
	return visible, nil
}

// OpenChat focuses a stored chat. The visible path is restored from the
// chat's persisted leaf; content still streaming into it is shown as well.
func (s *Session) OpenChat(ctx context.Context, chatID string) ([]*conversation.Message, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("open", "chat %s not found", chatID)
		}
		return nil, errors.Wrapf(err, "could not load chat %s", chatID)
	}
	msgs, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list messages of chat %s", chatID)
	}

	s.mu.Lock()
	s.chat = chat
	s.manager = conversation.NewManager(chatID, msgs, conversation.WithLeaf(chat.CurrentLeafMessageID))
	s.state = StateIdle
	if g := s.runningLocked(chatID); g != nil {
		for _, id := range g.AssistantMessageIDs {
			if content, ok := s.ledger.Get(id); ok {
				s.manager.SetContent(id, content)
			}
		}
		s.state = StateStreaming
	}
	visible := s.visibleLocked()
	s.mu.Unlock()

	s.registry.SetFocused(chatID)
	s.registry.ClearNewMessages(chatID)
	log.Debug().Str("chat_id", chatID).Int("messages", len(msgs)).Msg("Opened chat")
	return visible, nil
}

// NewChat resets the session to a fresh conversation that is saved on the
// first send. Generations of the previous chat keep running in the
// background.
func (s *Session) NewChat() {
	s.mu.Lock()
	s.chat = nil
	s.manager = conversation.NewManager("", nil)
	s.state = StateIdle
	s.mu.Unlock()
	s.registry.SetFocused("")
}

// DeleteBranch removes messageID and its whole subtree from the active chat
// and rebuilds the visible path. It is refused while the chat streams.
func (s *Session) DeleteBranch(ctx context.Context, messageID string) error {
	s.mu.Lock()
	chatID := s.activeChatID()
	running := s.runningLocked(chatID) != nil
	s.mu.Unlock()
	if chatID == "" {
		return invalid("delete-branch", "no active chat")
	}
	if running {
		return invalid("delete-branch", "chat %s is streaming", chatID)
	}

	msgs, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return errors.Wrapf(err, "could not list messages of chat %s", chatID)
	}
	doomed := conversation.NewTree(msgs).Descendants(messageID)
	if len(doomed) == 0 {
		return invalid("delete-branch", "message %s not found", messageID)
	}
	if err := s.store.DeleteMessages(ctx, chatID, doomed.IDs()...); err != nil {
		return errors.Wrapf(err, "could not delete branch %s", messageID)
	}

	// placeholders that never completed were not counted
	delta := conversation.StatsDelta{}
	for _, m := range doomed {
		if m.Role == conversation.RoleUser || m.HasContent() || m.Stats != nil {
			delta.Messages--
		}
		if m.Stats != nil {
			delta.Tokens -= m.Stats.TotalTokens()
			delta.Cost -= m.Stats.Cost
		}
	}
	s.bumpStats(ctx, chatID, delta)

	if err := s.reload(ctx, chatID, false); err != nil {
		return err
	}
	s.mu.Lock()
	leafID := s.manager.LeafID()
	s.mu.Unlock()
	if err := s.persistLeaf(ctx, chatID, leafID); err != nil {
		return err
	}

	log.Info().Str("chat_id", chatID).Str("message_id", messageID).Int("deleted", len(doomed)).Msg("Deleted branch")
	s.notify(chatID, events.KindMessages)
	return nil
}

// DeleteChat stops any generation of chatID, removes the chat with all its
// messages and resets the session if it was the active chat.
func (s *Session) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid("delete", "chat %s not found", chatID)
		}
		return errors.Wrapf(err, "could not load chat %s", chatID)
	}

	s.mu.Lock()
	gen := s.generations[chatID]
	s.mu.Unlock()
	if gen != nil {
		gen.abort()
		gen.Wait()
		// nothing is saved for a chat about to disappear
		s.ledger.Delete(gen.AssistantMessageIDs...)
	}
	s.registry.StopStreaming(chatID)

	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return errors.Wrapf(err, "could not delete chat %s", chatID)
	}

	s.mu.Lock()
	active := s.activeChatID() == chatID
	delete(s.generations, chatID)
	s.mu.Unlock()
	if active {
		s.NewChat()
	}

	log.Info().Str("chat_id", chatID).Msg("Deleted chat")
	s.notify(chatID, events.KindDeleted)
	return nil
}
