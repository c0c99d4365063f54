package store

import (
	"context"
	"sort"

	"github.com/go-go-golems/arbor/pkg/conversation"
)

// ChatReader provides read access to chat records.
type ChatReader interface {
	GetChat(ctx context.Context, chatID string) (*conversation.Chat, error)
	// ListChats returns every chat, most recently updated first.
	ListChats(ctx context.Context) ([]*conversation.Chat, error)
}

// MessageReader provides read access to message records. Every message
// returned has its legacy fields normalized.
type MessageReader interface {
	GetMessage(ctx context.Context, messageID string) (*conversation.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]*conversation.Message, error)
	// ListChildren returns the direct children of parentID within chatID in
	// branch order. conversation.RootKey selects the roots.
	ListChildren(ctx context.Context, chatID string, parentID string) ([]*conversation.Message, error)
}

type Writer interface {
	PutChat(ctx context.Context, chat *conversation.Chat) error
	// DeleteChat removes the chat and every message it owns.
	DeleteChat(ctx context.Context, chatID string) error
	PutMessage(ctx context.Context, msg *conversation.Message) error
	DeleteMessages(ctx context.Context, chatID string, messageIDs ...string) error
	// UpdateChatStats applies delta to the chat aggregates in one step and
	// returns the updated chat.
	UpdateChatStats(ctx context.Context, chatID string, delta conversation.StatsDelta) (*conversation.Chat, error)
	Close() error
}

// Store is the durable source of truth for chats and messages. A put
// followed by a get from the same process observes the write.
type Store interface {
	ChatReader
	MessageReader
	Writer
}

func validateChat(chat *conversation.Chat) error {
	if chat == nil {
		return &ValidationError{Field: "chat", Reason: "must not be nil"}
	}
	if chat.ID == "" {
		return &ValidationError{Field: "chat.id", Reason: "must not be empty"}
	}
	return nil
}

func validateMessage(msg *conversation.Message) error {
	if msg == nil {
		return &ValidationError{Field: "message", Reason: "must not be nil"}
	}
	if msg.ID == "" {
		return &ValidationError{Field: "message.id", Reason: "must not be empty"}
	}
	if msg.ChatID == "" {
		return &ValidationError{Field: "message.chatId", Reason: "must not be empty"}
	}
	if msg.ParentID == msg.ID {
		return &ValidationError{Field: "message.parentId", Reason: "message cannot be its own parent"}
	}
	return nil
}

// sortMessages orders messages by creation, then branch index, then id.
func sortMessages(msgs []*conversation.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.BranchIndex != b.BranchIndex {
			return a.BranchIndex < b.BranchIndex
		}
		return a.ID < b.ID
	})
}

func sortSiblings(msgs []*conversation.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.BranchIndex != b.BranchIndex {
			return a.BranchIndex < b.BranchIndex
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sortChats(chats []*conversation.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}
