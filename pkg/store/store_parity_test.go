package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/stretchr/testify/require"
)

type backendFactory struct {
	name  string
	build func(t *testing.T) Store
}

func backends() []backendFactory {
	return []backendFactory{
		{
			name: "memory",
			build: func(t *testing.T) Store {
				t.Helper()
				return NewInMemoryStore()
			},
		},
		{
			name: "yaml",
			build: func(t *testing.T) Store {
				t.Helper()
				s, err := NewYAMLFileStore(filepath.Join(t.TempDir(), "chats.yaml"))
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "sqlite",
			build: func(t *testing.T) Store {
				t.Helper()
				dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chats.db"))
				require.NoError(t, err)
				s, err := NewSQLiteStore(dsn)
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "pebble",
			build: func(t *testing.T) Store {
				t.Helper()
				s, err := NewInMemoryPebbleStore()
				require.NoError(t, err)
				return s
			},
		},
	}
}

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newMsg(chatID, id, parent string, role conversation.Role, idx int) *conversation.Message {
	return conversation.NewMessage(chatID, role, "content "+id,
		conversation.WithID(id),
		conversation.WithParentID(parent),
		conversation.WithBranchIndex(idx),
		conversation.WithTime(base.Add(time.Duration(len(id)+idx)*time.Second)),
	)
}

func TestStoreParity(t *testing.T) {
	for _, backend := range backends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			s := backend.build(t)
			t.Cleanup(func() { _ = s.Close() })

			chat := conversation.NewChat("c1")
			require.NoError(t, s.PutChat(ctx, chat))

			msgs := []*conversation.Message{
				newMsg("c1", "u1", "", conversation.RoleUser, 0),
				newMsg("c1", "a1", "u1", conversation.RoleAssistant, 0),
				newMsg("c1", "a2", "u1", conversation.RoleAssistant, 1),
				newMsg("c1", "u2", "a2", conversation.RoleUser, 0),
			}
			// write out of branch order to check ordering comes from the store
			for _, i := range []int{0, 2, 1, 3} {
				require.NoError(t, s.PutMessage(ctx, msgs[i]))
			}

			got, err := s.GetMessage(ctx, "a2")
			require.NoError(t, err)
			require.Equal(t, "u1", got.ParentID)
			require.Equal(t, 1, got.BranchIndex)
			require.Equal(t, "content a2", got.Content)

			children, err := s.ListChildren(ctx, "c1", "u1")
			require.NoError(t, err)
			require.Equal(t, []string{"a1", "a2"}, conversation.Conversation(children).IDs())

			roots, err := s.ListChildren(ctx, "c1", conversation.RootKey)
			require.NoError(t, err)
			require.Equal(t, []string{"u1"}, conversation.Conversation(roots).IDs())

			all, err := s.ListMessages(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, all, 4)
			require.Equal(t, []string{"u1", "a2", "u2"}, conversation.BuildVisiblePath(all, nil).IDs())

			// in-place update keeps identity and indexes
			got.Content = "final"
			got.IsPartial = true
			require.NoError(t, s.PutMessage(ctx, got))
			got, err = s.GetMessage(ctx, "a2")
			require.NoError(t, err)
			require.Equal(t, "final", got.Content)
			require.True(t, got.IsPartial)
			children, err = s.ListChildren(ctx, "c1", "u1")
			require.NoError(t, err)
			require.Len(t, children, 2)

			// mutating a returned record never leaks into the store
			got.Content = "scribble"
			again, err := s.GetMessage(ctx, "a2")
			require.NoError(t, err)
			require.Equal(t, "final", again.Content)

			updated, err := s.UpdateChatStats(ctx, "c1", conversation.StatsDelta{
				Messages: 2, Tokens: 30, Cost: 0.5, Models: []string{"m2", "m1"},
			})
			require.NoError(t, err)
			require.Equal(t, 2, updated.MessageCount)
			_, err = s.UpdateChatStats(ctx, "c1", conversation.StatsDelta{Tokens: 10, Models: []string{"m1"}})
			require.NoError(t, err)
			stored, err := s.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, 40, stored.TotalTokens)
			require.InDelta(t, 0.5, stored.TotalCost, 1e-9)
			require.Equal(t, []string{"m1", "m2"}, stored.Models)

			require.NoError(t, s.DeleteMessages(ctx, "c1", "a1"))
			_, err = s.GetMessage(ctx, "a1")
			require.ErrorIs(t, err, ErrNotFound)
			children, err = s.ListChildren(ctx, "c1", "u1")
			require.NoError(t, err)
			require.Equal(t, []string{"a2"}, conversation.Conversation(children).IDs())

			require.NoError(t, s.DeleteChat(ctx, "c1"))
			_, err = s.GetChat(ctx, "c1")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetMessage(ctx, "u1")
			require.ErrorIs(t, err, ErrNotFound)
			all, err = s.ListMessages(ctx, "c1")
			require.NoError(t, err)
			require.Empty(t, all)
		})
	}
}

func TestStoreListChatsNewestFirst(t *testing.T) {
	for _, backend := range backends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			s := backend.build(t)
			t.Cleanup(func() { _ = s.Close() })

			older := conversation.NewChat("old")
			older.UpdatedAt = base
			newer := conversation.NewChat("new")
			newer.UpdatedAt = base.Add(time.Hour)
			require.NoError(t, s.PutChat(ctx, older))
			require.NoError(t, s.PutChat(ctx, newer))

			chats, err := s.ListChats(ctx)
			require.NoError(t, err)
			require.Len(t, chats, 2)
			require.Equal(t, "new", chats[0].ID)
			require.Equal(t, "old", chats[1].ID)
		})
	}
}

func TestStoreNormalizesLegacyRole(t *testing.T) {
	for _, backend := range backends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			s := backend.build(t)
			t.Cleanup(func() { _ = s.Close() })

			require.NoError(t, s.PutMessage(ctx, newMsg("c1", "s1", "", conversation.RoleSystem, 0)))
			m, err := s.GetMessage(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, conversation.RoleAssistant, m.Role)
		})
	}
}

func TestStoreValidationAndClose(t *testing.T) {
	for _, backend := range backends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			s := backend.build(t)

			require.ErrorIs(t, s.PutMessage(ctx, &conversation.Message{ChatID: "c1"}), ErrValidation)
			require.ErrorIs(t, s.PutChat(ctx, &conversation.Chat{}), ErrValidation)
			_, err := s.UpdateChatStats(ctx, "missing", conversation.StatsDelta{Messages: 1})
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Close())
			require.NoError(t, s.Close())
			_, err = s.GetChat(ctx, "c1")
			require.Error(t, err)
		})
	}
}
