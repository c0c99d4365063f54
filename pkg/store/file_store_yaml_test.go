package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/stretchr/testify/require"
)

func TestYAMLFileStoreReloadsFromDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "chats.yaml")

	s, err := NewYAMLFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.PutChat(ctx, conversation.NewChat("c1")))
	require.NoError(t, s.PutMessage(ctx, newMsg("c1", "u1", "", conversation.RoleUser, 0)))
	require.NoError(t, s.PutMessage(ctx, newMsg("c1", "a1", "u1", conversation.RoleAssistant, 0)))
	require.NoError(t, s.Close())

	reopened, err := NewYAMLFileStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	chat, err := reopened.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, conversation.DefaultTitle, chat.Title)
	children, err := reopened.ListChildren(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "a1", children[0].ID)
}

func TestPebbleStoreRejectsSeparatorInIDs(t *testing.T) {
	s, err := NewInMemoryPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.PutMessage(context.Background(), newMsg("c:1", "u1", "", conversation.RoleUser, 0))
	require.ErrorIs(t, err, ErrValidation)
}

func TestSQLiteDSNForFile(t *testing.T) {
	_, err := SQLiteDSNForFile("")
	require.Error(t, err)
	dsn, err := SQLiteDSNForFile("/tmp/x.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "_journal_mode=WAL")
}
