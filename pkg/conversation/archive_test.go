package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	chat := NewChat("chat")
	chat.Title = "Archived"
	legacy := msg("a1", "u1", RoleSystem, 0)
	archive := &Archive{Chat: chat, Messages: []*Message{msg("u1", "", RoleUser, 0), legacy}}

	for _, name := range []string{"chat.yaml", "chat.json"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		require.NoError(t, archive.SaveToFile(path))

		loaded, err := LoadFromFile(path)
		require.NoError(t, err)
		require.Equal(t, "Archived", loaded.Chat.Title)
		require.Len(t, loaded.Messages, 2)
		require.Equal(t, RoleAssistant, loaded.Messages[1].Role)
		require.Equal(t, []string{"u1", "a1"}, BuildVisiblePath(loaded.Messages, nil).IDs())
	}
}

func TestArchiveUnsupportedFormat(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "chat.txt"))
	require.Error(t, err)
}

func TestArchiveSchemaRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"chat": {"id": 3}, "messages": "none"}`), 0o600))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid archive")
}

func TestArchiveSchemaAcceptsExport(t *testing.T) {
	chat := NewChat("chat")
	archive := &Archive{Chat: chat, Messages: []*Message{msg("u1", "", RoleUser, 0), msg("a1", "u1", RoleAssistant, 0)}}
	data, err := json.Marshal(archive)
	require.NoError(t, err)
	require.NoError(t, ValidateArchiveJSON(data))

	schema := ArchiveSchema()
	require.Equal(t, "object", schema.Type)
	require.NotNil(t, schema.Properties)
	_, ok := schema.Properties.Get("messages")
	require.True(t, ok)
}
