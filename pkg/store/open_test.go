package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for driver, path := range map[string]string{
		DriverMemory: "",
		DriverYAML:   filepath.Join(dir, "chats.yaml"),
		DriverSQLite: filepath.Join(dir, "chats.db"),
		DriverPebble: filepath.Join(dir, "pebble"),
	} {
		t.Run(driver, func(t *testing.T) {
			s, err := Open(driver, path)
			require.NoError(t, err)
			defer func() {
				require.NoError(t, s.Close())
			}()

			ctx := context.Background()
			require.NoError(t, s.PutChat(ctx, conversation.NewChat("c1")))
			chat, err := s.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, conversation.DefaultTitle, chat.Title)
		})
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open("cassandra", "x")
	require.Error(t, err)
	_, err = Open(DriverPebble, "")
	require.Error(t, err)
	_, err = Open(DriverSQLite, "")
	require.Error(t, err)
}
