package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEditedSibling(t *testing.T) {
	orig := msg("u1", "a0", RoleUser, 0)
	orig.Attachments = []Attachment{{Name: "a.png", MediaType: "image/png"}}

	edit, err := NewEditedSibling(orig, "changed", 1, t0)
	require.NoError(t, err)
	require.Equal(t, "a0", edit.ParentID)
	require.Equal(t, 1, edit.BranchIndex)
	require.True(t, edit.IsEdited)
	require.NotNil(t, edit.EditedAt)
	require.Equal(t, orig.Attachments, edit.Attachments)
	require.NotEqual(t, orig.ID, edit.ID)
	require.Equal(t, "u1", orig.Content)

	_, err = NewEditedSibling(msg("a1", "u1", RoleAssistant, 0), "x", 1, t0)
	require.Error(t, err)
	_, err = NewEditedSibling(orig, "  ", 1, t0)
	require.Error(t, err)
}

func TestNewPlaceholders(t *testing.T) {
	ps := NewPlaceholders("chat", "u1", 0, []string{"A", "B"}, t0)
	require.Len(t, ps, 2)
	require.Equal(t, 0, ps[0].BranchIndex)
	require.Equal(t, "A", ps[0].Model)
	require.Equal(t, 1, ps[1].BranchIndex)
	require.Equal(t, "B", ps[1].Model)
	for _, p := range ps {
		require.Equal(t, RoleAssistant, p.Role)
		require.Equal(t, "u1", p.ParentID)
		require.False(t, p.HasContent())
	}

	auto := NewPlaceholders("chat", "u1", 3, nil, t0)
	require.Len(t, auto, 1)
	require.Equal(t, 3, auto[0].BranchIndex)
	require.Empty(t, auto[0].Model)
}

func TestNewUserTurn(t *testing.T) {
	m, err := NewUserTurn("chat", "", "Hello", 0, nil, t0)
	require.NoError(t, err)
	require.True(t, m.IsRoot())
	require.Equal(t, RoleUser, m.Role)

	_, err = NewUserTurn("chat", "", " ", 0, nil, t0)
	require.Error(t, err)
}

func TestHistory(t *testing.T) {
	u := msg("u1", "", RoleUser, 0)
	a := msg("a1", "u1", RoleSystem, 0)
	p := msg("a2", "u1", RoleAssistant, 1)
	p.Content = "cut"
	p.IsPartial = true
	empty := msg("a3", "u1", RoleAssistant, 2)
	empty.Content = ""

	h, err := History(Conversation{u, a, p, empty}, DefaultHistoryConfig())
	require.NoError(t, err)
	require.Equal(t, []HistoryEntry{
		{Role: RoleUser, Content: "u1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleAssistant, Content: "cut"},
	}, h)

	h, err = History(Conversation{u, p}, HistoryConfig{})
	require.NoError(t, err)
	require.Len(t, h, 1)

	_, err = History(Conversation{u, msg("u2", "u1", RoleUser, 0)}, HistoryConfig{EnforceAlternation: true})
	require.Error(t, err)
}
