package conversation

import (
	"fmt"
	"strings"
)

// HistoryEntry is one prior turn sent to the provider along with a new prompt.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// HistoryConfig controls how a thread is turned into provider history.
type HistoryConfig struct {
	// IncludeEmpty keeps messages without content, placeholders included.
	IncludeEmpty bool
	// IncludePartial keeps assistant messages that were cut short by a stop.
	IncludePartial bool
	// EnforceAlternation rejects two consecutive user turns.
	EnforceAlternation bool
}

// DefaultHistoryConfig keeps partial answers the user chose to save and drops
// empty stubs.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		IncludePartial: true,
	}
}

// History converts a thread (usually Tree.Thread or a visible path prefix)
// into the ordered {role, content} list the chat endpoint expects.
func History(thread Conversation, cfg HistoryConfig) ([]HistoryEntry, error) {
	ret := make([]HistoryEntry, 0, len(thread))
	for _, m := range thread {
		if m == nil {
			return nil, fmt.Errorf("history contains a nil message")
		}
		if !cfg.IncludeEmpty && !m.HasContent() {
			continue
		}
		if !cfg.IncludePartial && m.IsPartial {
			continue
		}
		role := NormalizeRole(m.Role)
		if role != RoleUser && role != RoleAssistant {
			return nil, fmt.Errorf("message %s has unsupported role %q", m.ID, m.Role)
		}
		ret = append(ret, HistoryEntry{Role: role, Content: strings.TrimSpace(m.Content)})
	}
	if cfg.EnforceAlternation {
		if err := validateAlternation(ret); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func validateAlternation(entries []HistoryEntry) error {
	for i := 1; i < len(entries); i++ {
		if entries[i].Role == RoleUser && entries[i-1].Role == RoleUser {
			return fmt.Errorf("history entry %d follows another user turn", i)
		}
	}
	return nil
}
