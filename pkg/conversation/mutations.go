package conversation

import (
	"fmt"
	"strings"
	"time"
)

// The helpers below build the new nodes a tree operation adds. Nothing in the
// tree is ever rewritten: an edit or a regeneration is always a new sibling.

// NewUserTurn builds a user message appended under parentID.
func NewUserTurn(chatID, parentID, content string, branchIndex int, attachments []Attachment, at time.Time) (*Message, error) {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, fmt.Errorf("message is empty")
	}
	return NewMessage(chatID, RoleUser, content,
		WithParentID(parentID),
		WithBranchIndex(branchIndex),
		WithAttachments(attachments),
		WithTime(at),
	), nil
}

// NewEditedSibling builds the replacement version of a user message. The
// original keeps its content; the edit shares its parent and attachments.
func NewEditedSibling(original *Message, content string, branchIndex int, at time.Time) (*Message, error) {
	if original == nil {
		return nil, fmt.Errorf("original message is nil")
	}
	if NormalizeRole(original.Role) != RoleUser {
		return nil, fmt.Errorf("message %s is not a user message", original.ID)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("edited content is empty")
	}
	return NewMessage(original.ChatID, RoleUser, content,
		WithParentID(original.ParentID),
		WithBranchIndex(branchIndex),
		WithAttachments(append([]Attachment(nil), original.Attachments...)),
		WithTime(at),
		WithEdited(at),
	), nil
}

// NewPlaceholders builds one empty assistant message per target model under
// parentID, with consecutive branch indexes starting at base. An empty model
// list yields a single model-less placeholder, which the router event fills in.
func NewPlaceholders(chatID, parentID string, base int, models []string, at time.Time) []*Message {
	if len(models) == 0 {
		models = []string{""}
	}
	ret := make([]*Message, 0, len(models))
	for i, model := range models {
		ret = append(ret, NewMessage(chatID, RoleAssistant, "",
			WithParentID(parentID),
			WithBranchIndex(base+i),
			WithModel(model),
			WithTime(at),
		))
	}
	return ret
}
