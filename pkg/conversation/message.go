package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem only appears in legacy records and is read back as RoleAssistant.
	RoleSystem Role = "system"
)

// NormalizeRole maps legacy roles onto the two roles the tree knows about.
func NormalizeRole(r Role) Role {
	switch r {
	case RoleSystem:
		return RoleAssistant
	case RoleUser, RoleAssistant:
		return r
	}
	return r
}

// Stats is the final usage report for one assistant response.
type Stats struct {
	InputTokens  int     `json:"inputTokens" yaml:"inputTokens"`
	OutputTokens int     `json:"outputTokens" yaml:"outputTokens"`
	Cost         float64 `json:"cost" yaml:"cost"`
	LatencyMs    int64   `json:"latencyMs" yaml:"latencyMs"`
}

func (s Stats) TotalTokens() int {
	return s.InputTokens + s.OutputTokens
}

type Attachment struct {
	Name      string `json:"name" yaml:"name"`
	MediaType string `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	Data      []byte `json:"data,omitempty" yaml:"data,omitempty"`
}

type MediaKind string

const (
	MediaKindMarkdown MediaKind = "markdown"
	MediaKindHTML     MediaKind = "html"
	MediaKindURL      MediaKind = "url"
	MediaKindDataURI  MediaKind = "data-uri"
)

// Media is an image reference extracted from generated text. It is derived
// from Content and can always be recomputed.
type Media struct {
	Kind MediaKind `json:"kind" yaml:"kind"`
	URL  string    `json:"url" yaml:"url"`
	Alt  string    `json:"alt,omitempty" yaml:"alt,omitempty"`
}

type Citation struct {
	URL   string `json:"url" yaml:"url"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Message is a single node in the conversation tree.
//
// ID, ChatID, ParentID and BranchIndex are fixed at creation. Streaming only
// ever touches Content, Model, Stats, IsPartial and the derived media fields.
type Message struct {
	ID          string `json:"id" yaml:"id"`
	ChatID      string `json:"chatId" yaml:"chatId"`
	Role        Role   `json:"role" yaml:"role"`
	Content     string `json:"content" yaml:"content"`
	Model       string `json:"model,omitempty" yaml:"model,omitempty"`
	ParentID    string `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	BranchIndex int    `json:"branchIndex" yaml:"branchIndex"`

	IsEdited  bool       `json:"isEdited,omitempty" yaml:"isEdited,omitempty"`
	EditedAt  *time.Time `json:"editedAt,omitempty" yaml:"editedAt,omitempty"`
	IsPartial bool       `json:"isPartial,omitempty" yaml:"isPartial,omitempty"`
	Stats     *Stats     `json:"stats,omitempty" yaml:"stats,omitempty"`

	Attachments    []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	GeneratedMedia []Media      `json:"generatedMedia,omitempty" yaml:"generatedMedia,omitempty"`
	Citations      []Citation   `json:"citations,omitempty" yaml:"citations,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

type MessageOption func(*Message)

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID string) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithBranchIndex(idx int) MessageOption {
	return func(m *Message) {
		m.BranchIndex = idx
	}
}

func WithModel(model string) MessageOption {
	return func(m *Message) {
		m.Model = model
	}
}

func WithAttachments(attachments []Attachment) MessageOption {
	return func(m *Message) {
		m.Attachments = attachments
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
		m.UpdatedAt = t
	}
}

// WithEdited marks the message as a user edit of an earlier sibling.
func WithEdited(at time.Time) MessageOption {
	return func(m *Message) {
		m.IsEdited = true
		m.EditedAt = &at
	}
}

func NewMessage(chatID string, role Role, content string, options ...MessageOption) *Message {
	now := time.Now()
	ret := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (m *Message) IsRoot() bool {
	return m.ParentID == ""
}

// HasContent reports whether the message carries anything but whitespace.
func (m *Message) HasContent() bool {
	return strings.TrimSpace(m.Content) != ""
}

// Normalize fixes up legacy fields after a message was read from storage.
func (m *Message) Normalize() *Message {
	if m != nil {
		m.Role = NormalizeRole(m.Role)
	}
	return m
}

// Conversation is a linear run of messages, usually a visible path or a thread.
type Conversation []*Message

// IDs returns the message ids in order.
func (c Conversation) IDs() []string {
	ret := make([]string, 0, len(c))
	for _, m := range c {
		ret = append(ret, m.ID)
	}
	return ret
}

// Last returns the final message, or nil for an empty conversation.
func (c Conversation) Last() *Message {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}
