package conversation

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is the placeholder title of a conversation nobody named yet.
const DefaultTitle = "New Chat"

// Chat is the container record for one conversation tree.
type Chat struct {
	ID             string `json:"id" yaml:"id"`
	Title          string `json:"title" yaml:"title"`
	TitleSetByUser bool   `json:"titleSetByUser,omitempty" yaml:"titleSetByUser,omitempty"`

	MessageCount int      `json:"messageCount" yaml:"messageCount"`
	TotalCost    float64  `json:"totalCost" yaml:"totalCost"`
	TotalTokens  int      `json:"totalTokens" yaml:"totalTokens"`
	Models       []string `json:"models,omitempty" yaml:"models,omitempty"`

	// CurrentLeafMessageID is the last message of the preferred path. Reopening
	// a chat rebuilds its branch selection from this id.
	CurrentLeafMessageID string `json:"currentLeafMessageId,omitempty" yaml:"currentLeafMessageId,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

func NewChat(id string) *Chat {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Chat{
		ID:        id,
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasDefaultTitle reports whether an automatic title may still replace the current one.
func (c *Chat) HasDefaultTitle() bool {
	return !c.TitleSetByUser && (c.Title == "" || c.Title == DefaultTitle)
}

// StatsDelta is an increment applied to a chat's aggregate counters.
type StatsDelta struct {
	Messages int
	Tokens   int
	Cost     float64
	Models   []string
}

func (c *Chat) ApplyStats(d StatsDelta) {
	c.MessageCount += d.Messages
	c.TotalTokens += d.Tokens
	c.TotalCost += d.Cost

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		seen[m] = true
	}
	for _, m := range d.Models {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		c.Models = append(c.Models, m)
	}
	sort.Strings(c.Models)
	c.UpdatedAt = time.Now()
}
