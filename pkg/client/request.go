package client

import (
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/sashabaranov/go-openai"
)

type Mode string

const (
	// ModeAuto lets the endpoint's router pick one model.
	ModeAuto Mode = "auto"
	// ModeManual streams one response per requested model.
	ModeManual Mode = "manual"
)

type ImageOptions struct {
	AspectRatio string `json:"aspectRatio,omitempty" yaml:"aspect-ratio,omitempty" mapstructure:"aspect-ratio"`
	Size        string `json:"size,omitempty" yaml:"size,omitempty" mapstructure:"size"`
}

type WebSearchOptions struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Engine      string `json:"engine,omitempty" yaml:"engine,omitempty" mapstructure:"engine"`
	MaxResults  int    `json:"maxResults,omitempty" yaml:"max-results,omitempty" mapstructure:"max-results"`
	ContextSize string `json:"contextSize,omitempty" yaml:"context-size,omitempty" mapstructure:"context-size"`
}

// Request is the body of one streaming chat call.
type Request struct {
	Message      string                         `json:"message"`
	Attachments  []conversation.Attachment      `json:"attachments,omitempty"`
	Mode         Mode                           `json:"mode"`
	Models       []string                       `json:"models,omitempty"`
	History      []openai.ChatCompletionMessage `json:"history"`
	SystemPrompt string                         `json:"systemPrompt,omitempty"`
	ImageOptions *ImageOptions                  `json:"imageOptions,omitempty"`
	WebSearch    *WebSearchOptions              `json:"webSearch,omitempty"`
}

// IsMultiModel reports whether events will be tagged with a model id.
func (r *Request) IsMultiModel() bool {
	return r.Mode == ModeManual && len(r.Models) > 1
}

// HistoryMessages converts tree history into the provider message shape.
func HistoryMessages(entries []conversation.HistoryEntry) []openai.ChatCompletionMessage {
	ret := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, e := range entries {
		role := openai.ChatMessageRoleUser
		if e.Role == conversation.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		ret = append(ret, openai.ChatCompletionMessage{
			Role:    role,
			Content: e.Content,
		})
	}
	return ret
}
