package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentPartType tags a multi-part message element.
type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImageURL ContentPartType = "image_url"
)

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURL       `json:"image_url,omitempty"`
}

// MessageContent is either a plain string or an ordered list of parts.
type MessageContent struct {
	text  string
	parts []ContentPart
	multi bool
}

// TextContent builds string content.
func TextContent(text string) MessageContent {
	return MessageContent{text: text}
}

// PartsContent builds multi-part content.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{parts: parts, multi: true}
}

// IsMultipart reports whether the content arrived as a list of parts.
func (c MessageContent) IsMultipart() bool { return c.multi }

// Parts returns the parts of multi-part content.
func (c MessageContent) Parts() []ContentPart { return c.parts }

// Text reduces the content to prompt text: the string itself, or the text of
// the first text part. Image parts never reach the prompt.
func (c MessageContent) Text() string {
	if !c.multi {
		return c.text
	}
	for _, part := range c.parts {
		switch part.Type {
		case ContentPartText:
			return part.Text
		case ContentPartImageURL:
			continue
		}
	}
	return ""
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.multi {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = MessageContent{}
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*c = TextContent(text)
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	for i, part := range parts {
		switch part.Type {
		case ContentPartText:
		case ContentPartImageURL:
			if part.ImageURL == nil {
				return fmt.Errorf("content[%d]: image_url part requires image_url", i)
			}
		default:
			return fmt.Errorf("content[%d]: unsupported part type %q", i, part.Type)
		}
	}
	*c = PartsContent(parts...)
	return nil
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatCompletionRequest struct {
	Model               string         `json:"model,omitempty"`
	Messages            []ChatMessage  `json:"messages"`
	TemplateVars        map[string]any `json:"template_vars,omitempty"`
	AddBOSToken         *bool          `json:"add_bos_token,omitempty"`
	BanEOSToken         bool           `json:"ban_eos_token,omitempty"`
	AddGenerationPrompt *bool          `json:"add_generation_prompt,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *StreamOptions `json:"stream_options,omitempty"`
	SamplingParams
}

// IncludeBOS defaults to true.
func (r ChatCompletionRequest) IncludeBOS() bool {
	return r.AddBOSToken == nil || *r.AddBOSToken
}

// GenerationPrompt defaults to true.
func (r ChatCompletionRequest) GenerationPrompt() bool {
	return r.AddGenerationPrompt == nil || *r.AddGenerationPrompt
}

// IncludeUsage reports whether a streaming response ends with a usage chunk.
func (r ChatCompletionRequest) IncludeUsage() bool {
	return r.StreamOptions != nil && r.StreamOptions.IncludeUsage
}

// Validate rejects payloads that must never reach generation.
func (r *ChatCompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "at least one message is required"}
	}
	for i := range r.Messages {
		role := strings.ToLower(strings.TrimSpace(r.Messages[i].Role))
		if role == "" {
			role = "user"
		}
		r.Messages[i].Role = role
	}
	return r.SamplingParams.Validate()
}

type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
}

type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamChunk is one server-sent event of a chat completion stream. The
// trailing usage chunk carries no choices.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// IsUsageOnly reports whether the chunk is the trailing usage chunk.
func (c StreamChunk) IsUsageOnly() bool {
	return len(c.Choices) == 0 && c.Usage != nil
}
