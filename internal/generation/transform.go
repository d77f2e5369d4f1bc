package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/models"
)

const (
	objectChatCompletion = "chat.completion"
	objectChatChunk      = "chat.completion.chunk"
	objectTextCompletion = "text_completion"
	roleAssistant        = "assistant"
	defaultFinishReason  = "stop"
)

var now = time.Now

// ValidationError reports a chunk that cannot be turned into a response.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid generation output: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func checkIdentity(model, id string) error {
	if strings.TrimSpace(model) == "" {
		return invalid("model name is empty")
	}
	if strings.TrimSpace(id) == "" {
		return invalid("completion id is empty")
	}
	return nil
}

func checkFinish(chunk backend.Chunk) error {
	if !chunk.IsFinish() {
		return invalid("expected finish chunk, got %q", chunk.Kind)
	}
	return nil
}

func finishReason(chunk backend.Chunk) string {
	if chunk.StopReason == "" {
		return defaultFinishReason
	}
	return chunk.StopReason
}

// ToResponse wraps a finish chunk as a single-choice chat completion.
func ToResponse(finish backend.Chunk, model, id string) (models.ChatCompletionResponse, error) {
	if err := checkIdentity(model, id); err != nil {
		return models.ChatCompletionResponse{}, err
	}
	if err := checkFinish(finish); err != nil {
		return models.ChatCompletionResponse{}, err
	}
	usage := CreateUsageStats(finish)
	return models.ChatCompletionResponse{
		ID:      id,
		Object:  objectChatCompletion,
		Created: now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{{
			Index:        0,
			Message:      models.ResponseMessage{Role: roleAssistant, Content: finish.Text},
			FinishReason: finishReason(finish),
		}},
		Usage: &usage,
	}, nil
}

// ToStreamChunk wraps a token or finish chunk as one delta event. Only the
// finish-derived event carries a finish reason.
func ToStreamChunk(chunk backend.Chunk, model, id string) (models.StreamChunk, error) {
	if err := checkIdentity(model, id); err != nil {
		return models.StreamChunk{}, err
	}
	choice := models.StreamChoice{
		Index: 0,
		Delta: models.StreamDelta{Role: roleAssistant, Content: chunk.Text},
	}
	switch chunk.Kind {
	case backend.KindToken:
	case backend.KindFinish:
		reason := finishReason(chunk)
		choice.FinishReason = &reason
	default:
		return models.StreamChunk{}, invalid("unknown chunk kind %q", chunk.Kind)
	}
	return models.StreamChunk{
		ID:      id,
		Object:  objectChatChunk,
		Created: now().Unix(),
		Model:   model,
		Choices: []models.StreamChoice{choice},
	}, nil
}

// ToUsageChunk builds the trailing usage-only event.
func ToUsageChunk(finish backend.Chunk, model, id string) (models.StreamChunk, error) {
	if err := checkIdentity(model, id); err != nil {
		return models.StreamChunk{}, err
	}
	if err := checkFinish(finish); err != nil {
		return models.StreamChunk{}, err
	}
	usage := CreateUsageStats(finish)
	return models.StreamChunk{
		ID:      id,
		Object:  objectChatChunk,
		Created: now().Unix(),
		Model:   model,
		Choices: []models.StreamChoice{},
		Usage:   &usage,
	}, nil
}

// ToCompletionResponse wraps a finish chunk as a text completion.
func ToCompletionResponse(finish backend.Chunk, model, id string) (models.CompletionResponse, error) {
	if err := checkIdentity(model, id); err != nil {
		return models.CompletionResponse{}, err
	}
	if err := checkFinish(finish); err != nil {
		return models.CompletionResponse{}, err
	}
	usage := CreateUsageStats(finish)
	return models.CompletionResponse{
		ID:      id,
		Object:  objectTextCompletion,
		Created: now().Unix(),
		Model:   model,
		Choices: []models.CompletionChoice{{
			Index:        0,
			Text:         finish.Text,
			FinishReason: finishReason(finish),
		}},
		Usage: &usage,
	}, nil
}
