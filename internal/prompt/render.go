package prompt

import (
	"errors"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/models"
)

// Message is a chat message reduced to prompt text.
type Message struct {
	Role    string
	Content string
}

// NormalizeMessages reduces every message to plain text. Multi-part content
// becomes the text of its first text part, or "" when there is none. The
// input slice is not modified.
func NormalizeMessages(messages []models.ChatMessage) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, Message{Role: msg.Role, Content: msg.Content.Text()})
	}
	return out
}

// Render builds the prompt for req using tmpl and the model's special tokens.
// Caller template vars are applied first so reserved keys always win.
func Render(tokenizer backend.Tokenizer, tmpl *Template, req models.ChatCompletionRequest) (string, error) {
	vars := make(map[string]any, len(req.TemplateVars)+5)
	for k, v := range req.TemplateVars {
		vars[k] = v
	}

	messages := NormalizeMessages(req.Messages)
	rendered := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		rendered = append(rendered, map[string]any{"role": msg.Role, "content": msg.Content})
	}

	bos := ""
	if req.IncludeBOS() {
		bos = tokenizer.BOSToken
	}
	eos := tokenizer.EOSToken
	if req.BanEOSToken {
		eos = ""
	}

	vars["messages"] = rendered
	vars["bos_token"] = bos
	vars["eos_token"] = eos
	vars["add_generation_prompt"] = req.GenerationPrompt()
	vars["raise_exception"] = raiseException

	return tmpl.Execute(vars)
}

// raiseException lets HuggingFace-style templates abort rendering.
func raiseException(message string) (string, error) {
	return "", errors.New(message)
}
