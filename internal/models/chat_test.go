package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageContentDecoding(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		multipart bool
		text      string
		wantErr   bool
	}{
		{name: "string", payload: `"Hi"`, text: "Hi"},
		{name: "null", payload: `null`, text: ""},
		{name: "first text part", payload: `[{"type":"image_url","image_url":{"url":"http://x/y.png"}},{"type":"text","text":"describe"},{"type":"text","text":"ignored"}]`, multipart: true, text: "describe"},
		{name: "images only", payload: `[{"type":"image_url","image_url":{"url":"http://x/y.png"}}]`, multipart: true, text: ""},
		{name: "unknown part", payload: `[{"type":"audio","text":"x"}]`, wantErr: true},
		{name: "image without url", payload: `[{"type":"image_url"}]`, wantErr: true},
		{name: "number", payload: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var content MessageContent
			err := json.Unmarshal([]byte(tt.payload), &content)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.multipart, content.IsMultipart())
			require.Equal(t, tt.text, content.Text())
		})
	}
}

func TestChatRequestDefaults(t *testing.T) {
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[{"role":"User","content":"Hi"}],"stop":"</s>","max_tokens":8}`), &req))
	require.NoError(t, req.Validate())

	require.True(t, req.IncludeBOS())
	require.True(t, req.GenerationPrompt())
	require.False(t, req.BanEOSToken)
	require.False(t, req.IncludeUsage())
	require.Equal(t, "user", req.Messages[0].Role)
	require.Equal(t, StopSequences{"</s>"}, req.Stop)
	require.Equal(t, 8, *req.MaxTokens)
}

func TestChatRequestFlags(t *testing.T) {
	var req ChatCompletionRequest
	payload := `{"messages":[{"role":"user","content":"Hi"}],"add_bos_token":false,"add_generation_prompt":false,"ban_eos_token":true,"stream":true,"stream_options":{"include_usage":true},"stop":["a","b"]}`
	require.NoError(t, json.Unmarshal([]byte(payload), &req))

	require.False(t, req.IncludeBOS())
	require.False(t, req.GenerationPrompt())
	require.True(t, req.BanEOSToken)
	require.True(t, req.IncludeUsage())
	require.Equal(t, StopSequences{"a", "b"}, req.Stop)
}

func TestChatRequestValidation(t *testing.T) {
	req := ChatCompletionRequest{}
	var vErr *ValidationError
	require.ErrorAs(t, req.Validate(), &vErr)
	require.Equal(t, "messages", vErr.Field)

	zero := 0
	req = ChatCompletionRequest{
		Messages:       []ChatMessage{{Role: "user", Content: TextContent("Hi")}},
		SamplingParams: SamplingParams{MaxTokens: &zero},
	}
	require.ErrorAs(t, req.Validate(), &vErr)
	require.Equal(t, "max_tokens", vErr.Field)
}

func TestUsageChunkMarshalsEmptyChoices(t *testing.T) {
	chunk := StreamChunk{ID: "chatcmpl-1", Object: "chat.completion.chunk", Model: "m", Choices: []StreamChoice{}, Usage: &Usage{PromptTokens: 1, TotalTokens: 1}}
	require.True(t, chunk.IsUsageOnly())

	raw, err := json.Marshal(chunk)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"choices":[]`)
	require.Contains(t, string(raw), `"completion_tokens":0`)
}

func TestCompletionRequestRejectsStreaming(t *testing.T) {
	req := CompletionRequest{Prompt: "Once upon", Stream: true}
	var vErr *ValidationError
	require.ErrorAs(t, req.Validate(), &vErr)
	require.Equal(t, "stream", vErr.Field)

	req.Stream = false
	require.NoError(t, req.Validate())
}

func TestModelLoadRequestRejectsPaths(t *testing.T) {
	req := ModelLoadRequest{ModelName: "../etc/passwd"}
	require.Error(t, req.Validate())

	req = ModelLoadRequest{ModelName: " llama-3 "}
	require.NoError(t, req.Validate())
	require.Equal(t, "llama-3", req.ModelName)
}
