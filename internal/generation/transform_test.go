package generation

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/models"
)

func TestCreateUsageStats(t *testing.T) {
	tests := []struct {
		name   string
		counts backend.TokenCounts
		want   models.Usage
	}{
		{name: "both counters", counts: backend.TokenCounts{Prompt: 3, Completion: 2}, want: models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		{name: "missing completion", counts: backend.TokenCounts{Prompt: 7}, want: models.Usage{PromptTokens: 7, TotalTokens: 7}},
		{name: "missing both", want: models.Usage{}},
		{name: "negative clamps", counts: backend.TokenCounts{Prompt: -1, Completion: 4}, want: models.Usage{CompletionTokens: 4, TotalTokens: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CreateUsageStats(backend.Chunk{Kind: backend.KindFinish, Tokens: tt.counts})
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTransformRejectsMalformedInput(t *testing.T) {
	token := backend.Chunk{Kind: backend.KindToken, Text: "x"}
	finish := backend.Chunk{Kind: backend.KindFinish, Text: "x"}
	var vErr *ValidationError

	_, err := ToResponse(token, "m", "id")
	require.ErrorAs(t, err, &vErr)
	_, err = ToUsageChunk(token, "m", "id")
	require.ErrorAs(t, err, &vErr)
	_, err = ToCompletionResponse(token, "m", "id")
	require.ErrorAs(t, err, &vErr)

	_, err = ToStreamChunk(finish, "", "id")
	require.ErrorAs(t, err, &vErr)
	_, err = ToStreamChunk(finish, "m", " ")
	require.ErrorAs(t, err, &vErr)
	_, err = ToStreamChunk(backend.Chunk{Kind: "progress"}, "m", "id")
	require.ErrorAs(t, err, &vErr)
}

func TestTransformUsesFixedClock(t *testing.T) {
	orig := now
	now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { now = orig })

	chunk, err := ToStreamChunk(backend.Chunk{Kind: backend.KindToken, Text: "Hi"}, "m", "chatcmpl-1")
	require.NoError(t, err)
	require.EqualValues(t, 1700000000, chunk.Created)

	resp, err := ToResponse(backend.Chunk{Kind: backend.KindFinish, Text: "Hi", StopReason: "length"}, "m", "chatcmpl-1")
	require.NoError(t, err)
	require.EqualValues(t, 1700000000, resp.Created)
	require.Equal(t, "length", resp.Choices[0].FinishReason)
}

func TestSSESinkFraming(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSSESink(bufio.NewWriter(&buf))

	usage := models.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}
	require.NoError(t, sink.Send(models.StreamChunk{ID: "chatcmpl-1", Object: "chat.completion.chunk", Model: "m", Choices: []models.StreamChoice{}, Usage: &usage}))
	require.NoError(t, sink.Done())

	out := buf.String()
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("data: {")))
	require.Contains(t, out, `"choices":[]`)
	require.Contains(t, out, "}\n\ndata: [DONE]\n\n")
}
