// Package openaicompat drives an OpenAI-compatible inference server (for
// example llama.cpp's llama-server) through its legacy completions API, so
// prompts rendered locally are sent verbatim.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/pagination"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/backend/streamutil"
	"github.com/ncecere/open_model_server/internal/cancel"
)

const (
	modelFileExt       = ".gguf"
	defaultAPIKey      = "sk-no-key-required"
	defaultPollEvery   = 500 * time.Millisecond
	defaultMaxAttempts = 20
)

// Options configure the adapter.
type Options struct {
	BaseURL         string
	APIKey          string
	PollInterval    time.Duration
	MaxPollAttempts int
	Extra           []option.RequestOption
}

// ErrModelNotServed is returned by Load when the inference server lists its
// models and the requested one is not among them.
var ErrModelNotServed = errors.New("model not served by the inference server")

// Adapter implements backend.Engine on top of the official OpenAI SDK.
type Adapter struct {
	client       *openai.Client
	pollInterval time.Duration
	maxAttempts  int

	mu         sync.RWMutex
	upstreamID string
}

var _ backend.Engine = (*Adapter)(nil)

// New creates an adapter for the server at opts.BaseURL (including the /v1 suffix).
func New(opts Options) (*Adapter, error) {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		return nil, errors.New("openaicompat: base url required")
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = defaultAPIKey
	}

	requestOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(strings.TrimRight(baseURL, "/")),
	}
	requestOpts = append(requestOpts, opts.Extra...)
	client := openai.NewClient(requestOpts...)

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollEvery
	}
	maxAttempts := opts.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Adapter{client: &client, pollInterval: pollInterval, maxAttempts: maxAttempts}, nil
}

// Load verifies the model file and waits for the upstream server to serve it,
// reporting progress once per readiness probe.
func (a *Adapter) Load(ctx context.Context, cfg backend.LoadConfig, progress backend.ProgressFunc) (backend.ModelInfo, error) {
	name := strings.TrimSuffix(strings.TrimSpace(cfg.Name), modelFileExt)
	if name == "" {
		return backend.ModelInfo{}, errors.New("model name required")
	}
	path := ""
	if cfg.ModelDir != "" {
		path = filepath.Join(cfg.ModelDir, name+modelFileExt)
		if _, err := os.Stat(path); err != nil {
			return backend.ModelInfo{}, fmt.Errorf("model file %s: %w", filepath.Base(path), err)
		}
	}
	if progress == nil {
		progress = func(float64) bool { return true }
	}

	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if !progress(float64(attempt) * 100 / float64(a.maxAttempts)) {
			return backend.ModelInfo{}, backend.ErrLoadStopped
		}

		page, err := a.client.Models.List(ctx)
		if err == nil {
			upstreamID, err := matchModel(page, name)
			if err != nil {
				return backend.ModelInfo{}, err
			}
			a.mu.Lock()
			a.upstreamID = upstreamID
			a.mu.Unlock()
			if !progress(100) {
				a.clearModel()
				return backend.ModelInfo{}, backend.ErrLoadStopped
			}
			return backend.ModelInfo{Name: name, Path: path, Tokenizer: cfg.Tokenizer}, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return backend.ModelInfo{}, ctx.Err()
		case <-time.After(a.pollInterval):
		}
	}
	return backend.ModelInfo{}, fmt.Errorf("inference server not ready after %d attempts: %w", a.maxAttempts, lastErr)
}

// Unload forgets the upstream model. The upstream process keeps running.
func (a *Adapter) Unload(_ context.Context, _ bool) error {
	a.clearModel()
	return nil
}

// Health uses the Models API as a lightweight readiness probe.
func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	return err
}

// Generate streams a completion for prompt. The HTTP request is bound to the
// token's context so cancelling the token aborts it.
func (a *Adapter) Generate(token *cancel.Token, prompt string, params backend.Params) (backend.Sequence, error) {
	model, ok := a.model()
	if !ok {
		return nil, backend.ErrNoModel
	}
	body, opts := buildCompletionParams(model, prompt, params)
	body.StreamOptions.IncludeUsage = param.NewOpt(true)

	stream := a.client.Completions.NewStreaming(token.Context(), body, opts...)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, backend.Wrap("generate", err)
	}

	var (
		text   strings.Builder
		counts backend.TokenCounts
		reason string
	)
	next := func() (backend.Chunk, error) {
		for stream.Next() {
			event := stream.Current()
			if event.Usage.PromptTokens > 0 || event.Usage.CompletionTokens > 0 {
				counts = convertUsage(event.Usage)
			}
			if len(event.Choices) == 0 {
				continue
			}
			choice := event.Choices[0]
			if choice.FinishReason != "" {
				reason = string(choice.FinishReason)
			}
			if choice.Text == "" {
				continue
			}
			text.WriteString(choice.Text)
			return backend.Chunk{Kind: backend.KindToken, Text: choice.Text}, nil
		}
		if err := stream.Err(); err != nil {
			return backend.Chunk{}, err
		}
		return backend.Chunk{
			Kind:       backend.KindFinish,
			Text:       text.String(),
			Tokens:     counts,
			StopReason: reason,
		}, nil
	}

	return streamutil.Pull(token, stream.Close, next), nil
}

// Complete performs a non-streaming completion.
func (a *Adapter) Complete(ctx context.Context, prompt string, params backend.Params) (backend.Chunk, error) {
	model, ok := a.model()
	if !ok {
		return backend.Chunk{}, backend.ErrNoModel
	}
	body, opts := buildCompletionParams(model, prompt, params)
	resp, err := a.client.Completions.New(ctx, body, opts...)
	if err != nil {
		return backend.Chunk{}, backend.Wrap("complete", err)
	}

	chunk := backend.Chunk{Kind: backend.KindFinish, Tokens: convertUsage(resp.Usage)}
	if len(resp.Choices) > 0 {
		chunk.Text = resp.Choices[0].Text
		chunk.StopReason = string(resp.Choices[0].FinishReason)
	}
	return chunk, nil
}

func (a *Adapter) model() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.upstreamID, a.upstreamID != ""
}

func (a *Adapter) clearModel() {
	a.mu.Lock()
	a.upstreamID = ""
	a.mu.Unlock()
}

// matchModel picks the upstream id serving name. llama-server lists the path
// of its model file, so ids are compared by base name too. An empty listing
// leaves the name as is.
func matchModel(page *pagination.Page[openai.Model], name string) (string, error) {
	if page == nil || len(page.Data) == 0 {
		return name, nil
	}
	served := make([]string, 0, len(page.Data))
	for _, item := range page.Data {
		base := strings.TrimSuffix(filepath.Base(item.ID), modelFileExt)
		if item.ID == name || base == name {
			return item.ID, nil
		}
		served = append(served, item.ID)
	}
	return "", fmt.Errorf("%w: %s (serving %s)", ErrModelNotServed, name, strings.Join(served, ", "))
}

func buildCompletionParams(model, prompt string, p backend.Params) (openai.CompletionNewParams, []option.RequestOption) {
	params := openai.CompletionNewParams{
		Model: openai.CompletionNewParamsModel(model),
	}
	params.Prompt.OfString = param.NewOpt(prompt)

	if p.MaxTokens != nil {
		params.MaxTokens = param.NewOpt(int64(*p.MaxTokens))
	}
	if p.Temperature != nil {
		params.Temperature = param.NewOpt(*p.Temperature)
	}
	if p.TopP != nil {
		params.TopP = param.NewOpt(*p.TopP)
	}
	if p.FrequencyPenalty != nil {
		params.FrequencyPenalty = param.NewOpt(*p.FrequencyPenalty)
	}
	if p.PresencePenalty != nil {
		params.PresencePenalty = param.NewOpt(*p.PresencePenalty)
	}
	if p.Seed != nil {
		params.Seed = param.NewOpt(*p.Seed)
	}
	if len(p.Stop) == 1 {
		params.Stop.OfString = param.NewOpt(p.Stop[0])
	} else if len(p.Stop) > 1 {
		params.Stop.OfStringArray = append(params.Stop.OfStringArray, p.Stop...)
	}

	// Sampler knobs outside the OpenAI schema are understood by llama.cpp.
	var opts []option.RequestOption
	if p.TopK != nil {
		opts = append(opts, option.WithJSONSet("top_k", *p.TopK))
	}
	if p.MinP != nil {
		opts = append(opts, option.WithJSONSet("min_p", *p.MinP))
	}
	if p.RepetitionPenalty != nil {
		opts = append(opts, option.WithJSONSet("repeat_penalty", *p.RepetitionPenalty))
	}
	return params, opts
}

func convertUsage(u openai.CompletionUsage) backend.TokenCounts {
	return backend.TokenCounts{
		Prompt:     int(u.PromptTokens),
		Completion: int(u.CompletionTokens),
	}
}
