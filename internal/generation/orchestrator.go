// Package generation drives a single completion from rendered prompt to
// client-facing response, in streaming or one-shot form.
package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/backend/streamutil"
	"github.com/ncecere/open_model_server/internal/cancel"
	"github.com/ncecere/open_model_server/internal/models"
	"github.com/ncecere/open_model_server/internal/prompt"
)

const (
	ModeStream     = "stream"
	ModeChat       = "chat"
	ModeCompletion = "completion"

	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// ErrDisconnected is the cancellation cause when the client request ends.
var ErrDisconnected = errors.New("client disconnected")

// Model is the read-only view of the loaded model the pipeline needs.
type Model interface {
	Name() string
	Tokenizer() backend.Tokenizer
	Template() *prompt.Template
}

// Recorder receives one observation per finished generation.
type Recorder interface {
	RecordGeneration(model, mode, outcome string, usage models.Usage, elapsed time.Duration)
}

type Orchestrator struct {
	gen      backend.Generator
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// New creates an orchestrator. logger and recorder may be nil.
func New(gen backend.Generator, logger *slog.Logger, recorder Recorder) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gen:      gen,
		logger:   logger,
		recorder: recorder,
		tracer:   otel.Tracer("github.com/ncecere/open_model_server/internal/generation"),
	}
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Stream is one in-flight streaming chat completion.
type Stream struct {
	ID string

	o            *Orchestrator
	model        string
	includeUsage bool
	token        *cancel.Token
	seq          backend.Sequence
	span         trace.Span
	start        time.Time

	mu        sync.Mutex
	completed bool
	usage     models.Usage
	closeOnce sync.Once
}

// OpenChatStream renders the prompt and starts generation. The returned
// stream is cancelled as soon as disconnect is done, including when it is
// already done on entry. Template and engine errors are returned before
// anything is streamed.
func (o *Orchestrator) OpenChatStream(disconnect context.Context, model Model, req models.ChatCompletionRequest) (*Stream, error) {
	if model == nil {
		return nil, backend.ErrNoModel
	}
	if disconnect == nil {
		disconnect = context.Background()
	}

	id := newID("chatcmpl-")
	token := cancel.New(disconnect)
	token.OnCancel(func() {
		o.logger.Error("streaming completion aborted",
			slog.String("completion_id", id),
			slog.Any("cause", token.Cause()),
		)
	})
	token.Observe(disconnect, ErrDisconnected)

	_, span := o.tracer.Start(disconnect, "generation.stream", trace.WithAttributes(
		attribute.String("model", model.Name()),
		attribute.String("completion_id", id),
	))

	text, err := prompt.Render(model.Tokenizer(), model.Template(), req)
	if err != nil {
		token.Release()
		endSpan(span, err)
		return nil, err
	}

	var seq backend.Sequence
	if !token.Cancelled() {
		seq, err = o.gen.Generate(token, text, toBackendParams(req.SamplingParams))
	}
	switch {
	case token.Cancelled():
		// the client left before generation started; an empty stream
		// unwinds without reaching the engine
		if seq != nil {
			_ = seq.Close()
		}
		seq = streamutil.Pull(token, nil, nil)
	case err != nil:
		token.Release()
		err = backend.Wrap("generate", err)
		endSpan(span, err)
		return nil, err
	}

	return &Stream{
		ID:           id,
		o:            o,
		model:        model.Name(),
		includeUsage: req.IncludeUsage(),
		token:        token,
		seq:          seq,
		span:         span,
		start:        time.Now(),
	}, nil
}

// Pump forwards the sequence to sink one element at a time, writing each
// event before pulling the next. Cancellation, from the disconnect signal
// or a failed write, ends the stream without an error. Engine failures are
// logged and returned so callers do not terminate the stream as successful.
func (s *Stream) Pump(sink Sink) error {
	outcome := OutcomeCancelled
	var pumpErr error
	defer func() {
		s.finish(outcome, pumpErr)
	}()

	for {
		if s.token.Cancelled() {
			return nil
		}
		chunk, err := s.seq.Next()
		if err != nil {
			switch {
			case errors.Is(err, cancel.ErrCancelled), s.token.Cancelled():
				return nil
			case errors.Is(err, io.EOF):
				// the sequence ended without a finish chunk
				err = backend.Wrap("generate", io.ErrUnexpectedEOF)
			}
			outcome, pumpErr = OutcomeFailed, err
			s.o.logger.Error("streaming completion failed",
				slog.String("completion_id", s.ID),
				slog.String("error", err.Error()),
			)
			return err
		}

		event, err := ToStreamChunk(chunk, s.model, s.ID)
		if err != nil {
			outcome, pumpErr = OutcomeFailed, err
			return err
		}
		if err := sink.Send(event); err != nil {
			s.token.Cancel(ErrSinkClosed)
			return nil
		}
		if !chunk.IsFinish() {
			continue
		}

		usage := CreateUsageStats(chunk)
		if s.includeUsage {
			usageEvent, err := ToUsageChunk(chunk, s.model, s.ID)
			if err != nil {
				outcome, pumpErr = OutcomeFailed, err
				return err
			}
			if err := sink.Send(usageEvent); err != nil {
				s.token.Cancel(ErrSinkClosed)
				return nil
			}
		}

		s.mu.Lock()
		s.completed = true
		s.usage = usage
		s.mu.Unlock()
		outcome = OutcomeCompleted
		return nil
	}
}

// Completed reports whether the finish event (and usage, when requested)
// reached the sink.
func (s *Stream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Usage returns the usage of a completed stream.
func (s *Stream) Usage() models.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Cancelled reports whether the stream was cancelled.
func (s *Stream) Cancelled() bool {
	return s.token.Cancelled()
}

// Cancel stops the stream with cause. It reports whether this call
// cancelled it.
func (s *Stream) Cancel(cause error) bool {
	return s.token.Cancel(cause)
}

// Close releases the sequence and the token. Streams that were never pumped
// must still be closed.
func (s *Stream) Close() {
	s.finish(OutcomeCancelled, nil)
}

func (s *Stream) finish(outcome string, err error) {
	s.closeOnce.Do(func() {
		_ = s.seq.Close()
		s.token.Release()
		endSpan(s.span, err)
		s.o.record(s.model, ModeStream, outcome, s.Usage(), time.Since(s.start))
	})
}

// GenerateChat produces a complete chat response. The engine materializes
// the whole generation; ctx bounds the request.
func (o *Orchestrator) GenerateChat(ctx context.Context, model Model, req models.ChatCompletionRequest) (models.ChatCompletionResponse, error) {
	if model == nil {
		return models.ChatCompletionResponse{}, backend.ErrNoModel
	}
	ctx, span := o.tracer.Start(ctx, "generation.chat", trace.WithAttributes(attribute.String("model", model.Name())))
	start := time.Now()

	text, err := prompt.Render(model.Tokenizer(), model.Template(), req)
	if err != nil {
		endSpan(span, err)
		return models.ChatCompletionResponse{}, err
	}
	finish, err := o.gen.Complete(ctx, text, toBackendParams(req.SamplingParams))
	if err != nil {
		err = backend.Wrap("complete", err)
		endSpan(span, err)
		o.record(model.Name(), ModeChat, OutcomeFailed, models.Usage{}, time.Since(start))
		return models.ChatCompletionResponse{}, err
	}

	resp, err := ToResponse(finish, model.Name(), newID("chatcmpl-"))
	endSpan(span, err)
	if err != nil {
		o.record(model.Name(), ModeChat, OutcomeFailed, models.Usage{}, time.Since(start))
		return models.ChatCompletionResponse{}, err
	}
	o.record(model.Name(), ModeChat, OutcomeCompleted, *resp.Usage, time.Since(start))
	return resp, nil
}

// Complete runs a plain text completion; the prompt is sent verbatim.
func (o *Orchestrator) Complete(ctx context.Context, model Model, req models.CompletionRequest) (models.CompletionResponse, error) {
	if model == nil {
		return models.CompletionResponse{}, backend.ErrNoModel
	}
	ctx, span := o.tracer.Start(ctx, "generation.completion", trace.WithAttributes(attribute.String("model", model.Name())))
	start := time.Now()

	finish, err := o.gen.Complete(ctx, req.Prompt, toBackendParams(req.SamplingParams))
	if err != nil {
		err = backend.Wrap("complete", err)
		endSpan(span, err)
		o.record(model.Name(), ModeCompletion, OutcomeFailed, models.Usage{}, time.Since(start))
		return models.CompletionResponse{}, err
	}

	resp, err := ToCompletionResponse(finish, model.Name(), newID("cmpl-"))
	endSpan(span, err)
	if err != nil {
		o.record(model.Name(), ModeCompletion, OutcomeFailed, models.Usage{}, time.Since(start))
		return models.CompletionResponse{}, err
	}
	o.record(model.Name(), ModeCompletion, OutcomeCompleted, *resp.Usage, time.Since(start))
	return resp, nil
}

func (o *Orchestrator) record(model, mode, outcome string, usage models.Usage, elapsed time.Duration) {
	if o.recorder == nil {
		return
	}
	o.recorder.RecordGeneration(model, mode, outcome, usage, elapsed)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func toBackendParams(p models.SamplingParams) backend.Params {
	return backend.Params{
		MaxTokens:         p.MaxTokens,
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		TopK:              p.TopK,
		MinP:              p.MinP,
		RepetitionPenalty: p.RepetitionPenalty,
		FrequencyPenalty:  p.FrequencyPenalty,
		PresencePenalty:   p.PresencePenalty,
		Seed:              p.Seed,
		Stop:              []string(p.Stop),
	}
}
