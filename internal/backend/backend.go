// Package backend defines the boundary between the request pipeline and the
// model-inference engine.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncecere/open_model_server/internal/cancel"
)

// ChunkKind tags a generation event.
type ChunkKind string

const (
	KindToken  ChunkKind = "token"
	KindFinish ChunkKind = "finish"
)

// TokenCounts are reported on the terminal chunk. Counters the engine does
// not report stay zero.
type TokenCounts struct {
	Prompt     int
	Completion int
}

// Chunk is one element of a generation sequence. Tokens and StopReason are
// only meaningful on the finish chunk, whose Text is the full generation.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	Tokens     TokenCounts
	StopReason string
}

// IsFinish reports whether the chunk terminates its sequence.
func (c Chunk) IsFinish() bool { return c.Kind == KindFinish }

// Params carries sampling configuration to the engine untouched.
type Params struct {
	MaxTokens         *int
	Temperature       *float64
	TopP              *float64
	TopK              *int
	MinP              *float64
	RepetitionPenalty *float64
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	Seed              *int64
	Stop              []string
}

// Tokenizer exposes the special token text templates need.
type Tokenizer struct {
	BOSToken string
	EOSToken string
}

// LoadConfig describes the model to load.
type LoadConfig struct {
	Name      string
	ModelDir  string
	Tokenizer Tokenizer
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Name      string
	Path      string
	Tokenizer Tokenizer
}

// ProgressFunc receives load progress in percent. Returning false asks the
// loader to stop.
type ProgressFunc func(percent float64) bool

// Sequence is a lazy, pull-based generation stream. Next returns io.EOF once
// the finish chunk has been delivered and cancel.ErrCancelled after the
// token governing the sequence was cancelled.
type Sequence interface {
	Next() (Chunk, error)
	Close() error
}

// Generator produces text for the loaded model.
type Generator interface {
	// Generate starts a streaming generation governed by token.
	Generate(token *cancel.Token, prompt string, params Params) (Sequence, error)
	// Complete materializes a whole generation into its finish chunk.
	Complete(ctx context.Context, prompt string, params Params) (Chunk, error)
}

// Loader loads and unloads the single backend model.
type Loader interface {
	Load(ctx context.Context, cfg LoadConfig, progress ProgressFunc) (ModelInfo, error)
	Unload(ctx context.Context, force bool) error
}

// Engine is everything the server needs from an inference backend.
type Engine interface {
	Generator
	Loader
	Health(ctx context.Context) error
}

var (
	// ErrNoModel is returned when generation is requested without a loaded model.
	ErrNoModel = errors.New("no model loaded")
	// ErrLoadStopped is returned by loaders when the progress callback asked to stop.
	ErrLoadStopped = errors.New("model load stopped")
)

// Error wraps a failure reported by the inference engine.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err as an *Error unless it is nil or already one.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Op: op, Err: err}
}
