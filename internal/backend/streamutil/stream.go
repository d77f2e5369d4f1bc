package streamutil

import (
	"errors"
	"io"
	"sync"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/cancel"
)

// NextFunc produces the next engine chunk. It is only called when the
// consumer asks for an element, so producers never run ahead of the reader.
type NextFunc func() (backend.Chunk, error)

// Sequence wraps engine-specific pull logic with the shared contract: the
// token is checked before every element, the sequence ends after the finish
// chunk, and the closer runs exactly once.
type Sequence struct {
	token  *cancel.Token
	next   NextFunc
	closer func() error
	once   sync.Once
	mu     sync.Mutex
	done   bool
}

var _ backend.Sequence = (*Sequence)(nil)

// Pull builds a Sequence. closer may be nil.
func Pull(token *cancel.Token, closer func() error, next NextFunc) *Sequence {
	return &Sequence{token: token, next: next, closer: closer}
}

// Next returns the next chunk, io.EOF after the finish chunk, or
// cancel.ErrCancelled once the token is cancelled.
func (s *Sequence) Next() (backend.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return backend.Chunk{}, io.EOF
	}
	if s.cancelled() {
		s.finish()
		return backend.Chunk{}, cancel.ErrCancelled
	}

	chunk, err := s.next()
	if err != nil {
		s.finish()
		if s.cancelled() {
			return backend.Chunk{}, cancel.ErrCancelled
		}
		if errors.Is(err, io.EOF) {
			return backend.Chunk{}, backend.Wrap("generate", io.ErrUnexpectedEOF)
		}
		return backend.Chunk{}, backend.Wrap("generate", err)
	}
	if chunk.IsFinish() {
		s.finish()
	}
	return chunk, nil
}

// Close releases the engine resources. Safe to call more than once.
func (s *Sequence) Close() error {
	var err error
	s.once.Do(func() {
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

func (s *Sequence) finish() {
	s.done = true
	_ = s.Close()
}

func (s *Sequence) cancelled() bool {
	return s.token != nil && s.token.Cancelled()
}
