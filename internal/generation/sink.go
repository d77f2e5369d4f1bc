package generation

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/ncecere/open_model_server/internal/models"
)

// ErrSinkClosed is the cancellation cause when the client stops reading.
var ErrSinkClosed = errors.New("stream consumer went away")

// Sink receives stream events in order. A Send error means the consumer is
// gone and nothing more will be delivered.
type Sink interface {
	Send(chunk models.StreamChunk) error
}

// FlushWriter is satisfied by *bufio.Writer.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// SSESink frames chunks as server-sent events and flushes after each one.
type SSESink struct {
	w FlushWriter
}

func NewSSESink(w FlushWriter) *SSESink {
	return &SSESink{w: w}
}

func (s *SSESink) Send(chunk models.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Done writes the conventional [DONE] terminator.
func (s *SSESink) Done() error {
	return s.write([]byte("[DONE]"))
}

func (s *SSESink) write(data []byte) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	return s.w.Flush()
}
