package streamutil

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/cancel"
)

func sliceNext(chunks []backend.Chunk, pulls *int) NextFunc {
	return func() (backend.Chunk, error) {
		if *pulls >= len(chunks) {
			return backend.Chunk{}, io.EOF
		}
		chunk := chunks[*pulls]
		*pulls++
		return chunk, nil
	}
}

func TestPullEndsAfterFinishAndClosesOnce(t *testing.T) {
	chunks := []backend.Chunk{
		{Kind: backend.KindToken, Text: "a"},
		{Kind: backend.KindFinish, Text: "a"},
	}
	pulls := 0
	closes := 0
	seq := Pull(cancel.New(context.Background()), func() error { closes++; return nil }, sliceNext(chunks, &pulls))

	first, err := seq.Next()
	require.NoError(t, err)
	require.Equal(t, "a", first.Text)
	require.Equal(t, 0, closes)

	last, err := seq.Next()
	require.NoError(t, err)
	require.True(t, last.IsFinish())
	require.Equal(t, 1, closes)

	_, err = seq.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, seq.Close())
	require.Equal(t, 1, closes)
	require.Equal(t, 2, pulls)
}

func TestPullStopsWithoutPullingWhenCancelled(t *testing.T) {
	token := cancel.New(context.Background())
	pulls := 0
	seq := Pull(token, nil, sliceNext([]backend.Chunk{{Kind: backend.KindToken, Text: "x"}}, &pulls))

	token.Cancel(nil)
	_, err := seq.Next()
	require.ErrorIs(t, err, cancel.ErrCancelled)
	require.Equal(t, 0, pulls)
}

func TestPullWrapsEngineErrors(t *testing.T) {
	boom := errors.New("engine crashed")
	seq := Pull(nil, nil, func() (backend.Chunk, error) { return backend.Chunk{}, boom })

	_, err := seq.Next()
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	require.ErrorIs(t, err, boom)
}

func TestPullReportsTruncatedSequence(t *testing.T) {
	pulls := 0
	seq := Pull(nil, nil, sliceNext(nil, &pulls))

	_, err := seq.Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPullMapsErrorAfterCancelToCancelled(t *testing.T) {
	token := cancel.New(context.Background())
	seq := Pull(token, nil, func() (backend.Chunk, error) {
		token.Cancel(nil)
		return backend.Chunk{}, context.Canceled
	})

	_, err := seq.Next()
	require.ErrorIs(t, err, cancel.ErrCancelled)
}
