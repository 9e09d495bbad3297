package feed

import (
	"context"
	"io"

	"mm_backtest/internal/core"
)

// SliceSource serves an in-memory event slice in chunks. Used by tests and
// by callers that already hold the stream.
type SliceSource struct {
	events []core.Event
	chunk  int
	off    int
}

// NewSliceSource wraps events. chunkSize <= 0 serves everything in one chunk.
func NewSliceSource(events []core.Event, chunkSize int) *SliceSource {
	if chunkSize <= 0 {
		chunkSize = len(events)
	}
	return &SliceSource{events: events, chunk: chunkSize}
}

// NextChunk returns the next bounded slice, io.EOF when drained.
func (s *SliceSource) NextChunk(ctx context.Context) (core.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return core.Chunk{}, err
	}
	if s.off >= len(s.events) {
		return core.Chunk{}, io.EOF
	}
	end := s.off + s.chunk
	if end > len(s.events) {
		end = len(s.events)
	}
	out := s.events[s.off:end]
	s.off = end
	return core.Chunk{Events: out}, nil
}

// Close implements core.EventSource.
func (s *SliceSource) Close() error { return nil }
