package sink

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/nicktill/tinyrollup/pkg/rollup"
)

// WriterSink writes each record as one line to w.
type WriterSink struct {
	name string

	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{name: name, w: bufio.NewWriter(w)}
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) WriteBatch(_ context.Context, b rollup.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range b.Records {
		if _, err := s.w.WriteString(r.Line()); err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

var _ rollup.Sink = (*WriterSink)(nil)
