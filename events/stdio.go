package events

import (
	"context"
	"io"
	"os"
	"sync"
)

// stdioProducer writes one payload per line.
type stdioProducer struct {
	w  io.Writer
	mu sync.Mutex
}

func newStdioProducer(w io.Writer) *stdioProducer {
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	_, err := p.w.Write([]byte("\n"))
	return err
}

func (*stdioProducer) Close() error {
	return nil
}
