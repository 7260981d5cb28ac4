package engine

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// Interruptible marks a stream that can be forced to fail from another
// goroutine, unblocking any reader or writer parked on it.
type Interruptible interface {
	Interrupt() error
}

// pipeBuffer is the one-shot in-memory pipe connecting two pipeline stages.
// The upstream stage drains fully into it before the downstream stage runs,
// so reads past the written bytes return io.EOF rather than blocking.
// Buffers are unbounded; producers never block on a full pipe.
type pipeBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	return &pipeBuffer{}
}

var _ io.ReadCloser = (*pipeBuffer)(nil)
var _ io.WriteCloser = (*pipeBuffer)(nil)
var _ Interruptible = (*pipeBuffer)(nil)

func (p *pipeBuffer) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *pipeBuffer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	return p.buf.Write(b)
}

func (p *pipeBuffer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipeBuffer) Interrupt() error {
	return p.Close()
}

// Len reports the number of buffered, unread bytes.
func (p *pipeBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

func toReadCloser(r io.Reader) io.ReadCloser {
	if r == nil {
		return &devNull{}
	}
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return nopReadCloser{r}
}

type nopReadCloser struct {
	io.Reader
}

func (nopReadCloser) Close() error { return nil }

func toWriteCloser(w io.Writer) io.WriteCloser {
	if w == nil {
		return &devNull{}
	}
	if wc, ok := w.(io.WriteCloser); ok {
		return wc
	}
	return nopWriteCloser{w}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// devNull discards writes and fails reads, mimicking a closed /dev/null.
type devNull struct{}

var _ io.ReadCloser = (*devNull)(nil)
var _ io.WriteCloser = (*devNull)(nil)

func (*devNull) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (*devNull) Write(b []byte) (int, error) {
	return len(b), nil
}

func (*devNull) Close() error {
	return nil
}
