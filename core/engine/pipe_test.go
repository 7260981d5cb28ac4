package engine

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeBufferOneShot(t *testing.T) {
	p := newPipeBuffer()

	n, err := p.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, p.Len())

	buf := make([]byte, 8)
	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	// Drained pipes report end of stream instead of blocking.
	_, err = p.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipeBufferClosed(t *testing.T) {
	p := newPipeBuffer()
	_, err := p.Write([]byte("pending"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Read(make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF, "closed pipes drop pending bytes")

	_, err = p.Write([]byte("more"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestPipeBufferInterrupt(t *testing.T) {
	p := newPipeBuffer()
	require.NoError(t, p.Interrupt())

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestStreamWrappers(t *testing.T) {
	// nil streams become a sink that never breaks a pipeline.
	in := toReadCloser(nil)
	_, err := in.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	out := toWriteCloser(nil)
	n, err := out.Write([]byte("dropped"))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)

	// Nop wrappers never count as an effective interrupt.
	assert.False(t, breakStream(in))
	assert.False(t, breakStream(out))
	assert.False(t, breakStream(toReadCloser(&devNull{})))
	assert.True(t, breakStream(newPipeBuffer()))
}
