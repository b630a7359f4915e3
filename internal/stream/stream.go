// Package stream turns an output connection into a finite, pull-based
// sequence of byte chunks and drains it into a single combined capture.
package stream

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// Stream is a lazy, non-restartable sequence of output chunks.
// Next returns io.EOF once the producer has closed the stream; any other
// error is terminal. A returned chunk stays valid after the next call.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// ErrMalformed reports a frame that does not follow the multiplexing
// discipline.
var ErrMalformed = errors.New("malformed frame")

// errClosed ends a demuxer that was closed while frames were pending.
var errClosed = errors.New("stream closed")

// headerLen is the size of the multiplexing header stdcopy strips from
// every frame.
const headerLen = 8

// Demuxer strips multiplexing headers from a non-TTY stdio stream and yields
// the payloads of stdout and stderr frames in arrival order. Frames are
// decoded by stdcopy.StdCopy in a goroutine started on the first Next.
type Demuxer struct {
	src    *countingReader
	closer io.Closer

	start  sync.Once
	chunks chan []byte
	// err is set before chunks is closed.
	err error

	stop sync.Once
	done chan struct{}
}

// NewDemuxer reads frames from r and closes closer on Close.
func NewDemuxer(r io.Reader, closer io.Closer) *Demuxer {
	return &Demuxer{
		src:    &countingReader{r: r},
		closer: closer,
		chunks: make(chan []byte),
		done:   make(chan struct{}),
	}
}

func (d *Demuxer) Next() ([]byte, error) {
	d.start.Do(func() { go d.pump() })

	select {
	case chunk, ok := <-d.chunks:
		if !ok {
			return nil, d.err
		}
		return chunk, nil
	case <-d.done:
		return nil, errClosed
	}
}

func (d *Demuxer) pump() {
	w := &chunkWriter{chunks: d.chunks, done: d.done}
	// Both stdout and stderr go to the same writer, which keeps their
	// interleaving.
	_, err := stdcopy.StdCopy(w, w, d.src)
	d.err = d.classify(err, w)
	close(d.chunks)
}

// classify maps the result of StdCopy onto the Stream contract.
func (d *Demuxer) classify(err error, w *chunkWriter) error {
	switch {
	case err == nil:
		// StdCopy treats a frame cut short by EOF as a clean end.
		if d.src.n != w.consumed {
			return fmt.Errorf("%w: truncated frame (%d trailing bytes)", ErrMalformed, d.src.n-w.consumed)
		}
		return io.EOF
	case errors.Is(err, errClosed):
		return errClosed
	case d.src.err != nil && errors.Is(err, d.src.err):
		return err
	case strings.HasPrefix(err.Error(), "error from daemon"):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}

func (d *Demuxer) Close() error {
	var err error
	d.stop.Do(func() {
		close(d.done)
		if d.closer != nil {
			err = d.closer.Close()
		}
	})
	return err
}

// chunkWriter hands each frame payload to Next.
type chunkWriter struct {
	chunks   chan<- []byte
	done     <-chan struct{}
	consumed int64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.consumed += int64(headerLen + len(p))
	if len(p) == 0 {
		return 0, nil
	}
	// StdCopy reuses its buffer.
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case w.chunks <- chunk:
		return len(p), nil
	case <-w.done:
		return 0, errClosed
	}
}

// countingReader records how much was read and the first read failure.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && c.err == nil {
		c.err = err
	}
	return n, err
}

// Raw yields unframed chunks as they are read, e.g. from a pipe.
type Raw struct {
	rc  io.ReadCloser
	buf []byte
}

// NewRaw wraps an unframed reader.
func NewRaw(rc io.ReadCloser) *Raw {
	return &Raw{rc: rc, buf: make([]byte, 32<<10)}
}

func (r *Raw) Next() ([]byte, error) {
	for {
		n, err := r.rc.Read(r.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, r.buf[:n])
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *Raw) Close() error {
	return r.rc.Close()
}
