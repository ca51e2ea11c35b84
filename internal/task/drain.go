package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

const chunkSize = 32 * 1024

// drain reads one pipe until EOF, forwarding every chunk to its sinks.
type drain struct {
	ctx    context.Context
	stream string
	r      io.ReadCloser
	sinks  []sink
	onEOF  func()

	eof  atomic.Bool
	read atomic.Int64
}

func newDrain(ctx context.Context, stream string, r io.ReadCloser, outputs []Output, onEOF func()) *drain {
	sinks := make([]sink, 0, len(outputs))
	for _, o := range outputs {
		sinks = append(sinks, o.newSink())
	}
	return &drain{
		ctx:    ctx,
		stream: stream,
		r:      r,
		sinks:  sinks,
		onEOF:  onEOF,
	}
}

// run must be called once, typically in its own goroutine.
func (d *drain) run() {
	buf := make([]byte, chunkSize)
	for {
		n, err := d.r.Read(buf)
		if n > 0 {
			d.read.Add(int64(n))
			d.deliver(buf[:n], false)
		}
		if n > 0 && err == nil {
			continue
		}

		switch {
		case err == nil, errors.Is(err, io.EOF):
		case errors.Is(err, os.ErrClosed):
			slog.DebugContext(d.ctx, "stream closed", "stream", d.stream)
		default:
			slog.WarnContext(d.ctx, "reading stream failed: treating as EOF", "stream", d.stream, "error", err)
		}
		d.deliver(nil, true)
		d.finish()
		return
	}
}

func (d *drain) deliver(chunk []byte, eof bool) {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	for _, s := range d.sinks {
		s.write(c, eof)
	}
}

func (d *drain) finish() {
	if !d.eof.CompareAndSwap(false, true) {
		panic("task: " + d.stream + " reached EOF twice")
	}
	_ = d.r.Close()
	slog.DebugContext(d.ctx, "stream reached EOF", "stream", d.stream, "bytes", d.read.Load())
	d.onEOF()
}
