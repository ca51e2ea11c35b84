package task

import (
	"bytes"
	"io"
	"os"
)

// Output consumes the chunks of one stream. The only implementations are
// returned by Print and Handle.
type Output interface {
	newSink() sink
}

// sink is the per-run state of an Output.
type sink interface {
	write(chunk []byte, eof bool)
}

// Print echoes the stream to w, os.Stdout when w is nil. When prefix is not
// empty, every line starts with the prefix followed by a space. A trailing
// line break is added at EOF if the stream ended in the middle of a line, so
// an empty stream prints nothing.
//
// Every chunk is rendered with a single Write, so w should be safe for
// concurrent use when it is shared by several streams.
func Print(w io.Writer, prefix string) Output {
	if w == nil {
		w = os.Stdout
	}
	return printOutput{w: w, prefix: prefix}
}

// Handle forwards every chunk unmodified to fn, including the final empty
// chunk which marks EOF.
func Handle(fn func(chunk []byte)) Output {
	if fn == nil {
		panic("task: Handle called with nil func")
	}
	return handleOutput(fn)
}

type printOutput struct {
	w      io.Writer
	prefix string
}

func (o printOutput) newSink() sink {
	p := &printer{
		w:         o.w,
		lineStart: true,
	}
	if o.prefix != "" {
		p.prefix = []byte(o.prefix + " ")
	}
	return p
}

type printer struct {
	w         io.Writer
	prefix    []byte
	lineStart bool
	buf       bytes.Buffer
}

func (p *printer) write(chunk []byte, eof bool) {
	p.buf.Reset()
	for len(chunk) > 0 {
		if p.lineStart {
			p.buf.Write(p.prefix)
		}
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.buf.Write(chunk)
			p.lineStart = false
			break
		}
		p.buf.Write(chunk[:i+1])
		chunk = chunk[i+1:]
		p.lineStart = true
	}
	if eof && !p.lineStart {
		p.buf.WriteByte('\n')
		p.lineStart = true
	}
	if p.buf.Len() == 0 {
		return
	}
	// console echo, a failing writer must not break the drain
	_, _ = p.w.Write(p.buf.Bytes())
}

type handleOutput func(chunk []byte)

func (o handleOutput) newSink() sink {
	return o
}

func (o handleOutput) write(chunk []byte, _ bool) {
	o(chunk)
}
