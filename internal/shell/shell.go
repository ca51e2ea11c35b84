// Package shell runs a command line through the system shell and returns its
// combined output.
package shell

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/CZERTAINLY/shelltask/internal/task"
)

const Path = "/bin/sh"

// Run executes command with /bin/sh -c and blocks until it finished. The
// combined stdout and stderr is split on line breaks, so output ending with a
// line break yields a trailing empty element. Empty output or output which is
// not valid UTF-8 yields nil. A failing command is logged, not returned.
func Run(ctx context.Context, command string) []string {
	var (
		mx  sync.Mutex
		buf bytes.Buffer
	)
	collect := task.Handle(func(chunk []byte) {
		mx.Lock()
		buf.Write(chunk)
		mx.Unlock()
	})

	t := &task.Task{
		Path:   Path,
		Args:   []string{"-c", command},
		Stdout: []task.Output{collect},
		Stderr: []task.Output{collect},
	}
	t.Launch(ctx, func(res task.Result) {
		if !res.Succeeded() {
			slog.WarnContext(ctx, "command failed", "command", t.Command(), "exit_code", res.ExitCode)
		}
	})
	if err := t.Wait(ctx); err != nil {
		slog.WarnContext(ctx, "waiting for command", "command", t.Command(), "error", err)
		return nil
	}

	mx.Lock()
	defer mx.Unlock()
	if buf.Len() == 0 || !utf8.Valid(buf.Bytes()) {
		return nil
	}
	return strings.Split(buf.String(), "\n")
}
