package task_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/shelltask/internal/task"
	"github.com/stretchr/testify/require"
)

// chunks collects the chunks of one stream.
type chunks struct {
	mx  sync.Mutex
	got [][]byte
}

func (c *chunks) output() task.Output {
	return task.Handle(func(chunk []byte) {
		c.mx.Lock()
		defer c.mx.Unlock()
		c.got = append(c.got, chunk)
	})
}

func (c *chunks) all() [][]byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([][]byte(nil), c.got...)
}

func (c *chunks) String() string {
	return string(bytes.Join(c.all(), nil))
}

func shell(t *testing.T, script string) *task.Task {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return task.New(sh, "-c", script)
}

// launchAndWait runs tsk to completion and returns its only Result.
func launchAndWait(t *testing.T, tsk *task.Task) task.Result {
	t.Helper()
	var calls atomic.Int32
	var result task.Result
	tsk.Launch(t.Context(), func(res task.Result) {
		calls.Add(1)
		result = res
	})
	require.NoError(t, tsk.Wait(t.Context()))
	require.Equal(t, int32(1), calls.Load())
	return result
}

func TestTask(t *testing.T) {
	t.Parallel()

	type then struct {
		exitCode int
		stdout   string
		stderr   string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"no output", "exit 0", then{0, "", ""}},
		{"stdout", "echo stdout", then{0, "stdout\n", ""}},
		{"stderr", "echo stderr 1>&2", then{0, "", "stderr\n"}},
		{"both", "echo out; echo err 1>&2; echo out2", then{0, "out\nout2\n", "err\n"}},
		{"exit 7", "exit 7", then{7, "", ""}},
		{"exit 7 with output", "echo failing; exit 7", then{7, "failing\n", ""}},
		{"killed", "kill -9 $$", then{128 + 9, "", ""}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr chunks
			tsk := shell(t, tc.given)
			tsk.Stdout = []task.Output{stdout.output()}
			tsk.Stderr = []task.Output{stderr.output()}

			res := launchAndWait(t, tsk)
			require.Equal(t, tc.then.exitCode, res.ExitCode)
			require.Equal(t, tc.then.exitCode == 0, res.Succeeded())
			require.Equal(t, tc.then.stdout, stdout.String())
			require.Equal(t, tc.then.stderr, stderr.String())

			// both handlers get the terminal empty chunk
			for _, c := range [][][]byte{stdout.all(), stderr.all()} {
				require.NotEmpty(t, c)
				require.Empty(t, c[len(c)-1])
			}

			require.Equal(t, task.StateCompleted, tsk.State())
			require.False(t, tsk.IsRunning())
			status, ok := tsk.TerminationStatus()
			require.True(t, ok)
			require.Equal(t, tc.then.exitCode, status)
		})
	}
}

func TestResult(t *testing.T) {
	t.Parallel()
	tsk := shell(t, "exit 7")
	res := launchAndWait(t, tsk)

	require.False(t, res.Succeeded())
	var exitErr *task.ExitError
	require.ErrorAs(t, res.Err(), &exitErr)
	require.Equal(t, 7, exitErr.Code)
	require.Equal(t, tsk.Path, exitErr.Path)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, tsk.Args, res.Args)
	require.False(t, res.Started.IsZero())
	require.False(t, res.Stopped.Before(res.Started))

	ok := task.Result{Path: tsk.Path}
	require.True(t, ok.Succeeded())
	require.NoError(t, ok.Err())
}

func TestPrintPrefix(t *testing.T) {
	t.Parallel()
	var out, raw bytes.Buffer
	tsk := shell(t, `printf 'A\nB\n'`)
	tsk.Stdout = []task.Output{
		task.Print(&out, "OUT"),
		task.Print(&raw, ""),
	}

	res := launchAndWait(t, tsk)
	require.True(t, res.Succeeded())
	require.Equal(t, "OUT A\nOUT B\n", out.String())
	require.Equal(t, "A\nB\n", raw.String())
}

func TestHandleExactBytes(t *testing.T) {
	t.Parallel()
	const lines = 5000
	var expected strings.Builder
	for i := range lines {
		fmt.Fprintf(&expected, "line %d\n", i)
	}

	var stdout chunks
	tsk := shell(t, `i=0; while [ $i -lt 5000 ]; do echo "line $i"; i=$((i+1)); done`)
	tsk.Stdout = []task.Output{stdout.output()}

	res := launchAndWait(t, tsk)
	require.True(t, res.Succeeded())
	require.Equal(t, expected.String(), stdout.String())

	got := stdout.all()
	require.Empty(t, got[len(got)-1])
	for _, c := range got[:len(got)-1] {
		require.NotEmpty(t, c)
	}
}

func TestOutputOrder(t *testing.T) {
	t.Parallel()
	var (
		mx  sync.Mutex
		got []string
	)
	record := func(name string) task.Output {
		return task.Handle(func(chunk []byte) {
			mx.Lock()
			defer mx.Unlock()
			got = append(got, name+":"+string(chunk))
		})
	}
	tsk := shell(t, "echo one; sleep 0.05; echo two")
	tsk.Stdout = []task.Output{record("first"), record("second")}

	res := launchAndWait(t, tsk)
	require.True(t, res.Succeeded())

	mx.Lock()
	defer mx.Unlock()
	require.NotEmpty(t, got)
	require.Zero(t, len(got)%2)
	var text strings.Builder
	for i := 0; i < len(got); i += 2 {
		first, ok := strings.CutPrefix(got[i], "first:")
		require.True(t, ok, got[i])
		second, ok := strings.CutPrefix(got[i+1], "second:")
		require.True(t, ok, got[i+1])
		require.Equal(t, first, second)
		text.WriteString(first)
	}
	require.Equal(t, "one\ntwo\n", text.String())
	require.Equal(t, []string{"first:", "second:"}, got[len(got)-2:])
}

func TestTerminationBeforeEOF(t *testing.T) {
	t.Parallel()
	var stdout chunks
	// the shell exits right away, its background child holds stdout open
	tsk := shell(t, "(sleep 1; echo late) & exit 3")
	tsk.Stdout = []task.Output{stdout.output()}

	var calls atomic.Int32
	var exitCode atomic.Int32
	tsk.Launch(t.Context(), func(res task.Result) {
		calls.Add(1)
		exitCode.Store(int32(res.ExitCode))
	})

	require.Eventually(t, func() bool {
		_, ok := tsk.TerminationStatus()
		return ok
	}, 900*time.Millisecond, 10*time.Millisecond)
	require.True(t, tsk.IsRunning())
	require.Zero(t, calls.Load())

	require.NoError(t, tsk.Wait(t.Context()))
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int32(3), exitCode.Load())
	require.Equal(t, "late\n", stdout.String())
}

func TestLaunchTwice(t *testing.T) {
	t.Parallel()
	tsk := shell(t, "sleep 0.2; echo done")
	var stdout chunks
	tsk.Stdout = []task.Output{stdout.output()}

	var first task.Result
	tsk.Launch(t.Context(), func(res task.Result) { first = res })
	require.Equal(t, task.StateRunning, tsk.State())
	require.True(t, tsk.IsRunning())
	require.Panics(t, func() {
		tsk.Launch(t.Context(), func(task.Result) {})
	})
	require.NoError(t, tsk.Wait(t.Context()))
	require.True(t, first.Succeeded())

	// completed, but not reset
	require.Panics(t, func() {
		tsk.Launch(t.Context(), func(task.Result) {})
	})

	tsk.Reset()
	require.Equal(t, task.StateIdle, tsk.State())
	_, ok := tsk.TerminationStatus()
	require.False(t, ok)

	second := launchAndWait(t, tsk)
	require.True(t, second.Succeeded())
	require.NotEqual(t, first.RunID, second.RunID)
	require.False(t, second.Started.Before(first.Stopped))
	require.Equal(t, "done\ndone\n", stdout.String())
}

func TestResetWhileRunning(t *testing.T) {
	t.Parallel()
	tsk := shell(t, "sleep 0.05")
	eof := make(chan struct{})
	tsk.Stdout = []task.Output{task.Handle(func(chunk []byte) {
		if len(chunk) == 0 {
			close(eof)
		}
	})}

	tsk.Launch(t.Context(), func(task.Result) {
		t.Error("completion of a reset run must not fire")
	})
	tsk.Reset()
	require.Equal(t, task.StateIdle, tsk.State())
	require.ErrorIs(t, tsk.Wait(t.Context()), task.ErrNotLaunched)

	// the detached drain observes the closed pipe as EOF
	select {
	case <-eof:
	case <-time.After(time.Second):
		t.Fatal("stdout drain did not finish after reset")
	}
	time.Sleep(100 * time.Millisecond)
}

func TestLaunchError(t *testing.T) {
	t.Parallel()
	tsk := task.New("does not exist")

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		tsk.Launch(t.Context(), func(task.Result) {})
	}()

	err, ok := recovered.(error)
	require.True(t, ok, "panic value is an error")
	var launchErr *task.LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, "does not exist", launchErr.Path)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, task.StateIdle, tsk.State())
}

func TestEnvAndDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	t.Run("env replaces", func(t *testing.T) {
		t.Parallel()
		if os.Getenv("HOME") == "" {
			t.Skip("skipped, HOME is not set in the parent environment")
		}
		var stdout chunks
		tsk := shell(t, `printf '%s:%s' "$FOO" "$HOME"`)
		tsk.Env = map[string]string{"FOO": "bar"}
		tsk.Stdout = []task.Output{stdout.output()}
		launchAndWait(t, tsk)
		require.Equal(t, "bar:", stdout.String())
	})

	t.Run("dir", func(t *testing.T) {
		t.Parallel()
		var stdout chunks
		tsk := shell(t, "pwd -P")
		tsk.Dir = dir
		tsk.Stdout = []task.Output{stdout.output()}
		launchAndWait(t, tsk)

		expected, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		require.Equal(t, expected, strings.TrimSpace(stdout.String()))
	})
}

func TestWait(t *testing.T) {
	t.Parallel()

	t.Run("not launched", func(t *testing.T) {
		t.Parallel()
		tsk := task.New("true")
		require.ErrorIs(t, tsk.Wait(t.Context()), task.ErrNotLaunched)
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		tsk := shell(t, "sleep 0.2")
		tsk.Launch(t.Context(), func(task.Result) {})

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		require.ErrorIs(t, tsk.Wait(ctx), context.Canceled)
		require.True(t, tsk.IsRunning())
		require.NoError(t, tsk.Wait(t.Context()))
	})

	t.Run("default dispatcher", func(t *testing.T) {
		t.Parallel()
		tsk := shell(t, "exit 0")

		var waiting, called, calledInWait atomic.Bool
		tsk.Launch(t.Context(), func(task.Result) {
			calledInWait.Store(waiting.Load())
			called.Store(true)
		})
		require.Eventually(t, func() bool {
			_, ok := tsk.TerminationStatus()
			return ok
		}, time.Second, 10*time.Millisecond)

		// terminated and drained, yet delivered only by Wait
		require.Never(t, called.Load, 200*time.Millisecond, 20*time.Millisecond)
		waiting.Store(true)
		require.NoError(t, tsk.Wait(t.Context()))
		require.True(t, called.Load())
		require.True(t, calledInWait.Load())
	})

	t.Run("inline", func(t *testing.T) {
		t.Parallel()
		tsk := shell(t, "exit 0")
		tsk.Dispatcher = task.Inline

		fired := make(chan struct{})
		tsk.Launch(t.Context(), func(task.Result) { close(fired) })
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("inline completion did not fire without Wait")
		}
		require.NoError(t, tsk.Wait(t.Context()))
	})

	t.Run("loop", func(t *testing.T) {
		t.Parallel()
		loop := task.NewLoop()
		tsk := shell(t, "exit 0")
		tsk.Dispatcher = loop

		var called atomic.Bool
		tsk.Launch(t.Context(), func(task.Result) { called.Store(true) })

		// nobody services the loop yet
		require.Never(t, called.Load, 200*time.Millisecond, 20*time.Millisecond)
		require.True(t, tsk.IsRunning())

		require.NoError(t, tsk.Wait(t.Context()))
		require.True(t, called.Load())
		require.False(t, tsk.IsRunning())
	})
}

func TestCommand(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/bin/sh -c echo", task.New("/bin/sh", "-c", "echo").Command())
	require.Equal(t, "true", task.New("true").Command())
}
