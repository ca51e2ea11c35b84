package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/shelltask/internal/log"
)

// State of a Task. StateLaunching is held only while Launch runs, under the
// task lock, so State and IsRunning never report it.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result is the outcome of one run. It is a success when ExitCode is zero.
type Result struct {
	RunID    string    `json:"run_id"`
	Path     string    `json:"path"`
	Args     []string  `json:"args,omitempty"`
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped"`
	ExitCode int       `json:"exit_code"`
}

func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Err returns nil on success or an *ExitError carrying the exit code.
func (r Result) Err() error {
	if r.Succeeded() {
		return nil
	}
	return &ExitError{Path: r.Path, Code: r.ExitCode}
}

// Task runs a single command. The exported fields configure the command and
// must not change while a run is in flight.
//
// A completed Task can't be launched again until Reset is called.
type Task struct {
	Path string
	Args []string
	// Env replaces the environment of the child when not nil.
	Env map[string]string
	Dir string

	Stdout []Output
	Stderr []Output

	// Dispatcher delivers the completion callback. When nil, every run gets a
	// private Loop, so the callback runs on the goroutine calling Wait.
	// Inline delivers it on the goroutine raising the last signal instead.
	Dispatcher Dispatcher

	mx    sync.Mutex
	state State
	run   *run
}

// run holds the resources and state of one launch.
type run struct {
	id         string
	ctx        context.Context
	dispatcher Dispatcher
	started    time.Time

	pipes   *pipePair
	proc    *process
	barrier *barrier

	completion func(Result)
	done       chan struct{}
	closeDone  func()
}

func New(path string, args ...string) *Task {
	return &Task{
		Path: path,
		Args: args,
	}
}

// Command returns the command line, for logging purposes.
func (t *Task) Command() string {
	return strings.Join(append([]string{t.Path}, t.Args...), " ")
}

func (t *Task) State() State {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.state
}

// IsRunning reports whether a run is in flight.
func (t *Task) IsRunning() bool {
	state := t.State()
	return state == StateLaunching || state == StateRunning
}

// TerminationStatus returns the exit status of the current run once the
// child terminated. Output may still be draining at that point.
func (t *Task) TerminationStatus() (int, bool) {
	t.mx.Lock()
	r := t.run
	t.mx.Unlock()
	if r == nil {
		return 0, false
	}
	return r.barrier.exitStatus()
}

// Launch spawns the command and returns without waiting. completion is called
// exactly once through the Dispatcher, after the child terminated and both of
// its output streams reached EOF. With the default Dispatcher that happens
// inside Wait. ctx carries logging attributes only, cancelling it does not
// stop the child.
//
// Launch panics if the task is running, was not Reset after completion, or if
// the child can't be spawned (the panic value is a *LaunchError).
func (t *Task) Launch(ctx context.Context, completion func(Result)) {
	if completion == nil {
		panic("task: Launch called with nil completion")
	}

	t.mx.Lock()
	defer t.mx.Unlock()

	switch t.state {
	case StateLaunching, StateRunning:
		panic("task: " + t.Command() + " has already been launched")
	case StateCompleted:
		panic("task: " + t.Command() + " must be reset before launching again")
	}
	t.state = StateLaunching

	r := &run{
		id:         uuid.NewString(),
		dispatcher: t.dispatcher(),
		started:    time.Now().UTC(),
		completion: completion,
		done:       make(chan struct{}),
	}
	r.closeDone = sync.OnceFunc(func() { close(r.done) })
	r.ctx = log.ContextAttrs(ctx, slog.String("run_id", r.id))

	pipes, err := newPipePair()
	if err != nil {
		t.state = StateIdle
		panic(&LaunchError{Path: t.Path, Err: err})
	}
	r.pipes = pipes
	r.barrier = newBarrier(r.dispatcher, func(status int) {
		t.complete(r, status)
	})
	stdout := newDrain(r.ctx, "stdout", pipes.stdoutR, t.Stdout, func() { r.barrier.raise(SignalStdoutEOF) })
	stderr := newDrain(r.ctx, "stderr", pipes.stderrR, t.Stderr, func() { r.barrier.raise(SignalStderrEOF) })

	proc, err := startProcess(t.Path, t.Args, t.Env, t.Dir, pipes, r.barrier.terminated)
	if err != nil {
		pipes.closeWriters()
		pipes.closeReaders()
		t.state = StateIdle
		panic(&LaunchError{Path: t.Path, Err: err})
	}
	r.proc = proc

	go stdout.run()
	go stderr.run()

	t.run = r
	t.state = StateRunning
	slog.DebugContext(r.ctx, "task launched", "command", t.Command(), "pid", proc.pid())
}

// complete is the barrier's fire callback, running on the Dispatcher.
func (t *Task) complete(r *run, status int) {
	t.mx.Lock()
	if t.run != r {
		// the task has been reset meanwhile
		t.mx.Unlock()
		return
	}
	completion := r.completion
	if completion == nil {
		t.mx.Unlock()
		panic("task: run completed without a registered completion")
	}
	r.completion = nil
	t.state = StateCompleted
	result := Result{
		RunID:    r.id,
		Path:     t.Path,
		Args:     append([]string(nil), t.Args...),
		Started:  r.started,
		Stopped:  time.Now().UTC(),
		ExitCode: status,
	}
	t.mx.Unlock()

	defer r.closeDone()
	slog.DebugContext(r.ctx, "task completed", "exit_code", status, "duration", result.Stopped.Sub(result.Started))
	completion(result)
}

// Wait blocks until the completion callback of the current run returned.
// When the Dispatcher is a *Loop, the default included, Wait services the
// loop meanwhile. It
// returns ErrNotLaunched for a task which has not been launched since the
// last Reset, or ctx.Err() if ctx is done first.
func (t *Task) Wait(ctx context.Context) error {
	t.mx.Lock()
	r := t.run
	t.mx.Unlock()
	if r == nil {
		return ErrNotLaunched
	}

	loop, _ := r.dispatcher.(*Loop)
	var ready <-chan struct{}
	if loop != nil {
		ready = loop.ready()
	}
	for {
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
			loop.runPending()
		}
	}
}

// Reset returns the task to the idle state. The previous run is detached: its
// pipes are closed, its signals are ignored and its completion is dropped.
// The child of a run still in flight is not killed.
func (t *Task) Reset() {
	t.mx.Lock()
	r := t.run
	t.run = nil
	t.state = StateIdle
	if r != nil {
		r.completion = nil
	}
	t.mx.Unlock()

	if r == nil {
		return
	}
	r.barrier.detach()
	r.proc.detach()
	r.pipes.closeReaders()
	r.closeDone()
	slog.DebugContext(r.ctx, "task reset", "signals", r.barrier.signals().String())
}

func (t *Task) dispatcher() Dispatcher {
	if t.Dispatcher == nil {
		return NewLoop()
	}
	return t.Dispatcher
}
