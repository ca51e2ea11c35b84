package task

import (
	"context"
	"sync"
)

// Dispatcher delivers completion callbacks onto the caller's execution
// context.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) {
	f(fn)
}

// Inline runs callbacks on the goroutine which raised the last signal,
// concurrently with the code which launched the task.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// Loop is a cooperative run loop. Dispatch enqueues work and never blocks, the
// goroutine calling Run, RunOnce or Task.Wait executes it.
type Loop struct {
	mx      sync.Mutex
	queue   []func()
	pending chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		pending: make(chan struct{}, 1),
	}
}

func (l *Loop) Dispatch(fn func()) {
	l.mx.Lock()
	l.queue = append(l.queue, fn)
	l.mx.Unlock()

	select {
	case l.pending <- struct{}{}:
	default:
	}
}

// Run services the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.pending:
			l.runPending()
		}
	}
}

// RunOnce waits for queued work and executes everything queued so far.
func (l *Loop) RunOnce(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.pending:
			// the token may outlive work an earlier call already ran
			if l.runPending() > 0 {
				return nil
			}
		}
	}
}

func (l *Loop) ready() <-chan struct{} {
	return l.pending
}

// runPending executes the queued work and returns how much it ran.
func (l *Loop) runPending() int {
	l.mx.Lock()
	queue := l.queue
	l.queue = nil
	l.mx.Unlock()

	for _, fn := range queue {
		fn()
	}
	return len(queue)
}
