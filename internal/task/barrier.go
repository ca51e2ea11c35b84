package task

import (
	"fmt"
	"strings"
	"sync"
)

// Signal is one of the three completions a run waits for.
type Signal uint8

const (
	SignalStdoutEOF Signal = 1 << iota
	SignalStderrEOF
	SignalTerminated

	allSignals = SignalStdoutEOF | SignalStderrEOF | SignalTerminated
)

func (s Signal) String() string {
	var names []string
	if s&SignalStdoutEOF != 0 {
		names = append(names, "stdout-eof")
	}
	if s&SignalStderrEOF != 0 {
		names = append(names, "stderr-eof")
	}
	if s&SignalTerminated != 0 {
		names = append(names, "terminated")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// barrier fires once all three signals have been raised. Signals may arrive
// from any goroutine, in any order.
type barrier struct {
	dispatcher Dispatcher
	fire       func(status int)

	mx       sync.Mutex
	raised   Signal
	status   int
	detached bool
}

func newBarrier(dispatcher Dispatcher, fire func(status int)) *barrier {
	return &barrier{
		dispatcher: dispatcher,
		fire:       fire,
	}
}

func (b *barrier) raise(sig Signal) {
	b.signal(sig, 0)
}

func (b *barrier) terminated(status int) {
	b.signal(SignalTerminated, status)
}

func (b *barrier) signal(sig Signal, status int) {
	b.mx.Lock()
	if b.detached {
		b.mx.Unlock()
		return
	}
	if b.raised&sig != 0 {
		b.mx.Unlock()
		panic(fmt.Sprintf("task: signal %s raised twice", sig))
	}
	b.raised |= sig
	if sig == SignalTerminated {
		b.status = status
	}
	satisfied := b.raised == allSignals
	status = b.status
	b.mx.Unlock()

	if satisfied {
		b.dispatcher.Dispatch(func() {
			b.fire(status)
		})
	}
}

// exitStatus returns the status once SignalTerminated was raised.
func (b *barrier) exitStatus() (int, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.raised&SignalTerminated == 0 {
		return 0, false
	}
	return b.status, true
}

func (b *barrier) signals() Signal {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.raised
}

// detach makes the barrier ignore every further signal.
func (b *barrier) detach() {
	b.mx.Lock()
	b.detached = true
	b.mx.Unlock()
}
