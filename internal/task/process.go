package task

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
)

// pipePair connects the child stdout and stderr to the parent. The parent
// owns the read ends, so reaping the child never closes them and EOF stays
// independent of termination.
type pipePair struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func newPipePair() (*pipePair, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	return &pipePair{
		stdoutR: outR,
		stdoutW: outW,
		stderrR: errR,
		stderrW: errW,
	}, nil
}

// closeWriters releases the parent's copies of the write ends. Must be
// called after the child started, otherwise the drains never see EOF.
func (p *pipePair) closeWriters() {
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
}

// closeReaders is idempotent; drains close their own end at EOF.
func (p *pipePair) closeReaders() {
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()
}

// process is the handle of one spawned child.
type process struct {
	cmd *exec.Cmd

	mx     sync.Mutex
	onExit func(status int)
}

// startProcess spawns the child with its output connected to pipes and arms
// the reaper, which calls onExit once with the exit status.
func startProcess(path string, args []string, env map[string]string, dir string, pipes *pipePair, onExit func(status int)) (*process, error) {
	cmd := exec.Command(path, args...)
	if env != nil {
		cmd.Env = environ(env)
	}
	cmd.Dir = dir
	cmd.Stdout = pipes.stdoutW
	cmd.Stderr = pipes.stderrW

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pipes.closeWriters()

	p := &process{
		cmd:    cmd,
		onExit: onExit,
	}
	go p.reap()
	return p, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

func (p *process) reap() {
	// the error duplicates ProcessState, which carries the status
	_ = p.cmd.Wait()
	status := exitStatus(p.cmd.ProcessState)

	p.mx.Lock()
	onExit := p.onExit
	p.onExit = nil
	p.mx.Unlock()

	if onExit != nil {
		onExit(status)
	}
}

// detach drops the termination subscription, a reaper still waiting on the
// child won't report anymore.
func (p *process) detach() {
	p.mx.Lock()
	p.onExit = nil
	p.mx.Unlock()
}

// exitStatus returns the exit code, or 128+signal for a child killed by a
// signal.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	type signaled interface {
		Signaled() bool
		Signal() syscall.Signal
	}
	if ws, ok := state.Sys().(signaled); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return -1
}

func environ(env map[string]string) []string {
	ret := make([]string, 0, len(env))
	for k, v := range env {
		ret = append(ret, k+"="+v)
	}
	sort.Strings(ret)
	return ret
}
