package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/CZERTAINLY/shelltask/internal/log"
	"github.com/CZERTAINLY/shelltask/internal/model"
	"github.com/CZERTAINLY/shelltask/internal/task"
)

// Runner owns the task.Task of one configured task and reuses it for every
// run.
type Runner struct {
	name string
	task *task.Task
}

// NewRunner builds the task of cfg. Enabled streams are echoed to console,
// prefixed with the task name unless configured otherwise.
func NewRunner(cfg model.Task, console io.Writer) (*Runner, error) {
	// a bare name is resolved here, so a typo is a config error rather
	// than a failed launch
	if !strings.ContainsRune(cfg.Path, os.PathSeparator) {
		if _, err := exec.LookPath(cfg.Path); err != nil {
			return nil, fmt.Errorf("task %s: %w", cfg.Name, err)
		}
	}
	env, err := cfg.Environ()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", cfg.Name, err)
	}

	t := task.New(cfg.Path, cfg.Args...)
	t.Env = env
	t.Dir = cfg.Dir
	if cfg.Stdout.PrintEnabled() {
		t.Stdout = append(t.Stdout, task.Print(console, cfg.Stdout.PrefixOr(cfg.Name)))
	}
	if cfg.Stderr.PrintEnabled() {
		t.Stderr = append(t.Stderr, task.Print(console, cfg.Stderr.PrefixOr(cfg.Name)))
	}
	return &Runner{
		name: cfg.Name,
		task: t,
	}, nil
}

func (r *Runner) Name() string {
	return r.name
}

// Run launches the task and blocks until it completed. The previous run, if
// any, is reset first. Run must not be called concurrently.
func (r *Runner) Run(ctx context.Context) (task.Result, error) {
	ctx = log.ContextAttrs(ctx, slog.String("task", r.name))
	r.task.Reset()

	results := make(chan task.Result, 1)
	if err := r.launch(ctx, func(res task.Result) {
		results <- res
	}); err != nil {
		return task.Result{}, err
	}
	if err := r.task.Wait(ctx); err != nil {
		return task.Result{}, err
	}
	res := <-results
	if res.Succeeded() {
		slog.InfoContext(ctx, "task succeeded", "run_id", res.RunID)
	} else {
		slog.WarnContext(ctx, "task failed", "run_id", res.RunID, "exit_code", res.ExitCode)
	}
	return res, nil
}

// launch turns the spawn failure panic of Launch into an error, other panics
// are propagated.
func (r *Runner) launch(ctx context.Context, completion func(task.Result)) (err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		launchErr, ok := v.(*task.LaunchError)
		if !ok {
			panic(v)
		}
		err = launchErr
	}()
	r.task.Launch(ctx, completion)
	return nil
}
