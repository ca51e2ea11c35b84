package task

import (
	"errors"
	"fmt"
)

var ErrNotLaunched = errors.New("task not launched")

// ExitError is the failure case of a Result.
type ExitError struct {
	Path string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.Path, e.Code)
}

// LaunchError is the panic value of Launch when the child can't be spawned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
