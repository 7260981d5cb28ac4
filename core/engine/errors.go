package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUndefinedVariable is returned when looking up a variable that is
	// not present in the worker's environment.
	ErrUndefinedVariable = errors.New("undefined variable")

	// ErrCommandNotFound is returned when command resolution fails on every
	// candidate path. The stage that hit it exits with status 127.
	ErrCommandNotFound = errors.New("command not found")

	// ErrIsDirectory is returned when command resolution only matched a
	// directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotExecutable is returned when the resolved file is binary and
	// can't be dispatched as a script.
	ErrNotExecutable = errors.New("not executable")

	// ErrJobCancelled is the cancellation signal itself, not a user error.
	// Callers that display it render "^C".
	ErrJobCancelled = errors.New("job cancelled")

	// ErrJobRunning is returned when claiming the foreground slot would
	// violate the single-foreground-child contract in a recoverable
	// context.
	ErrJobRunning = errors.New("a foreground job is already running")

	// ErrInterruptFailed is returned by the interrupt cancellation strategy
	// when the target's streams can't be forced closed. The kill is rolled
	// back and the caller may retry with the cooperative strategy.
	ErrInterruptFailed = errors.New("interrupt failed")
)

// InternalInvariantError indicates a broken programming contract, e.g. a
// second foreground child under one parent. It is raised by panicking and
// must not be swallowed.
type InternalInvariantError struct {
	Reason string
}

func (e *InternalInvariantError) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Reason)
}

// invariant panics with an InternalInvariantError unless cond holds.
func invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&InternalInvariantError{Reason: fmt.Sprintf(format, args...)})
	}
}
