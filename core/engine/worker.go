package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// WorkerStatus is the lifecycle state of a worker. Transitions are
// Created -> Started -> Stopped, never backwards.
type WorkerStatus int32

const (
	StatusCreated WorkerStatus = iota + 1
	StatusStarted
	StatusStopped
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusStarted:
		return "Started"
	case StatusStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("WorkerStatus(%d)", int32(s))
	}
}

// CancelStrategy selects how Kill reaches a running worker.
type CancelStrategy string

const (
	// CancelCheckpoint cancels cooperatively: the worker context is
	// cancelled and the body observes it at the next statement boundary.
	// Works everywhere, costs a check per boundary.
	CancelCheckpoint CancelStrategy = "checkpoint"

	// CancelInterrupt force-fails the worker's current streams, breaking
	// blocked reads and writes immediately. Fast, but fails when no stream
	// supports interruption; the kill is then rolled back.
	CancelInterrupt CancelStrategy = "interrupt"
)

// Canceler is the capability that makes a job killable. Two independent
// implementations exist rather than a type hierarchy, selected by
// configuration.
type Canceler interface {
	// RequestCancel asks the worker's execution to stop. An error means the
	// cancellation did not take effect and the kill must be rolled back.
	RequestCancel(w *Worker) error
}

// NewCanceler returns the canceler for the given strategy, defaulting to
// the cooperative one.
func NewCanceler(strategy CancelStrategy) Canceler {
	if strategy == CancelInterrupt {
		return interruptCanceler{}
	}
	return checkpointCanceler{}
}

type checkpointCanceler struct{}

func (checkpointCanceler) RequestCancel(w *Worker) error {
	w.cancel()
	return nil
}

type interruptCanceler struct{}

func (interruptCanceler) RequestCancel(w *Worker) error {
	stdin, stdout, stderr := w.state.CurrentStreams()

	interrupted := false
	for _, stream := range []interface{}{stdin, stdout, stderr} {
		if breakStream(stream) {
			interrupted = true
		}
	}
	if !interrupted {
		return fmt.Errorf("job %d has no interruptible stream: %w", w.jobID, ErrInterruptFailed)
	}
	w.cancel()
	return nil
}

// breakStream force-fails a single stream handle. Nop closers don't count:
// closing them would report success without unblocking anything.
func breakStream(stream interface{}) bool {
	switch s := stream.(type) {
	case nil:
		return false
	case Interruptible:
		return s.Interrupt() == nil
	case *devNull, nopWriteCloser, nopReadCloser:
		return false
	case io.Closer:
		return s.Close() == nil
	default:
		return false
	}
}

// jobParent is the owner of a foreground-child slot: either another Worker
// or the Engine itself for top-level jobs. The back-reference is lookup
// only; the registry is the sole strong holder of workers.
type jobParent interface {
	// adoptForeground installs w as the single foreground child. Panics
	// with InternalInvariantError if the slot is taken.
	adoptForeground(w *Worker)
	// releaseForeground clears the slot, asserting it pointed at w.
	releaseForeground(w *Worker)
	// ParentState is the state children are cloned from.
	ParentState() *ExecutionState
	// parentJobID is 0 for the engine.
	parentJobID() int
}

// Worker is one goroutine-backed job: a running command line, pipeline or
// subshell, with Unix-process-like kill and wait semantics.
type Worker struct {
	jobID    int
	command  string
	registry *WorkerRegistry
	parent   jobParent
	canceler Canceler

	state *ExecutionState

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	status atomic.Int32

	mu            sync.Mutex
	isBackground  bool
	killed        bool
	killedBy      int
	exitRequested bool
	child         *Worker
}

// newWorker builds a Created worker with a state cloned from the parent.
// The caller starts it with start().
func newWorker(registry *WorkerRegistry, parent jobParent, command string, canceler Canceler, cwd *Cwd, background bool, env map[string]string, dir string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		command:  command,
		registry: registry,
		parent:   parent,
		canceler: canceler,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.status.Store(int32(StatusCreated))

	w.state = NewStateFromParent(parent.ParentState(), cwd)
	for k, v := range env {
		w.state.Setenv(k, v)
	}
	if dir != "" {
		if err := cwd.Chdir(dir); err == nil {
			w.state.EnclosedCwd = cwd.Getwd()
		}
	}

	registry.Add(w)

	w.isBackground = background
	if !background {
		parent.adoptForeground(w)
	}

	return w
}

// start launches the worker goroutine. The body receives the worker and
// must treat w.State() as exclusively its own until it returns.
func (w *Worker) start(body func(*Worker)) {
	w.status.Store(int32(StatusStarted))
	go func() {
		defer func() {
			w.status.Store(int32(StatusStopped))
			close(w.done)
		}()
		body(w)
	}()
}

// JobID returns the registry-assigned identity, fixed for the session.
func (w *Worker) JobID() int { return w.jobID }

// Command returns the descriptive command string for listings.
func (w *Worker) Command() string { return w.command }

// State returns the worker's execution state. Only the owning goroutine may
// mutate it while the worker is running.
func (w *Worker) State() *ExecutionState { return w.state }

// Status reports the lifecycle state.
func (w *Worker) Status() WorkerStatus {
	return WorkerStatus(w.status.Load())
}

// Wait blocks until the worker has stopped.
func (w *Worker) Wait() {
	<-w.done
}

// Done exposes the completion channel for select loops.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Context is cancelled once a kill has taken effect. Blocking operations
// and native-script evaluation run under it.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// Checkpoint is the cooperative cancellation point, called at statement
// boundaries. It returns ErrJobCancelled once the worker has been killed.
func (w *Worker) Checkpoint() error {
	select {
	case <-w.ctx.Done():
		return ErrJobCancelled
	default:
		return nil
	}
}

func (w *Worker) IsBackground() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isBackground
}

// IsTopLevel reports whether this worker sits directly under the engine in
// the foreground; such workers own the prompt and the history.
func (w *Worker) IsTopLevel() bool {
	_, parentIsWorker := w.parent.(*Worker)
	return !parentIsWorker && !w.IsBackground()
}

// SetBackground moves the worker between foreground and background. Moving
// to the foreground claims the parent's foreground slot and panics if it is
// already taken.
func (w *Worker) SetBackground(background bool) {
	w.mu.Lock()
	wasBackground := w.isBackground
	w.isBackground = background
	w.mu.Unlock()

	if background && !wasBackground {
		w.parent.releaseForeground(w)
	}
	if !background && wasBackground {
		w.parent.adoptForeground(w)
	}
}

// RequestExit asks the worker to stop after the current pipeline, without
// marking it killed. The exit builtin uses this.
func (w *Worker) RequestExit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exitRequested = true
}

// ExitRequested reports whether a clean stop was requested.
func (w *Worker) ExitRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitRequested
}

// Killed reports whether a kill has taken effect on this worker.
func (w *Worker) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// KilledBy returns the job ID of the killer, or 0 when killed from outside
// any worker (or not killed at all).
func (w *Worker) KilledBy() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killedBy
}

// Kill cancels the worker from outside the worker tree (killer ID 0). It is
// idempotent. Descendants are killed strictly before the worker itself so
// they observe cancellation first. If the cancellation strategy reports
// failure the killed flag is rolled back and the error returned.
func (w *Worker) Kill() error {
	return w.killBy(0)
}

func (w *Worker) killBy(killer int) error {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return nil
	}
	w.killed = true
	w.killedBy = killer
	child := w.child
	w.mu.Unlock()

	// Depth first: the foreground chain below dies before we do.
	if child != nil {
		_ = child.killBy(w.jobID)
	}

	if err := w.canceler.RequestCancel(w); err != nil {
		w.mu.Lock()
		w.killed = false
		w.killedBy = 0
		w.mu.Unlock()
		return err
	}
	return nil
}

// cleanup runs at the end of the worker body, on every path including
// cancellation: deregister and release the parent's foreground slot.
func (w *Worker) cleanup() {
	w.registry.Remove(w)
	if !w.IsBackground() {
		w.parent.releaseForeground(w)
	}
}

// adoptForeground implements jobParent for nested workers.
func (w *Worker) adoptForeground(child *Worker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	invariant(w.child == nil, "job %d already has foreground child %d", w.jobID, w.childID())
	w.child = child
}

func (w *Worker) releaseForeground(child *Worker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	invariant(w.child == child, "job %d asked to release foreground child it does not own", w.jobID)
	w.child = nil
}

// childID assumes w.mu is held.
func (w *Worker) childID() int {
	if w.child == nil {
		return 0
	}
	return w.child.jobID
}

// ForegroundChild returns the single worker this one is currently waiting
// on, or nil.
func (w *Worker) ForegroundChild() *Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.child
}

// ParentState implements jobParent.
func (w *Worker) ParentState() *ExecutionState { return w.state }

func (w *Worker) parentJobID() int { return w.jobID }

func (w *Worker) String() string {
	command := w.command
	if len(command) > 20 {
		command = command[:20] + "..."
	}
	return fmt.Sprintf("[%d] %s %s", w.jobID, w.Status(), command)
}
