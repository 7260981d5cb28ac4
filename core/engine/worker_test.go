package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParent is a minimal foreground-slot owner for driving workers
// without a full engine.
type testParent struct {
	state *ExecutionState

	mu    sync.Mutex
	child *Worker
}

func newTestParent() *testParent {
	return &testParent{state: NewState(nil, nil, nil, nil, nil)}
}

func (p *testParent) adoptForeground(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	invariant(p.child == nil, "test parent already has a foreground child")
	p.child = w
}

func (p *testParent) releaseForeground(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	invariant(p.child == w, "test parent asked to release unknown child")
	p.child = nil
}

func (p *testParent) ParentState() *ExecutionState { return p.state }

func (p *testParent) parentJobID() int { return 0 }

// recordingCanceler notes kill ordering across workers.
type recordingCanceler struct {
	mu    sync.Mutex
	order []int
}

func (r *recordingCanceler) RequestCancel(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, w.jobID)
	w.cancel()
	return nil
}

func spawn(t *testing.T, registry *WorkerRegistry, parent jobParent, canceler Canceler, background bool, body func(w *Worker)) *Worker {
	t.Helper()
	cwd := newTestCwd(t)
	w := newWorker(registry, parent, "test", canceler, cwd, background, nil, "")
	w.start(func(w *Worker) {
		defer w.cleanup()
		if body != nil {
			body(w)
		}
	})
	return w
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerLifecycle(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	release := make(chan struct{})
	w := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), false, func(w *Worker) {
		<-release
	})

	assert.Equal(t, StatusStarted, w.Status())
	assert.Equal(t, 1, w.JobID())
	assert.Equal(t, 1, registry.Len())
	assert.Same(t, w, parent.child)

	close(release)
	waitDone(t, w)

	assert.Equal(t, StatusStopped, w.Status())
	assert.Equal(t, 0, registry.Len())
	assert.Nil(t, parent.child)
}

func TestCheckpointAfterKill(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	killed := make(chan struct{})
	checkpointed := make(chan error, 1)
	w := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), false, func(w *Worker) {
		<-killed
		checkpointed <- w.Checkpoint()
	})

	require.NoError(t, w.Checkpoint())
	require.NoError(t, w.Kill())
	close(killed)

	assert.ErrorIs(t, <-checkpointed, ErrJobCancelled)
	waitDone(t, w)
	assert.True(t, w.Killed())
	assert.Equal(t, 0, w.KilledBy())
}

func TestKillIsIdempotent(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	canceler := &recordingCanceler{}
	release := make(chan struct{})
	w := spawn(t, registry, parent, canceler, false, func(w *Worker) { <-release })

	require.NoError(t, w.Kill())
	require.NoError(t, w.Kill())
	close(release)
	waitDone(t, w)

	assert.Len(t, canceler.order, 1, "second kill is a no-op")
}

func TestKillCascadeIsDepthFirst(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()
	canceler := &recordingCanceler{}

	release := make(chan struct{})
	outer := spawn(t, registry, parent, canceler, false, func(w *Worker) { <-release })
	inner := spawn(t, registry, outer, canceler, false, func(w *Worker) { <-release })

	require.NoError(t, outer.Kill())

	// The child observes cancellation strictly before the parent.
	assert.Equal(t, []int{inner.JobID(), outer.JobID()}, canceler.order)
	assert.Equal(t, outer.JobID(), inner.KilledBy())
	assert.Equal(t, 0, outer.KilledBy())

	close(release)
	waitDone(t, inner)
	waitDone(t, outer)
}

func TestInterruptKillRollsBackOnFailure(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	// The default state's streams are all nop-like, so the interrupt
	// strategy has nothing to break.
	release := make(chan struct{})
	w := spawn(t, registry, parent, NewCanceler(CancelInterrupt), false, func(w *Worker) { <-release })

	err := w.Kill()
	assert.ErrorIs(t, err, ErrInterruptFailed)
	assert.False(t, w.Killed(), "failed kill leaves the job running")
	assert.NoError(t, w.Checkpoint())

	close(release)
	waitDone(t, w)
}

func TestInterruptKillBreaksLiveStreams(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	release := make(chan struct{})
	w := spawn(t, registry, parent, NewCanceler(CancelInterrupt), false, func(w *Worker) { <-release })
	stdin, _, stderr := w.State().CurrentStreams()
	w.State().SetStreams(stdin, newPipeBuffer(), stderr)

	require.NoError(t, w.Kill())
	assert.True(t, w.Killed())
	assert.ErrorIs(t, w.Checkpoint(), ErrJobCancelled)

	close(release)
	waitDone(t, w)
}

func TestSingleForegroundChildInvariant(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()
	cwd := newTestCwd(t)

	release := make(chan struct{})
	defer close(release)
	first := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), false, func(w *Worker) { <-release })
	_ = first

	assert.PanicsWithError(t, "internal invariant violated: test parent already has a foreground child", func() {
		newWorker(registry, parent, "second", NewCanceler(CancelCheckpoint), cwd, false, nil, "")
	})
}

func TestSetBackgroundFreesTheSlot(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	release := make(chan struct{})
	first := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), false, func(w *Worker) { <-release })

	first.SetBackground(true)
	assert.True(t, first.IsBackground())
	assert.Nil(t, parent.child)

	second := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), false, func(w *Worker) { <-release })
	assert.Same(t, second, parent.child)

	// And back again once the slot is free.
	second.SetBackground(true)
	first.SetBackground(false)
	assert.Same(t, first, parent.child)

	close(release)
	waitDone(t, first)
	waitDone(t, second)
}

func TestBackgroundWorkerNeverHoldsSlot(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	release := make(chan struct{})
	w := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), true, func(w *Worker) { <-release })

	assert.Nil(t, parent.child)
	assert.True(t, w.IsBackground())
	assert.Same(t, w, registry.FirstBackground())

	close(release)
	waitDone(t, w)
}

func TestWorkerStringTruncatesCommand(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()
	cwd := newTestCwd(t)

	w := newWorker(registry, parent, "a command line that is far too long", NewCanceler(CancelCheckpoint), cwd, true, nil, "")
	assert.Equal(t, "[1] Created a command line that ...", w.String())
}

func TestRegistryOrderAndIDs(t *testing.T) {
	registry := NewWorkerRegistry()
	parent := newTestParent()

	release := make(chan struct{})
	a := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), true, func(w *Worker) { <-release })
	b := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), true, func(w *Worker) { <-release })

	assert.Equal(t, 1, a.JobID())
	assert.Equal(t, 2, b.JobID())
	assert.Equal(t, []*Worker{a, b}, registry.List())

	close(release)
	waitDone(t, a)
	waitDone(t, b)

	// IDs are never reused.
	c := spawn(t, registry, parent, NewCanceler(CancelCheckpoint), true, nil)
	assert.Equal(t, 3, c.JobID())
	waitDone(t, c)
}
