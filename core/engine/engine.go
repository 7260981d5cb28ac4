// Package engine implements the job-control and execution core of threadsh:
// goroutine-backed killable workers standing in for processes, an in-memory
// pipeline executor, and the persistence protocol that lets child shells
// selectively leak state back to their parents.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/afero"

	"josephlewis.net/threadsh/core/parser"
)

const (
	// EnvHome is consulted for ~ contraction in the prompt.
	EnvHome = "HOME"
	// EnvPrompt holds the prompt template.
	EnvPrompt = "PROMPT"

	// DefaultPrompt is used when EnvPrompt is unset.
	DefaultPrompt = `[\W]$ `

	// ExitCommandNotFound is the stage exit status for unresolvable
	// commands.
	ExitCommandNotFound = 127
	// ExitScriptFault is the status for a native script that faulted or a
	// resolved file that could not be used as a program. Read failures on
	// a resolved script are IO faults and land here, not in
	// ExitScriptUnreadable.
	ExitScriptFault = 1
	// ExitScriptUnreadable is the status after a parse or expansion
	// failure aborts the remaining input lines.
	ExitScriptUnreadable = 2
)

// Expander is the external parser/word-expander collaborator.
type Expander interface {
	// Expand parses one line against env, returning the history-expanded
	// text and the pipe sequences to run.
	Expand(line string, env parser.Env) (string, []*parser.PipeSequence, error)
}

// HistoryRecorder receives the raw form of executed lines.
type HistoryRecorder interface {
	Add(line string)
}

// Builtin is a command implemented inside the engine rather than resolved
// from the filesystem. It runs on the calling worker's goroutine.
type Builtin func(ctx *BuiltinContext) int

// BuiltinContext carries a builtin invocation's bindings.
type BuiltinContext struct {
	Engine *Engine
	Worker *Worker
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Options tunes engine behavior; the zero value is usable.
type Options struct {
	// Strategy selects the kill mechanism for new workers.
	Strategy CancelStrategy
	// Traceback prints full fault traces from native scripts.
	Traceback bool
	// ColoredErrors renders engine error messages in red.
	ColoredErrors bool
	// Logger receives debug output; nil discards it.
	Logger *slog.Logger
}

// Engine turns input lines into workers, wires pipelines, and aggregates
// exit codes. It also owns the top-level (UI) execution state and acts as
// the parent of all top-level workers.
type Engine struct {
	fs       afero.Fs
	cwd      *Cwd
	opts     Options
	logger   *slog.Logger
	registry *WorkerRegistry
	expander Expander
	history  HistoryRecorder
	builtins map[string]Builtin

	// promptReady is invoked when a top-level worker finishes and the
	// surrounding loop should present the next prompt.
	promptReady func()

	state *ExecutionState

	mu    sync.Mutex
	child *Worker
}

// New creates an engine over the given filesystem. state becomes the
// UI-level state that commands typed at the prompt persist into.
func New(fs afero.Fs, cwd *Cwd, expander Expander, state *ExecutionState, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		fs:       fs,
		cwd:      cwd,
		opts:     opts,
		logger:   logger,
		registry: NewWorkerRegistry(),
		expander: expander,
		builtins: make(map[string]Builtin),
		state:    state,
	}
	registerDefaultBuiltins(e)
	return e
}

// SetHistory wires the session history recorder.
func (e *Engine) SetHistory(h HistoryRecorder) { e.history = h }

// SetPromptReady registers the "ready for next input" callback.
func (e *Engine) SetPromptReady(fn func()) { e.promptReady = fn }

// RegisterBuiltin installs an engine-level command.
func (e *Engine) RegisterBuiltin(name string, b Builtin) {
	e.builtins[name] = b
}

// Registry exposes the worker table for job listings.
func (e *Engine) Registry() *WorkerRegistry { return e.registry }

// Cwd exposes the ambient working directory cell.
func (e *Engine) Cwd() *Cwd { return e.cwd }

// Fs exposes the engine's filesystem.
func (e *Engine) Fs() afero.Fs { return e.fs }

// RunOptions parameterizes a Run invocation.
type RunOptions struct {
	// Stdin, Stdout, Stderr override the worker's inherited streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// AddToHistory forces history recording on or off; nil means "record
	// if this is a top-level worker".
	AddToHistory *bool

	// SuppressPrompt skips the ready-for-next-input signal on completion.
	SuppressPrompt bool

	// Persist selects how the worker's final state merges into its parent.
	Persist PersistLevel

	// Background detaches the worker from the parent's foreground slot.
	Background bool

	// Env overrides applied to the worker's cloned variables.
	Env map[string]string

	// Dir, if set, becomes the worker's working directory.
	Dir string
}

// Run executes raw input text on a fresh top-level worker and returns it
// without waiting. One bad line never kills the session: all engine errors
// are reported on the worker's error stream.
func (e *Engine) Run(input string, opts RunOptions) *Worker {
	return e.runLines(e, input, splitLines(input), nil, opts)
}

// RunLines executes pre-split lines (an rc file, a script body).
func (e *Engine) RunLines(lines []string, opts RunOptions) *Worker {
	return e.runLines(e, strings.Join(lines, "; "), lines, nil, opts)
}

// RunSequence executes an already-expanded pipe sequence.
func (e *Engine) RunSequence(seq *parser.PipeSequence, opts RunOptions) *Worker {
	return e.runLines(e, seq.String(), nil, seq, opts)
}

// runLines spawns a worker under parent whose body drives the pipeline
// loop. Exactly one of lines and seq is used.
func (e *Engine) runLines(parent jobParent, command string, lines []string, seq *parser.PipeSequence, opts RunOptions) *Worker {
	w := newWorker(e.registry, parent, command, NewCanceler(e.opts.Strategy), e.cwd, opts.Background, opts.Env, opts.Dir)

	w.start(func(w *Worker) {
		e.workerBody(w, lines, seq, opts)
	})

	return w
}

// workerBody is the life of one worker goroutine.
func (e *Engine) workerBody(w *Worker, lines []string, seq *parser.PipeSequence, opts RunOptions) {
	isTop := w.IsTopLevel()
	state := w.State()

	finalIn := toReadCloser(opts.Stdin)
	finalOut := toWriteCloser(opts.Stdout)
	finalErr := toWriteCloser(opts.Stderr)
	if opts.Stdin == nil {
		finalIn = nil
	}
	if opts.Stdout == nil {
		finalOut = nil
	}
	if opts.Stderr == nil {
		finalErr = nil
	}

	defer func() {
		// Scoped-resource discipline: merge state into the parent,
		// deregister, release the foreground slot, and signal the prompt,
		// on every path including cancellation and panics from broken
		// invariants (which are rethrown).
		if r := recover(); r != nil {
			e.writeError(finalErr, fmt.Sprintf("%v\n", r))
			state.SetReturnValue(ExitScriptFault)
			if _, fatal := r.(*InternalInvariantError); fatal {
				w.cleanup()
				panic(r)
			}
		}

		// Merge before cleanup closes the done channel and before the
		// prompt signal wakes the session loop: once either fires, other
		// goroutines may read the parent state. Background workers never
		// merge.
		if !w.IsBackground() {
			w.parent.ParentState().PersistChild(state, opts.Persist, e.cwd)
		}

		w.cleanup()

		if isTop && !opts.SuppressPrompt && e.promptReady != nil {
			e.promptReady()
		}
	}()

	run := func(seq *parser.PipeSequence) error {
		if seq.InBackground {
			// Independent top-level worker; completion is never awaited.
			e.runLines(w, seq.String(), nil, seq, RunOptions{
				Stdin:      opts.Stdin,
				Stdout:     opts.Stdout,
				Stderr:     opts.Stderr,
				Persist:    PersistNone,
				Background: true,
				Env:        opts.Env,
				Dir:        opts.Dir,
			})
			return nil
		}
		return e.runPipeSequence(w, seq, finalIn, finalOut, finalErr)
	}

	var err error
	if seq != nil {
		err = run(seq)
	} else {
		err = e.runInputLines(w, lines, opts, isTop, run)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrJobCancelled):
		stream := io.Writer(finalErr)
		if stream == nil {
			stream = state.OrigStderr
		}
		fmt.Fprint(stream, "^C\n")
	default:
		// Parse and expansion failures abort the remaining input lines.
		e.writeError(finalErr, fmt.Sprintf("%v\n", err))
		state.SetReturnValue(ExitScriptUnreadable)
	}
}

// runInputLines expands and executes each non-empty input line in order.
// Expansion errors abort the remaining lines; they are reported by the
// caller.
func (e *Engine) runInputLines(w *Worker, lines []string, opts RunOptions, isTop bool, run func(*parser.PipeSequence) error) error {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := w.Checkpoint(); err != nil {
			return err
		}

		expanded, sequences, err := e.expander.Expand(line, w.State())
		if err != nil {
			return err
		}
		e.logger.Debug("expanded input", "line", line, "expanded", expanded, "pipelines", len(sequences))

		// The raw form goes to history, and only for lines the user is
		// responsible for.
		if e.history != nil {
			if (opts.AddToHistory == nil && isTop) || (opts.AddToHistory != nil && *opts.AddToHistory) {
				e.history.Add(line)
			}
		}

		for _, seq := range sequences {
			if err := run(seq); err != nil {
				return err
			}
			if w.ExitRequested() {
				return nil
			}
		}
	}
	return nil
}

// runPipeSequence executes one pipeline stage by stage on the calling
// worker's goroutine. Stages run sequentially: each stage's output is fully
// drained into an in-memory buffer before the next stage starts.
func (e *Engine) runPipeSequence(w *Worker, seq *parser.PipeSequence, finalIn io.ReadCloser, finalOut, finalErr io.WriteCloser) error {
	state := w.State()
	nStages := len(seq.Commands)

	// The live handles must not outlast the stages they belong to: a kill
	// landing between pipelines has to break the originals, not a closed
	// redirect file.
	defer state.SetStreams(state.OrigStdin, state.OrigStdout, state.OrigStderr)

	var prevOut *pipeBuffer
	prevRedirected := false

	for idx, cmd := range seq.Commands {
		if err := w.Checkpoint(); err != nil {
			return err
		}

		// Temporary assignments are scoped to exactly one stage: in
		// A=42 cmd1 | cmd2 the value of A must not reach cmd2.
		state.TemporaryVariables = make(map[string]string)
		for _, assignment := range cmd.Assignments {
			state.TemporaryVariables[assignment.Name] = assignment.Value
		}

		// A bare assignment as the whole input folds permanently into the
		// worker's variables.
		if cmd.CmdWord == "" && idx == 0 && nStages == 1 {
			for k, v := range state.TemporaryVariables {
				state.Variables[k] = v
			}
			state.TemporaryVariables = make(map[string]string)
		}

		var ins io.ReadCloser
		switch {
		case prevRedirected:
			// The previous stage sent its output to a file; downstream
			// sees an empty stdin, not the file contents.
			ins = newPipeBuffer()
		case prevOut != nil:
			ins = prevOut
		case finalIn != nil:
			ins = finalIn
		default:
			ins = state.OrigStdin
		}

		outs := state.OrigStdout
		errs := state.OrigStderr
		var redirectFile afero.File
		var stageBuffer *pipeBuffer

		if cmd.Redirect != nil {
			flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			if cmd.Redirect.Op == parser.RedirectAppend {
				flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
			}
			fd, err := e.fs.OpenFile(e.cwd.Abs(cmd.Redirect.Filename), flag, 0644)
			if err != nil {
				e.writeError(finalErr, fmt.Sprintf("%s: %v\n", cmd.Redirect.Filename, err))
				state.SetReturnValue(ExitScriptFault)
				break
			}
			redirectFile = fd
			// Stdout and stderr redirect together; stderr is never split
			// out on its own.
			outs = fd
			errs = fd
		} else if idx < nStages-1 {
			stageBuffer = newPipeBuffer()
			outs = stageBuffer
		} else {
			if finalOut != nil {
				outs = finalOut
			}
			if finalErr != nil {
				errs = finalErr
			}
		}

		e.logger.Debug("stage io", "job", w.JobID(), "stage", idx, "cmd", cmd.CmdWord)

		err := e.runStage(w, cmd, ins, outs, errs)

		if redirectFile != nil {
			redirectFile.Close()
		}
		if pb, ok := ins.(*pipeBuffer); ok {
			pb.Close()
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrJobCancelled):
			return err
		case errors.Is(err, ErrCommandNotFound):
			e.writeError(finalErr, fmt.Sprintf("%v\n", err))
			state.SetReturnValue(ExitCommandNotFound)
		default:
			// Resolution and redirection failures abort the pipeline but
			// not the outer loop over pipelines.
			e.writeError(finalErr, fmt.Sprintf("%v\n", err))
			state.SetReturnValue(ExitScriptFault)
		}
		if err != nil {
			break
		}

		// A failing stage skips the rest of the pipeline.
		if state.ReturnValue() != 0 {
			break
		}

		prevOut = stageBuffer
		prevRedirected = redirectFile != nil
	}

	return nil
}

// runStage resolves and dispatches one simple command.
func (e *Engine) runStage(w *Worker, cmd *parser.SimpleCommand, ins io.ReadCloser, outs, errs io.WriteCloser) error {
	state := w.State()

	// The live handles are what an interrupt-strategy kill breaks.
	state.SetStreams(ins, outs, errs)

	if cmd.CmdWord == "" {
		state.SetReturnValue(0)
		return nil
	}

	if builtin, ok := e.builtins[cmd.CmdWord]; ok {
		code := builtin(&BuiltinContext{
			Engine: e,
			Worker: w,
			Args:   append([]string{cmd.CmdWord}, cmd.Args...),
			Stdin:  ins,
			Stdout: outs,
			Stderr: errs,
		})
		state.SetReturnValue(code)
		return nil
	}

	scriptPath, err := e.FindScriptFile(state, cmd.CmdWord)
	if err != nil {
		return err
	}
	e.logger.Debug("resolved command", "cmd", cmd.CmdWord, "path", scriptPath)

	switch {
	case strings.HasSuffix(scriptPath, NativeScriptSuffix):
		return e.execNativeScript(w, scriptPath, cmd.Args, ins, outs, errs)
	case e.isBinaryFile(scriptPath):
		return fmt.Errorf("%s: %w", scriptPath, ErrNotExecutable)
	default:
		return e.execShellScript(w, scriptPath, cmd.Args, ins, outs, errs)
	}
}

const (
	// NativeScriptSuffix marks dynamically evaluated Go source programs.
	NativeScriptSuffix = ".nativescript"
	// ShellScriptSuffix marks line-oriented shell scripts.
	ShellScriptSuffix = ".shellscript"
)

// FindScriptFile resolves a command word to a program file: first an exact
// path match with suffix fallback, then every directory on the search path
// with the current directory implicitly first. A directory match without a
// usable file yields ErrIsDirectory; no match at all, ErrCommandNotFound.
func (e *Engine) FindScriptFile(state *ExecutionState, name string) (string, error) {
	candidates := []string{name, name + NativeScriptSuffix, name + ShellScriptSuffix}

	dirMatchFound := false
	for _, candidate := range candidates {
		full := e.cwd.Abs(e.expandHome(state, candidate))
		if stat, err := e.fs.Stat(full); err == nil {
			if stat.IsDir() {
				dirMatchFound = true
			} else {
				return full, nil
			}
		}
	}

	// Simple command words search the path; the current directory is
	// effectively always its first entry.
	if !strings.Contains(name, "/") {
		for _, dir := range append([]string{"."}, state.SearchPath...) {
			dirPath := e.cwd.Abs(e.expandHome(state, dir))
			entries, err := afero.ReadDir(e.fs, dirPath)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				for _, candidate := range candidates {
					if entry.Name() != path.Base(candidate) {
						continue
					}
					if entry.IsDir() {
						dirMatchFound = true
					} else {
						return path.Join(dirPath, entry.Name()), nil
					}
				}
			}
		}
	}

	if dirMatchFound {
		return "", fmt.Errorf("%s: %w", name, ErrIsDirectory)
	}
	return "", fmt.Errorf("%s: %w", name, ErrCommandNotFound)
}

// expandHome substitutes a leading ~ with the state's HOME.
func (e *Engine) expandHome(state *ExecutionState, p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, ok := state.Lookup(EnvHome); ok {
			return home + strings.TrimPrefix(p, "~")
		}
	}
	return p
}

// isBinaryFile sniffs the first kilobyte for NUL bytes.
func (e *Engine) isBinaryFile(path string) bool {
	fd, err := e.fs.Open(path)
	if err != nil {
		return false
	}
	defer fd.Close()

	buf := make([]byte, 1024)
	n, _ := fd.Read(buf)
	for _, b := range buf[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

// execShellScript reads a script's lines and evaluates them on a nested
// isolated (persistence level 0) worker, waiting for it synchronously.
func (e *Engine) execShellScript(w *Worker, scriptPath string, args []string, ins io.ReadCloser, outs, errs io.WriteCloser) error {
	state := w.State()

	// Positional parameters for the script body.
	for i, arg := range append([]string{scriptPath}, args...) {
		state.TemporaryVariables[strconv.Itoa(i)] = arg
	}
	state.TemporaryVariables["#"] = strconv.Itoa(len(args))
	state.TemporaryVariables["@"] = strings.Join(args, "\t")

	content, err := afero.ReadFile(e.fs, scriptPath)
	if err != nil {
		e.writeError(errs, fmt.Sprintf("%s: %v\n", scriptPath, err))
		state.SetReturnValue(ExitScriptFault)
		return nil
	}
	never := false
	child := e.runLines(w, scriptPath, splitLines(string(content)), nil, RunOptions{
		Stdin:          ins,
		Stdout:         outs,
		Stderr:         errs,
		AddToHistory:   &never,
		SuppressPrompt: true,
		Persist:        PersistNone,
	})
	child.Wait()

	if child.Killed() {
		return ErrJobCancelled
	}

	state.SetReturnValue(child.State().ReturnValue())
	return nil
}

// writeError reports a message on stream with the shell prefix, falling
// back to the engine's own error stream.
func (e *Engine) writeError(stream io.Writer, msg string) {
	if stream == nil {
		stream = e.state.OrigStderr
	}
	if stream == nil {
		return
	}
	text := "threadsh: " + msg
	if e.opts.ColoredErrors {
		text = color.RedString("%s", text)
	}
	fmt.Fprint(stream, text)
	e.logger.Debug("error reported", "msg", msg)
}

// PromptText renders the prompt template, substituting \w (full path) and
// \W (basename) from the ambient working directory with ~ contraction.
func (e *Engine) PromptText() string {
	_, state := e.GetCurrentWorkerAndState()

	prompt, ok := state.Lookup(EnvPrompt)
	if !ok {
		prompt = DefaultPrompt
	}

	if strings.Contains(prompt, `\w`) || strings.Contains(prompt, `\W`) {
		curdir := e.cwd.Getwd()
		if home, ok := state.Lookup(EnvHome); ok && home != "" {
			if strings.HasPrefix(curdir, home) {
				curdir = "~" + strings.TrimPrefix(curdir, home)
			}
		}
		prompt = strings.ReplaceAll(prompt, `\w`, curdir)

		base := path.Base(curdir)
		if curdir == "~" {
			base = "~"
		}
		prompt = strings.ReplaceAll(prompt, `\W`, base)
	}

	return prompt
}

// GetCurrentWorkerAndState returns the deepest foreground worker and its
// state, or (nil, engine state) when nothing is running.
func (e *Engine) GetCurrentWorkerAndState() (*Worker, *ExecutionState) {
	e.mu.Lock()
	current := e.child
	e.mu.Unlock()

	if current == nil {
		return nil, e.state
	}
	for {
		next := current.ForegroundChild()
		if next == nil {
			return current, current.State()
		}
		current = next
	}
}

// ForegroundWorker returns the engine's direct foreground child, if any.
func (e *Engine) ForegroundWorker() *Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.child
}

// InterruptCurrent kills the current foreground job, attempting the
// configured strategy and reporting if it did not take effect.
func (e *Engine) InterruptCurrent() error {
	w := e.ForegroundWorker()
	if w == nil {
		return nil
	}
	return w.Kill()
}

// PushCurrentToBackground detaches the running foreground job and frees the
// prompt.
func (e *Engine) PushCurrentToBackground() bool {
	w := e.ForegroundWorker()
	if w == nil {
		return false
	}
	w.SetBackground(true)
	if e.promptReady != nil {
		e.promptReady()
	}
	return true
}

// PushToForeground claims the foreground slot for an existing (background)
// worker. It fails with ErrJobRunning while another job holds the slot.
func (e *Engine) PushToForeground(w *Worker) error {
	if cur := e.ForegroundWorker(); cur != nil {
		if cur == w {
			return nil
		}
		return fmt.Errorf("job %d: %w", cur.JobID(), ErrJobRunning)
	}
	w.SetBackground(false)
	return nil
}

// adoptForeground implements jobParent for top-level workers.
func (e *Engine) adoptForeground(w *Worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.child == nil, "engine already has foreground job %d", e.childID())
	e.child = w
}

func (e *Engine) releaseForeground(w *Worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.child == w, "engine asked to release foreground job it does not own")
	e.child = nil
}

// childID assumes e.mu is held.
func (e *Engine) childID() int {
	if e.child == nil {
		return 0
	}
	return e.child.JobID()
}

// ParentState implements jobParent.
func (e *Engine) ParentState() *ExecutionState { return e.state }

func (e *Engine) parentJobID() int { return 0 }

func splitLines(input string) []string {
	return strings.Split(strings.ReplaceAll(input, "\r\n", "\n"), "\n")
}
