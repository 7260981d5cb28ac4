package engine

import (
	"fmt"
	"io"
	"strconv"
	"sync"
)

// PersistLevel dictates how much of a finished child worker's state leaks
// back into its parent.
type PersistLevel int

const (
	// PersistNone leaks nothing back; only the ambient working directory is
	// restored to the child's final cwd. Shell scripts run at this level.
	PersistNone PersistLevel = 0

	// PersistFull replaces the parent's variables, aliases and search path
	// with the child's final values. Commands typed at the prompt run at
	// this level.
	PersistFull PersistLevel = 1

	// PersistSemi leaves the parent's live state untouched but stages the
	// child's final state so the parent's *next* child starts from it.
	// Programmatic re-entrant invocations run at this level.
	PersistSemi PersistLevel = 2
)

// ExitCodeVariable is the reserved variable holding the last exit status.
// It is the only channel for exit-status propagation.
const ExitCodeVariable = "?"

// ExecutionState is the full environment owned by one worker: variables,
// aliases, working directory snapshot, search path and stream handles. It is
// mutated only by the owning worker's goroutine and handed off via the
// persistence merge once that goroutine has stopped.
type ExecutionState struct {
	// Variables holds the worker's environment.
	Variables map[string]string
	// TemporaryVariables holds assignments scoped to a single pipeline
	// stage, e.g. X=1 cmd. Reset for every stage.
	TemporaryVariables map[string]string
	// Aliases maps alias names to replacement text.
	Aliases map[string]string
	// SearchPath is the worker's mutable copy of the command search path.
	SearchPath []string

	// EnclosedCwd is the working directory snapshot taken when the worker
	// was constructed, used to restore the ambient directory on merge.
	EnclosedCwd string

	// Staging fields set by a semi or full persistence merge. A child
	// constructed while these are non-nil inherits them instead of the live
	// maps (see NewStateFromParent).
	EnclosingVariables map[string]string
	EnclosingAliases   map[string]string
	EnclosingCwd       string

	// Current stream handles, possibly redirected mid-pipeline. Guarded by
	// streamMu: the owning goroutine rebinds them per stage while an
	// interrupt-strategy kill may read them from outside.
	streamMu sync.Mutex
	Stdin    io.ReadCloser
	Stdout   io.WriteCloser
	Stderr   io.WriteCloser

	// The inherited handles. A stage that redirects keeps these so later
	// stages can be wired to the worker's true streams.
	OrigStdin  io.ReadCloser
	OrigStdout io.WriteCloser
	OrigStderr io.WriteCloser
}

// NewState builds a root state with the given environment and streams.
func NewState(variables map[string]string, searchPath []string, stdin io.Reader, stdout, stderr io.Writer) *ExecutionState {
	if variables == nil {
		variables = make(map[string]string)
	}
	in := toReadCloser(stdin)
	out := toWriteCloser(stdout)
	errs := toWriteCloser(stderr)

	return &ExecutionState{
		Variables:          variables,
		TemporaryVariables: make(map[string]string),
		Aliases:            make(map[string]string),
		SearchPath:         append([]string(nil), searchPath...),
		Stdin:              in,
		Stdout:             out,
		Stderr:             errs,
		OrigStdin:          in,
		OrigStdout:         out,
		OrigStderr:         errs,
	}
}

// NewStateFromParent derives a child state. If the parent carries staged
// enclosing state from an earlier semi-persistent child, the new child
// inherits that; otherwise it deep-copies the parent's live aliases and
// variables (temporary variables included, so X=1 cmd is visible to cmd).
// The ambient working directory is moved to the staged cwd if one is set,
// and snapshotted into EnclosedCwd.
func NewStateFromParent(parent *ExecutionState, cwd *Cwd) *ExecutionState {
	var aliases map[string]string
	if parent.EnclosingAliases != nil {
		aliases = parent.EnclosingAliases
	} else {
		aliases = copyMap(parent.Aliases)
	}

	var variables map[string]string
	if parent.EnclosingVariables != nil {
		variables = parent.EnclosingVariables
	} else {
		variables = copyMap(parent.Variables)
		for k, v := range parent.TemporaryVariables {
			variables[k] = v
		}
	}

	if parent.EnclosingCwd != "" {
		// Best effort; a vanished directory shouldn't abort the spawn.
		_ = cwd.Chdir(parent.EnclosingCwd)
	}

	return &ExecutionState{
		Variables:          variables,
		TemporaryVariables: make(map[string]string),
		Aliases:            aliases,
		SearchPath:         append([]string(nil), parent.SearchPath...),
		EnclosedCwd:        cwd.Getwd(),
		Stdin:              parent.OrigStdin,
		Stdout:             parent.OrigStdout,
		Stderr:             parent.OrigStderr,
		OrigStdin:          parent.OrigStdin,
		OrigStdout:         parent.OrigStdout,
		OrigStderr:         parent.OrigStderr,
	}
}

// PersistChild merges a finished child's state into s. The child goroutine
// performs this as its final act, before its done channel closes, so
// readers synchronized on Wait never observe a half-merged parent.
func (s *ExecutionState) PersistChild(child *ExecutionState, level PersistLevel, cwd *Cwd) {
	switch level {
	case PersistNone:
		if child.EnclosedCwd != "" && cwd.Getwd() != child.EnclosedCwd {
			_ = cwd.Chdir(child.EnclosedCwd)
		}

	case PersistFull:
		s.Aliases = copyMap(child.Aliases)
		s.EnclosingAliases = child.Aliases
		s.EnclosingCwd = cwd.Getwd()
		s.EnclosedCwd = s.EnclosingCwd
		s.Variables = copyMap(child.Variables)
		s.EnclosingVariables = child.Variables
		s.SearchPath = append([]string(nil), child.SearchPath...)

	case PersistSemi:
		s.EnclosingAliases = child.Aliases
		s.EnclosingVariables = child.Variables
		s.EnclosingCwd = cwd.Getwd()
		if s.EnclosedCwd != "" {
			_ = cwd.Chdir(s.EnclosedCwd)
		}
	}
}

// SetStreams rebinds the current stream handles for one pipeline stage.
func (s *ExecutionState) SetStreams(in io.ReadCloser, out, errs io.WriteCloser) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.Stdin = in
	s.Stdout = out
	s.Stderr = errs
}

// CurrentStreams returns the live stream handles.
func (s *ExecutionState) CurrentStreams() (io.ReadCloser, io.WriteCloser, io.WriteCloser) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.Stdin, s.Stdout, s.Stderr
}

// Getenv retrieves a variable, failing with ErrUndefinedVariable.
func (s *ExecutionState) Getenv(name string) (string, error) {
	if v, ok := s.Variables[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrUndefinedVariable)
}

// Setenv sets a variable.
func (s *ExecutionState) Setenv(name, value string) {
	s.Variables[name] = value
}

// Lookup implements parser.Env over temporary then persistent variables.
func (s *ExecutionState) Lookup(name string) (string, bool) {
	if v, ok := s.TemporaryVariables[name]; ok {
		return v, true
	}
	v, ok := s.Variables[name]
	return v, ok
}

// Alias implements parser.Env.
func (s *ExecutionState) Alias(name string) (string, bool) {
	v, ok := s.Aliases[name]
	return v, ok
}

// ReturnValue reads the last exit status, defaulting to 0.
func (s *ExecutionState) ReturnValue() int {
	v, ok := s.Variables[ExitCodeVariable]
	if !ok {
		return 0
	}
	code, err := strconv.Atoi(v)
	if err != nil || code < 0 {
		return 0
	}
	return code
}

// SetReturnValue records an exit status in the reserved "?" variable.
func (s *ExecutionState) SetReturnValue(code int) {
	if code < 0 {
		code = 1
	}
	s.Variables[ExitCodeVariable] = strconv.Itoa(code)
}

// Environ renders the effective environment (variables plus temporaries) in
// "key=value" form for handing to a native script interpreter.
func (s *ExecutionState) Environ() []string {
	merged := copyMap(s.Variables)
	for k, v := range s.TemporaryVariables {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func copyMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
