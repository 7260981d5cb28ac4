package engine

import (
	"errors"
	"fmt"
	"io"
	"path"
	"reflect"

	"github.com/spf13/afero"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// nativeEntrypoint is the optional function a native script defines to
// report an exit status.
const nativeEntrypoint = "Run"

// execNativeScript evaluates a Go source program in a fresh interpreter
// bound to the stage's streams, arguments, and environment. The script's
// top level runs first; if it defines Run() int, that becomes the exit
// status, otherwise a clean evaluation exits 0. Any fault exits 1.
func (e *Engine) execNativeScript(w *Worker, scriptPath string, args []string, ins io.Reader, outs, errs io.Writer) error {
	state := w.State()

	src, err := afero.ReadFile(e.fs, scriptPath)
	if err != nil {
		e.writeError(errs, fmt.Sprintf("%s: %v\n", scriptPath, err))
		state.SetReturnValue(ExitScriptFault)
		return nil
	}

	i := interp.New(interp.Options{
		Stdin:  ins,
		Stdout: outs,
		Stderr: errs,
		Args:   append([]string{path.Base(scriptPath)}, args...),
		Env:    state.Environ(),
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		e.writeError(errs, fmt.Sprintf("%s: %v\n", scriptPath, err))
		state.SetReturnValue(ExitScriptFault)
		return nil
	}

	if _, err := i.EvalWithContext(w.Context(), string(src)); err != nil {
		return e.reportNativeFault(w, scriptPath, errs, err)
	}

	// An entrypoint is optional: scripts that do their work at the top
	// level exit 0 here.
	entry, err := i.Eval(nativeEntrypoint)
	if err != nil || entry.Kind() != reflect.Func {
		state.SetReturnValue(0)
		return nil
	}

	result, err := i.EvalWithContext(w.Context(), nativeEntrypoint+"()")
	if err != nil {
		return e.reportNativeFault(w, scriptPath, errs, err)
	}

	status := 0
	if result.IsValid() && result.Kind() == reflect.Int {
		status = int(result.Int())
	}
	state.SetReturnValue(status)
	return nil
}

// reportNativeFault distinguishes cancellation from script faults and
// renders the latter, with the full trace when tracebacks are enabled.
func (e *Engine) reportNativeFault(w *Worker, scriptPath string, errs io.Writer, err error) error {
	if w.Context().Err() != nil {
		return ErrJobCancelled
	}

	e.writeError(errs, fmt.Sprintf("%s: %v\n", path.Base(scriptPath), err))

	var p interp.Panic
	if e.opts.Traceback && errors.As(err, &p) {
		fmt.Fprintf(errs, "%s\n", p.Stack)
	}

	w.State().SetReturnValue(ExitScriptFault)
	return nil
}
