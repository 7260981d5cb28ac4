package engine

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pborman/getopt/v2"
)

func registerDefaultBuiltins(e *Engine) {
	e.RegisterBuiltin("cd", builtinCd)
	e.RegisterBuiltin("jobs", builtinJobs)
	e.RegisterBuiltin("fg", builtinFg)
	e.RegisterBuiltin("bg", builtinBg)
	e.RegisterBuiltin("kill", builtinKill)
	e.RegisterBuiltin("alias", builtinAlias)
	e.RegisterBuiltin("unalias", builtinUnalias)
	e.RegisterBuiltin("exit", builtinExit)
}

// builtinCd changes the ambient working directory, which all jobs share.
func builtinCd(ctx *BuiltinContext) int {
	switch len(ctx.Args) {
	case 1:
		home, ok := ctx.Worker.State().Lookup(EnvHome)
		if !ok {
			fmt.Fprintf(ctx.Stderr, "%s: HOME not set\n", ctx.Args[0])
			return 1
		}
		ctx.Args = append(ctx.Args, home)
		fallthrough
	case 2:
		target := ctx.Engine.expandHome(ctx.Worker.State(), ctx.Args[1])
		if err := ctx.Engine.cwd.Chdir(target); err != nil {
			fmt.Fprintf(ctx.Stderr, "%s: %v\n", ctx.Args[0], err)
			return 1
		}
		ctx.Worker.State().EnclosedCwd = ctx.Engine.cwd.Getwd()
	default:
		fmt.Fprintf(ctx.Stderr, "%s: too many arguments\n", ctx.Args[0])
		return 1
	}
	return 0
}

// builtinJobs lists every registered worker in creation order.
func builtinJobs(ctx *BuiltinContext) int {
	for _, w := range ctx.Engine.registry.List() {
		fmt.Fprintln(ctx.Stdout, w.String())
	}
	return 0
}

// builtinFg brings a background job to the foreground by waiting on it and
// forwarding cancellation. With no argument it picks the oldest background
// job.
func builtinFg(ctx *BuiltinContext) int {
	target, code := lookupJobArg(ctx, true)
	if target == nil {
		return code
	}

	fmt.Fprintln(ctx.Stdout, target.Command())
	select {
	case <-target.Done():
	case <-ctx.Worker.Context().Done():
		// Our own kill propagates to the job we are attending.
		if err := target.Kill(); err != nil {
			fmt.Fprintf(ctx.Stderr, "%s: %v\n", ctx.Args[0], err)
		}
		<-target.Done()
	}
	return target.State().ReturnValue()
}

// builtinBg reports job state; every live job already runs concurrently, so
// there is nothing to resume.
func builtinBg(ctx *BuiltinContext) int {
	target, code := lookupJobArg(ctx, true)
	if target == nil {
		return code
	}
	if !target.IsBackground() {
		fmt.Fprintf(ctx.Stderr, "%s: job %d is in the foreground\n", ctx.Args[0], target.JobID())
		return 1
	}
	fmt.Fprintln(ctx.Stdout, target.String())
	return 0
}

// builtinKill cancels jobs by ID using the configured strategy.
func builtinKill(ctx *BuiltinContext) int {
	opts := getopt.New()
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(ctx.Args, nil); err != nil || *helpOpt || len(opts.Args()) == 0 {
		if err != nil {
			fmt.Fprintln(ctx.Stderr, err)
		}
		fmt.Fprintln(ctx.Stderr, "usage: kill JOBID...")
		fmt.Fprintln(ctx.Stderr, "Cancel running jobs.")
		return 1
	}

	status := 0
	for _, arg := range opts.Args() {
		id, err := strconv.Atoi(arg)
		if err != nil {
			fmt.Fprintf(ctx.Stderr, "%s: %s: arguments must be job IDs\n", ctx.Args[0], arg)
			status = 1
			continue
		}
		target, ok := ctx.Engine.registry.Get(id)
		if !ok {
			fmt.Fprintf(ctx.Stderr, "%s: %d: no such job\n", ctx.Args[0], id)
			status = 1
			continue
		}
		if err := target.killBy(ctx.Worker.JobID()); err != nil {
			fmt.Fprintf(ctx.Stderr, "%s: %v\n", ctx.Args[0], err)
			status = 1
		}
	}
	return status
}

// builtinAlias defines or lists aliases. Definitions land in the worker
// state and reach the session through the usual persistence merge.
func builtinAlias(ctx *BuiltinContext) int {
	state := ctx.Worker.State()

	if len(ctx.Args) == 1 {
		names := make([]string, 0, len(state.Aliases))
		for name := range state.Aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(ctx.Stdout, "alias %s='%s'\n", name, state.Aliases[name])
		}
		return 0
	}

	status := 0
	for _, arg := range ctx.Args[1:] {
		name, value, found := cutAssignment(arg)
		if !found {
			replacement, ok := state.Aliases[name]
			if !ok {
				fmt.Fprintf(ctx.Stderr, "%s: %s: not found\n", ctx.Args[0], name)
				status = 1
				continue
			}
			fmt.Fprintf(ctx.Stdout, "alias %s='%s'\n", name, replacement)
			continue
		}
		state.Aliases[name] = value
	}
	return status
}

func builtinUnalias(ctx *BuiltinContext) int {
	opts := getopt.New()
	all := opts.Bool('a', "remove all alias definitions")

	if err := opts.Getopt(ctx.Args, nil); err != nil {
		fmt.Fprintln(ctx.Stderr, err)
		fmt.Fprintln(ctx.Stderr, "usage: unalias [-a] NAME...")
		return 1
	}

	state := ctx.Worker.State()
	if *all {
		state.Aliases = make(map[string]string)
		return 0
	}

	status := 0
	for _, name := range opts.Args() {
		if _, ok := state.Aliases[name]; !ok {
			fmt.Fprintf(ctx.Stderr, "%s: %s: not found\n", ctx.Args[0], name)
			status = 1
			continue
		}
		delete(state.Aliases, name)
	}
	return status
}

// builtinExit stops the enclosing worker after the current pipeline. At the
// top level the session loop observes the request and terminates.
func builtinExit(ctx *BuiltinContext) int {
	code := 0
	if len(ctx.Args) > 1 {
		parsed, err := strconv.Atoi(ctx.Args[1])
		if err != nil {
			fmt.Fprintf(ctx.Stderr, "%s: %s: numeric argument required\n", ctx.Args[0], ctx.Args[1])
			parsed = 2
		}
		code = parsed
	}
	ctx.Worker.RequestExit()
	return code
}

// lookupJobArg resolves an optional single job-ID argument, falling back to
// the oldest background job when allowed. A nil worker return means the
// second value is the builtin's exit status.
func lookupJobArg(ctx *BuiltinContext, defaultToBackground bool) (*Worker, int) {
	switch len(ctx.Args) {
	case 1:
		if defaultToBackground {
			if w := ctx.Engine.registry.FirstBackground(); w != nil {
				return w, 0
			}
		}
		fmt.Fprintf(ctx.Stderr, "%s: no current job\n", ctx.Args[0])
		return nil, 1
	case 2:
		id, err := strconv.Atoi(ctx.Args[1])
		if err != nil {
			fmt.Fprintf(ctx.Stderr, "%s: %s: no such job\n", ctx.Args[0], ctx.Args[1])
			return nil, 1
		}
		w, ok := ctx.Engine.registry.Get(id)
		if !ok {
			fmt.Fprintf(ctx.Stderr, "%s: %d: no such job\n", ctx.Args[0], id)
			return nil, 1
		}
		return w, 0
	default:
		fmt.Fprintf(ctx.Stderr, "%s: too many arguments\n", ctx.Args[0])
		return nil, 1
	}
}

// cutAssignment splits NAME=VALUE at the first equals sign.
func cutAssignment(arg string) (name, value string, found bool) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:], true
		}
	}
	return arg, "", false
}
