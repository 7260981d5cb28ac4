package history

import (
	"fmt"

	"github.com/pborman/getopt/v2"

	"josephlewis.net/threadsh/core/engine"
)

// Builtin adapts a History into the history shell builtin.
func Builtin(h *History) engine.Builtin {
	return func(ctx *engine.BuiltinContext) int {
		opts := getopt.New()
		clear := opts.Bool('c', "clear the history by deleting all entries")
		write := opts.Bool('w', "write the history to the history file")
		helpOpt := opts.BoolLong("help", 'h', "show help and exit")

		if err := opts.Getopt(ctx.Args, nil); err != nil || *helpOpt {
			w := ctx.Stderr
			if err != nil {
				fmt.Fprintln(w, err)
			}
			fmt.Fprintln(w, "Display or manipulate the history list.")
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Options:")
			opts.PrintOptions(w)
			return 1
		}

		optionChosen := false
		if *clear {
			h.Clear()
			optionChosen = true
		}
		if *write {
			if err := h.Save(); err != nil {
				fmt.Fprintf(ctx.Stderr, "%s: %v\n", ctx.Args[0], err)
				return 1
			}
			optionChosen = true
		}

		if !optionChosen {
			lines := h.Lines()
			for i := len(lines) - 1; i >= 0; i-- {
				fmt.Fprintf(ctx.Stdout, "% 5d  %s\n", len(lines)-i, lines[i])
			}
		}
		return 0
	}
}
