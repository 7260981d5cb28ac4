// Package shell assembles a threadsh session: configuration, filesystem,
// engine, history and the interactive readline loop.
package shell

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/abiosoft/readline"
	"github.com/spf13/afero"

	"josephlewis.net/threadsh/core/config"
	"josephlewis.net/threadsh/core/engine"
	"josephlewis.net/threadsh/core/history"
	"josephlewis.net/threadsh/core/parser"
)

// TerminalOptions binds a session to its terminal.
type TerminalOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// IsPTY and Width inform readline; nil means a dumb 80-column pipe.
	IsPTY func() bool
	Width func() int
}

// Session is one user-facing shell over the engine.
type Session struct {
	Config  *config.Configuration
	Engine  *engine.Engine
	History *history.History

	fs       afero.Fs
	term     TerminalOptions
	logger   *slog.Logger
	promptCh chan struct{}
}

// NewSession wires a session over fs. The filesystem is typically an
// afero.MemMapFs seeded with scripts, or a sandboxed slice of the host.
func NewSession(cfg *config.Configuration, fs afero.Fs, term TerminalOptions) (*Session, error) {
	var logger *slog.Logger
	if cfg.Debug {
		logger = slog.New(slog.NewTextHandler(term.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// The home directory is also the startup working directory.
	if err := fs.MkdirAll(cfg.Home, 0755); err != nil {
		return nil, fmt.Errorf("creating home %s: %w", cfg.Home, err)
	}
	if err := seedBin(fs); err != nil {
		return nil, err
	}
	cwd := engine.NewCwd(fs, "/")
	if err := cwd.Chdir(cfg.Home); err != nil {
		return nil, err
	}

	variables := map[string]string{
		engine.EnvHome:   cfg.Home,
		engine.EnvPrompt: cfg.Prompt,
	}
	for k, v := range cfg.Env {
		variables[k] = v
	}

	state := engine.NewState(variables, cfg.SearchPath, term.Stdin, term.Stdout, term.Stderr)

	hist := history.New(fs, cfg.HistoryFilePath())
	if err := hist.Load(); err != nil {
		logger.Warn("could not load history", "err", err)
	}

	expander := parser.NewExpander(hist)

	eng := engine.New(fs, cwd, expander, state, engine.Options{
		Strategy:      engine.CancelStrategy(cfg.ThreadType),
		Traceback:     cfg.Traceback,
		ColoredErrors: cfg.ColoredErrors,
		Logger:        logger,
	})
	eng.SetHistory(hist)
	eng.RegisterBuiltin("history", history.Builtin(hist))

	s := &Session{
		Config:   cfg,
		Engine:   eng,
		History:  hist,
		fs:       fs,
		term:     term,
		logger:   logger,
		promptCh: make(chan struct{}, 1),
	}
	eng.SetPromptReady(s.signalPrompt)
	return s, nil
}

func (s *Session) signalPrompt() {
	select {
	case s.promptCh <- struct{}{}:
	default:
	}
}

// RunRcFile sources the configured rc file with full persistence so its
// variables and aliases shape the session. A missing file is fine.
func (s *Session) RunRcFile() {
	rcPath := s.Config.RcfilePath()
	if rcPath == "" {
		return
	}
	content, err := afero.ReadFile(s.fs, rcPath)
	if err != nil {
		return
	}

	never := false
	w := s.Engine.RunLines(strings.Split(string(content), "\n"), engine.RunOptions{
		AddToHistory:   &never,
		SuppressPrompt: true,
		Persist:        engine.PersistFull,
	})
	w.Wait()
}

// RunCommand evaluates one command line to completion, as for sh -c.
func (s *Session) RunCommand(line string) int {
	never := false
	w := s.Engine.Run(line, engine.RunOptions{
		AddToHistory:   &never,
		SuppressPrompt: true,
		Persist:        engine.PersistFull,
	})
	w.Wait()
	return w.State().ReturnValue()
}

// Interactive runs the prompt loop until EOF or the exit builtin.
func (s *Session) Interactive() int {
	rl, err := s.newReadline()
	if err != nil {
		fmt.Fprintf(s.term.Stderr, "threadsh: %v\n", err)
		return 1
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.Engine.PromptText())
		line, err := rl.Readline()

		switch {
		case err == io.EOF:
			s.shutdown()
			return 0

		case err == readline.ErrInterrupt:
			// Ctrl-C at the prompt clears the line.
			continue

		case err != nil:
			s.logger.Error("readline", "err", err)
			s.shutdown()
			return 1

		case strings.TrimSpace(line) == "":
			continue
		}

		w := s.Engine.Run(line, engine.RunOptions{
			Persist: engine.PersistFull,
		})

		// The prompt returns when the job finishes or detaches itself into
		// the background.
		select {
		case <-w.Done():
		case <-s.promptCh:
		}
		s.drainPromptSignal()

		if w.ExitRequested() {
			s.shutdown()
			return w.State().ReturnValue()
		}
	}
}

func (s *Session) drainPromptSignal() {
	select {
	case <-s.promptCh:
	default:
	}
}

// shutdown kills outstanding jobs and saves history.
func (s *Session) shutdown() {
	s.Engine.Registry().Purge()
	if err := s.History.Save(); err != nil {
		s.logger.Warn("could not save history", "err", err)
	}
}

func (s *Session) newReadline() (*readline.Instance, error) {
	cfg := &readline.Config{
		Stdin:  readline.NewCancelableStdin(s.term.Stdin),
		Stdout: s.term.Stdout,
		Stderr: s.term.Stderr,
	}
	// Leaving the funcs nil lets readline probe the local terminal itself.
	if s.term.IsPTY != nil {
		cfg.FuncIsTerminal = s.term.IsPTY
	}
	if s.term.Width != nil {
		cfg.FuncGetWidth = s.term.Width
	}
	if err := cfg.Init(); err != nil {
		return nil, err
	}
	return readline.NewEx(cfg)
}
