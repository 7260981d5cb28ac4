// Package parser turns raw input lines into expanded pipe sequences.
//
// The execution engine treats this package as a collaborator: it hands a
// line and an environment in, and gets back zero or more PipeSequences with
// all word, parameter, alias and history expansion already performed.
package parser

import "fmt"

// Env is the view of the calling worker's environment the expander needs
// for parameter and alias expansion.
type Env interface {
	// Lookup retrieves a variable. The bool reports whether it was set.
	Lookup(name string) (string, bool)
	// Alias retrieves an alias replacement. The bool reports whether the
	// alias exists.
	Alias(name string) (string, bool)
}

// HistorySearcher resolves history event designators such as "!3" and
// "!prefix".
type HistorySearcher interface {
	// Search returns the matching history line or an error satisfying
	// errors.As with *EventNotFoundError.
	Search(token string) (string, error)
}

// Assignment is a NAME=value prefix of a simple command.
type Assignment struct {
	Name  string
	Value string
}

// RedirectOp is a supported output redirection operator.
type RedirectOp string

const (
	RedirectTruncate RedirectOp = ">"
	RedirectAppend   RedirectOp = ">>"
)

// Redirect is an output redirection carried by a simple command. Stdout and
// stderr are redirected together to the same target.
type Redirect struct {
	Op       RedirectOp
	Filename string
}

// SimpleCommand is one stage of a pipeline.
type SimpleCommand struct {
	// CmdWord is the command name; empty for a bare assignment line.
	CmdWord string
	// Args are the expanded arguments, not including CmdWord.
	Args []string
	// Assignments are the leading NAME=value words.
	Assignments []Assignment
	// Redirect is the stage's output redirection, if any.
	Redirect *Redirect
}

// PipeSequence is a pipeline of simple commands: cmd1 | cmd2 | ...
type PipeSequence struct {
	Commands     []*SimpleCommand
	InBackground bool
}

func (p *PipeSequence) String() string {
	out := ""
	for i, cmd := range p.Commands {
		if i > 0 {
			out += " | "
		}
		out += cmd.CmdWord
	}
	if p.InBackground {
		out += " &"
	}
	return out
}

// ParseError reports a syntax error in the input line.
type ParseError struct {
	// Source is the offending input.
	Source string
	// Offset is the byte offset of the error in Source, -1 if unknown.
	Offset int
	// Cause is the underlying parser error.
	Cause error
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("syntax error: at char %d: %s", e.Offset, e.Source)
	}
	return fmt.Sprintf("syntax error: %s", e.Source)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// SubstitutionError reports an unsupported or malformed expansion.
type SubstitutionError struct {
	Word string
}

func (e *SubstitutionError) Error() string {
	return fmt.Sprintf("bad substitution: %s", e.Word)
}

// EventNotFoundError reports a history event designator with no match.
type EventNotFoundError struct {
	Token string
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("%s: event not found", e.Token)
}
