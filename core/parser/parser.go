package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/anmitsu/go-shlex"
	"mvdan.cc/sh/v3/syntax"
)

var historyEventRegex = regexp.MustCompile(`(^|\s)(!\S+)`)

// Expander parses a line and performs history, alias, parameter and quote
// expansion, producing pipe sequences ready for execution.
type Expander struct {
	// History resolves "!" event designators; nil disables history
	// expansion.
	History HistorySearcher
}

func NewExpander(history HistorySearcher) *Expander {
	return &Expander{History: history}
}

// Expand processes one input line. It returns the line with history events
// substituted (the form that should be echoed and stored) and the expanded
// pipe sequences.
func (e *Expander) Expand(line string, env Env) (string, []*PipeSequence, error) {
	expanded, err := e.expandHistory(line)
	if err != nil {
		return "", nil, err
	}

	prog, err := syntax.NewParser().Parse(strings.NewReader(expanded), "")
	if err != nil {
		perr := &ParseError{Source: expanded, Offset: -1, Cause: err}
		var se syntax.ParseError
		if errors.As(err, &se) {
			perr.Offset = int(se.Pos.Offset())
		}
		return expanded, nil, perr
	}

	var sequences []*PipeSequence
	for _, stmt := range prog.Stmts {
		seq, err := e.convertStatement(stmt, env)
		if err != nil {
			return expanded, nil, err
		}
		sequences = append(sequences, seq)
	}

	return expanded, sequences, nil
}

// expandHistory substitutes !n and !prefix event designators.
func (e *Expander) expandHistory(line string) (string, error) {
	if e.History == nil || !strings.Contains(line, "!") {
		return line, nil
	}

	var outerErr error
	expanded := historyEventRegex.ReplaceAllStringFunc(line, func(match string) string {
		if outerErr != nil {
			return match
		}
		lead, token := "", match
		if idx := strings.IndexByte(match, '!'); idx > 0 {
			lead, token = match[:idx], match[idx:]
		}
		replacement, err := e.History.Search(token)
		if err != nil {
			outerErr = err
			return match
		}
		return lead + replacement
	})
	if outerErr != nil {
		return "", outerErr
	}
	return expanded, nil
}

func (e *Expander) convertStatement(stmt *syntax.Stmt, env Env) (*PipeSequence, error) {
	seq := &PipeSequence{InBackground: stmt.Background}

	if err := e.flattenPipeline(stmt, seq, env); err != nil {
		return nil, err
	}
	return seq, nil
}

// flattenPipeline walks a statement tree of pipe operators left to right,
// appending one SimpleCommand per stage.
func (e *Expander) flattenPipeline(stmt *syntax.Stmt, seq *PipeSequence, env Env) error {
	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		simple, err := e.convertCall(cmd, stmt.Redirs, env)
		if err != nil {
			return err
		}
		seq.Commands = append(seq.Commands, simple)
		return nil

	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe {
			return &ParseError{
				Source: fmt.Sprintf("unsupported operator %q", cmd.Op.String()),
				Offset: int(cmd.OpPos.Offset()),
			}
		}
		if err := e.flattenPipeline(cmd.X, seq, env); err != nil {
			return err
		}
		return e.flattenPipeline(cmd.Y, seq, env)

	default:
		return &ParseError{
			Source: "unsupported construct",
			Offset: int(stmt.Pos().Offset()),
		}
	}
}

func (e *Expander) convertCall(call *syntax.CallExpr, redirs []*syntax.Redirect, env Env) (*SimpleCommand, error) {
	simple := &SimpleCommand{}

	for _, assign := range call.Assigns {
		if assign.Name == nil {
			continue
		}
		value, err := e.evalWord(assign.Value, env)
		if err != nil {
			return nil, err
		}
		simple.Assignments = append(simple.Assignments, Assignment{
			Name:  assign.Name.Value,
			Value: value,
		})
	}

	var words []string
	for _, word := range call.Args {
		text, err := e.evalWord(word, env)
		if err != nil {
			return nil, err
		}
		words = append(words, text)
	}

	// The first word may be an alias whose replacement is spliced in.
	words, err := e.expandAlias(words, env, map[string]bool{})
	if err != nil {
		return nil, err
	}

	if len(words) > 0 {
		simple.CmdWord = words[0]
		simple.Args = words[1:]
	}

	for _, redir := range redirs {
		converted, err := e.convertRedirect(redir, env)
		if err != nil {
			return nil, err
		}
		simple.Redirect = converted
	}

	return simple, nil
}

// expandAlias recursively substitutes the command word, guarding against
// alias cycles.
func (e *Expander) expandAlias(words []string, env Env, seen map[string]bool) ([]string, error) {
	if len(words) == 0 || seen[words[0]] {
		return words, nil
	}
	replacement, ok := env.Alias(words[0])
	if !ok {
		return words, nil
	}
	seen[words[0]] = true

	parts, err := shlex.Split(replacement, true)
	if err != nil {
		return nil, &SubstitutionError{Word: replacement}
	}
	expanded := append(parts, words[1:]...)
	return e.expandAlias(expanded, env, seen)
}

func (e *Expander) convertRedirect(redir *syntax.Redirect, env Env) (*Redirect, error) {
	var op RedirectOp
	switch redir.Op {
	case syntax.RdrOut:
		op = RedirectTruncate
	case syntax.AppOut:
		op = RedirectAppend
	default:
		return nil, &ParseError{
			Source: fmt.Sprintf("unsupported redirection %q", redir.Op.String()),
			Offset: int(redir.OpPos.Offset()),
		}
	}

	target, err := e.evalWord(redir.Word, env)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, &ParseError{Source: "missing redirection target", Offset: -1}
	}
	return &Redirect{Op: op, Filename: target}, nil
}

func (e *Expander) evalWord(word *syntax.Word, env Env) (string, error) {
	if word == nil {
		return "", nil
	}
	var out strings.Builder
	for _, part := range word.Parts {
		text, err := e.evalWordPart(part, env)
		if err != nil {
			return "", err
		}
		out.WriteString(text)
	}
	return out.String(), nil
}

func (e *Expander) evalWordPart(part syntax.WordPart, env Env) (string, error) {
	switch part := part.(type) {
	case *syntax.Lit:
		return part.Value, nil

	case *syntax.SglQuoted:
		return part.Value, nil

	case *syntax.DblQuoted:
		var out strings.Builder
		for _, sub := range part.Parts {
			text, err := e.evalWordPart(sub, env)
			if err != nil {
				return "", err
			}
			out.WriteString(text)
		}
		return out.String(), nil

	case *syntax.ParamExp:
		if part.Param == nil || part.Exp != nil || part.Slice != nil || part.Repl != nil {
			return "", &SubstitutionError{Word: paramSource(part)}
		}
		value, _ := env.Lookup(part.Param.Value)
		return value, nil

	default:
		return "", &SubstitutionError{Word: partSource(part)}
	}
}

func paramSource(part *syntax.ParamExp) string {
	if part.Param != nil {
		return "$" + part.Param.Value
	}
	return partSource(part)
}

func partSource(part syntax.WordPart) string {
	var out strings.Builder
	syntax.NewPrinter().Print(&out, part)
	return out.String()
}
