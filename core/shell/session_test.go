package shell

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"josephlewis.net/threadsh/core/config"
)

func newTestSession(t *testing.T) (*Session, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	cfg.ColoredErrors = false
	cfg.HistoryFile = ""

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	session, err := NewSession(cfg, afero.NewMemMapFs(), TerminalOptions{
		Stdin:  strings.NewReader(""),
		Stdout: out,
		Stderr: errOut,
	})
	require.NoError(t, err)
	return session, out, errOut
}

func TestSessionSeedsBin(t *testing.T) {
	session, _, _ := newTestSession(t)

	for _, name := range []string{"/bin/echo.nativescript", "/bin/cat.nativescript", "/bin/sleep.nativescript"} {
		exists, _ := afero.Exists(session.Engine.Fs(), name)
		assert.True(t, exists, name)
	}
}

func TestSessionStartsInHome(t *testing.T) {
	session, _, _ := newTestSession(t)
	assert.Equal(t, session.Config.Home, session.Engine.Cwd().Getwd())
}

func TestRunCommand(t *testing.T) {
	session, out, _ := newTestSession(t)

	code := session.RunCommand("echo from the session")
	assert.Equal(t, 0, code)
	assert.Equal(t, "from the session\n", out.String())
}

func TestRunCommandReportsExitStatus(t *testing.T) {
	session, _, errOut := newTestSession(t)

	code := session.RunCommand("missingprogram")
	assert.Equal(t, 127, code)
	assert.Contains(t, errOut.String(), "command not found")
}

func TestRcFileShapesTheSession(t *testing.T) {
	session, out, _ := newTestSession(t)
	rc := "FROM_RC=rcvalue\nalias grt='echo greetings'\n"
	require.NoError(t, afero.WriteFile(session.Engine.Fs(), session.Config.RcfilePath(), []byte(rc), 0644))

	session.RunRcFile()

	assert.Equal(t, 0, session.RunCommand("echo $FROM_RC"))
	assert.Equal(t, "rcvalue\n", out.String())

	out.Reset()
	assert.Equal(t, 0, session.RunCommand("grt"))
	assert.Equal(t, "greetings\n", out.String())
}

func TestMissingRcFileIsFine(t *testing.T) {
	session, _, errOut := newTestSession(t)
	session.RunRcFile()
	assert.Empty(t, errOut.String())
}

func TestHistoryBuiltinWired(t *testing.T) {
	session, out, _ := newTestSession(t)

	session.History.Add("echo earlier")
	assert.Equal(t, 0, session.RunCommand("history"))
	assert.Contains(t, out.String(), "echo earlier")
}

func TestGoldenSessionTranscript(t *testing.T) {
	session, out, errOut := newTestSession(t)

	for _, line := range []string{
		"echo one",
		"GREETING=sky",
		"echo $GREETING",
		"echo piped through | cat",
		"alias e='echo'",
		"e aliased",
		"SCOPED=stage printenv SCOPED",
		"printenv SCOPED",
		"echo filed > notes.txt",
		"definitely-not-a-command",
		"echo still here",
	} {
		session.RunCommand(line)
	}

	g := goldie.New(t)
	g.Assert(t, "session_transcript", []byte(out.String()+"--- stderr ---\n"+errOut.String()))
}
