package history

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"josephlewis.net/threadsh/core/parser"
)

func TestAddNewestFirst(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")
	h.Add("first")
	h.Add("second")

	assert.Equal(t, []string{"second", "first"}, h.Lines())
}

func TestAddCollapsesConsecutiveDuplicates(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")
	h.Add("ls")
	h.Add("ls")
	h.Add("pwd")
	h.Add("ls")

	assert.Equal(t, []string{"ls", "pwd", "ls"}, h.Lines())
}

func TestAddIgnoresBlankLines(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")
	h.Add("   ")
	assert.Empty(t, h.Lines())
}

func TestBounded(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")
	for i := 0; i < DefaultMaxSize*2; i++ {
		h.Add("cmd" + string(rune('a'+i%26)) + string(rune('a'+i/26)))
	}
	assert.Len(t, h.Lines(), DefaultMaxSize)
}

func TestSearchLastCommand(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")
	h.Add("older")
	h.Add("newest")

	line, err := h.Search("!!")
	require.NoError(t, err)
	assert.Equal(t, "newest", line)
}

func TestSearchByNumber(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")
	h.Add("one")
	h.Add("two")
	h.Add("three")

	// Numbering matches the listing: 1 is the oldest entry.
	line, err := h.Search("!1")
	require.NoError(t, err)
	assert.Equal(t, "one", line)

	line, err = h.Search("!3")
	require.NoError(t, err)
	assert.Equal(t, "three", line)
}

func TestSearchByPrefix(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")
	h.Add("git status")
	h.Add("ls")
	h.Add("git push")

	line, err := h.Search("!git")
	require.NoError(t, err)
	assert.Equal(t, "git push", line)
}

func TestSearchEventNotFound(t *testing.T) {
	h := New(afero.NewMemMapFs(), "")

	for _, token := range []string{"!!", "!9", "!missing"} {
		_, err := h.Search(token)
		var enf *parser.EventNotFoundError
		assert.True(t, errors.As(err, &enf), "token %s", token)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()

	h := New(fs, "/home/u/.hist")
	h.Add("one")
	h.Add("two")
	require.NoError(t, h.Save())

	reloaded := New(fs, "/home/u/.hist")
	require.NoError(t, reloaded.Load())
	assert.Equal(t, []string{"two", "one"}, reloaded.Lines())
}

func TestLoadMissingFileIsFine(t *testing.T) {
	h := New(afero.NewMemMapFs(), "/nope")
	assert.NoError(t, h.Load())
}
