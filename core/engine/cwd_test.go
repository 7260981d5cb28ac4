package engine

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCwdChdir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/a/b", 0755))
	cwd := NewCwd(fs, "/")

	require.NoError(t, cwd.Chdir("/a"))
	assert.Equal(t, "/a", cwd.Getwd())

	// Relative paths resolve against the current directory.
	require.NoError(t, cwd.Chdir("b"))
	assert.Equal(t, "/a/b", cwd.Getwd())

	require.NoError(t, cwd.Chdir(".."))
	assert.Equal(t, "/a", cwd.Getwd())
}

func TestCwdChdirRejectsMissingAndFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/file", []byte("x"), 0644))
	cwd := NewCwd(fs, "/")

	assert.Error(t, cwd.Chdir("/nope"))
	assert.Error(t, cwd.Chdir("/file"))
	assert.Equal(t, "/", cwd.Getwd(), "failed chdir leaves the directory alone")
}

func TestCwdAbs(t *testing.T) {
	cwd := NewCwd(afero.NewMemMapFs(), "/home/user")

	assert.Equal(t, "/etc", cwd.Abs("/etc"))
	assert.Equal(t, "/home/user/notes.txt", cwd.Abs("notes.txt"))
	assert.Equal(t, "/home/notes.txt", cwd.Abs("../notes.txt"))
}
