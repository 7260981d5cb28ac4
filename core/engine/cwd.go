package engine

import (
	"fmt"
	"path"
	"sync"

	"github.com/spf13/afero"
)

// Cwd is the process-wide current directory. Unlike variables and aliases it
// is genuinely global: a directory change made by any worker is observed by
// every other one, which is why the persistence protocol treats it
// specially. Workers only mutate it at spawn time, inside the persistence
// merge, and from the cd builtin.
type Cwd struct {
	fs afero.Fs

	mu  sync.Mutex
	dir string
}

// NewCwd creates the directory cell rooted at dir on the given filesystem.
func NewCwd(fs afero.Fs, dir string) *Cwd {
	if dir == "" {
		dir = "/"
	}
	return &Cwd{fs: fs, dir: path.Clean(dir)}
}

// Getwd returns the current directory.
func (c *Cwd) Getwd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// Chdir validates dir against the filesystem and moves into it. Relative
// paths resolve against the current directory.
func (c *Cwd) Chdir(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !path.IsAbs(dir) {
		dir = path.Join(c.dir, dir)
	}
	dir = path.Clean(dir)

	stat, err := c.fs.Stat(dir)
	switch {
	case err != nil:
		return fmt.Errorf("%s: %w", dir, err)
	case !stat.IsDir():
		return fmt.Errorf("%s: not a directory", dir)
	default:
		c.dir = dir
		return nil
	}
}

// Abs resolves p against the current directory.
func (c *Cwd) Abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.Getwd(), p)
}
