// Package history keeps the session's command history and answers
// !-event lookups during expansion.
package history

import (
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"josephlewis.net/threadsh/core/parser"
)

// DefaultMaxSize bounds how many entries are retained.
const DefaultMaxSize = 50

// History is a bounded, newest-first command list. It is safe for use from
// the UI goroutine and worker goroutines at once.
type History struct {
	fs      afero.Fs
	path    string
	maxSize int

	mu    sync.Mutex
	lines []string
}

// New creates an empty history backed by path; an empty path disables
// persistence.
func New(fs afero.Fs, path string) *History {
	return &History{fs: fs, path: path, maxSize: DefaultMaxSize}
}

// Load reads persisted entries. A missing file is not an error.
func (h *History) Load() error {
	if h.path == "" {
		return nil
	}
	content, err := afero.ReadFile(h.fs, h.path)
	if err != nil {
		if exists, _ := afero.Exists(h.fs, h.path); !exists {
			return nil
		}
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = nil
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			h.lines = append(h.lines, line)
		}
	}
	h.trimLocked()
	return nil
}

// Save writes the entries back, newest first.
func (h *History) Save() error {
	if h.path == "" {
		return nil
	}
	h.mu.Lock()
	content := strings.Join(h.lines, "\n")
	h.mu.Unlock()
	return afero.WriteFile(h.fs, h.path, []byte(content), 0600)
}

// Add records a line at the front. Consecutive duplicates collapse.
func (h *History) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lines) > 0 && h.lines[0] == line {
		return
	}
	h.lines = append([]string{line}, h.lines...)
	h.trimLocked()
}

// Lines returns a copy of the entries, newest first.
func (h *History) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

// Clear drops all entries.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = nil
}

// Search resolves a !-event token: !! repeats the last command, !N recalls
// by number as shown by the history listing, and !PREFIX recalls the most
// recent command starting with PREFIX.
func (h *History) Search(token string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	body := strings.TrimPrefix(token, "!")
	switch {
	case body == "!":
		if len(h.lines) > 0 {
			return h.lines[0], nil
		}

	case isDigits(body):
		// Listings show oldest first, so index from the back.
		idx, _ := strconv.Atoi(body)
		if idx >= 1 && idx <= len(h.lines) {
			return h.lines[len(h.lines)-idx], nil
		}

	default:
		for _, line := range h.lines {
			if strings.HasPrefix(line, body) {
				return line, nil
			}
		}
	}

	return "", &parser.EventNotFoundError{Token: token}
}

func (h *History) trimLocked() {
	if len(h.lines) > h.maxSize {
		h.lines = h.lines[:h.maxSize]
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
