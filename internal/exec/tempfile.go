package exec

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TempFileManager creates and retains the temp files written for file_arg
// options. Per spec, files live until the adapter is dropped: premature
// cleanup has historically produced races with child processes that read
// them lazily or defer reading, so retention is intentional, not an
// oversight.
type TempFileManager struct {
	root string

	mu    sync.Mutex
	files []string
}

// NewTempFileManager creates a manager rooted at a fresh temp directory.
func NewTempFileManager() (*TempFileManager, error) {
	root, err := os.MkdirTemp("", "ahma-exec-*")
	if err != nil {
		return nil, fmt.Errorf("exec: create temp dir: %w", err)
	}
	return &TempFileManager{root: root}, nil
}

// Write creates a new temp file holding value's raw UTF-8 bytes with no
// additional wrapping, and returns its path. BuildArgs calls it inline,
// on the goroutine running ExecuteSync or ExecuteAsync.
func (m *TempFileManager) Write(toolName, optionName, value string) (string, error) {
	m.mu.Lock()
	n := len(m.files)
	name := fmt.Sprintf("%s-%s-%d", sanitize(toolName), sanitize(optionName), n)
	path := filepath.Join(m.root, name)
	m.files = append(m.files, path)
	m.mu.Unlock()

	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return "", fmt.Errorf("exec: write temp file: %w", err)
	}
	return path, nil
}

// Close removes the temp directory and everything in it. Call only when
// the owning Adapter is being torn down.
func (m *TempFileManager) Close() error {
	return os.RemoveAll(m.root)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "arg"
	}
	return string(out)
}
