package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Catalog is the process-wide, hot-reloadable mapping from tool name to
// ToolConfig. Lookup is case-sensitive and exact, per the data model.
type Catalog struct {
	dir    string
	strict bool

	tools atomic.Pointer[map[string]*ToolConfig]

	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	closed     bool
	reloadHook func()
}

// New creates an empty Catalog rooted at dir. Call Load to populate it.
func New(dir string, strict bool) *Catalog {
	c := &Catalog{dir: dir, strict: strict}
	empty := map[string]*ToolConfig{}
	c.tools.Store(&empty)
	return c
}

// SetReloadHook installs a callback invoked after every successful Reload,
// used by the Tool Service to emit tool_list_changed.
func (c *Catalog) SetReloadHook(fn func()) {
	c.mu.Lock()
	c.reloadHook = fn
	c.mu.Unlock()
}

// Load walks *.json files directly under dir (non-recursive) and builds the
// in-memory catalog. A file that fails to parse or fails strict validation
// is skipped with a logged error rather than aborting the whole load.
func (c *Catalog) Load(ctx context.Context) error {
	loaded, err := loadDir(c.dir, c.strict)
	if err != nil {
		return err
	}
	c.tools.Store(&loaded)
	return nil
}

// Reload re-reads the directory and atomically swaps the catalog. On error
// the prior catalog is retained (per spec: runtime reload errors log and
// retain the prior catalog).
func (c *Catalog) Reload(ctx context.Context) error {
	loaded, err := loadDir(c.dir, c.strict)
	if err != nil {
		slog.Error("catalog reload failed, keeping prior catalog", "error", err)
		return err
	}
	c.tools.Store(&loaded)

	c.mu.Lock()
	hook := c.reloadHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func loadDir(dir string, strict bool) (map[string]*ToolConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read dir %s: %w", dir, err)
	}

	out := make(map[string]*ToolConfig)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("catalog: failed to read tool file", "path", path, "error", err)
			continue
		}

		var tc ToolConfig
		if err := json.Unmarshal(data, &tc); err != nil {
			slog.Error("catalog: failed to parse tool file", "path", path, "error", err)
			continue
		}
		tc.SourceFile = path

		issues := Validate(&tc, strict, json.RawMessage(data))
		for _, iss := range issues {
			slog.Warn("catalog: validation issue", "path", path, "severity", iss.Severity.String(), "message", iss.Message)
		}
		if strict && HasErrors(issues) {
			slog.Error("catalog: skipping tool due to strict validation errors", "path", path)
			continue
		}

		out[tc.Name] = &tc
	}
	return out, nil
}

// Get looks up a tool by exact, case-sensitive name.
func (c *Catalog) Get(name string) (*ToolConfig, bool) {
	m := *c.tools.Load()
	t, ok := m[name]
	return t, ok
}

// All returns a snapshot slice of every loaded ToolConfig.
func (c *Catalog) All() []*ToolConfig {
	m := *c.tools.Load()
	out := make([]*ToolConfig, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

// Watch starts watching the catalog directory for file create/write/remove
// events and calls Reload (debounced) on change. Mirrors the teacher's
// single-file FileProvider.Watch, generalized to a directory of many tool
// files.
func (c *Catalog) Watch(ctx context.Context) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("catalog: watcher is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("catalog: failed to watch %s: %w", c.dir, err)
	}
	c.watcher = watcher

	ch := make(chan struct{}, 1)
	go c.watchLoop(ctx, watcher, ch)
	slog.Info("catalog: watching tools directory", "dir", c.dir)
	return ch, nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	signal := func() {
		if err := c.Reload(ctx); err != nil {
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0:
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, signal)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("catalog: watcher error", "error", err)
		}
	}
}

// Close stops watching and releases resources.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.watcher != nil {
		err := c.watcher.Close()
		c.watcher = nil
		return err
	}
	return nil
}
