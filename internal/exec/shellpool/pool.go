package shellpool

import (
	"bytes"
	"context"
	"log/slog"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// dirPool holds the idle placeholder shells for one working directory.
type dirPool struct {
	workingDir string
	cfg        Config
	logger     hclog.Logger

	mu           sync.Mutex
	shells       []*prewarmedShell
	lastAccessed time.Time
}

func newDirPool(workingDir string, cfg Config, logger hclog.Logger) *dirPool {
	return &dirPool{workingDir: workingDir, cfg: cfg, logger: logger, lastAccessed: time.Now()}
}

func (d *dirPool) acquire(ctx context.Context) (*prewarmedShell, error) {
	d.mu.Lock()
	d.lastAccessed = time.Now()
	for len(d.shells) > 0 {
		n := len(d.shells) - 1
		s := d.shells[n]
		d.shells = d.shells[:n]
		d.mu.Unlock()
		if s.isHealthy() {
			return s, nil
		}
		s.shutdown(d.logger)
		d.mu.Lock()
	}
	d.mu.Unlock()

	return spawnShell(ctx, d.workingDir, d.cfg, d.logger)
}

func (d *dirPool) release(s *prewarmedShell) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.isHealthy() && len(d.shells) < d.cfg.ShellsPerDirectory {
		d.shells = append(d.shells, s)
		return
	}
	go s.shutdown(d.logger)
}

func (d *dirPool) idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastAccessed) > d.cfg.ShellIdleTimeout
}

func (d *dirPool) healthCheckAll() {
	d.mu.Lock()
	shells := d.shells
	d.shells = nil
	d.mu.Unlock()

	var keep []*prewarmedShell
	for _, s := range shells {
		if s.healthCheck(d.logger) {
			keep = append(keep, s)
		} else {
			s.shutdown(d.logger)
		}
	}
	d.mu.Lock()
	d.shells = append(keep, d.shells...)
	d.mu.Unlock()
}

func (d *dirPool) shutdown() {
	d.mu.Lock()
	shells := d.shells
	d.shells = nil
	d.mu.Unlock()
	for _, s := range shells {
		s.shutdown(d.logger)
	}
}

// Pool is the manager of per-directory shell pools, enforcing a process-wide
// cap on placeholder shells in use by Run at once. It implements internal/exec's pooler
// interface (Run, Close) so an Adapter can attach one without depending on
// this package's concrete types.
type Pool struct {
	cfg    Config
	logger hclog.Logger

	permits chan struct{}

	mu    sync.RWMutex
	pools map[string]*dirPool

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New constructs a Pool. cfg.Enabled false makes Run always report handled
// = false, so callers fall back to spawning directly.
func New(cfg Config, base *slog.Logger) *Pool {
	p := &Pool{
		cfg:         cfg,
		logger:      newLogger(base, "shellpool"),
		permits:     make(chan struct{}, maxInt(cfg.MaxTotalShells, 1)),
		pools:       make(map[string]*dirPool),
		stopCleanup: make(chan struct{}),
	}
	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go p.cleanupLoop()
	}
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanupIdle()
		case <-p.stopCleanup:
			return
		}
	}
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	var stale []*dirPool
	remaining := make([]*dirPool, 0, len(p.pools))
	for dir, dp := range p.pools {
		if dp.idle() {
			stale = append(stale, dp)
			delete(p.pools, dir)
		} else {
			remaining = append(remaining, dp)
		}
	}
	p.mu.Unlock()

	for _, dp := range stale {
		dp.shutdown()
	}
	for _, dp := range remaining {
		dp.healthCheckAll()
	}
}

func (p *Pool) dirPoolFor(dir string) *dirPool {
	p.mu.RLock()
	dp, ok := p.pools[dir]
	p.mu.RUnlock()
	if ok {
		return dp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if dp, ok := p.pools[dir]; ok {
		return dp
	}
	dp = newDirPool(dir, p.cfg, p.logger)
	p.pools[dir] = dp
	return dp
}

// Run executes argv in cwd. handled is false whenever the pool declines to
// service the call (disabled, at capacity, or the placeholder shell
// couldn't be acquired in time) — the caller should fall back to spawning
// directly in that case, never treating it as a failure.
func (p *Pool) Run(ctx context.Context, cwd string, argv []string, timeout time.Duration) (stdout, stderr string, exitCode int, handled bool, err error) {
	if !p.cfg.Enabled || len(argv) == 0 {
		return "", "", 0, false, nil
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.ShellSpawnTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.ShellSpawnTimeout)
		defer cancel()
	}

	select {
	case p.permits <- struct{}{}:
	case <-acquireCtx.Done():
		p.logger.Debug("shell pool at capacity, falling back to direct spawn")
		return "", "", 0, false, nil
	}
	releasePermit := func() { <-p.permits }

	dp := p.dirPoolFor(cwd)
	shell, acquireErr := dp.acquire(acquireCtx)
	if acquireErr != nil {
		releasePermit()
		p.logger.Debug("failed to acquire placeholder shell, falling back", "error", acquireErr)
		return "", "", 0, false, nil
	}
	shell.touch()
	defer func() {
		dp.release(shell)
		releasePermit()
	}()

	runCtx := ctx
	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(ctx, timeout)
		defer tcancel()
	}

	cmd := osexec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if exitErr, ok := runErr.(*osexec.ExitError); ok {
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), true, nil
	}
	if runErr != nil {
		return outBuf.String(), errBuf.String(), -1, true, runErr
	}
	return outBuf.String(), errBuf.String(), 0, true, nil
}

// Close shuts down every directory pool and stops the cleanup loop.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopCleanup)
		p.mu.Lock()
		pools := make([]*dirPool, 0, len(p.pools))
		for _, dp := range p.pools {
			pools = append(pools, dp)
		}
		p.pools = make(map[string]*dirPool)
		p.mu.Unlock()
		for _, dp := range pools {
			dp.shutdown()
		}
	})
	return nil
}
