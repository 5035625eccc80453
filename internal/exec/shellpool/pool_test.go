package shellpool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDisabledByDefaultDeclines(t *testing.T) {
	p := New(DefaultConfig(), nil)
	defer p.Close()

	_, _, _, handled, err := p.Run(context.Background(), ".", []string{"echo", "hi"}, time.Second)
	require.NoError(t, err)
	assert.False(t, handled, "a disabled pool must decline so the caller falls back to a direct spawn")
}

func TestRunEnabledExecutesCommand(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	cfg := DefaultConfig()
	cfg.Enabled = true
	p := New(cfg, nil)
	defer p.Close()

	stdout, _, exitCode, handled, err := p.Run(context.Background(), ".", []string{"echo", "pooled"}, 5*time.Second)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "pooled\n", stdout)
}

func TestRunEnabledReusesShellAcrossCalls(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ShellsPerDirectory = 1
	p := New(cfg, nil)
	defer p.Close()

	dir := t.TempDir()
	_, _, _, handled1, err := p.Run(context.Background(), dir, []string{"true"}, 5*time.Second)
	require.NoError(t, err)
	require.True(t, handled1)

	p.mu.RLock()
	dp, ok := p.pools[dir]
	p.mu.RUnlock()
	require.True(t, ok)
	dp.mu.Lock()
	shellCount := len(dp.shells)
	dp.mu.Unlock()
	assert.Equal(t, 1, shellCount, "shell should be returned to the pool after a successful run")

	_, _, _, handled2, err := p.Run(context.Background(), dir, []string{"true"}, 5*time.Second)
	require.NoError(t, err)
	require.True(t, handled2)
}

func TestRunNonZeroExitIsHandledNotErrored(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	cfg := DefaultConfig()
	cfg.Enabled = true
	p := New(cfg, nil)
	defer p.Close()

	_, _, exitCode, handled, err := p.Run(context.Background(), ".", []string{"false"}, 5*time.Second)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, 1, exitCode)
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	p := New(cfg, nil)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
