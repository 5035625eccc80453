package exec

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ahma-mcp/ahma/internal/catalog"
	"github.com/ahma-mcp/ahma/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMonitor is a minimal in-memory stand-in satisfying the exec.Monitor
// interface, avoiding a dependency on the real timeout-sweeping goroutine.
type fakeMonitor struct {
	mu      sync.Mutex
	ops     map[string]*operation.Operation
	signals map[string]chan struct{}
	states  map[string]operation.Status
	results map[string]json.RawMessage
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		ops:     make(map[string]*operation.Operation),
		signals: make(map[string]chan struct{}),
		states:  make(map[string]operation.Status),
		results: make(map[string]json.RawMessage),
	}
}

func (f *fakeMonitor) Add(op *operation.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op.ID] = op
	f.signals[op.ID] = make(chan struct{})
	f.states[op.ID] = operation.StatusPending
}

func (f *fakeMonitor) UpdateState(id string, state operation.Status, result json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
	f.results[id] = result
}

func (f *fakeMonitor) CancelSignal(id string) (<-chan struct{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.signals[id]
	return ch, ok
}

func (f *fakeMonitor) Cancel(id, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[id].IsTerminal() {
		return false
	}
	if ch, ok := f.signals[id]; ok {
		close(ch)
	}
	f.states[id] = operation.StatusCancelled
	f.results[id] = marshalResult(map[string]interface{}{"cancelled": true, "reason": reason})
	return true
}

func (f *fakeMonitor) state(id string) operation.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func TestExecuteSyncSuccess(t *testing.T) {
	a, err := New(newFakeMonitor())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	leaf := &catalog.SubcommandConfig{PositionalArgs: []catalog.OptionConfig{{Name: "word"}}}
	out, err := a.ExecuteSync(context.Background(), "echo", []string{"echo"}, leaf, map[string]interface{}{
		"word": "hello",
	}, "", 5*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExecuteSyncNonZeroExit(t *testing.T) {
	a, err := New(newFakeMonitor())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	leaf := &catalog.SubcommandConfig{}
	_, err = a.ExecuteSync(context.Background(), "false", []string{"false"}, leaf, nil, "", 5*time.Second, false)
	require.Error(t, err)
}

func TestExecuteSyncTimeout(t *testing.T) {
	a, err := New(newFakeMonitor())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	leaf := &catalog.SubcommandConfig{PositionalArgs: []catalog.OptionConfig{{Name: "secs"}}}
	_, err = a.ExecuteSync(context.Background(), "sleep", []string{"sleep"}, leaf, map[string]interface{}{
		"secs": "5",
	}, "", 50*time.Millisecond, false)
	require.Error(t, err)
}

func TestExecuteAsyncCompletes(t *testing.T) {
	mon := newFakeMonitor()
	a, err := New(mon)
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	leaf := &catalog.SubcommandConfig{PositionalArgs: []catalog.OptionConfig{{Name: "word"}}}
	var updates []ProgressUpdate
	var mu sync.Mutex
	id, err := a.ExecuteAsync(context.Background(), "echo", AsyncOptions{
		CommandChain: []string{"echo"},
		Leaf:         leaf,
		Args:         map[string]interface{}{"word": "async-hello"},
		Timeout:      5 * time.Second,
		Progress: func(u ProgressUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mon.state(id) == operation.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	assert.Equal(t, "started", updates[0].Kind())
	assert.Equal(t, "final_result", updates[len(updates)-1].Kind())
}

func TestShutdownCancelsRunningOperations(t *testing.T) {
	mon := newFakeMonitor()
	a, err := New(mon)
	require.NoError(t, err)

	leaf := &catalog.SubcommandConfig{PositionalArgs: []catalog.OptionConfig{{Name: "secs"}}}
	id, err := a.ExecuteAsync(context.Background(), "sleep", AsyncOptions{
		CommandChain: []string{"sleep"},
		Leaf:         leaf,
		Args:         map[string]interface{}{"secs": "30"},
		Timeout:      time.Minute,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mon.state(id) == operation.StatusPending || mon.state(id) == operation.StatusInProgress
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Shutdown(context.Background()))

	assert.Equal(t, operation.StatusCancelled, mon.state(id),
		"Shutdown must request Monitor cancellation for every tracked op_id, not just kill the process")
}
