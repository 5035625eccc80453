package toolservice

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahma-mcp/ahma/internal/catalog"
	"github.com/ahma-mcp/ahma/internal/exec"
	"github.com/ahma-mcp/ahma/internal/operation"
	"github.com/ahma-mcp/ahma/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	roots []string
}

func (f *fakePeer) RequestRoots(ctx context.Context) ([]string, error) { return f.roots, nil }
func (f *fakePeer) Notify(method string, params interface{})          {}

func writeToolFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644))
}

func newTestService(t *testing.T, forceSync, testMode bool) *Service {
	t.Helper()
	dir := t.TempDir()

	writeToolFile(t, dir, "echo", `{
		"name": "echo", "description": "echo words", "command": "echo", "enabled": true,
		"timeout_seconds": 5,
		"subcommand": [
			{ "name": "default", "description": "echo default", "enabled": true }
		]
	}`)
	writeToolFile(t, dir, "sleep", `{
		"name": "sleep", "description": "sleep seconds", "command": "sleep", "enabled": true,
		"timeout_seconds": 1,
		"subcommand": [
			{ "name": "default", "description": "sleep default", "enabled": true,
			  "positional_args": [ { "name": "secs", "type": "string" } ] }
		]
	}`)
	writeToolFile(t, dir, "pwd", `{
		"name": "pwd", "description": "print working directory", "command": "pwd", "enabled": true,
		"subcommand": [ { "name": "default", "description": "d", "enabled": true } ]
	}`)
	writeToolFile(t, dir, "grep", `{
		"name": "grep", "description": "search text", "command": "grep", "enabled": true,
		"timeout_seconds": 5,
		"subcommand": [
			{ "name": "default", "description": "search", "enabled": true,
			  "positional_args": [ { "name": "pattern", "type": "string", "required": true } ] }
		]
	}`)

	cat := catalog.New(dir, false)
	require.NoError(t, cat.Load(context.Background()))

	mon := operation.NewWithTick(20 * time.Millisecond)
	t.Cleanup(mon.Stop)

	adapter, err := exec.New(mon)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Shutdown(context.Background()) })

	svc := New(Options{
		Catalog:   cat,
		Monitor:   mon,
		Adapter:   adapter,
		ForceSync: forceSync,
		TestMode:  testMode,
	})
	return svc
}

func callArgs(t *testing.T, v map[string]interface{}) protocol.CallToolParams {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return protocol.CallToolParams{Arguments: b}
}

func TestCallToolSyncEcho(t *testing.T) {
	svc := newTestService(t, true, true)
	params := callArgs(t, map[string]interface{}{
		"subcommand": "default",
		"args":       []interface{}{"hello", "world"},
	})
	params.Name = "echo"
	res := svc.CallTool(context.Background(), "", params)
	require.False(t, res.IsError)
	text := res.Content[0].Text
	assert.Contains(t, text, "hello")
	assert.Contains(t, text, "world")
}

func TestCallToolSandboxGate(t *testing.T) {
	svc := newTestService(t, true, false) // testMode off, sandbox never bound
	params := callArgs(t, map[string]interface{}{"subcommand": "default"})
	params.Name = "echo"
	res := svc.CallTool(context.Background(), "", params)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "sandbox_not_ready")
}

func TestCallToolMissingRequiredArgument(t *testing.T) {
	svc := newTestService(t, true, true)
	params := callArgs(t, map[string]interface{}{"subcommand": "default"})
	params.Name = "grep"
	res := svc.CallTool(context.Background(), "", params)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "invalid_argument")
	assert.Contains(t, res.Content[0].Text, "pattern")
}

func TestCallToolUnknownSubcommand(t *testing.T) {
	svc := newTestService(t, true, true)
	params := callArgs(t, map[string]interface{}{"subcommand": "bogus"})
	params.Name = "echo"
	res := svc.CallTool(context.Background(), "", params)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "available")
}

func TestCallToolAsyncTimeoutThenStatus(t *testing.T) {
	svc := newTestService(t, false, true)
	params := callArgs(t, map[string]interface{}{
		"subcommand": "default",
		"secs":       "5",
	})
	params.Name = "sleep"
	res := svc.CallTool(context.Background(), "req-1", params)
	require.False(t, res.IsError)

	var started struct {
		OperationID string `json:"operation_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &started))
	require.NotEmpty(t, started.OperationID)

	require.Eventually(t, func() bool {
		statusRes := svc.handleStatus(map[string]interface{}{"operation_id": started.OperationID})
		var op operation.Operation
		if err := json.Unmarshal([]byte(statusRes.Content[0].Text), &op); err != nil {
			return false
		}
		return op.State == operation.StatusTimedOut
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandleCancelIncludesRestartHint(t *testing.T) {
	svc := newTestService(t, false, true)
	params := callArgs(t, map[string]interface{}{
		"subcommand": "default",
		"secs":       "30",
	})
	params.Name = "sleep"
	res := svc.CallTool(context.Background(), "", params)
	require.False(t, res.IsError)
	var started struct {
		OperationID string `json:"operation_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &started))

	cancelRes := svc.handleCancel(map[string]interface{}{
		"operation_id": started.OperationID,
		"reason":       "user aborted",
	})
	assert.Contains(t, cancelRes.Content[0].Text, "restart")
}

func TestListToolsIncludesBuiltinsAndCatalog(t *testing.T) {
	svc := newTestService(t, true, true)
	res := svc.ListTools()
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names[builtinAwait])
	assert.True(t, names[builtinStatus])
	assert.True(t, names[builtinCancel])
	assert.True(t, names["echo"])
	assert.True(t, names["pwd"])
}

func TestOnInitializedBindsSandbox(t *testing.T) {
	svc := newTestService(t, true, false)
	peer := &fakePeer{roots: []string{t.TempDir()}}
	svc.OnInitialized(context.Background(), peer)
	assert.True(t, svc.sandboxLocked.Load())

	params := callArgs(t, map[string]interface{}{"subcommand": "default"})
	params.Name = "echo"
	res := svc.CallTool(context.Background(), "", params)
	assert.False(t, res.IsError)
}
