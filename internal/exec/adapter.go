// Package exec is the Execution Adapter: argument marshalling, child-process
// execution, sync/async dispatch, and temp-file handling for shell-hostile
// argument values.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	osexec "os/exec"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/catalog"
	"github.com/ahma-mcp/ahma/internal/operation"
)

// pooler is the subset of the optional shell pool's surface the adapter
// depends on, letting Adapter stay agnostic of the pool's internals.
// handled is false whenever the pool declines the call (disabled, at
// capacity, couldn't acquire a shell in time) and the caller must fall
// back to spawning directly.
type pooler interface {
	Run(ctx context.Context, cwd string, argv []string, timeout time.Duration) (stdout, stderr string, exitCode int, handled bool, err error)
	Close() error
}

// Monitor is the subset of *operation.Monitor the adapter depends on,
// expressed as an interface so tests can substitute a fake.
type Monitor interface {
	Add(op *operation.Operation)
	UpdateState(id string, state operation.Status, result json.RawMessage)
	CancelSignal(id string) (<-chan struct{}, bool)
	Cancel(id, reason string) bool
}

// Adapter translates a structured call + catalog entry into a
// child-process invocation, running it synchronously or spawning an async
// task that pushes progress via a callback.
type Adapter struct {
	monitor  Monitor
	tempFile *TempFileManager
	pool     pooler // nil unless SetPool attached one; used only when a ToolConfig opts in

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// New creates an Adapter bound to monitor. The adapter owns its own
// TempFileManager for the duration of its life.
func New(monitor Monitor) (*Adapter, error) {
	tf, err := NewTempFileManager()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		monitor:  monitor,
		tempFile: tf,
		tasks:    make(map[string]context.CancelFunc),
	}, nil
}

// AsyncOptions bundles the inputs to ExecuteAsync.
type AsyncOptions struct {
	OperationID  string // if empty, ExecuteAsync generates one
	Cwd          string
	Args         map[string]interface{}
	CommandChain []string
	Leaf         *catalog.SubcommandConfig
	Timeout      time.Duration
	Description  string
	Progress     ProgressFunc
}

// ExecuteSync runs a single child with stdin nulled and stdout/stderr
// piped, bounded by timeout. When usePool is set and a pool is attached,
// it is tried first; a declined pool call falls back to spawning directly.
func (a *Adapter) ExecuteSync(ctx context.Context, toolName string, commandChain []string, leaf *catalog.SubcommandConfig, args map[string]interface{}, cwd string, timeout time.Duration, usePool bool) (string, error) {
	argv, err := BuildArgs(commandChain, leaf, args, a.tempFile.Write, toolName)
	if err != nil {
		return "", ahmaerr.Wrap(ahmaerr.KindInvalidArgument, "building arguments", err)
	}

	if usePool && a.pool != nil {
		if out, perr, ok := a.runPooled(ctx, argv, cwd, timeout); ok {
			return out, perr
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(runCtx, argv[0], argv[1:]...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return "", ahmaerr.Newf(ahmaerr.KindTimeout, "command timed out after %ds", int(timeout.Seconds()))
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*osexec.ExitError); ok {
			return "", &ahmaerr.Error{
				Kind:     ahmaerr.KindExecutionFailed,
				Msg:      fmt.Sprintf("command exited with code %d", exitErr.ExitCode()),
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
				Stdout:   stdout.String(),
			}
		}
		return "", ahmaerr.Wrap(ahmaerr.KindIOError, "spawning command", runErr)
	}

	return combineOutput(stdout.String(), stderr.String()), nil
}

// runPooled tries the attached pool. ok is false whenever the pool declined
// the call, meaning the caller should fall back to spawning directly.
func (a *Adapter) runPooled(ctx context.Context, argv []string, cwd string, timeout time.Duration) (out string, err error, ok bool) {
	stdout, stderr, exitCode, handled, runErr := a.pool.Run(ctx, cwd, argv, timeout)
	if !handled {
		return "", nil, false
	}
	if runErr != nil {
		return "", ahmaerr.Wrap(ahmaerr.KindIOError, "pooled command", runErr), true
	}
	if exitCode != 0 {
		return "", &ahmaerr.Error{
			Kind:     ahmaerr.KindExecutionFailed,
			Msg:      fmt.Sprintf("command exited with code %d", exitCode),
			ExitCode: exitCode,
			Stderr:   stderr,
			Stdout:   stdout,
		}, true
	}
	return combineOutput(stdout, stderr), nil, true
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stdout != "" && stderr != "":
		return stdout + "\n" + stderr
	case stdout != "":
		return stdout
	default:
		return stderr
	}
}

// ExecuteAsync registers a new Operation with the Monitor and spawns a task
// that runs the child process, pushing progress updates and terminal state
// via the Monitor.
func (a *Adapter) ExecuteAsync(ctx context.Context, toolName string, opts AsyncOptions) (string, error) {
	argv, err := BuildArgs(opts.CommandChain, opts.Leaf, opts.Args, a.tempFile.Write, toolName)
	if err != nil {
		return "", ahmaerr.Wrap(ahmaerr.KindInvalidArgument, "building arguments", err)
	}

	id := opts.OperationID
	if id == "" {
		id = newOperationID()
	}

	timeout := opts.Timeout
	op := operation.NewOperation(id, toolName, opts.Description, timeout)
	a.monitor.Add(op)

	cancelSignal, _ := a.monitor.CancelSignal(id)

	taskCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.tasks[id] = cancel
	a.mu.Unlock()

	go a.runAsync(taskCtx, id, argv, opts, cancelSignal)

	return id, nil
}

func (a *Adapter) runAsync(ctx context.Context, id string, argv []string, opts AsyncOptions, cancelSignal <-chan struct{}) {
	defer func() {
		a.mu.Lock()
		delete(a.tasks, id)
		a.mu.Unlock()
	}()

	start := time.Now()
	push := opts.Progress
	if push == nil {
		push = func(ProgressUpdate) {}
	}

	push(Started{OperationID: id, Command: strings.Join(argv, " "), Description: opts.Description})

	select {
	case <-cancelSignal:
		a.emitCancelled(id, "cancelled before start", 0, push)
		return
	default:
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		tctx, tcancel := context.WithTimeout(ctx, opts.Timeout)
		defer tcancel()
		runCtx = tctx
	}

	select {
	case <-cancelSignal:
		a.emitCancelled(id, "cancelled before spawn", time.Since(start).Milliseconds(), push)
		return
	default:
	}

	cmd := osexec.CommandContext(runCtx, argv[0], argv[1:]...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		a.monitor.UpdateState(id, operation.StatusFailed, marshalResult(map[string]interface{}{"error": err.Error()}))
		push(FinalResult{OperationID: id, Command: strings.Join(argv, " "), Description: opts.Description,
			WorkingDirectory: opts.Cwd, Success: false, DurationMs: time.Since(start).Milliseconds(),
			FullOutput: err.Error()})
		return
	}
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		select {
		case <-cancelSignal:
			a.emitCancelled(id, "cancelled after exit", time.Since(start).Milliseconds(), push)
			return
		default:
		}
		a.finish(id, argv, opts, start, stdout.String(), stderr.String(), waitErr, push)

	case <-cancelSignal:
		a.emitCancelled(id, "cancelled during execution", time.Since(start).Milliseconds(), push)
		return

	case <-runCtx.Done():
		switch runCtx.Err() {
		case context.DeadlineExceeded:
			reason := fmt.Sprintf("Operation timed out after %ds", int(opts.Timeout.Seconds()))
			a.monitor.UpdateState(id, operation.StatusTimedOut, marshalResult(map[string]interface{}{"timed_out": true, "reason": reason}))
			push(Cancelled{OperationID: id, Message: reason, DurationMs: time.Since(start).Milliseconds()})
		case context.Canceled:
			a.emitCancelled(id, "cancelled", time.Since(start).Milliseconds(), push)
		}
		return
	}
}

func (a *Adapter) finish(id string, argv []string, opts AsyncOptions, start time.Time, stdout, stderr string, waitErr error, push ProgressFunc) {
	duration := time.Since(start)
	success := waitErr == nil
	exitCode := 0
	if exitErr, ok := waitErr.(*osexec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		a.monitor.UpdateState(id, operation.StatusFailed, marshalResult(map[string]interface{}{"error": waitErr.Error()}))
		push(FinalResult{OperationID: id, Command: strings.Join(argv, " "), Description: opts.Description,
			WorkingDirectory: opts.Cwd, Success: false, DurationMs: duration.Milliseconds(), FullOutput: waitErr.Error()})
		return
	}

	state := operation.StatusCompleted
	if !success {
		state = operation.StatusFailed
	}
	output := combineOutput(stdout, stderr)
	a.monitor.UpdateState(id, state, marshalResult(map[string]interface{}{
		"stdout": stdout, "stderr": stderr, "exit_code": exitCode,
	}))
	push(FinalResult{
		OperationID: id, Command: strings.Join(argv, " "), Description: opts.Description,
		WorkingDirectory: opts.Cwd, Success: success, DurationMs: duration.Milliseconds(), FullOutput: output,
	})
}

func (a *Adapter) emitCancelled(id, message string, durationMs int64, push ProgressFunc) {
	a.monitor.UpdateState(id, operation.StatusCancelled, marshalResult(map[string]interface{}{"cancelled": true, "reason": message}))
	push(Cancelled{OperationID: id, Message: message, DurationMs: durationMs})
}

// Shutdown requests Monitor cancellation for every tracked op_id, cancels
// each task's context, gives them ~250ms to settle, aborts remaining
// handles, and releases the temp-file manager and shell pool (if any).
// Bounded by a wall-clock budget.
func (a *Adapter) Shutdown(ctx context.Context) error {
	budget := 30 * time.Second
	deadline := time.Now().Add(budget)

	a.mu.Lock()
	ids := make([]string, 0, len(a.tasks))
	cancels := make([]context.CancelFunc, 0, len(a.tasks))
	for id, c := range a.tasks {
		ids = append(ids, id)
		cancels = append(cancels, c)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.monitor.Cancel(id, "adapter shutting down")
	}
	for _, c := range cancels {
		c()
	}

	settle := time.NewTimer(250 * time.Millisecond)
	<-settle.C

	for {
		a.mu.Lock()
		remaining := len(a.tasks)
		a.mu.Unlock()
		if remaining == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if a.pool != nil {
		_ = a.pool.Close()
	}
	return a.tempFile.Close()
}

var idCounterMu sync.Mutex
var idCounter uint64

func newOperationID() string {
	idCounterMu.Lock()
	idCounter++
	n := idCounter
	idCounterMu.Unlock()
	return fmt.Sprintf("op-%d-%d", time.Now().UnixNano(), n)
}

func marshalResult(v map[string]interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// SetPool attaches an optional shell pool, closed alongside the temp-file
// manager during Shutdown. Passing nil disables pooling.
func (a *Adapter) SetPool(p pooler) {
	a.pool = p
}
