package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/operation"
	"github.com/ahma-mcp/ahma/internal/protocol"
)

func getString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func splitPrefixes(tools string) []string {
	if tools == "" {
		return nil
	}
	parts := strings.Split(tools, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchesPrefixes(toolName string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(toolName, p) {
			return true
		}
	}
	return false
}

// handleStatus reports active and completed operations (optionally filtered
// by tool-name prefix or a specific operation id) plus a concurrency-
// efficiency indicator per completed operation, derived from how long the
// caller waited relative to total elapsed time.
func (s *Service) handleStatus(args map[string]interface{}) protocol.CallToolResult {
	if id := getString(args, "operation_id"); id != "" {
		op, ok := s.monitor.Get(id)
		if !ok {
			return protocol.TextResult(fmt.Sprintf("operation %q not found", id))
		}
		b, _ := json.Marshal(op)
		return protocol.TextResult(string(b))
	}

	prefixes := splitPrefixes(getString(args, "tools"))
	active := filterOps(s.monitor.Active(), prefixes)
	completed := filterOps(s.monitor.Completed(), prefixes)

	var out strings.Builder
	fmt.Fprintf(&out, "%d active, %d completed\n", len(active), len(completed))

	activeJSON, _ := json.Marshal(active)
	out.WriteString("active: ")
	out.Write(activeJSON)
	out.WriteString("\n")

	completedJSON, _ := json.Marshal(completed)
	out.WriteString("completed: ")
	out.Write(completedJSON)
	out.WriteString("\n")

	for _, op := range completed {
		if op.FirstWaitTime == nil || op.EndTime == nil {
			continue
		}
		total := op.EndTime.Sub(op.StartTime)
		waited := op.EndTime.Sub(*op.FirstWaitTime)
		if total <= 0 {
			continue
		}
		pct := 100 * (1 - waited.Seconds()/total.Seconds())
		fmt.Fprintf(&out, "%s: %.0f%% of its runtime completed before the caller awaited it\n", op.ID, pct)
	}

	return protocol.TextResult(out.String())
}

func filterOps(ops []*operation.Operation, prefixes []string) []*operation.Operation {
	out := make([]*operation.Operation, 0, len(ops))
	for _, op := range ops {
		if matchesPrefixes(op.ToolName, prefixes) {
			out = append(out, op)
		}
	}
	return out
}

// handleAwait implements the await built-in: single-operation-id fast path
// (including the "already completed" vs "Completed N operations" framing
// from S4), and a tools-prefix path with the intelligent timeout from
// spec §4.3.1.
func (s *Service) handleAwait(ctx context.Context, args map[string]interface{}) protocol.CallToolResult {
	if id := getString(args, "operation_id"); id != "" {
		op, ok := s.monitor.Get(id)
		if !ok {
			return protocol.TextResult(fmt.Sprintf("operation %q not found", id))
		}
		if op.State.IsTerminal() {
			b, _ := json.Marshal(op)
			return protocol.TextResult(fmt.Sprintf("already completed\n%s", b))
		}

		waitCtx, cancel := context.WithTimeout(ctx, awaitOperationCap)
		defer cancel()
		done, ok := s.monitor.Wait(waitCtx, id)
		if !ok {
			return protocol.TextResult(fmt.Sprintf("timed out waiting for operation %q", id))
		}
		b, _ := json.Marshal(done)
		return protocol.TextResult(fmt.Sprintf("Completed 1 operations\n%s", b))
	}

	prefixes := splitPrefixes(getString(args, "tools"))
	pending := filterOps(s.monitor.Active(), prefixes)

	budget := defaultAwaitTimeout
	for _, op := range pending {
		if op.TimeoutDuration > budget {
			budget = op.TimeoutDuration
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	go logAwaitProgress(waitCtx, s, budget, len(pending))

	done := s.monitor.WaitMany(waitCtx, func(op *operation.Operation) bool {
		return matchesPrefixes(op.ToolName, prefixes)
	})

	if len(done) < len(pending) {
		return protocol.TextResult(awaitTimeoutMessage(pending, done))
	}

	b, _ := json.Marshal(done)
	return protocol.TextResult(fmt.Sprintf("Completed %d operations\n%s", len(done), b))
}

func logAwaitProgress(ctx context.Context, s *Service, budget time.Duration, count int) {
	checkpoints := []float64{0.5, 0.75, 0.9}
	start := time.Now()
	for _, frac := range checkpoints {
		at := start.Add(time.Duration(float64(budget) * frac))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(at)):
			s.logger.Info("await in progress", "elapsed_fraction", frac, "pending_at_start", count)
		}
	}
}

func awaitTimeoutMessage(pending, done []*operation.Operation) string {
	doneIDs := make(map[string]bool, len(done))
	for _, op := range done {
		doneIDs[op.ID] = true
	}
	var lingering []string
	for _, op := range pending {
		if !doneIDs[op.ID] {
			lingering = append(lingering, fmt.Sprintf("%s (%s)", op.ID, op.ToolName))
		}
	}
	var msg strings.Builder
	msg.WriteString("await timed out with operations still pending: ")
	msg.WriteString(strings.Join(lingering, ", "))
	msg.WriteString(". Possible causes: a stale lock file under a conventional build directory " +
		"(target/, node_modules/.cache, .venv), a network call waiting on an unreachable host, " +
		"insufficient disk space, or a runaway child process. Check `ps` for the underlying command " +
		"and disk usage before retrying.")
	return msg.String()
}

// handleCancel implements the cancel built-in.
func (s *Service) handleCancel(args map[string]interface{}) protocol.CallToolResult {
	id := getString(args, "operation_id")
	if id == "" {
		return protocol.ErrorResult(ahmaerr.New(ahmaerr.KindInvalidArgument, "operation_id is required").Error())
	}
	reason := getString(args, "reason")

	ok := s.monitor.Cancel(id, reason)
	if !ok {
		if op, found := s.monitor.Get(id); found {
			return protocol.TextResult(fmt.Sprintf("operation %q is already %s; cancellation has no effect", id, op.State))
		}
		return protocol.TextResult(fmt.Sprintf("operation %q not found", id))
	}

	return protocol.TextResult(fmt.Sprintf(
		"cancellation requested for operation %q\nnext-steps: {\"can_restart\": true, \"hint\": \"you may restart the operation with the same arguments once it finishes tearing down\"}",
		id))
}
