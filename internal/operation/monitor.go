package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is used when an Operation carries no TimeoutDuration and
// the caller supplies none either.
const DefaultTimeout = 5 * time.Minute

// tickInterval is how often the background scan checks for timed-out
// operations. Overridable via NewWithTick for fast tests.
const tickInterval = 1 * time.Second

// Monitor exclusively owns the active and history operation tables.
// Operations are created by Add, mutated only through Monitor methods, and
// never explicitly destroyed — they remain in history for the process
// lifetime.
type Monitor struct {
	mu      sync.Mutex
	active  map[string]*Operation
	history map[string]*Operation

	defaultTimeout time.Duration
	tick           time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}

	onTransition func(op *Operation)
}

// New creates a Monitor and starts its background timeout-scanning tick.
func New() *Monitor {
	return NewWithTick(tickInterval)
}

// NewWithTick creates a Monitor with a caller-chosen tick interval, for
// tests that need the timeout sweep to run faster than production.
func NewWithTick(tick time.Duration) *Monitor {
	m := &Monitor{
		active:         make(map[string]*Operation),
		history:        make(map[string]*Operation),
		defaultTimeout: DefaultTimeout,
		tick:           tick,
		stopCh:         make(chan struct{}),
	}
	go m.tickLoop()
	return m
}

// SetTransitionHook installs a callback invoked (outside the table lock)
// whenever an operation transitions state, used to feed Prometheus metrics.
func (m *Monitor) SetTransitionHook(fn func(op *Operation)) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// Stop halts the background tick. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) tickLoop() {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepTimeouts()
		}
	}
}

func (m *Monitor) sweepTimeouts() {
	now := time.Now()
	var timedOut []*Operation

	m.mu.Lock()
	for id, op := range m.active {
		if op.State.IsTerminal() {
			continue
		}
		limit := op.TimeoutDuration
		if limit <= 0 {
			limit = m.defaultTimeout
		}
		if now.Sub(op.StartTime) > limit {
			reason := fmt.Sprintf("Operation timed out after %ds (limit %ds)",
				int(now.Sub(op.StartTime).Seconds()), int(limit.Seconds()))
			result, _ := json.Marshal(map[string]interface{}{"timed_out": true, "reason": reason})
			close(op.cancelSignal)
			m.transitionLocked(id, StatusTimedOut, result)
			timedOut = append(timedOut, m.history[id])
		}
	}
	hook := m.onTransition
	m.mu.Unlock()

	if hook != nil {
		for _, op := range timedOut {
			hook(op)
		}
	}
}

// Add registers a new Pending operation with the Monitor. It is created by
// Execution Adapter requests — callers supply a fully formed Operation
// (typically produced via NewOperation).
func (m *Monitor) Add(op *Operation) {
	if op.cancelSignal == nil {
		op.cancelSignal = make(chan struct{})
	}
	if op.doneCh == nil {
		op.doneCh = make(chan struct{})
	}
	m.mu.Lock()
	m.active[op.ID] = op
	hook := m.onTransition
	m.mu.Unlock()
	if hook != nil {
		hook(op.clone())
	}
}

// NewOperation constructs an Operation in the Pending state, ready for Add.
func NewOperation(id, toolName, description string, timeout time.Duration) *Operation {
	return &Operation{
		ID:              id,
		ToolName:        toolName,
		Description:     description,
		State:           StatusPending,
		StartTime:       time.Now(),
		TimeoutDuration: timeout,
		cancelSignal:    make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// CancelSignal returns the cancellation channel for op, closed when Cancel
// succeeds or when the Monitor times the operation out. The Execution
// Adapter selects on this channel at task start, just before spawn, and
// after child exit.
func (m *Monitor) CancelSignal(id string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.active[id]; ok {
		return op.cancelSignal, true
	}
	if op, ok := m.history[id]; ok {
		return op.cancelSignal, true
	}
	return nil, false
}

// UpdateState transitions id to state with the given terminal result.
// The Monitor never panics on unknown ids; it logs and returns. Only the
// first transition to a terminal state for an id takes effect.
func (m *Monitor) UpdateState(id string, state Status, result json.RawMessage) {
	m.mu.Lock()
	op := m.transitionLocked(id, state, result)
	hook := m.onTransition
	m.mu.Unlock()

	if op == nil {
		slog.Warn("operation monitor: update_state on unknown id", "id", id)
		return
	}
	if hook != nil {
		hook(op.clone())
	}
}

// transitionLocked performs the transition under m.mu and returns the
// resulting stored Operation (from whichever table it now lives in), or nil
// if id is unknown or already terminal. Moving into history happens-before closing doneCh, so
// Wait's publish-then-notify seam is observable.
func (m *Monitor) transitionLocked(id string, state Status, result json.RawMessage) *Operation {
	op, ok := m.active[id]
	if !ok {
		if _, ok := m.history[id]; ok {
			return nil // already terminal; idempotent no-op
		}
		return nil
	}
	if op.State.IsTerminal() {
		return op // absorbing: first terminal transition wins
	}

	op.State = state
	if result != nil {
		op.Result = result
	}

	if state.IsTerminal() {
		now := time.Now()
		op.EndTime = &now
		delete(m.active, id)
		m.history[id] = op
		close(op.doneCh)
	}
	return op
}

// Cancel requests termination of id. Idempotent: returns true only on the
// transition that actually cancels the operation; later calls on a
// terminal Operation return false.
func (m *Monitor) Cancel(id, reason string) bool {
	m.mu.Lock()
	op, ok := m.active[id]
	if !ok || op.State.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	close(op.cancelSignal)
	if reason == "" {
		reason = "cancelled by caller"
	}
	result, _ := json.Marshal(map[string]interface{}{"cancelled": true, "reason": reason})
	m.transitionLocked(id, StatusCancelled, result)
	hook := m.onTransition
	clone := op.clone()
	m.mu.Unlock()

	if hook != nil {
		hook(clone)
	}
	return true
}

// Get returns a snapshot of id, checking history then active tables.
func (m *Monitor) Get(id string) (*Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.history[id]; ok {
		return op.clone(), true
	}
	if op, ok := m.active[id]; ok {
		return op.clone(), true
	}
	return nil, false
}

// Active returns a snapshot slice of every non-terminal operation.
func (m *Monitor) Active() []*Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Operation, 0, len(m.active))
	for _, op := range m.active {
		out = append(out, op.clone())
	}
	return out
}

// Completed returns a snapshot slice of every terminal operation.
func (m *Monitor) Completed() []*Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Operation, 0, len(m.history))
	for _, op := range m.history {
		out = append(out, op.clone())
	}
	return out
}

// Wait blocks until id becomes terminal and returns its terminal snapshot,
// or returns (nil, false) immediately if id is unknown in both tables. It
// never blocks on an unknown id.
func (m *Monitor) Wait(ctx context.Context, id string) (*Operation, bool) {
	m.mu.Lock()
	if op, ok := m.history[id]; ok {
		m.mu.Unlock()
		return op.clone(), true
	}
	op, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	if op.FirstWaitTime == nil {
		now := time.Now()
		op.FirstWaitTime = &now
	}
	done := op.doneCh
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, false
	}

	// Tolerate the publish-then-notify seam with a short retry budget.
	for i := 0; i < 10; i++ {
		m.mu.Lock()
		if op, ok := m.history[id]; ok {
			m.mu.Unlock()
			return op.clone(), true
		}
		m.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return nil, false
}

// WaitFilter selects which active operations WaitMany waits for.
type WaitFilter func(op *Operation) bool

// WaitMany waits until every currently-active operation matching filter has
// become terminal, or ctx is done, and returns snapshots of those operations
// that have reached history by then. Operations that were already terminal
// when WaitMany was called are not included.
func (m *Monitor) WaitMany(ctx context.Context, filter WaitFilter) []*Operation {
	m.mu.Lock()
	var dones []<-chan struct{}
	var ids []string
	now := time.Now()
	for id, op := range m.active {
		if filter != nil && !filter(op) {
			continue
		}
		if op.FirstWaitTime == nil {
			op.FirstWaitTime = &now
		}
		dones = append(dones, op.doneCh)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			goto collect
		}
	}
collect:

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Operation, 0, len(ids))
	for _, id := range ids {
		if op, ok := m.history[id]; ok {
			out = append(out, op.clone())
		}
	}
	return out
}
