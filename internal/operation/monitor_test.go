package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	m := New()
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)

	got, ok := m.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.State)
	assert.Equal(t, "cargo", got.ToolName)
}

func TestUpdateStateMovesToHistoryOnTerminal(t *testing.T) {
	m := New()
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)

	m.UpdateState("op-1", StatusInProgress, nil)
	got, _ := m.Get("op-1")
	assert.Equal(t, StatusInProgress, got.State)
	assert.Empty(t, m.Completed())

	m.UpdateState("op-1", StatusCompleted, []byte(`{"ok":true}`))
	got, _ = m.Get("op-1")
	assert.Equal(t, StatusCompleted, got.State)
	assert.Equal(t, `{"ok":true}`, string(got.Result))
	require.Len(t, m.Completed(), 1)
	assert.Empty(t, m.Active())
}

func TestUpdateStateUnknownIDIsNoOp(t *testing.T) {
	m := New()
	defer m.Stop()

	m.UpdateState("missing", StatusCompleted, nil)
	_, ok := m.Get("missing")
	assert.False(t, ok)
}

func TestUpdateStateTerminalIsAbsorbing(t *testing.T) {
	m := New()
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)
	m.UpdateState("op-1", StatusFailed, []byte(`{"err":"first"}`))
	m.UpdateState("op-1", StatusCompleted, []byte(`{"err":"second"}`))

	got, _ := m.Get("op-1")
	assert.Equal(t, StatusFailed, got.State)
	assert.Equal(t, `{"err":"first"}`, string(got.Result))
}

func TestCancelIsIdempotent(t *testing.T) {
	m := New()
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)

	assert.True(t, m.Cancel("op-1", "user requested"))
	assert.False(t, m.Cancel("op-1", "again"))

	got, _ := m.Get("op-1")
	assert.Equal(t, StatusCancelled, got.State)
}

func TestCancelUnknownReturnsFalse(t *testing.T) {
	m := New()
	defer m.Stop()
	assert.False(t, m.Cancel("nope", ""))
}

func TestCancelSignalClosesOnCancel(t *testing.T) {
	m := New()
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)

	sig, ok := m.CancelSignal("op-1")
	require.True(t, ok)

	m.Cancel("op-1", "")

	select {
	case <-sig:
	case <-time.After(time.Second):
		t.Fatal("cancel signal was not closed")
	}
}

func TestWaitReturnsImmediatelyForUnknownID(t *testing.T) {
	m := New()
	defer m.Stop()

	op, ok := m.Wait(context.Background(), "nope")
	assert.False(t, ok)
	assert.Nil(t, op)
}

func TestWaitBlocksUntilTerminal(t *testing.T) {
	m := New()
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)

	done := make(chan *Operation, 1)
	go func() {
		got, _ := m.Wait(context.Background(), "op-1")
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	m.UpdateState("op-1", StatusCompleted, []byte(`{"ok":true}`))

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, StatusCompleted, got.State)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after terminal transition")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	m := New()
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := m.Wait(ctx, "op-1")
	assert.False(t, ok)
}

func TestSweepTimeoutsMarksTimedOut(t *testing.T) {
	m := NewWithTick(5 * time.Millisecond)
	defer m.Stop()

	op := NewOperation("op-1", "cargo", "build", 10*time.Millisecond)
	m.Add(op)

	require.Eventually(t, func() bool {
		got, ok := m.Get("op-1")
		return ok && got.State == StatusTimedOut
	}, time.Second, 5*time.Millisecond)
}

func TestTransitionHookFiresOnAddAndTransition(t *testing.T) {
	m := New()
	defer m.Stop()

	var seen []Status
	m.SetTransitionHook(func(op *Operation) {
		seen = append(seen, op.State)
	})

	op := NewOperation("op-1", "cargo", "build", time.Minute)
	m.Add(op)
	m.UpdateState("op-1", StatusInProgress, nil)
	m.UpdateState("op-1", StatusCompleted, nil)

	assert.Equal(t, []Status{StatusPending, StatusInProgress, StatusCompleted}, seen)
}

func TestWaitManyFiltersAndWaits(t *testing.T) {
	m := New()
	defer m.Stop()

	a := NewOperation("a", "cargo", "build", time.Minute)
	b := NewOperation("b", "npm", "install", time.Minute)
	m.Add(a)
	m.Add(b)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.UpdateState("a", StatusCompleted, nil)
	}()

	results := m.WaitMany(context.Background(), func(op *Operation) bool {
		return op.ToolName == "cargo"
	})
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestStatusMarshalRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		b, err := s.MarshalJSON()
		require.NoError(t, err)
		var got Status
		require.NoError(t, got.UnmarshalJSON(b))
		assert.Equal(t, s, got)
	}
}
