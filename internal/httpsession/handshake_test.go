package httpsession

import "testing"

func TestHandshakeOneShotRegardlessOfOrder(t *testing.T) {
	cases := [][]handshakeEvent{
		{eventSSEOpen, eventInitialized},
		{eventInitialized, eventSSEOpen},
	}
	for _, order := range cases {
		h := newHandshake()
		triggers := 0
		for _, ev := range order {
			if h.apply(ev) {
				triggers++
			}
		}
		if triggers != 1 {
			t.Fatalf("order %v: expected exactly 1 trigger, got %d", order, triggers)
		}
		if h.state() != RootsRequested {
			t.Fatalf("order %v: expected RootsRequested, got %s", order, h.state())
		}
	}
}

func TestHandshakeRepeatedEventsDontRetrigger(t *testing.T) {
	h := newHandshake()
	if h.apply(eventSSEOpen) {
		t.Fatal("first SSE open alone should not trigger the roots notification")
	}
	if h.apply(eventSSEOpen) {
		t.Fatal("repeated SSE open must not trigger anything")
	}
	if !h.apply(eventInitialized) {
		t.Fatal("initialized after SSE-only should trigger RootsRequested")
	}
	if h.apply(eventInitialized) {
		t.Fatal("repeated initialized after RootsRequested must not trigger")
	}
}

func TestHandshakeCompleteRoots(t *testing.T) {
	h := newHandshake()
	h.apply(eventSSEOpen)
	h.apply(eventInitialized)
	if h.state() != RootsRequested {
		t.Fatalf("expected RootsRequested, got %s", h.state())
	}
	if !h.completeRoots() {
		t.Fatal("completeRoots should succeed from RootsRequested")
	}
	if h.state() != Complete {
		t.Fatalf("expected Complete, got %s", h.state())
	}
	if h.completeRoots() {
		t.Fatal("completeRoots should be idempotent-false the second time")
	}
}
