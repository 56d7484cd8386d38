// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notify

import (
	"fmt"
	"testing"

	"grimm.is/netinsight/internal/model"
)

func TestInitialStateFirst(t *testing.T) {
	h := NewHub(8, func() InitialState {
		return InitialState{Devices: []model.Device{{ID: "dev-1"}}}
	}, nil)

	// Publish before subscribing; the new subscriber must not see it.
	h.PublishFlow(model.Flow{ID: "before"})

	sub := h.Subscribe()
	defer sub.Close()

	h.PublishFlow(model.Flow{ID: "after"})

	first := <-sub.Ch()
	if first.Type != TypeInitialState {
		t.Fatalf("first message type = %q", first.Type)
	}
	state, ok := first.Payload.(InitialState)
	if !ok || len(state.Devices) != 1 {
		t.Errorf("initial state payload wrong: %+v", first.Payload)
	}

	second := <-sub.Ch()
	if second.Type != TypeFlowUpdate {
		t.Fatalf("second message type = %q", second.Type)
	}
	if second.Payload.(model.Flow).ID != "after" {
		t.Error("pre-subscribe publish leaked into the stream")
	}
}

func TestBackpressureDropsOldestPerSubscriber(t *testing.T) {
	h := NewHub(8, nil, nil)

	slow := h.Subscribe()
	defer slow.Close()
	fast := h.Subscribe()
	defer fast.Close()

	// Both consume their initial_state; fast keeps consuming.
	<-slow.Ch()
	<-fast.Ch()

	// The fast subscriber consumes in lockstep; the slow one never reads.
	received := 0
	for i := 0; i < 100; i++ {
		h.PublishFlow(model.Flow{ID: fmt.Sprintf("f%d", i)})
		if msg := <-fast.Ch(); msg.Type == TypeFlowUpdate {
			received++
		}
	}

	if received != 100 {
		t.Errorf("fast subscriber received %d of 100", received)
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast subscriber dropped %d", fast.Dropped())
	}

	if got := slow.Dropped(); got != 92 {
		t.Errorf("slow subscriber dropped %d, want 92 with queue of 8", got)
	}
	if pending := len(slow.ch); pending != 8 {
		t.Errorf("slow subscriber has %d queued, want 8", pending)
	}

	// The survivors are the newest messages.
	first := <-slow.Ch()
	if first.Payload.(model.Flow).ID != "f92" {
		t.Errorf("oldest surviving message = %v, want f92", first.Payload)
	}
}

func TestCloseUnregisters(t *testing.T) {
	h := NewHub(8, nil, nil)
	sub := h.Subscribe()
	if h.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d", h.SubscriberCount())
	}

	sub.Close()
	if h.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after close = %d", h.SubscriberCount())
	}

	// Publishing after close must not panic.
	h.PublishThreat(model.Threat{ID: "t1"})

	if _, open := <-sub.Ch(); open {
		// initial_state may still be buffered; drain until closed
		for range sub.Ch() {
		}
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub(8, nil, nil)
	a := h.Subscribe()
	b := h.Subscribe()

	h.Close()
	if h.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after hub close", h.SubscriberCount())
	}

	drain := func(s *Subscriber) bool {
		for {
			if _, open := <-s.Ch(); !open {
				return true
			}
		}
	}
	if !drain(a) || !drain(b) {
		t.Error("subscriber channels not closed")
	}

	// Double close on a subscriber after hub close is safe.
	a.Close()
}
