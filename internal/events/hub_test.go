package events

import (
	"strings"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	h := NewHub(16)
	ch := h.Subscribe(4)
	defer h.Unsubscribe(ch)

	h.Publish(TypeSessionCreated, map[string]interface{}{"session_id": int64(1)})

	select {
	case evt := <-ch:
		if evt.Type != TypeSessionCreated {
			t.Errorf("Unexpected type %s", evt.Type)
		}
		if evt.Seq != 0 {
			t.Errorf("First event should carry seq 0, got %d", evt.Seq)
		}
		if evt.Payload["session_id"] != int64(1) {
			t.Errorf("Unexpected payload: %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Event never arrived")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(16)
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(TypeFeedbackApplied, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// The buffered event is still deliverable, the rest were dropped.
	if evt := <-ch; evt.Type != TypeFeedbackApplied {
		t.Errorf("Unexpected type %s", evt.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(16)
	ch := h.Subscribe(1)
	h.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("Channel should be closed after Unsubscribe")
	}

	// A second Unsubscribe of the same channel is a no-op.
	h.Unsubscribe(ch)
}

func TestReplaySince(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 4; i++ {
		h.Publish(TypeChunkWeightSet, map[string]interface{}{"i": i})
	}

	// Capacity 3, so seq 0 was overwritten; the buffer holds 1..3.
	evs := h.ReplaySince(0)
	if len(evs) != 3 || evs[0].Seq != 1 || evs[2].Seq != 3 {
		t.Fatalf("Unexpected ring contents: %+v", evs)
	}

	evs = h.ReplaySince(2)
	if len(evs) != 1 || evs[0].Seq != 3 {
		t.Fatalf("Unexpected replay since 2: %+v", evs)
	}

	if evs := h.ReplaySince(99); len(evs) != 0 {
		t.Fatalf("Expected no events past the head, got %+v", evs)
	}
}

func TestMarshalIncludesSeqAndType(t *testing.T) {
	h := NewHub(4)
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(TypeSessionCreated, map[string]interface{}{"query": "docker"})
	evt := <-ch

	data := string(evt.Marshal())
	for _, want := range []string{`"seq":0`, `"type":"session.created"`, `"query":"docker"`} {
		if !strings.Contains(data, want) {
			t.Errorf("Marshal output missing %s: %s", want, data)
		}
	}
}
