package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: TypeMachineUpdated, MachineID: "m1"})

	select {
	case got := <-ch:
		if got.Type != TypeMachineUpdated || got.MachineID != "m1" {
			t.Fatalf("received %+v, want machine_updated for m1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New(WithBuffer(2))
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Publish(Event{Type: TypeWorkflowProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The buffer holds at most its capacity; everything else was dropped.
	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != 2 {
		t.Fatalf("subscriber received %d events, want 2 (buffer capacity)", received)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount() = %d after cancel, want 0", n)
	}

	// A second cancel must be a no-op.
	cancel()
	b.Publish(Event{Type: TypeMachineDeleted})
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe()
	b.Close()

	if _, open := <-ch; open {
		t.Fatal("channel still open after Close")
	}

	// Subscribing after Close yields a closed channel.
	late, cancel := b.Subscribe()
	defer cancel()
	if _, open := <-late; open {
		t.Fatal("subscription created after Close should be closed")
	}
}

func TestEventMarshalFlattensPayload(t *testing.T) {
	type payload struct {
		Phase string `json:"phase"`
		Text  string `json:"text"`
	}

	tests := []struct {
		name string
		evt  Event
		want map[string]any
	}{
		{
			name: "payload fields flattened",
			evt:  Event{Type: TypeInstallPhase, Data: payload{Phase: "ClusterBootstrap", Text: "waiting for node"}},
			want: map[string]any{"type": "install_phase", "phase": "ClusterBootstrap", "text": "waiting for node"},
		},
		{
			name: "machine id included",
			evt:  Event{Type: TypeMachineDeleted, MachineID: "abc"},
			want: map[string]any{"type": "machine_deleted", "machine_id": "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.evt)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			for k, want := range tt.want {
				if got[k] != want {
					t.Fatalf("field %q = %v, want %v", k, got[k], want)
				}
			}
		})
	}
}
