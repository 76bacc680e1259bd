package call

import (
	"io"
	"log/slog"
	"testing"
)

func TestBroadcaster_LaggingSubscriberKeepsNewest(t *testing.T) {
	b := newBroadcaster(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancel := b.subscribe()
	defer cancel()

	total := watchBuffer + 5
	for i := 1; i <= total; i++ {
		b.publish(Snapshot{Seq: uint64(i)})
	}

	if got := len(ch); got != watchBuffer {
		t.Fatalf("queued = %d, want %d", got, watchBuffer)
	}

	var last Snapshot
	first := true
	for len(ch) > 0 {
		s := <-ch
		if first {
			if want := uint64(total - watchBuffer + 1); s.Seq != want {
				t.Errorf("oldest queued seq = %d, want %d", s.Seq, want)
			}
			first = false
		}
		if s.Seq <= last.Seq {
			t.Fatalf("seq %d delivered after %d", s.Seq, last.Seq)
		}
		last = s
	}
	if last.Seq != uint64(total) {
		t.Errorf("newest delivered seq = %d, want %d", last.Seq, total)
	}
}

func TestBroadcaster_TerminalSnapshotSurvivesBacklog(t *testing.T) {
	b := newBroadcaster(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancel := b.subscribe()
	defer cancel()

	for i := 0; i < watchBuffer*2; i++ {
		b.publish(Snapshot{Seq: uint64(i + 1), State: StateActive})
	}
	b.publish(Snapshot{Seq: uint64(watchBuffer*2 + 1), State: StateDisconnected})

	var last Snapshot
	for len(ch) > 0 {
		last = <-ch
	}
	if last.State != StateDisconnected {
		t.Errorf("last state = %v, want disconnected", last.State)
	}
}
