package timerwheel

import (
	"net"
	"testing"
	"time"
)

func TestScheduleAndPopReadyOrdering(t *testing.T) {
	w := New()
	base := time.Unix(1_700_000_000, 0)

	keyA := KeyFor(net.IPv4(10, 0, 0, 1), KindAdvertFull)
	keyB := KeyFor(net.IPv4(10, 0, 0, 2), KindKeepalive)
	keyC := KeyFor(net.IPv4(10, 0, 0, 3), KindLost)

	w.Schedule(keyB, base.Add(3*time.Second))
	w.Schedule(keyA, base.Add(1*time.Second))
	w.Schedule(keyC, base.Add(2*time.Second))

	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3", w.Len())
	}

	ready := w.PopReady(base.Add(2 * time.Second))
	if len(ready) != 2 {
		t.Fatalf("PopReady returned %d, want 2", len(ready))
	}
	if ready[0] != keyA || ready[1] != keyC {
		t.Errorf("PopReady order = %+v, want [keyA keyC]", ready)
	}
	if w.Len() != 1 {
		t.Fatalf("Len after pop = %d, want 1", w.Len())
	}
}

func TestScheduleUpdatesExistingKeyInPlace(t *testing.T) {
	w := New()
	base := time.Unix(1_700_000_000, 0)
	key := KeyFor(net.IPv4(10, 0, 0, 1), KindAdvertFull)

	w.Schedule(key, base.Add(10*time.Second))
	w.Schedule(key, base.Add(1*time.Second))

	if w.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (rescheduling must not duplicate)", w.Len())
	}
	deadline, ok := w.Pending(key)
	if !ok {
		t.Fatal("expected key to be pending")
	}
	if !deadline.Equal(base.Add(1 * time.Second)) {
		t.Errorf("deadline = %v, want %v", deadline, base.Add(1*time.Second))
	}
}

func TestCancelRemovesTimer(t *testing.T) {
	w := New()
	key := KeyFor(net.IPv4(10, 0, 0, 1), KindForget)
	w.Schedule(key, time.Unix(1_700_000_000, 0))

	if !w.Cancel(key) {
		t.Fatal("Cancel returned false for a pending key")
	}
	if w.Cancel(key) {
		t.Fatal("Cancel returned true for an already-removed key")
	}
	if w.Len() != 0 {
		t.Fatalf("Len = %d, want 0", w.Len())
	}
}

func TestNextDeadlineEmptyWheel(t *testing.T) {
	w := New()
	if _, ok := w.NextDeadline(); ok {
		t.Fatal("expected ok=false for empty wheel")
	}
}

func TestNextDeadlineTracksEarliest(t *testing.T) {
	w := New()
	base := time.Unix(1_700_000_000, 0)
	w.Schedule(KeyFor(net.IPv4(10, 0, 0, 1), KindAdvertFull), base.Add(5*time.Second))
	w.Schedule(KeyFor(net.IPv4(10, 0, 0, 2), KindAdvertFull), base.Add(1*time.Second))

	deadline, ok := w.NextDeadline()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !deadline.Equal(base.Add(1 * time.Second)) {
		t.Errorf("NextDeadline = %v, want %v", deadline, base.Add(1*time.Second))
	}
}

func TestDistinctPeersSameKindAreDistinctKeys(t *testing.T) {
	w := New()
	base := time.Unix(1_700_000_000, 0)
	w.Schedule(KeyFor(net.IPv4(10, 0, 0, 1), KindKeepalive), base)
	w.Schedule(KeyFor(net.IPv4(10, 0, 0, 2), KindKeepalive), base)

	if w.Len() != 2 {
		t.Fatalf("Len = %d, want 2", w.Len())
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindAdvertFull: "advert_full",
		KindKeepalive:  "keepalive",
		KindLost:       "lost",
		KindForget:     "forget",
		KindLocalProbe: "local_probe",
		Kind(99):       "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
