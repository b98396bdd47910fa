package listeners

import (
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyReachesEveryListenerOnce(t *testing.T) {
	r := NewRegistry(quietLogger())
	var a, b []Counts
	r.Add(func(c Counts) { a = append(a, c) })
	r.Add(func(c Counts) { b = append(b, c) })

	r.Notify(Counts{Pending: 2})
	r.Notify(Counts{Pending: 1, Failed: 1})

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected two notifications each, got %d and %d", len(a), len(b))
	}
	if a[1].Outstanding() != 2 {
		t.Fatalf("unexpected outstanding %d", a[1].Outstanding())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(quietLogger())
	calls := 0
	remove := r.Add(func(Counts) { calls++ })
	other := r.Add(func(Counts) {})

	remove()
	remove()
	if r.Len() != 1 {
		t.Fatalf("expected one listener left, got %d", r.Len())
	}
	r.Notify(Counts{})
	if calls != 0 {
		t.Fatalf("removed listener was called")
	}
	other()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	r := NewRegistry(quietLogger())
	got := 0
	r.Add(func(Counts) { panic("ui crashed") })
	r.Add(func(c Counts) { got = c.Pending })

	r.Notify(Counts{Pending: 3})
	if got != 3 {
		t.Fatalf("healthy listener missed the notification")
	}
}

func TestOutstandingExcludesDeadLetter(t *testing.T) {
	c := Counts{Pending: 1, InFlight: 1, Failed: 2, DeadLetter: 5}
	if c.Outstanding() != 4 {
		t.Fatalf("expected 4, got %d", c.Outstanding())
	}
}

func TestAddNilIsNoop(t *testing.T) {
	r := NewRegistry(quietLogger())
	remove := r.Add(nil)
	remove()
	if r.Len() != 0 {
		t.Fatalf("nil listener must not be registered")
	}
}

func TestJoinDeliversCurrentBeforeLaterNotifications(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Post(Counts{Pending: 7})

	var seen []int
	r.Join(func(c Counts) { seen = append(seen, c.Pending) }, Counts{Pending: 1})
	r.Post(Counts{Pending: 2})
	r.Flush()

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected [1 2], got %v", seen)
	}
}

func TestNotifyFromListenerIsDeliveredAfterCurrent(t *testing.T) {
	r := NewRegistry(quietLogger())
	var seen []int
	r.Add(func(c Counts) {
		seen = append(seen, c.Pending)
		if c.Pending == 1 {
			r.Notify(Counts{Pending: 2})
			if len(seen) != 1 {
				t.Errorf("nested notification delivered before the current one returned")
			}
		}
	})
	r.Notify(Counts{Pending: 1})
	if len(seen) != 2 || seen[1] != 2 {
		t.Fatalf("expected [1 2], got %v", seen)
	}
}
