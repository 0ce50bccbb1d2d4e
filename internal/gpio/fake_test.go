package gpio

import (
	"errors"
	"testing"
)

type edgeRecord struct {
	meter int
	raw   bool
}

func recorder() (*[]edgeRecord, EdgeFunc) {
	var got []edgeRecord
	return &got, func(meter int, raw bool) {
		got = append(got, edgeRecord{meter, raw})
	}
}

func TestFakeWatcherSet(t *testing.T) {
	got, fn := recorder()
	f := NewFakeWatcher(2, fn)

	if err := f.Set(0, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Set(0, true) // no change, no edge
	f.Set(1, true)
	f.Set(0, false)

	want := []edgeRecord{{0, true}, {1, true}, {0, false}}
	if len(*got) != len(want) {
		t.Fatalf("expected %d edges, got %d: %v", len(want), len(*got), *got)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Errorf("edge %d: got %v, want %v", i, (*got)[i], want[i])
		}
	}
}

func TestFakeWatcherEmitRepeats(t *testing.T) {
	got, fn := recorder()
	f := NewFakeWatcher(1, fn)

	f.Emit(0, false)
	f.Emit(0, false)

	if len(*got) != 2 {
		t.Errorf("Emit must always deliver, got %d edges", len(*got))
	}
}

func TestFakeWatcherLevels(t *testing.T) {
	_, fn := recorder()
	f := NewFakeWatcher(3, fn)
	f.Set(2, true)

	levels, err := f.Levels()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if levels[0] || levels[1] || !levels[2] {
		t.Errorf("unexpected levels: %v", levels)
	}

	f.LevelsError = errors.New("simulated error")
	if _, err := f.Levels(); err == nil {
		t.Error("expected error to be returned")
	}
}

func TestFakeWatcherBadIndex(t *testing.T) {
	_, fn := recorder()
	f := NewFakeWatcher(1, fn)
	if err := f.Set(4, true); err == nil {
		t.Error("expected error for unknown input")
	}
}

func TestFakeWatcherClose(t *testing.T) {
	got, fn := recorder()
	f := NewFakeWatcher(1, fn)

	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
	if err := f.Set(0, true); err == nil {
		t.Error("Set after Close should fail")
	}
	if len(*got) != 0 {
		t.Errorf("no edges expected after close, got %v", *got)
	}
}
