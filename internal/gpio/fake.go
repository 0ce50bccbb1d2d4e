package gpio

import (
	"errors"
	"fmt"
	"sync"
)

// FakeWatcher is a test double that delivers scripted edges to an EdgeFunc.
type FakeWatcher struct {
	mu     sync.Mutex
	onEdge EdgeFunc
	levels []bool

	// Closed tracks if Close was called.
	Closed bool

	// LevelsError, if set, will be returned by Levels().
	LevelsError error
}

// NewFakeWatcher creates a FakeWatcher for n inputs, all low.
func NewFakeWatcher(n int, onEdge EdgeFunc) *FakeWatcher {
	return &FakeWatcher{onEdge: onEdge, levels: make([]bool, n)}
}

// Set drives input meter to raw and emits the edge if the level changed.
func (f *FakeWatcher) Set(meter int, raw bool) error {
	f.mu.Lock()
	if f.Closed {
		f.mu.Unlock()
		return errors.New("watcher closed")
	}
	if meter < 0 || meter >= len(f.levels) {
		f.mu.Unlock()
		return fmt.Errorf("no input %d", meter)
	}
	changed := f.levels[meter] != raw
	f.levels[meter] = raw
	f.mu.Unlock()

	if changed {
		f.onEdge(meter, raw)
	}
	return nil
}

// Emit delivers an edge without checking the current level, as a bouncing
// contact or a lost event would.
func (f *FakeWatcher) Emit(meter int, raw bool) {
	f.mu.Lock()
	if meter >= 0 && meter < len(f.levels) {
		f.levels[meter] = raw
	}
	f.mu.Unlock()
	f.onEdge(meter, raw)
}

// Levels returns the current scripted levels.
func (f *FakeWatcher) Levels() ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LevelsError != nil {
		return nil, f.LevelsError
	}
	out := make([]bool, len(f.levels))
	copy(out, f.levels)
	return out, nil
}

// Close marks the watcher as closed.
func (f *FakeWatcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
