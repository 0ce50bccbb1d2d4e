//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealWatcher receives edge events from the Linux GPIO character device.
type RealWatcher struct {
	chip  *gpiocdev.Chip
	lines *gpiocdev.Lines
	n     int
}

// NewRealWatcher requests pins as pulled-up inputs with both-edge detection
// and calls onEdge for every event. pins[i] is the line offset of meter i.
func NewRealWatcher(chipName string, pins []int, onEdge EdgeFunc) (*RealWatcher, error) {
	if len(pins) == 0 {
		return nil, errors.New("gpio: no pins")
	}
	if chipName == "" {
		chipName = DefaultChip
	}

	// Line offset to meter index. Built before the request so the event
	// goroutine only ever reads it.
	index := make(map[int]int, len(pins))
	for i, p := range pins {
		index[p] = i
	}

	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	handler := func(evt gpiocdev.LineEvent) {
		meter, ok := index[evt.Offset]
		if !ok {
			return
		}
		onEdge(meter, evt.Type == gpiocdev.LineEventRisingEdge)
	}

	lines, err := chip.RequestLines(pins,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(handler),
	)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request pins %v: %w", pins, err)
	}

	return &RealWatcher{
		chip:  chip,
		lines: lines,
		n:     len(pins),
	}, nil
}

// Levels returns the current raw level of every input.
func (w *RealWatcher) Levels() ([]bool, error) {
	vals := make([]int, w.n)
	if err := w.lines.Values(vals); err != nil {
		return nil, fmt.Errorf("read pins: %w", err)
	}
	out := make([]bool, w.n)
	for i, v := range vals {
		out[i] = v != 0
	}
	return out, nil
}

// Close releases GPIO resources.
// Reconfigures pins to input with pull-down (matching Pi boot defaults) before
// closing so attached meter outputs don't hold lines in unexpected states.
func (w *RealWatcher) Close() error {
	var errs []error

	if w.lines != nil {
		if err := w.lines.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pins: %w", err))
		}
		if err := w.lines.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pins: %w", err))
		}
	}
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}
