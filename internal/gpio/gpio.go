// Package gpio delivers pulse-input level changes from hardware.
// The real implementation uses Linux GPIO character device edge events.
// The fake implementation allows testing without hardware.
package gpio

// EdgeFunc receives a raw level change for the meter at index meter.
// It is called from the watcher's event goroutine and must not block.
type EdgeFunc func(meter int, raw bool)

// Watcher watches pulse inputs and reports every level change.
type Watcher interface {
	// Levels returns the current raw level of every input, in meter order.
	Levels() ([]bool, error)

	// Close stops watching and releases GPIO resources.
	Close() error
}

// DefaultChip is the GPIO character device used on a Raspberry Pi.
const DefaultChip = "gpiochip0"

var (
	_ Watcher = (*RealWatcher)(nil)
	_ Watcher = (*FakeWatcher)(nil)
)
