// Package store keeps the cumulative pulse count of every meter on durable
// storage so totals survive restarts.
package store

import (
	"errors"
	"fmt"

	"github.com/sweeney/pulse-meter/internal/logic"
)

// ErrStorage is wrapped by every read or write failure of a backend.
var ErrStorage = errors.New("storage fault")

// Driver names accepted by Open.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Backend is a logic.Store that holds an open resource.
type Backend interface {
	logic.Store
	Close() error
}

// Open returns the backend named by driver, rooted at path.
func Open(driver, path string) (Backend, error) {
	switch driver {
	case DriverFile:
		return OpenFile(path)
	case DriverSQLite:
		return OpenSQLite(path)
	case DriverMemory:
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func storageErr(op string, meter int, err error) error {
	return fmt.Errorf("%w: %s meter %d: %v", ErrStorage, op, meter, err)
}
