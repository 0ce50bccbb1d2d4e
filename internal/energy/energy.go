// Package energy derives cumulative energy and instantaneous power from
// pulse counts using exact decimal arithmetic.
package energy

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"

	"github.com/sweeney/pulse-meter/internal/clock"
)

// msPerHour converts a millisecond delta into hours.
const msPerHour = 3_600_000

// Scale is the number of fractional digits kept in published values.
const Scale = 6

// ErrInvalidFactor is returned when pulsesPerUnit is not a positive number.
var ErrInvalidFactor = errors.New("energy: pulses per unit must be positive")

// Quantity is an exact decimal value, rounded to Scale fractional digits.
type Quantity struct {
	value apd.Decimal
}

func newContext() *apd.Context {
	return apd.BaseContext.WithPrecision(34)
}

// Energy returns pulses / pulsesPerUnit.
func Energy(pulses uint64, pulsesPerUnit float64) (Quantity, error) {
	factor, err := factorDecimal(pulsesPerUnit)
	if err != nil {
		return Quantity{}, err
	}
	count, err := uintDecimal(pulses)
	if err != nil {
		return Quantity{}, err
	}

	ctx := newContext()
	var result apd.Decimal
	if _, err := ctx.Quo(&result, count, factor); err != nil {
		return Quantity{}, fmt.Errorf("energy: divide: %w", err)
	}
	return finish(ctx, &result)
}

// Power returns (pulses / pulsesPerUnit) / (elapsed in hours), the average
// rate over the elapsed window in units per hour.
func Power(pulses uint64, pulsesPerUnit float64, elapsed clock.Millis) (Quantity, error) {
	if elapsed == 0 {
		return Quantity{}, errors.New("energy: power over zero elapsed time")
	}
	factor, err := factorDecimal(pulsesPerUnit)
	if err != nil {
		return Quantity{}, err
	}
	count, err := uintDecimal(pulses)
	if err != nil {
		return Quantity{}, err
	}
	window, err := uintDecimal(uint64(elapsed))
	if err != nil {
		return Quantity{}, err
	}

	ctx := newContext()
	// pulses * msPerHour / (pulsesPerUnit * elapsedMs)
	var num, den, result apd.Decimal
	if _, err := ctx.Mul(&num, count, apd.New(msPerHour, 0)); err != nil {
		return Quantity{}, fmt.Errorf("energy: scale pulses: %w", err)
	}
	if _, err := ctx.Mul(&den, factor, window); err != nil {
		return Quantity{}, fmt.Errorf("energy: scale window: %w", err)
	}
	if _, err := ctx.Quo(&result, &num, &den); err != nil {
		return Quantity{}, fmt.Errorf("energy: divide: %w", err)
	}
	return finish(ctx, &result)
}

// FromFloat converts a float reading (temperature, for example) into a
// Quantity with the same rounding as computed values.
func FromFloat(f float64) (Quantity, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return Quantity{}, fmt.Errorf("energy: convert %v: %w", f, err)
	}
	return finish(newContext(), &d)
}

// FromUint converts an integer reading into a Quantity.
func FromUint(n uint64) Quantity {
	d, _ := uintDecimal(n)
	return Quantity{value: *d}
}

// Parse reads a decimal string such as "0.5", rounded like computed values.
func Parse(s string) (Quantity, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Quantity{}, fmt.Errorf("energy: invalid decimal %q: %w", s, err)
	}
	return finish(newContext(), &d)
}

// String renders q in plain decimal notation without trailing zeros.
func (q Quantity) String() string {
	return q.value.Text('f')
}

// Float64 returns q as a float for gauges. Precision loss is acceptable there.
func (q Quantity) Float64() float64 {
	f, err := q.value.Float64()
	if err != nil {
		return 0
	}
	return f
}

// Cmp compares q and other.
func (q Quantity) Cmp(other Quantity) int {
	return q.value.Cmp(&other.value)
}

// IsZero reports whether q is zero.
func (q Quantity) IsZero() bool {
	return q.value.IsZero()
}

func finish(ctx *apd.Context, d *apd.Decimal) (Quantity, error) {
	var rounded apd.Decimal
	if _, err := ctx.Quantize(&rounded, d, -Scale); err != nil {
		return Quantity{}, fmt.Errorf("energy: round: %w", err)
	}
	rounded.Reduce(&rounded)
	return Quantity{value: rounded}, nil
}

func factorDecimal(pulsesPerUnit float64) (*apd.Decimal, error) {
	if !(pulsesPerUnit > 0) {
		return nil, ErrInvalidFactor
	}
	var d apd.Decimal
	if _, err := d.SetFloat64(pulsesPerUnit); err != nil {
		return nil, fmt.Errorf("energy: convert factor %v: %w", pulsesPerUnit, err)
	}
	return &d, nil
}

func uintDecimal(n uint64) (*apd.Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(strconv.FormatUint(n, 10)); err != nil {
		return nil, err
	}
	return &d, nil
}
