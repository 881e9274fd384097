package sandbox

import (
	"errors"
	"time"
)

// FuelUnits documents §4.4's per-invocation budget: 1,000,000 abstract
// units (bytecode instructions or script VM ops). Neither goja nor
// gopher-lua exposes a raw op counter through its public API, so the
// budget is enforced as a wall-clock window instead — generous enough
// that a well-behaved init/poll/on_state_changed never trips it, short
// enough that a runaway guest returns control to the hub quickly.
const (
	FuelUnits  = 1_000_000
	fuelWindow = 200 * time.Millisecond
)

// ErrFuelExhausted is returned when a guest invocation is interrupted for
// exceeding its fuel window.
var ErrFuelExhausted = errors.New("plugin: fuel budget exhausted")

// runWithFuel runs fn on its own goroutine and calls interrupt if fn has
// not returned within fuelWindow. interrupt must be safe to call
// concurrently with fn and must make fn return promptly — this is how the
// compiled (goja) guest flavor is metered, since goja.Runtime.Interrupt is
// designed to be called from a watchdog goroutine. The script (gopher-lua)
// guest flavor instead uses context-based cancellation native to that VM;
// see lua_guest.go.
func runWithFuel(interrupt func(), fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(fuelWindow)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		interrupt()
		select {
		case err := <-done:
			return err
		case <-time.After(50 * time.Millisecond):
			return ErrFuelExhausted
		}
	}
}
