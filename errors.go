package spy

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrAlreadyInstalled is returned by New when the target already has an
	// active spy.
	ErrAlreadyInstalled = errors.New("spy already installed on target")

	// ErrNotEnabled is matched by every NotEnabledError.
	ErrNotEnabled = errors.New("not enabled")

	// ErrTornDown is returned when plugging into a spy after Teardown.
	ErrTornDown = errors.New("spy torn down")

	// ErrUnknownSubscription is returned by lookups for a subscription the
	// spy does not track.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrDuplicatePlugin is returned when a second instance of a plugin that
	// owns per-subscription state is plugged.
	ErrDuplicatePlugin = errors.New("plugin already plugged")
)

// NotEnabledError reports that a component was queried before the plugin
// providing it was plugged.
type NotEnabledError struct {
	Component string
}

func (e *NotEnabledError) Error() string {
	return fmt.Sprintf("%s plugin %s", e.Component, ErrNotEnabled)
}

func (e *NotEnabledError) Unwrap() error {
	return ErrNotEnabled
}

// PluginError records a plugin callback that panicked during dispatch.
type PluginError struct {
	Plugin     string
	Event      string
	Tick       uint64
	Cause      error
	StackTrace []byte
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s failed in %s at tick %d: %v", e.Plugin, e.Event, e.Tick, e.Cause)
}

func (e *PluginError) Unwrap() error {
	return e.Cause
}

func newPluginError(plugin, event string, tick uint64, recovered any) *PluginError {
	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", recovered)
	}
	return &PluginError{
		Plugin:     plugin,
		Event:      event,
		Tick:       tick,
		Cause:      cause,
		StackTrace: debug.Stack(),
	}
}
