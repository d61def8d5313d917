// Package scope implements a weak-ownership helper:
// a worker holds a weak reference to its connection and upgrades it for
// the duration of a single call, so a long-lived background worker never
// keeps a connection (and the goroutines/sockets it owns) alive past the
// caller's last strong reference.
package scope

import (
	"weak"

	"github.com/isomet/ims-sdk/engine"
)

// Handle is a weak reference to a *engine.Connection, safe to store in a
// worker that should not itself keep the connection alive.
type Handle struct {
	ptr weak.Pointer[engine.Connection]
}

// New wraps conn in a weak Handle.
func New(conn *engine.Connection) Handle {
	return Handle{ptr: weak.Make(conn)}
}

// Acquire upgrades h to a strong reference for as long as the caller
// holds the returned pointer. ok is false if the connection has already
// been garbage collected.
func (h Handle) Acquire() (conn *engine.Connection, ok bool) {
	conn = h.ptr.Value()
	return conn, conn != nil
}

// With upgrades h, calls fn with the strong reference, and returns its
// result. If h can no longer be upgraded, With returns the zero value of
// T without calling fn.
func With[T any](h Handle, fn func(*engine.Connection) T) T {
	var zero T
	conn, ok := h.Acquire()
	if !ok {
		return zero
	}
	return fn(conn)
}

// Do upgrades h and calls fn, reporting whether the upgrade succeeded.
func Do(h Handle, fn func(*engine.Connection)) bool {
	conn, ok := h.Acquire()
	if !ok {
		return false
	}
	fn(conn)
	return true
}
