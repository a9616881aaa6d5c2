package hw

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// ErrStaleHandle is returned for a handle which is not (or no longer)
// registered
var ErrStaleHandle = errors.Wrap(hwerr.ErrInvalidValue, "callback handle not registered")

// Handle is a stable reference to a registered callback.  The zero Handle is
// never issued.
type Handle uint64

// Registry maps handles to callbacks.  It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	next Handle
	fns  map[Handle]Callback
}

// DefaultRegistry is used by devices which are not given one
var DefaultRegistry = &Registry{}

// Register stores fn and returns its handle
func (r *Registry) Register(fn Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = make(map[Handle]Callback)
	}
	r.next++
	for r.fns[r.next] != nil || r.next == 0 {
		r.next++
	}
	r.fns[r.next] = fn
	return r.next
}

// Lookup returns the callback for h, if it is still registered
func (r *Registry) Lookup(h Handle) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[h]
	return fn, ok
}

// Unregister removes h.  Unregistering an unknown handle is an error.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fns[h]; !ok {
		return errors.Wrapf(ErrStaleHandle, "unregister %d", h)
	}
	delete(r.fns, h)
	return nil
}

// Dispatch is the trampoline devices call from their delivery goroutine.  It
// resolves h and invokes the callback outside of the registry lock.  A
// panicking callback is converted to an error, so the delivery goroutine
// survives it.
func (r *Registry) Dispatch(h Handle, raw RawFrame) (err error) {
	fn, ok := r.Lookup(h)
	if !ok {
		return errors.Wrapf(ErrStaleHandle, "dispatch %d", h)
	}
	defer func() {
		if p := recover(); p != nil {
			err = hwerr.Error("frame callback panicked: %v", p)
		}
	}()
	return fn(raw)
}

// Len returns the number of registered callbacks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fns)
}

func (h Handle) String() string {
	return fmt.Sprintf("hw.Handle(%d)", uint64(h))
}
