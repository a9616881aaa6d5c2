package acq

import (
	"sync"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// FinishedCallback is the acquisition-finished subscriber.  It keeps a
// reference to the controller it is registered with, which both sides clear
// on unregistration; Close unregisters it if it is still attached.
type FinishedCallback struct {
	fn func(Session) error

	mu    sync.Mutex
	owner *Controller
}

// NewFinishedCallback returns a callback calling fn at the end of each run
func NewFinishedCallback(fn func(Session) error) *FinishedCallback {
	return &FinishedCallback{fn: fn}
}

// Attached reports whether the callback is registered with a live controller
func (f *FinishedCallback) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner != nil
}

// Close unregisters the callback from its controller.  It is a no-op when the
// callback is not attached.
func (f *FinishedCallback) Close() error {
	f.mu.Lock()
	owner := f.owner
	f.mu.Unlock()
	if owner == nil {
		return nil
	}
	return owner.UnregisterFinished(f)
}

func (f *FinishedCallback) attach(c *Controller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner != nil {
		return hwerr.InvalidValue("finished callback already attached to a controller")
	}
	f.owner = c
	return nil
}

func (f *FinishedCallback) detach(c *Controller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == c {
		f.owner = nil
	}
}

func (f *FinishedCallback) call(s Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = hwerr.Error("finished callback panicked after run %d: %v", s.RunNumber, p)
		}
	}()
	if f.fn == nil {
		return nil
	}
	return f.fn(s)
}
