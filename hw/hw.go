/*Package hw describes what the acquisition engine needs from a detector
back-end: a device which can be opened, armed and disarmed, and which
reports each frame it transfers through a callback invoked on the device's
own delivery goroutine.

Devices do not hold on to the callbacks they are given.  A callback is
registered in a Registry, which hands back a stable Handle; the device keeps
only the handle and resolves it on every delivery.  A handle whose receiver
has unregistered resolves to nothing, so a late delivery after teardown is
dropped instead of reaching a dead object.

*/
package hw

import (
	"time"

	"github.jpl.nasa.gov/bdube/areadet/frame"
)

// RawFrame is what a device reports for one transferred frame.  An aborted
// transfer leaves RealBuffer (and typically AcqFrame) unset.
type RawFrame struct {
	// Run is the run number the frame belongs to
	Run int

	// AcqFrame is the frame number within the run
	AcqFrame frame.Nb

	// RealBuffer is the real buffer the frame was written to
	RealBuffer frame.Nb

	// RealFrame is the frame index within the real buffer
	RealFrame frame.Nb

	// Timestamp is the monotonic time since the device was armed
	Timestamp time.Duration

	// Bytes is the number of bytes written, which may fall short of a
	// frame on a partial transfer
	Bytes int

	// Last is set on the final frame of a finite run
	Last bool
}

// Aborted reports whether the frame marks an aborted transfer
func (r RawFrame) Aborted() bool {
	return !r.RealBuffer.Set() || !r.RealFrame.Set() || !r.AcqFrame.Set()
}

// Callback receives frames from a device.  An error is reported back to
// the device's error channel; it does not stop delivery.
type Callback func(RawFrame) error

// FrameStore is the memory a device transfers frames into
type FrameStore interface {
	// RealFrame returns the memory for real frame rf of real buffer rb
	RealFrame(rb, rf int) ([]byte, error)
}

// Device is a detector back-end
type Device interface {
	// Open opens the device with index devID
	Open(devID int) error

	// Close closes the device, disarming it first if needed
	Close() error

	// RegisterCallback installs fn as the frame callback and returns the
	// handle the device resolves it through.  Only one callback may be
	// installed at a time.
	RegisterCallback(fn Callback) (Handle, error)

	// UnregisterCallback removes the callback installed as h
	UnregisterCallback(h Handle) error

	// Attach gives the device the memory to transfer into.  It must be called
	// again whenever the buffers are reallocated.
	Attach(store FrameStore, realBuffers, realFrames int)

	// Arm starts a run of nbFrames frames, 0 runs until disarmed.  When
	// blocking is false it returns as soon as the run is started.
	Arm(nbFrames int, blocking bool) error

	// Disarm stops the current run.  It returns once the device no longer
	// writes into the attached memory and never waits for a callback, so it
	// may be called from one.  A frame of the stopped run may still be
	// reported after it returns.
	Disarm() error

	// RunActive reports whether a run is in progress and its number
	RunActive() (bool, int, error)

	// FrameAddress returns the memory of real frame rf of real buffer rb
	FrameAddress(rb, rf int) ([]byte, error)

	// MinTransferSize is the smallest real buffer the device can transfer
	// into, in bytes
	MinTransferSize() int

	// MaxRealFrames is the most frames a real buffer may hold, 0 for no limit
	MaxRealFrames() int
}
