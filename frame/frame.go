/*Package frame describes the geometry of detector frames and the metadata
delivered with each acquired frame.

A Descriptor is an immutable value; an Info is what consumers receive when a
frame is ready.  The pixel data in an Info with Managed ownership is a view
into memory owned by the acquisition engine and is only valid until the
buffer slot it points to is reused.  Consumers which need the pixels for
longer either Copy the Info (taking ownership) or ask for a Shared one.

*/
package frame

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Descriptor describes the geometry of one frame
type Descriptor struct {
	// Width is the width of the frame in pixels
	Width int `json:"width" yaml:"Width" koanf:"Width"`

	// Height is the height of the frame in pixels
	Height int `json:"height" yaml:"Height" koanf:"Height"`

	// Depth is the number of bytes per pixel
	Depth int `json:"depth" yaml:"Depth" koanf:"Depth"`
}

// MemSize is the number of bytes one frame occupies, Width*Height*Depth
func (d Descriptor) MemSize() int {
	return d.Width * d.Height * d.Depth
}

// Pixels is the number of pixels in one frame
func (d Descriptor) Pixels() int {
	return d.Width * d.Height
}

// Valid returns nil if the descriptor describes a real frame, or an
// ErrInvalidValue explaining which dimension is wrong
func (d Descriptor) Valid() error {
	switch {
	case d.Width <= 0:
		return hwerr.InvalidValue("frame width %d must be > 0", d.Width)
	case d.Height <= 0:
		return hwerr.InvalidValue("frame height %d must be > 0", d.Height)
	case d.Depth <= 0:
		return hwerr.InvalidValue("frame depth %d must be > 0", d.Depth)
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%dx%dx%d", d.Width, d.Height, d.Depth)
}

// Ownership tells the receiver of an Info who owns its pixel data
type Ownership int

const (
	// Managed data belongs to the engine and is invalidated on buffer reuse
	Managed Ownership = iota

	// Transfer data belongs to the receiver
	Transfer

	// Shared data is reference counted, see Shared
	Shared
)

func (o Ownership) String() string {
	switch o {
	case Managed:
		return "Managed"
	case Transfer:
		return "Transfer"
	case Shared:
		return "Shared"
	}
	return fmt.Sprintf("Ownership(%d)", int(o))
}

// Info is the metadata delivered with a ready frame
type Info struct {
	// AcqFrameNb is the 0-based frame number within the acquisition run
	AcqFrameNb Nb

	// Data is a view of the pixel data, len(Data) == Desc.MemSize()
	Data []byte

	// Desc is the geometry of the frame
	Desc Descriptor

	// Timestamp is the monotonic time since the start of the run
	Timestamp time.Duration

	// ValidPixels is the number of pixels the hardware actually wrote
	ValidPixels int

	// Ownership tells who owns Data
	Ownership Ownership

	ref *ref
}

// Valid is true when the Info describes an arrived frame
func (i Info) Valid() bool {
	return i.AcqFrameNb.Set() && i.Data != nil
}

// Copy returns an Info whose pixel data is owned by the caller
func (i Info) Copy() Info {
	out := i
	out.ref = nil
	out.Ownership = Transfer
	if i.Data != nil {
		out.Data = make([]byte, len(i.Data))
		copy(out.Data, i.Data)
	}
	return out
}

// Share returns an Info with a private copy of the pixel data and a reference
// count of one.  release, which may be nil, is called when the count drops
// to zero.
func (i Info) Share(release func(Info)) Info {
	out := i.Copy()
	out.Ownership = Shared
	out.ref = &ref{count: 1, release: release}
	return out
}

// Retain increments the reference count of a Shared Info.  It is a no-op for
// other ownerships.
func (i Info) Retain() {
	if i.ref != nil {
		atomic.AddInt32(&i.ref.count, 1)
	}
}

// Release decrements the reference count of a Shared Info and reports whether
// it reached zero.  It is a no-op returning false for other ownerships.
func (i Info) Release() bool {
	if i.ref == nil {
		return false
	}
	if atomic.AddInt32(&i.ref.count, -1) != 0 {
		return false
	}
	if i.ref.release != nil {
		i.ref.release(i)
	}
	return true
}

// Refs returns the current reference count, 0 for non-shared frames
func (i Info) Refs() int {
	if i.ref == nil {
		return 0
	}
	return int(atomic.LoadInt32(&i.ref.count))
}

type ref struct {
	count   int32
	release func(Info)
}
