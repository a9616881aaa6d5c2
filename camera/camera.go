/*Package camera describes the capabilities an area detector exposes to the
control layer.

Detectors differ wildly in what they can do.  Rather than one interface with
every feature, each capability is its own interface and a detector implements
the ones it supports; the control layer discovers them with type assertions.
BufferCtrl and AcqCtrl are the minimum for a detector which acquires frames.

*/
package camera

import (
	"time"

	"github.jpl.nasa.gov/bdube/areadet/acq"
	"github.jpl.nasa.gov/bdube/areadet/buffer"
	"github.jpl.nasa.gov/bdube/areadet/frame"
)

// AOI describes an area of interest on the detector
type AOI struct {
	// Left is the left pixel index.  1-based
	Left int `json:"left" yaml:"Left" koanf:"Left"`

	// Top is the top pixel index.  1-based
	Top int `json:"top" yaml:"Top" koanf:"Top"`

	// Width is the width in pixels
	Width int `json:"width" yaml:"Width" koanf:"Width"`

	// Height is the height in pixels
	Height int `json:"height" yaml:"Height" koanf:"Height"`
}

// Binning encapsulates information about pixel addition on the detector
type Binning struct {
	// H is the horizontal binning factor
	H int `json:"h" yaml:"H" koanf:"H"`

	// V is the vertical binning factor
	V int `json:"v" yaml:"V" koanf:"V"`
}

// Descriptor returns the frame geometry an AOI produces after binning, for
// pixels of depth bytes
func (a AOI) Descriptor(b Binning, depth int) frame.Descriptor {
	h, v := b.H, b.V
	if h < 1 {
		h = 1
	}
	if v < 1 {
		v = 1
	}
	return frame.Descriptor{Width: a.Width / h, Height: a.Height / v, Depth: depth}
}

// BufferCtrl gives access to the frame buffers
type BufferCtrl interface {
	// Configure allocates the buffers and returns the buffer and frame counts
	// actually provided
	Configure(desc frame.Descriptor, nbBuffers, nbFrames int) (int, int, error)

	// ReleaseBuffers frees the buffers
	ReleaseBuffers() error

	// Descriptor returns the configured frame geometry
	Descriptor() frame.Descriptor

	// Geometry returns the real and virtual buffer layout
	Geometry() buffer.Geometry

	// BufferPointer returns a frame by virtual buffer and frame index
	BufferPointer(bufferNb, frameNb int) ([]byte, error)

	// FramePointer returns a frame by acquisition frame number
	FramePointer(acqFrameNb int) ([]byte, error)

	// FrameInfo returns the metadata of a frame
	FrameInfo(acqFrameNb int) (frame.Info, error)

	// RegisterFrameReady installs the frame-ready subscriber
	RegisterFrameReady(acq.Subscriber) error

	// UnregisterFrameReady removes the frame-ready subscriber
	UnregisterFrameReady(acq.Subscriber) error
}

// AcqCtrl starts and stops acquisitions
type AcqCtrl interface {
	// Start starts a run
	Start() error

	// Stop stops the run, it is a no-op when idle
	Stop() error

	// Status reports the acquisition state
	Status() acq.Status

	// SetNbFrames sets the frames per run, 0 for endless
	SetNbFrames(int) error

	// NbFrames returns the frames per run
	NbFrames() int

	// RegisterFinished installs the acquisition-finished callback
	RegisterFinished(*acq.FinishedCallback) error

	// UnregisterFinished removes the acquisition-finished callback
	UnregisterFinished(*acq.FinishedCallback) error
}

// SyncCtrl controls frame timing
type SyncCtrl interface {
	// SetExposureTime sets the exposure time
	SetExposureTime(time.Duration) error

	// GetExposureTime gets the exposure time
	GetExposureTime() (time.Duration, error)

	// SetLatencyTime sets the dead time between frames
	SetLatencyTime(time.Duration) error

	// GetLatencyTime gets the dead time between frames
	GetLatencyTime() (time.Duration, error)
}

// AOIManipulator is a detector with a configurable area of interest
type AOIManipulator interface {
	// SetAOI allows the AOI to be set
	SetAOI(AOI) error

	// GetAOI retrieves the current AOI
	GetAOI() (AOI, error)

	// SetBinning sets the binning option of the detector
	SetBinning(Binning) error

	// GetBinning returns the binning option of the detector
	GetBinning() (Binning, error)
}

// Detector is a detector which can acquire frames
type Detector interface {
	BufferCtrl
	AcqCtrl
}

var _ Detector = (*acq.Controller)(nil)
