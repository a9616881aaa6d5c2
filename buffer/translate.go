package buffer

import (
	"math"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Geometry is the result of translating a requested (virtual) buffer layout
// into the layout the hardware actually transfers into (real)
type Geometry struct {
	// FrameSize is the unpadded size of one frame in bytes
	FrameSize int

	// RealFrameSize is the stride between frames in a real buffer, FrameSize
	// rounded up to the page size when there is one frame per virtual buffer
	RealFrameSize int

	// VirtBuffers is the number of virtual buffers.  It may be larger than
	// what was requested, and callers must use this value.
	VirtBuffers int

	// VirtFrames is the number of frames per virtual buffer
	VirtFrames int

	// RealBuffers is the number of buffers the hardware transfers into
	RealBuffers int

	// RealFrames is the number of frames per real buffer
	RealFrames int

	// FrameFactor is the number of virtual buffers packed into a real one
	FrameFactor int
}

// RealBufferSize is the size in bytes of one real buffer
func (g Geometry) RealBufferSize() int {
	return g.RealFrameSize * g.RealFrames
}

// TotalFrames is the number of frame slots in the whole layout
func (g Geometry) TotalFrames() int {
	return g.VirtBuffers * g.VirtFrames
}

// Translator computes the real layout for a virtual one given the hardware's
// minimum transfer size
type Translator struct {
	// MinTransfer is the smallest real buffer the hardware can DMA into, in
	// bytes.  0 disables grouping.
	MinTransfer int

	// MaxRealFrames caps the frames per real buffer, 0 means no limit
	MaxRealFrames int

	// PageSize is the alignment for single-frame buffers, 0 uses the
	// platform page size
	PageSize int
}

// Translate computes the Geometry for nbBuffers virtual buffers of
// nbFrames frames of frameSize bytes
func (t Translator) Translate(frameSize, nbBuffers, nbFrames int) (Geometry, error) {
	var g Geometry
	if frameSize <= 0 {
		return g, hwerr.InvalidValue("frame size %d must be > 0", frameSize)
	}
	if nbBuffers <= 0 || nbFrames <= 0 {
		return g, hwerr.InvalidValue("buffer count %d and frames per buffer %d must be > 0", nbBuffers, nbFrames)
	}

	g.FrameSize = frameSize
	g.RealFrameSize = frameSize
	if nbFrames == 1 {
		ps := t.PageSize
		if ps <= 0 {
			ps = pageSize()
		}
		g.RealFrameSize = roundUp(frameSize, ps)
	}
	if g.RealFrameSize > math.MaxInt/nbFrames {
		return g, hwerr.NotSupported("buffer of %d frames of %d bytes overflows", nbFrames, g.RealFrameSize)
	}
	realBufferSize := g.RealFrameSize * nbFrames

	g.VirtFrames = nbFrames
	if realBufferSize >= t.MinTransfer {
		g.FrameFactor = 1
		g.VirtBuffers = nbBuffers
		g.RealBuffers = nbBuffers
		g.RealFrames = nbFrames
	} else {
		g.FrameFactor = t.MinTransfer / realBufferSize
		g.RealFrames = nbFrames * g.FrameFactor
		g.RealBuffers = (nbBuffers + g.FrameFactor - 1) / g.FrameFactor
		g.VirtBuffers = g.RealBuffers * g.FrameFactor
	}
	if t.MaxRealFrames > 0 && g.RealFrames > t.MaxRealFrames {
		return g, hwerr.NotSupported("%d frames per real buffer exceeds hardware limit of %d", g.RealFrames, t.MaxRealFrames)
	}
	if g.RealBuffers > math.MaxInt/g.RealBufferSize() {
		return g, hwerr.NotSupported("%d real buffers of %d bytes overflows", g.RealBuffers, g.RealBufferSize())
	}
	return g, nil
}

// RealBufferNb is the real buffer holding virtual frame (vb, vf)
func (g Geometry) RealBufferNb(vb, vf int) int {
	if g.FrameFactor <= 1 {
		return vb
	}
	return vb / g.FrameFactor
}

// RealFrameNb is the frame index within the real buffer of virtual frame
// (vb, vf)
func (g Geometry) RealFrameNb(vb, vf int) int {
	if g.FrameFactor <= 1 {
		return vf
	}
	return (vb%g.FrameFactor)*g.VirtFrames + vf
}

// VirtBufferNb is the virtual buffer holding real frame (rb, rf)
func (g Geometry) VirtBufferNb(rb, rf int) int {
	if g.FrameFactor <= 1 {
		return rb
	}
	return rb*g.FrameFactor + rf/g.VirtFrames
}

// VirtFrameNb is the frame index within the virtual buffer of real frame
// (rb, rf)
func (g Geometry) VirtFrameNb(rb, rf int) int {
	if g.FrameFactor <= 1 {
		return rf
	}
	return rf % g.VirtFrames
}

// RealToVirt maps real coordinates to virtual ones
func (g Geometry) RealToVirt(rb, rf int) (int, int) {
	return g.VirtBufferNb(rb, rf), g.VirtFrameNb(rb, rf)
}

// VirtToReal maps virtual coordinates to real ones
func (g Geometry) VirtToReal(vb, vf int) (int, int) {
	return g.RealBufferNb(vb, vf), g.RealFrameNb(vb, vf)
}

// CheckVirt returns an ErrInvalidValue if (vb, vf) is outside the layout
func (g Geometry) CheckVirt(vb, vf int) error {
	if vb < 0 || vb >= g.VirtBuffers || vf < 0 || vf >= g.VirtFrames {
		return hwerr.InvalidValue("virtual frame (%d, %d) outside %d buffers of %d frames", vb, vf, g.VirtBuffers, g.VirtFrames)
	}
	return nil
}

// CheckReal returns an ErrInvalidValue if (rb, rf) is outside the layout
func (g Geometry) CheckReal(rb, rf int) error {
	if rb < 0 || rb >= g.RealBuffers || rf < 0 || rf >= g.RealFrames {
		return hwerr.InvalidValue("real frame (%d, %d) outside %d buffers of %d frames", rb, rf, g.RealBuffers, g.RealFrames)
	}
	return nil
}

// Slot maps an acquisition frame number to virtual coordinates.  Frames fill
// the virtual buffers in order and wrap around.
func (g Geometry) Slot(acqFrameNb int) (int, int) {
	s := acqFrameNb % g.TotalFrames()
	return s / g.VirtFrames, s % g.VirtFrames
}

func roundUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}
