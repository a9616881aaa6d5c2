/*Package buffer owns the memory acquired frames are written into.

An Allocator holds one block per real buffer.  Callers address frames in the
virtual layout they asked for; the hardware addresses them in the real layout
produced by a Translator, which may pack several virtual buffers into one real
buffer when the hardware can not transfer into buffers as small as requested.

Only bounds-checked views of the blocks are handed out.

*/
package buffer

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Allocator allocates and owns the real buffers.  It is safe for concurrent
// use, but reallocating while the hardware is writing is the caller's bug.
type Allocator struct {
	mu sync.RWMutex

	tr  Translator
	mem Memory
	log *zap.Logger

	desc   frame.Descriptor
	geom   Geometry
	blocks [][]byte

	pins    int
	retired [][]byte
}

// NewAllocator returns an allocator which lays buffers out with tr and takes
// memory from mem.  A nil mem uses HeapMemory, a nil log discards.
func NewAllocator(tr Translator, mem Memory, log *zap.Logger) *Allocator {
	if mem == nil {
		mem = HeapMemory{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{tr: tr, mem: mem, log: log}
}

// SetTranslator replaces the layout rules used by the next Alloc
func (a *Allocator) SetTranslator(tr Translator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tr = tr
}

// Alloc allocates nbBuffers buffers of nbFrames frames of desc and returns the
// number of buffers and frames per buffer actually provided.  The buffer
// count may be larger than requested.
//
// Invalid arguments are rejected before anything is released.  Calling Alloc
// again with the same effective layout is a no-op.
func (a *Allocator) Alloc(nbBuffers, nbFrames int, desc frame.Descriptor) (int, int, error) {
	if err := desc.Valid(); err != nil {
		return 0, 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	geom, err := a.tr.Translate(desc.MemSize(), nbBuffers, nbFrames)
	if err != nil {
		return 0, 0, err
	}
	if a.blocks != nil && geom == a.geom && desc == a.desc {
		return geom.VirtBuffers, geom.VirtFrames, nil
	}

	if err := a.free(); err != nil {
		return 0, 0, err
	}

	blocks := make([][]byte, geom.RealBuffers)
	for i := range blocks {
		b, err := a.mem.Alloc(geom.RealBufferSize())
		if err != nil {
			for _, prev := range blocks[:i] {
				err = multierr.Append(err, a.mem.Free(prev))
			}
			return 0, 0, err
		}
		blocks[i] = b
	}
	a.blocks = blocks
	a.geom = geom
	a.desc = desc
	a.log.Debug("allocated frame buffers",
		zap.Stringer("frame", desc),
		zap.Int("requestedBuffers", nbBuffers),
		zap.Int("virtBuffers", geom.VirtBuffers),
		zap.Int("virtFrames", geom.VirtFrames),
		zap.Int("realBuffers", geom.RealBuffers),
		zap.Int("realFrames", geom.RealFrames),
		zap.Int("frameFactor", geom.FrameFactor))
	return geom.VirtBuffers, geom.VirtFrames, nil
}

// Free releases all buffers.  It is a no-op when nothing is allocated.
func (a *Allocator) Free() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free()
}

func (a *Allocator) free() error {
	if a.blocks == nil {
		return nil
	}
	var err error
	if a.pins > 0 {
		a.retired = append(a.retired, a.blocks...)
		a.log.Debug("frame buffers retired while pinned", zap.Int("pins", a.pins), zap.Int("blocks", len(a.blocks)))
	} else {
		for _, b := range a.blocks {
			err = multierr.Append(err, a.mem.Free(b))
		}
	}
	a.blocks = nil
	a.geom = Geometry{}
	a.desc = frame.Descriptor{}
	return err
}

// Pin keeps every view handed out so far valid until the matching Unpin.
// Buffers freed or reallocated in between are detached at once and given
// back to the Memory by the last Unpin.
func (a *Allocator) Pin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pins++
}

// Unpin releases a Pin, returning the error of freeing any retired buffers
func (a *Allocator) Unpin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pins == 0 {
		return nil
	}
	a.pins--
	if a.pins > 0 || a.retired == nil {
		return nil
	}
	var err error
	for _, b := range a.retired {
		err = multierr.Append(err, a.mem.Free(b))
	}
	a.retired = nil
	return err
}

// Allocated reports whether buffers are currently allocated
func (a *Allocator) Allocated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.blocks != nil
}

// Geometry returns the current layout, the zero value when nothing is allocated
func (a *Allocator) Geometry() Geometry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.geom
}

// Descriptor returns the frame geometry of the current allocation
func (a *Allocator) Descriptor() frame.Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.desc
}

// BufferPtr returns a view of virtual frame vf of virtual buffer vb
func (a *Allocator) BufferPtr(vb, vf int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.blocks == nil {
		return nil, hwerr.Error("no buffers allocated")
	}
	if err := a.geom.CheckVirt(vb, vf); err != nil {
		return nil, err
	}
	rb, rf := a.geom.VirtToReal(vb, vf)
	return a.view(rb, rf), nil
}

// RealFrame returns a view of real frame rf of real buffer rb, which is what
// the hardware writes into
func (a *Allocator) RealFrame(rb, rf int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.blocks == nil {
		return nil, hwerr.Error("no buffers allocated")
	}
	if err := a.geom.CheckReal(rb, rf); err != nil {
		return nil, err
	}
	return a.view(rb, rf), nil
}

// FramePtr returns a view of the slot acquisition frame acqFrameNb was (or
// will be) written to
func (a *Allocator) FramePtr(acqFrameNb int) ([]byte, error) {
	if acqFrameNb < 0 {
		return nil, hwerr.InvalidValue("frame number %d must be >= 0", acqFrameNb)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.blocks == nil {
		return nil, hwerr.Error("no buffers allocated")
	}
	rb, rf := a.geom.VirtToReal(a.geom.Slot(acqFrameNb))
	return a.view(rb, rf), nil
}

// view must be called with the lock held and coordinates checked
func (a *Allocator) view(rb, rf int) []byte {
	off := rf * a.geom.RealFrameSize
	end := off + a.geom.FrameSize
	return a.blocks[rb][off:end:end]
}
