package buffer

import (
	"testing"
	"unsafe"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

var small = frame.Descriptor{Width: 25, Height: 20, Depth: 2} // 1000 bytes

type countingMemory struct {
	HeapMemory
	allocs, frees int
}

func (c *countingMemory) Alloc(size int) ([]byte, error) {
	c.allocs++
	return c.HeapMemory.Alloc(size)
}

func (c *countingMemory) Free(b []byte) error {
	c.frees++
	return nil
}

func TestAllocReturnsAdjustedCounts(t *testing.T) {
	a := NewAllocator(Translator{MinTransfer: 131072, PageSize: 4096}, nil, nil)
	nb, nf, err := a.Alloc(10, 1, small)
	if err != nil {
		t.Fatal(err)
	}
	if nb != 32 || nf != 1 {
		t.Errorf("expected 32 buffers of 1 frame, got %d of %d", nb, nf)
	}
	if g := a.Geometry(); g.RealBuffers != 1 {
		t.Errorf("expected a single real buffer, got %d", g.RealBuffers)
	}
}

func TestAllocIsIdempotent(t *testing.T) {
	mem := &countingMemory{}
	a := NewAllocator(Translator{PageSize: 4096}, mem, nil)
	if _, _, err := a.Alloc(4, 2, small); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Alloc(4, 2, small); err != nil {
		t.Fatal(err)
	}
	if mem.allocs != 4 || mem.frees != 0 {
		t.Errorf("expected second identical alloc to be a no-op, got %d allocs %d frees", mem.allocs, mem.frees)
	}
	if _, _, err := a.Alloc(2, 2, small); err != nil {
		t.Fatal(err)
	}
	if mem.frees != 4 || mem.allocs != 6 {
		t.Errorf("expected reconfiguration to free 4 then alloc 2, got %d allocs %d frees", mem.allocs, mem.frees)
	}
}

func TestAllocRejectsWithoutSideEffects(t *testing.T) {
	mem := &countingMemory{}
	a := NewAllocator(Translator{PageSize: 4096}, mem, nil)
	if _, _, err := a.Alloc(4, 1, small); err != nil {
		t.Fatal(err)
	}
	_, _, err := a.Alloc(0, 1, small)
	if !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	_, _, err = a.Alloc(4, 1, frame.Descriptor{Width: 10})
	if !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if !a.Allocated() || mem.frees != 0 {
		t.Errorf("expected rejected allocs to leave the previous buffers in place")
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	a := NewAllocator(Translator{}, nil, nil)
	if err := a.Free(); err != nil {
		t.Errorf("expected free with nothing allocated to be a no-op, got %v", err)
	}
	a.Alloc(1, 1, small)
	a.Free()
	if err := a.Free(); err != nil {
		t.Errorf("expected second free to be a no-op, got %v", err)
	}
	if _, err := a.BufferPtr(0, 0); !errors.Is(err, hwerr.ErrError) {
		t.Errorf("expected BufferPtr after Free to fail, got %v", err)
	}
}

func TestBufferPtrBounds(t *testing.T) {
	a := NewAllocator(Translator{PageSize: 4096}, nil, nil)
	a.Alloc(3, 2, small)
	for _, c := range [][2]int{{-1, 0}, {3, 0}, {0, 2}, {0, -1}} {
		if _, err := a.BufferPtr(c[0], c[1]); !errors.Is(err, hwerr.ErrInvalidValue) {
			t.Errorf("expected ErrInvalidValue for %v, got %v", c, err)
		}
	}
	b, err := a.BufferPtr(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != small.MemSize() || cap(b) != small.MemSize() {
		t.Errorf("expected a view of exactly one frame, got len %d cap %d", len(b), cap(b))
	}
}

func TestRealWritesVisibleThroughVirtualViews(t *testing.T) {
	a := NewAllocator(Translator{MinTransfer: 131072, PageSize: 4096}, nil, nil)
	nb, nf, err := a.Alloc(10, 1, small)
	if err != nil {
		t.Fatal(err)
	}
	g := a.Geometry()
	for rb := 0; rb < g.RealBuffers; rb++ {
		for rf := 0; rf < g.RealFrames; rf++ {
			v, _ := a.RealFrame(rb, rf)
			v[0] = byte(rb*g.RealFrames + rf)
		}
	}
	for vb := 0; vb < nb; vb++ {
		for vf := 0; vf < nf; vf++ {
			v, err := a.BufferPtr(vb, vf)
			if err != nil {
				t.Fatal(err)
			}
			if int(v[0]) != vb*nf+vf {
				t.Errorf("expected virtual frame (%d,%d) to hold %d, got %d", vb, vf, vb*nf+vf, v[0])
			}
		}
	}
	p, _ := a.FramePtr(nb*nf + 3)
	if p[0] != 3 {
		t.Errorf("expected frame pointer to wrap to slot 3, got %d", p[0])
	}
}

func TestHeapMemoryIsPageAligned(t *testing.T) {
	b, err := HeapMemory{}.Alloc(12345)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 12345 {
		t.Errorf("expected 12345 bytes, got %d", len(b))
	}
	if uintptr(unsafe.Pointer(&b[0]))%uintptr(pageSize()) != 0 {
		t.Errorf("expected page aligned block")
	}
}

func TestPinnedBuffersFreedOnLastUnpin(t *testing.T) {
	mem := &countingMemory{}
	a := NewAllocator(Translator{PageSize: 4096}, mem, nil)
	if _, _, err := a.Alloc(2, 1, small); err != nil {
		t.Fatal(err)
	}
	a.Pin()
	a.Pin()
	if err := a.Free(); err != nil {
		t.Fatal(err)
	}
	if a.Allocated() {
		t.Errorf("expected free to detach the buffers while pinned")
	}
	if _, _, err := a.Alloc(3, 1, small); err != nil {
		t.Fatal(err)
	}
	if mem.frees != 0 {
		t.Errorf("expected no block freed while pinned, got %d", mem.frees)
	}
	if err := a.Unpin(); err != nil || mem.frees != 0 {
		t.Errorf("expected the first unpin to keep the blocks, got %d frees err %v", mem.frees, err)
	}
	if err := a.Unpin(); err != nil || mem.frees != 2 {
		t.Errorf("expected the last unpin to free the 2 retired blocks, got %d frees err %v", mem.frees, err)
	}
	if err := a.Unpin(); err != nil {
		t.Errorf("expected an unbalanced unpin to be a no-op, got %v", err)
	}
	if err := a.Free(); err != nil || mem.frees != 5 {
		t.Errorf("expected an unpinned free to release at once, got %d frees err %v", mem.frees, err)
	}
}
