package buffer

import "unsafe"

// Memory allocates and releases the blocks backing real buffers
type Memory interface {
	// Alloc returns a zeroed block of exactly size bytes
	Alloc(size int) ([]byte, error)

	// Free releases a block returned by Alloc
	Free(block []byte) error
}

// HeapMemory allocates page aligned blocks on the Go heap.  Blocks stay
// valid for as long as a view into them is reachable, so a consumer holding a
// stale Managed frame sees old pixels instead of faulting.
type HeapMemory struct{}

// Alloc satisfies Memory
func (HeapMemory) Alloc(size int) ([]byte, error) {
	align := pageSize()
	// uint64 forces 8 byte alignment of the backing array, the slack lets us
	// move the head up to the next page boundary
	raw := make([]uint64, (size+align)/8+1)
	base := unsafe.Slice((*byte)(unsafe.Pointer(&raw[0])), len(raw)*8)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&base[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	return base[off : off+size : off+size], nil
}

// Free satisfies Memory.  Heap blocks are reclaimed by the garbage collector.
func (HeapMemory) Free(block []byte) error {
	return nil
}
