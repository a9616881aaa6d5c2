//go:build linux || darwin || freebsd || netbsd || openbsd

package buffer

import (
	"golang.org/x/sys/unix"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

func pageSize() int {
	return unix.Getpagesize()
}

// MmapMemory maps anonymous, page aligned blocks outside of the Go heap, which
// is what DMA engines want.  With Lock set the pages are also locked into RAM.
//
// Views into a freed block fault when touched.  Consumers must not keep
// Managed frames past a reconfiguration when this strategy is used.
type MmapMemory struct {
	// Lock pins the mapped pages with mlock
	Lock bool
}

// Alloc satisfies Memory
func (m MmapMemory) Alloc(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, roundUp(size, pageSize()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, hwerr.Hardware(err, "mmap")
	}
	if m.Lock {
		if err := unix.Mlock(b); err != nil {
			unix.Munmap(b)
			return nil, hwerr.Hardware(err, "mlock")
		}
	}
	return b[:size], nil
}

// Free satisfies Memory
func (m MmapMemory) Free(block []byte) error {
	if cap(block) == 0 {
		return nil
	}
	block = block[:cap(block)]
	if m.Lock {
		unix.Munlock(block)
	}
	return hwerr.Hardware(unix.Munmap(block), "munmap")
}
