//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package buffer

import (
	"os"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

func pageSize() int {
	return os.Getpagesize()
}

// MmapMemory is only available on unix platforms
type MmapMemory struct {
	Lock bool
}

// Alloc satisfies Memory
func (MmapMemory) Alloc(size int) ([]byte, error) {
	return nil, hwerr.NotSupported("mmap memory is not available on this platform")
}

// Free satisfies Memory
func (MmapMemory) Free(block []byte) error {
	return nil
}
