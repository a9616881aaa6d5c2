package acq

import (
	"sync"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Store is the per-frame metadata table.  It holds one entry per frame slot
// of the buffer arena; a frame's entry is overwritten when the slot is
// reused, after which the frame is stale and can no longer be queried.
type Store struct {
	mu    sync.RWMutex
	slots []frame.Info
	last  frame.Nb
}

// NewStore returns a store with capacity slots
func NewStore(capacity int) *Store {
	s := &Store{}
	s.Resize(capacity)
	return s
}

// Resize changes the capacity and clears all entries
func (s *Store) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = make([]frame.Info, capacity)
	s.last = frame.Nb{}
}

// Cap returns the number of slots
func (s *Store) Cap() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Last returns the highest frame number recorded since the last Reset
func (s *Store) Last() frame.Nb {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Record stores info as the metadata of frame acqFrameNb
func (s *Store) Record(acqFrameNb int, info frame.Info) error {
	if acqFrameNb < 0 {
		return hwerr.InvalidValue("frame number %d must be >= 0", acqFrameNb)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.slots) == 0 {
		return hwerr.Error("no frame slots allocated")
	}
	info.AcqFrameNb = frame.NbOf(acqFrameNb)
	s.slots[acqFrameNb%len(s.slots)] = info
	if acqFrameNb > s.last.Or(-1) {
		s.last = info.AcqFrameNb
	}
	return nil
}

// Get returns the metadata of frame acqFrameNb.  A frame which has not arrived
// yet is ErrNotReady; a negative, skipped or overwritten frame is
// ErrInvalidValue.
func (s *Store) Get(acqFrameNb int) (frame.Info, error) {
	if acqFrameNb < 0 {
		return frame.Info{}, hwerr.InvalidValue("frame number %d must be >= 0", acqFrameNb)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.slots) == 0 {
		return frame.Info{}, hwerr.NotReady("no frame slots allocated")
	}
	if acqFrameNb > s.last.Or(-1) {
		return frame.Info{}, hwerr.NotReady("frame %d has not arrived, last is %v", acqFrameNb, s.last)
	}
	info := s.slots[acqFrameNb%len(s.slots)]
	if got := info.AcqFrameNb.Or(-1); got != acqFrameNb {
		if got > acqFrameNb {
			return frame.Info{}, hwerr.InvalidValue("frame %d was overwritten by frame %d", acqFrameNb, got)
		}
		return frame.Info{}, hwerr.InvalidValue("frame %d was not recorded", acqFrameNb)
	}
	return info, nil
}

// Reset clears all entries, keeping the capacity
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		s.slots[i] = frame.Info{}
	}
	s.last = frame.Nb{}
}
