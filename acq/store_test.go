package acq

import (
	"testing"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

func TestStoreGet(t *testing.T) {
	s := NewStore(4)
	for i := 0; i < 6; i++ {
		if err := s.Record(i, frame.Info{ValidPixels: i}); err != nil {
			t.Fatal(err)
		}
	}
	info, err := s.Get(5)
	if err != nil {
		t.Fatal(err)
	}
	if info.ValidPixels != 5 || info.AcqFrameNb.Or(-1) != 5 {
		t.Errorf("expected frame 5 got %+v", info)
	}
	if _, err := s.Get(6); !errors.Is(err, hwerr.ErrNotReady) {
		t.Errorf("expected frame 6 to be not ready, got %v", err)
	}
	if _, err := s.Get(1); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected frame 1 to be stale, got %v", err)
	}
	if _, err := s.Get(-1); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected a negative frame to be invalid, got %v", err)
	}
	if last := s.Last(); last.Or(-1) != 5 {
		t.Errorf("expected last frame 5 got %v", last)
	}
}

func TestStoreGap(t *testing.T) {
	s := NewStore(8)
	s.Record(0, frame.Info{})
	s.Record(2, frame.Info{})
	_, err := s.Get(1)
	if !errors.Is(err, hwerr.ErrInvalidValue) || errors.Is(err, hwerr.ErrNotReady) {
		t.Errorf("expected a skipped frame to be invalid, got %v", err)
	}
}

func TestStoreReset(t *testing.T) {
	s := NewStore(2)
	s.Record(0, frame.Info{})
	s.Reset()
	if _, err := s.Get(0); !errors.Is(err, hwerr.ErrNotReady) {
		t.Errorf("expected reset store to have no frames, got %v", err)
	}
	if s.Cap() != 2 {
		t.Errorf("expected capacity 2 got %d", s.Cap())
	}
}

func TestStoreEmpty(t *testing.T) {
	s := NewStore(0)
	if err := s.Record(0, frame.Info{}); !errors.Is(err, hwerr.ErrError) {
		t.Errorf("expected recording without slots to fail, got %v", err)
	}
}
