package imgrec

import (
	"sync"
	"sync/atomic"

	"github.com/astrogo/fitsio"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Spooler is a frame-ready subscriber which writes frames through a Recorder
// on its own goroutine, so a slow disk does not hold up delivery.  Each frame
// is queued as a Shared copy and released once written.  A full queue stops
// delivery for the rest of the run.
type Spooler struct {
	rec   *Recorder
	cards []fitsio.Card
	q     chan frame.Info
	done  chan struct{}

	queued, released int64

	mu     sync.Mutex
	closed bool
	err    error
}

// NewSpooler returns a spooler queueing up to depth frames for rec.  cards
// are added to the header of every file.
func NewSpooler(rec *Recorder, depth int, cards ...fitsio.Card) *Spooler {
	if depth < 1 {
		depth = 1
	}
	s := &Spooler{
		rec:   rec,
		cards: cards,
		q:     make(chan frame.Info, depth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// FrameReady satisfies acq.Subscriber
func (s *Spooler) FrameReady(info frame.Info) (bool, error) {
	shared := info.Share(s.release)
	atomic.AddInt64(&s.queued, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		shared.Release()
		return false, hwerr.Error("spooler closed")
	}
	select {
	case s.q <- shared:
		return true, nil
	default:
		shared.Release()
		return false, hwerr.Error("recording queue full at frame %v", info.AcqFrameNb)
	}
}

func (s *Spooler) release(frame.Info) {
	atomic.AddInt64(&s.released, 1)
}

func (s *Spooler) run() {
	defer close(s.done)
	for info := range s.q {
		fn, err := s.rec.WriteFrame(info, s.cards...)
		info.Release()
		if err != nil {
			s.mu.Lock()
			s.err = multierr.Append(s.err, err)
			s.mu.Unlock()
			continue
		}
		if s.rec.Log != nil {
			s.rec.Log.Debug("frame recorded", zap.Stringer("frame", info.AcqFrameNb), zap.String("file", fn))
		}
	}
}

// Pending returns the number of frames queued and not yet written
func (s *Spooler) Pending() int {
	return int(atomic.LoadInt64(&s.queued) - atomic.LoadInt64(&s.released))
}

// Close writes out the queued frames and returns the write errors
func (s *Spooler) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.q)
	}
	s.mu.Unlock()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
