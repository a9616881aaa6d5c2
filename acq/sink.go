package acq

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrorSink receives errors raised on the hardware delivery goroutine, where
// there is no caller to return them to.  Report must not block.
type ErrorSink interface {
	Report(error)
}

// SinkFunc adapts a function to an ErrorSink
type SinkFunc func(error)

// Report satisfies ErrorSink
func (f SinkFunc) Report(err error) {
	f(err)
}

// ChanSink buffers errors in a channel for a consumer to drain.  Errors
// reported while the buffer is full are counted and dropped.
type ChanSink struct {
	ch      chan error
	dropped int64
}

// NewChanSink returns a sink buffering up to size errors
func NewChanSink(size int) *ChanSink {
	return &ChanSink{ch: make(chan error, size)}
}

// Report satisfies ErrorSink
func (s *ChanSink) Report(err error) {
	select {
	case s.ch <- err:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Errors is the channel errors are delivered on
func (s *ChanSink) Errors() <-chan error {
	return s.ch
}

// Dropped is the number of errors discarded because the buffer was full
func (s *ChanSink) Dropped() int {
	return int(atomic.LoadInt64(&s.dropped))
}

// Drain empties the buffer without blocking and returns what it held
func (s *ChanSink) Drain() []error {
	var out []error
	for {
		select {
		case err := <-s.ch:
			out = append(out, err)
		default:
			return out
		}
	}
}

// LogSink logs every error and passes it on to Next, if set
type LogSink struct {
	Log  *zap.Logger
	Next ErrorSink
}

// Report satisfies ErrorSink
func (s LogSink) Report(err error) {
	if s.Log != nil {
		s.Log.Error("acquisition callback error", zap.Error(err))
	}
	if s.Next != nil {
		s.Next.Report(err)
	}
}
