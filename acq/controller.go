/*Package acq runs acquisitions: it owns the frame buffers of one device, the
start/stop state machine, the per-frame metadata and the frame-ready and
acquisition-finished notifications.

Frames are reported by the device on its own delivery goroutine.  The
controller records them under its mutex and then, with the mutex released,
hands them to the frame-ready subscriber and, at the end of a run, to the
acquisition-finished subscriber.  Subscribers may therefore call back into
the controller, including Stop, from inside a notification.  Notifications
are never made concurrently, and a frame the device reports after the run it
belongs to was stopped is dropped.

Buffers released or reallocated while a notification is in progress stay
mapped until it returns, so the Data of the Info being handled remains
readable for the whole call.

Errors raised on the delivery goroutine have no caller to return to; they
are sent to the controller's ErrorSink and show up as a Fault in Status.

*/
package acq

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/areadet/buffer"
	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hw"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Config holds the optional collaborators of a Controller
type Config struct {
	// Memory provides the buffer memory, nil uses buffer.HeapMemory
	Memory buffer.Memory

	// PageSize overrides the platform page size used to pad single-frame
	// buffers, 0 uses the platform's
	PageSize int

	// Sink receives errors from the delivery goroutine, nil logs them
	Sink ErrorSink

	// Log receives controller messages, nil discards
	Log *zap.Logger
}

// Controller drives acquisitions on one device
type Controller struct {
	dev   hw.Device
	alloc *buffer.Allocator
	store *Store
	link  *hwLink
	ready *Notifier
	sink  ErrorSink
	log   *zap.Logger
	page  int
	now   func() time.Time

	// deliverMu serializes notifications; no controller call waits on it
	deliverMu sync.Mutex

	mu         sync.Mutex
	sess       Session
	devRun     int
	nbFrames   int
	timing     Timing
	finished   *FinishedCallback
	holding    bool
	delivering bool
	fault      error
	dropped    int
	closed     bool
}

// New returns a controller for dev.  The device must already be open.
func New(dev hw.Device, cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		dev:   dev,
		store: NewStore(0),
		log:   log,
		page:  cfg.PageSize,
		now:   time.Now,
		sink:  cfg.Sink,
	}
	if c.sink == nil {
		c.sink = LogSink{Log: log}
	}
	c.alloc = buffer.NewAllocator(c.translator(), cfg.Memory, log)
	c.link = &hwLink{dev: dev, fn: c.onFrameArrived}
	c.ready = NewNotifier(c.link)
	return c
}

func (c *Controller) translator() buffer.Translator {
	return buffer.Translator{
		MinTransfer:   c.dev.MinTransferSize(),
		MaxRealFrames: c.dev.MaxRealFrames(),
		PageSize:      c.page,
	}
}

// Configure allocates nbBuffers buffers of nbFrames frames of desc and
// returns the buffer and frame counts actually provided, which callers must
// use from then on.  A running acquisition is stopped first.  Invalid
// requests are rejected before anything is stopped or released.
func (c *Controller) Configure(desc frame.Descriptor, nbBuffers, nbFrames int) (int, int, error) {
	if err := desc.Valid(); err != nil {
		return 0, 0, err
	}
	tr := c.translator()
	if _, err := tr.Translate(desc.MemSize(), nbBuffers, nbFrames); err != nil {
		return 0, 0, err
	}
	if err := c.Stop(); err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, 0, hwerr.Error("controller closed")
	}
	c.alloc.SetTranslator(tr)
	vb, vf, err := c.alloc.Alloc(nbBuffers, nbFrames, desc)
	if err != nil {
		c.dev.Attach(nil, 0, 0)
		c.store.Resize(0)
		return 0, 0, err
	}
	g := c.alloc.Geometry()
	c.dev.Attach(c.alloc, g.RealBuffers, g.RealFrames)
	c.store.Resize(g.TotalFrames())
	c.sess.LastFrame = frame.Info{}
	c.log.Info("buffers configured",
		zap.Stringer("frame", desc),
		zap.Int("buffers", vb),
		zap.Int("frames", vf),
		zap.Int("frameFactor", g.FrameFactor))
	return vb, vf, nil
}

// ReleaseBuffers stops any acquisition and frees the buffers
func (c *Controller) ReleaseBuffers() error {
	if err := c.Stop(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.release()
}

func (c *Controller) release() error {
	c.dev.Attach(nil, 0, 0)
	c.store.Resize(0)
	c.sess.LastFrame = frame.Info{}
	return c.alloc.Free()
}

// Geometry returns the current buffer layout
func (c *Controller) Geometry() buffer.Geometry {
	return c.alloc.Geometry()
}

// Descriptor returns the configured frame geometry
func (c *Controller) Descriptor() frame.Descriptor {
	return c.alloc.Descriptor()
}

// BufferPointer returns the memory of frame frameNb of virtual buffer bufferNb
func (c *Controller) BufferPointer(bufferNb, frameNb int) ([]byte, error) {
	return c.alloc.BufferPtr(bufferNb, frameNb)
}

// FramePointer returns the memory acquisition frame acqFrameNb is written to
func (c *Controller) FramePointer(acqFrameNb int) ([]byte, error) {
	return c.alloc.FramePtr(acqFrameNb)
}

// FrameInfo returns the metadata of acquisition frame acqFrameNb
func (c *Controller) FrameInfo(acqFrameNb int) (frame.Info, error) {
	return c.store.Get(acqFrameNb)
}

// SetNbFrames sets the number of frames per run, 0 runs until stopped
func (c *Controller) SetNbFrames(n int) error {
	if n < 0 {
		return hwerr.InvalidValue("frame count %d must be >= 0", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Started {
		return hwerr.Error("can not change the frame count while running")
	}
	c.nbFrames = n
	return nil
}

// NbFrames returns the number of frames per run
func (c *Controller) NbFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nbFrames
}

// SetTiming sets the frame timing Status uses to report sub-states
func (c *Controller) SetTiming(t Timing) error {
	if t.Exposure < 0 || t.Readout < 0 || t.Latency < 0 {
		return hwerr.InvalidValue("negative timing %+v", t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timing = t
	return nil
}

// Timing returns the frame timing
func (c *Controller) Timing() Timing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timing
}

// Start arms the device for a new run
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hwerr.Error("controller closed")
	}
	if c.sess.Started {
		return hwerr.Error("already running")
	}
	if !c.alloc.Allocated() {
		return hwerr.Error("no buffers configured")
	}
	if !c.holding {
		if err := c.link.acquire(); err != nil {
			return err
		}
		c.holding = true
	}

	// frames of the new run wait on the mutex, so the previous session is
	// only replaced once the device accepted the run
	if err := c.dev.Arm(c.nbFrames, false); err != nil {
		c.holding = false
		return multierr.Append(hwerr.Hardware(err, "Arm"), c.link.release())
	}
	_, devRun, err := c.dev.RunActive()
	if err != nil {
		c.holding = false
		return multierr.Combine(hwerr.Hardware(err, "RunActive"), hwerr.Hardware(c.dev.Disarm(), "Disarm"), c.link.release())
	}
	c.devRun = devRun
	c.store.Reset()
	c.sess = Session{
		ID:        uuid.New(),
		RunNumber: c.sess.RunNumber + 1,
		StartTime: c.now(),
		Started:   true,
	}
	c.fault = nil
	c.dropped = 0
	c.delivering = true
	c.log.Info("acquisition started",
		zap.Int("run", c.sess.RunNumber),
		zap.Stringer("session", c.sess.ID),
		zap.Int("frames", c.nbFrames))
	return nil
}

// Stop ends the current run.  It is a no-op when idle.  The mutex is released
// while the device is disarmed, so Stop may be called from a subscriber.
// Once Stop returns no further frame of the run is recorded; a notification
// already in progress on the delivery goroutine may still complete.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.sess.Started {
		c.mu.Unlock()
		return nil
	}
	run := c.sess.RunNumber
	c.mu.Unlock()

	err := hwerr.Hardware(c.dev.Disarm(), "Disarm")

	c.mu.Lock()
	release := false
	if c.sess.RunNumber == run {
		c.sess.Started = false
		release = c.holding
		c.holding = false
	}
	frames := c.sess.Frames
	c.mu.Unlock()

	if release {
		err = multierr.Append(err, c.link.release())
	}
	c.log.Info("acquisition stopped", zap.Int("run", run), zap.Int("frames", frames))
	return err
}

// Status reports the state of the controller and device
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	active, _, err := c.dev.RunActive()
	st := Status{
		Running:   c.sess.Started && active,
		RunNumber: c.sess.RunNumber,
		Session:   c.sess.ID,
		LastFrame: c.sess.LastFrame.AcqFrameNb,
		Frames:    c.sess.Frames,
		Dropped:   c.dropped,
		Fault:     c.fault,
	}
	if err != nil && st.Fault == nil {
		st.Fault = hwerr.Hardware(err, "RunActive")
	}
	switch {
	case st.Fault != nil:
		st.State = Fault
	case !st.Running:
		st.State = Idle
	default:
		since := c.sess.StartTime
		if c.sess.LastFrame.Valid() {
			since = since.Add(c.sess.LastFrame.Timestamp)
		}
		st.State = c.timing.phase(c.now().Sub(since))
	}
	return st
}

// Session returns a copy of the current run's session
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// FrameReady returns the controller's frame-ready notifier, which further
// layers may Chain onto
func (c *Controller) FrameReady() *Notifier {
	return c.ready
}

// RegisterFrameReady installs the frame-ready subscriber
func (c *Controller) RegisterFrameReady(sub Subscriber) error {
	return c.ready.Register(sub)
}

// UnregisterFrameReady removes the frame-ready subscriber
func (c *Controller) UnregisterFrameReady(sub Subscriber) error {
	return c.ready.Unregister(sub)
}

// RegisterFinished installs the acquisition-finished callback
func (c *Controller) RegisterFinished(f *FinishedCallback) error {
	if f == nil {
		return hwerr.InvalidValue("nil finished callback")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hwerr.Error("controller closed")
	}
	if c.finished != nil {
		return hwerr.ErrAlreadyRegistered
	}
	if err := f.attach(c); err != nil {
		return err
	}
	c.finished = f
	return nil
}

// UnregisterFinished removes f, which must be the registered callback
func (c *Controller) UnregisterFinished(f *FinishedCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f == nil || c.finished != f {
		return hwerr.ErrNotRegistered
	}
	c.finished = nil
	f.detach(c)
	return nil
}

// Close stops the controller, detaches its subscribers and frees the buffers.
// The device is left open.
func (c *Controller) Close() error {
	err := c.Stop()
	c.mu.Lock()
	c.closed = true
	if c.finished != nil {
		c.finished.detach(c)
		c.finished = nil
	}
	err = multierr.Append(err, c.release())
	c.mu.Unlock()

	c.ready.mu.Lock()
	sub := c.ready.sub
	c.ready.mu.Unlock()
	if sub != nil {
		err = multierr.Append(err, c.ready.Unregister(sub))
	}
	return err
}

// report sends err to the sink and latches it as the run's fault
func (c *Controller) report(err error) {
	c.mu.Lock()
	if c.fault == nil {
		c.fault = err
	}
	c.mu.Unlock()
	c.sink.Report(err)
}

// onFrameArrived is called on the device's delivery goroutine
func (c *Controller) onFrameArrived(raw hw.RawFrame) error {
	c.alloc.Pin()
	defer func() {
		if err := c.alloc.Unpin(); err != nil {
			c.report(errors.Wrap(err, "free retired buffers"))
		}
	}()

	c.mu.Lock()
	if !c.sess.Started || raw.Run != c.devRun {
		c.dropped++
		c.mu.Unlock()
		return nil
	}
	run := c.sess.RunNumber

	var (
		info  frame.Info
		fault error
	)
	if raw.Aborted() {
		fault = hwerr.Error("transfer aborted after frame %v of run %d", c.sess.LastFrame.AcqFrameNb, run)
	} else {
		info, fault = c.record(raw)
	}
	finished := fault != nil || raw.Last || (c.nbFrames > 0 && raw.AcqFrame.Or(-1) >= c.nbFrames-1)
	release := false
	if finished {
		c.sess.Started = false
		release = c.holding
		c.holding = false
	}
	deliver := fault == nil && c.delivering
	fin := c.finished
	sess := c.sess
	c.mu.Unlock()

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if fault != nil {
		c.report(fault)
	}
	if deliver {
		cont, err := c.ready.Notify(info)
		if err != nil {
			c.report(errors.Wrapf(err, "frame %v of run %d", info.AcqFrameNb, run))
		}
		if !cont {
			c.mu.Lock()
			if c.sess.RunNumber == run {
				c.delivering = false
			}
			c.mu.Unlock()
			c.log.Debug("subscriber stopped frame delivery", zap.Int("run", run), zap.Stringer("frame", info.AcqFrameNb))
		}
	}
	if release {
		if err := c.link.release(); err != nil {
			c.report(err)
		}
	}
	if finished {
		c.log.Info("acquisition finished", zap.Int("run", run), zap.Int("frames", sess.Frames))
		if fin != nil {
			if err := fin.call(sess); err != nil {
				c.report(err)
			}
		}
	}
	return nil
}

// record must be called with the mutex held
func (c *Controller) record(raw hw.RawFrame) (frame.Info, error) {
	g := c.alloc.Geometry()
	rb, rf := raw.RealBuffer.Or(-1), raw.RealFrame.Or(-1)
	if err := g.CheckReal(rb, rf); err != nil {
		return frame.Info{}, errors.Wrap(err, "device reported a frame outside the buffers")
	}
	vb, vf := g.RealToVirt(rb, rf)
	data, err := c.alloc.BufferPtr(vb, vf)
	if err != nil {
		return frame.Info{}, err
	}
	desc := c.alloc.Descriptor()
	valid := desc.Pixels()
	if raw.Bytes > 0 && raw.Bytes < desc.MemSize() {
		valid = raw.Bytes / desc.Depth
	}
	info := frame.Info{
		AcqFrameNb:  raw.AcqFrame,
		Data:        data,
		Desc:        desc,
		Timestamp:   raw.Timestamp,
		ValidPixels: valid,
		Ownership:   frame.Managed,
	}
	if err := c.store.Record(raw.AcqFrame.Or(-1), info); err != nil {
		return frame.Info{}, err
	}
	c.sess.LastFrame = info
	c.sess.Frames++
	return info, nil
}

// hwLink installs the controller's callback on the device while anything
// needs frames: a running acquisition or an active frame-ready notifier
type hwLink struct {
	dev hw.Device
	fn  hw.Callback

	mu     sync.Mutex
	refs   int
	handle hw.Handle
}

func (l *hwLink) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		h, err := l.dev.RegisterCallback(l.fn)
		if err != nil {
			return hwerr.Hardware(err, "RegisterCallback")
		}
		l.handle = h
	}
	l.refs++
	return nil
}

func (l *hwLink) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return nil
	}
	l.refs--
	if l.refs > 0 {
		return nil
	}
	h := l.handle
	l.handle = 0
	return hwerr.Hardware(l.dev.UnregisterCallback(h), "UnregisterCallback")
}

// SetActive lets the frame-ready notifier hold the link
func (l *hwLink) SetActive(active bool) error {
	if active {
		return l.acquire()
	}
	return l.release()
}

// installed reports whether the callback is on the device
func (l *hwLink) installed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != 0
}
