package acq

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hw"
	"github.jpl.nasa.gov/bdube/areadet/hw/sim"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

const waitTimeout = 5 * time.Second

// countingDevice counts callback installs on a simulated device.  A non nil
// armErr is returned by Arm in place of arming.
type countingDevice struct {
	*sim.Device
	regs, unregs int32
	armErr       error
}

func (d *countingDevice) Arm(nbFrames int, blocking bool) error {
	if d.armErr != nil {
		return d.armErr
	}
	return d.Device.Arm(nbFrames, blocking)
}

func (d *countingDevice) RegisterCallback(fn hw.Callback) (hw.Handle, error) {
	atomic.AddInt32(&d.regs, 1)
	return d.Device.RegisterCallback(fn)
}

func (d *countingDevice) UnregisterCallback(h hw.Handle) error {
	atomic.AddInt32(&d.unregs, 1)
	return d.Device.UnregisterCallback(h)
}

func newController(t *testing.T, cfg sim.Config) (*Controller, *countingDevice, *ChanSink) {
	t.Helper()
	cfg.Registry = &hw.Registry{}
	d := &countingDevice{Device: sim.New(cfg)}
	if err := d.Open(0); err != nil {
		t.Fatal(err)
	}
	sink := NewChanSink(16)
	c := New(d, Config{Sink: sink, PageSize: 4096})
	t.Cleanup(func() {
		c.Close()
		d.Close()
	})
	return c, d, sink
}

// finishedChan registers a finished callback and returns a channel it sends
// the session on
func finishedChan(t *testing.T, c *Controller) chan Session {
	t.Helper()
	ch := make(chan Session, 1)
	f := NewFinishedCallback(func(s Session) error {
		ch <- s
		return nil
	})
	if err := c.RegisterFinished(f); err != nil {
		t.Fatal(err)
	}
	return ch
}

func waitSession(t *testing.T, ch chan Session) Session {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the run to finish")
	}
	return Session{}
}

var smallFrame = frame.Descriptor{Width: 16, Height: 16, Depth: 1}

func TestConfigureAdjustsBufferCount(t *testing.T) {
	c, _, _ := newController(t, sim.Config{MinTransfer: 131072})
	desc := frame.Descriptor{Width: 1000, Height: 1, Depth: 1}
	vb, vf, err := c.Configure(desc, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if vb != 32 || vf != 1 {
		t.Errorf("expected 32 buffers of 1 frame got %d of %d", vb, vf)
	}
	g := c.Geometry()
	if g.FrameFactor != 32 || g.RealBuffers != 1 {
		t.Errorf("expected frame factor 32 in 1 real buffer got %+v", g)
	}
}

func TestConfigureRejectsWithoutSideEffects(t *testing.T) {
	c, _, _ := newController(t, sim.Config{})
	if _, _, err := c.Configure(smallFrame, 2, 2); err != nil {
		t.Fatal(err)
	}
	before := c.Geometry()
	if _, _, err := c.Configure(smallFrame, 0, 2); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected invalid value got %v", err)
	}
	if _, _, err := c.Configure(frame.Descriptor{Width: 0, Height: 1, Depth: 1}, 2, 2); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected invalid value got %v", err)
	}
	if after := c.Geometry(); after != before {
		t.Errorf("expected geometry %+v to survive a rejected configure, got %+v", before, after)
	}
}

func TestOrderingWithFrameFactor(t *testing.T) {
	// 256 byte frames padded to a page, four pages per transfer
	c, _, _ := newController(t, sim.Config{MinTransfer: 4 * 4096})
	vb, _, err := c.Configure(smallFrame, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if vb != 4 || c.Geometry().FrameFactor != 4 {
		t.Fatalf("expected 4 virtual buffers with frame factor 4, got %d and %+v", vb, c.Geometry())
	}
	if err := c.SetNbFrames(10); err != nil {
		t.Fatal(err)
	}
	done := finishedChan(t, c)

	var got []int
	var mismatch []int
	sub := SubscriberFunc(func(info frame.Info) (bool, error) {
		n := info.AcqFrameNb.Or(-1)
		got = append(got, n)
		if int(binary.LittleEndian.Uint32(info.Data)) != n {
			mismatch = append(mismatch, n)
		}
		return true, nil
	})
	if err := c.RegisterFrameReady(sub); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	s := waitSession(t, done)

	if len(got) != 10 {
		t.Fatalf("expected 10 frames got %v", got)
	}
	for i, n := range got {
		if n != i {
			t.Errorf("expected frame %d at position %d, got %v", i, i, got)
			break
		}
	}
	if len(mismatch) != 0 {
		t.Errorf("expected every frame view to hold its own pixels, frames %v did not", mismatch)
	}
	if s.Frames != 10 || s.LastFrame.AcqFrameNb.Or(-1) != 9 {
		t.Errorf("expected 10 frames ending at 9, got %d ending at %v", s.Frames, s.LastFrame.AcqFrameNb)
	}
	if _, err := c.FrameInfo(9); err != nil {
		t.Error(err)
	}
	if _, err := c.FrameInfo(5); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected frame 5 to be overwritten, got %v", err)
	}
	if _, err := c.FrameInfo(10); !errors.Is(err, hwerr.ErrNotReady) {
		t.Errorf("expected frame 10 not to be ready, got %v", err)
	}
	mem, err := c.FramePointer(9)
	if err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint32(mem); n != 9 {
		t.Errorf("expected the slot of frame 9 to hold 9, got %d", n)
	}
}

func TestStartWhileRunning(t *testing.T) {
	c, _, _ := newController(t, sim.Config{FPS: 500})
	if _, _, err := c.Configure(smallFrame, 2, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); !errors.Is(err, hwerr.ErrError) {
		t.Errorf("expected start while running to fail with error, got %v", err)
	}
	if err := c.SetNbFrames(3); !errors.Is(err, hwerr.ErrError) {
		t.Errorf("expected frame count to be locked while running, got %v", err)
	}
	if st := c.Status(); !st.Running || st.RunNumber != 1 {
		t.Errorf("expected run 1 in progress, got %+v", st)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if st := c.Status(); st.Running || st.State != Idle {
		t.Errorf("expected idle after stop, got %+v", st)
	}
}

func TestStopIdempotent(t *testing.T) {
	c, _, _ := newController(t, sim.Config{})
	before := c.Status()
	for i := 0; i < 2; i++ {
		if err := c.Stop(); err != nil {
			t.Errorf("expected stop on an idle controller to succeed, got %v", err)
		}
	}
	if after := c.Status(); after != before {
		t.Errorf("expected status %+v unchanged, got %+v", before, after)
	}
	if err := c.ReleaseBuffers(); err != nil {
		t.Errorf("expected releasing nothing to succeed, got %v", err)
	}
}

func TestFailedStartKeepsPreviousRun(t *testing.T) {
	c, d, _ := newController(t, sim.Config{})
	done := finishedChan(t, c)
	if _, _, err := c.Configure(smallFrame, 4, 1); err != nil {
		t.Fatal(err)
	}
	c.SetNbFrames(2)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	prev := waitSession(t, done)

	d.armErr = hwerr.Hardware(errors.New("3 - device busy"), "Arm")
	err := c.Start()
	if !errors.Is(err, hwerr.ErrError) {
		t.Fatalf("expected a hardware error got %v", err)
	}
	if err.Error() != "Arm: 3 - device busy" {
		t.Errorf("expected the device error with one call prefix got %q", err.Error())
	}
	s := c.Session()
	if s.ID != prev.ID || s.RunNumber != prev.RunNumber || s.Frames != 2 || s.Started {
		t.Errorf("expected the failed start to leave run %d in place got %+v", prev.RunNumber, s)
	}
	if _, err := c.FrameInfo(1); err != nil {
		t.Errorf("expected the previous run's metadata to survive, got %v", err)
	}
	if c.link.installed() {
		t.Errorf("expected the hardware callback removed after a failed start")
	}

	d.armErr = nil
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if s := waitSession(t, done); s.RunNumber != prev.RunNumber+1 {
		t.Errorf("expected run %d got %d", prev.RunNumber+1, s.RunNumber)
	}
}

func TestRestartWhileSubscriberBusy(t *testing.T) {
	c, _, _ := newController(t, sim.Config{FPS: 200})
	if _, _, err := c.Configure(smallFrame, 4, 1); err != nil {
		t.Fatal(err)
	}
	entered := make(chan struct{})
	var calls int32
	c.RegisterFrameReady(SubscriberFunc(func(info frame.Info) (bool, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			time.Sleep(100 * time.Millisecond)
		}
		return true, nil
	}))
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the first frame")
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if st := c.Status(); st.Running || st.State != Idle {
		t.Errorf("expected idle after stop got %+v", st)
	}
	if active, _, _ := c.dev.RunActive(); active {
		t.Errorf("expected the device to be idle after stop")
	}
	if err := c.Start(); err != nil {
		t.Fatalf("expected a restart to succeed while the subscriber is busy, got %v", err)
	}
	if s := c.Session(); s.RunNumber != 2 || !s.Started {
		t.Errorf("expected run 2 to be started got %+v", s)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestStartWithoutBuffers(t *testing.T) {
	c, _, _ := newController(t, sim.Config{})
	if err := c.Start(); !errors.Is(err, hwerr.ErrError) {
		t.Errorf("expected start without buffers to fail, got %v", err)
	}
}

func TestStopFromSubscriber(t *testing.T) {
	c, _, _ := newController(t, sim.Config{})
	if _, _, err := c.Configure(smallFrame, 4, 1); err != nil {
		t.Fatal(err)
	}
	stopped := make(chan error, 1)
	var n int32
	sub := SubscriberFunc(func(info frame.Info) (bool, error) {
		if atomic.AddInt32(&n, 1) == 4 {
			stopped <- c.Stop()
		}
		return true, nil
	})
	if err := c.RegisterFrameReady(sub); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("expected stop from a subscriber to succeed, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("stop from a subscriber deadlocked")
	}
	if st := c.Status(); st.Running {
		t.Errorf("expected the run to be over, got %+v", st)
	}
	// the controller is usable again
	if err := c.SetNbFrames(2); err != nil {
		t.Error(err)
	}
}

func TestSingleFinishedCallback(t *testing.T) {
	c, _, _ := newController(t, sim.Config{})
	f := NewFinishedCallback(nil)
	g := NewFinishedCallback(nil)
	if err := c.RegisterFinished(f); err != nil {
		t.Fatal(err)
	}
	if !f.Attached() {
		t.Errorf("expected the callback to hold its controller")
	}
	if err := c.RegisterFinished(g); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected a second finished callback to fail, got %v", err)
	}
	if err := c.UnregisterFinished(g); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected unregistering a foreign callback to fail, got %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if f.Attached() {
		t.Errorf("expected Close to clear the back reference")
	}
	if err := c.RegisterFinished(g); err != nil {
		t.Errorf("expected the slot to be free after Close, got %v", err)
	}
	other, _, _ := newController(t, sim.Config{})
	if err := other.RegisterFinished(g); !errors.Is(err, hwerr.ErrInvalidValue) {
		t.Errorf("expected a callback to attach to one controller only, got %v", err)
	}
	c.Close()
	if g.Attached() {
		t.Errorf("expected closing the controller to detach its callback")
	}
	if err := g.Close(); err != nil {
		t.Errorf("expected Close on a detached callback to be a no-op, got %v", err)
	}
}

func TestHardwareCallbackInstalledOnce(t *testing.T) {
	c, d, _ := newController(t, sim.Config{FPS: 200})
	if _, _, err := c.Configure(smallFrame, 2, 1); err != nil {
		t.Fatal(err)
	}
	upper := Chain(c.FrameReady())
	if atomic.LoadInt32(&d.regs) != 0 {
		t.Fatalf("expected no callback before anyone listens")
	}
	sub := discard()
	if err := upper.Register(sub); err != nil {
		t.Fatal(err)
	}
	upper.SetActive(true)
	if r := atomic.LoadInt32(&d.regs); r != 1 {
		t.Errorf("expected one install got %d", r)
	}
	upper.SetActive(false)
	upper.SetActive(true)
	if r, u := atomic.LoadInt32(&d.regs), atomic.LoadInt32(&d.unregs); r != 2 || u != 1 {
		t.Errorf("expected 2 installs and 1 removal got %d and %d", r, u)
	}

	// a run shares the installed callback
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if r, u := atomic.LoadInt32(&d.regs), atomic.LoadInt32(&d.unregs); r != 2 || u != 1 {
		t.Errorf("expected the run not to reinstall the callback, got %d and %d", r, u)
	}
	if err := upper.Unregister(sub); err != nil {
		t.Fatal(err)
	}
	if c.link.installed() || atomic.LoadInt32(&d.unregs) != 2 {
		t.Errorf("expected the callback removed once nothing listens")
	}
}

func TestAbortedTransfer(t *testing.T) {
	c, _, sink := newController(t, sim.Config{AbortAfter: 3})
	if _, _, err := c.Configure(smallFrame, 4, 1); err != nil {
		t.Fatal(err)
	}
	c.SetNbFrames(10)
	done := finishedChan(t, c)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	s := waitSession(t, done)
	if s.Frames != 3 {
		t.Errorf("expected 3 frames before the abort got %d", s.Frames)
	}
	st := c.Status()
	if st.State != Fault || !errors.Is(st.Fault, hwerr.ErrError) {
		t.Errorf("expected a fault got %+v", st)
	}
	errs := sink.Drain()
	if len(errs) != 1 {
		t.Errorf("expected one reported error got %v", errs)
	}
}

func TestSubscriberErrorsReachSink(t *testing.T) {
	c, _, sink := newController(t, sim.Config{})
	if _, _, err := c.Configure(smallFrame, 4, 1); err != nil {
		t.Fatal(err)
	}
	c.SetNbFrames(3)
	done := finishedChan(t, c)
	boom := errors.New("disk full")
	c.RegisterFrameReady(SubscriberFunc(func(info frame.Info) (bool, error) {
		if info.AcqFrameNb.Or(-1) == 1 {
			return true, boom
		}
		return true, nil
	}))
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitSession(t, done)
	errs := sink.Drain()
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Errorf("expected the subscriber error in the sink, got %v", errs)
	}
	if st := c.Status(); st.State != Fault {
		t.Errorf("expected a fault state got %v", st.State)
	}
}

func TestSubscriberStopsDelivery(t *testing.T) {
	c, _, _ := newController(t, sim.Config{})
	if _, _, err := c.Configure(smallFrame, 8, 1); err != nil {
		t.Fatal(err)
	}
	c.SetNbFrames(5)
	done := finishedChan(t, c)
	var mu sync.Mutex
	var got []int
	c.RegisterFrameReady(SubscriberFunc(func(info frame.Info) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, info.AcqFrameNb.Or(-1))
		return len(got) < 2, nil
	}))
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	s := waitSession(t, done)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("expected delivery to stop after 2 frames got %v", got)
	}
	if s.Frames != 5 {
		t.Errorf("expected all 5 frames recorded got %d", s.Frames)
	}
	if _, err := c.FrameInfo(4); err != nil {
		t.Errorf("expected metadata for undelivered frames, got %v", err)
	}
}

func TestFramesWhileIdleAreDropped(t *testing.T) {
	c, _, _ := newController(t, sim.Config{})
	raw := hw.RawFrame{AcqFrame: frame.NbOf(0), RealBuffer: frame.NbOf(0), RealFrame: frame.NbOf(0)}
	if err := c.onFrameArrived(raw); err != nil {
		t.Fatal(err)
	}
	if st := c.Status(); st.Dropped != 1 || st.Frames != 0 {
		t.Errorf("expected one dropped frame got %+v", st)
	}
}

func TestTimingPhase(t *testing.T) {
	tm := Timing{Exposure: 10 * time.Millisecond, Readout: 5 * time.Millisecond, Latency: 5 * time.Millisecond}
	cases := []struct {
		at   time.Duration
		want State
	}{
		{0, Exposure},
		{12 * time.Millisecond, Readout},
		{17 * time.Millisecond, Latency},
		{21 * time.Millisecond, Exposure},
	}
	for _, tc := range cases {
		if got := tm.phase(tc.at); got != tc.want {
			t.Errorf("at %v expected %v got %v", tc.at, tc.want, got)
		}
	}
	if (Timing{}).phase(time.Second) != Exposure {
		t.Errorf("expected exposure without timing")
	}
}

func TestCloseFreesEverything(t *testing.T) {
	c, d, _ := newController(t, sim.Config{})
	if _, _, err := c.Configure(smallFrame, 2, 1); err != nil {
		t.Fatal(err)
	}
	c.RegisterFrameReady(discard())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.Geometry().RealBuffers != 0 || c.FrameReady().Registered() {
		t.Errorf("expected buffers and subscriber released")
	}
	if r, u := atomic.LoadInt32(&d.regs), atomic.LoadInt32(&d.unregs); r != u {
		t.Errorf("expected every install to be undone, %d installs %d removals", r, u)
	}
	if err := c.Start(); !errors.Is(err, hwerr.ErrError) {
		t.Errorf("expected start on a closed controller to fail, got %v", err)
	}
}
