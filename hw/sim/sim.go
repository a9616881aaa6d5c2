/*Package sim provides a simulated frame grabber.

The simulator behaves like a DMA frame grabber driven by its own delivery
goroutine: once armed it writes a test pattern into the attached real
buffers at a configurable frame rate, and reports each frame through the
registered callback.  It is used by the tests of the acquisition engine and
by the command line tools when no hardware is present.

*/
package sim

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hw"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Config holds the parameters of a simulated device
type Config struct {
	// MinTransfer is the minimum real buffer size in bytes
	MinTransfer int `yaml:"MinTransfer" koanf:"MinTransfer"`

	// MaxRealFrames caps the frames per real buffer, 0 for no limit
	MaxRealFrames int `yaml:"MaxRealFrames" koanf:"MaxRealFrames"`

	// FPS is the frame rate, 0 delivers as fast as the consumer allows
	FPS float64 `yaml:"FPS" koanf:"FPS"`

	// FailOpens is how many connection attempts fail before Open succeeds
	FailOpens int `yaml:"FailOpens" koanf:"FailOpens"`

	// OpenTimeout bounds the time spent retrying Open
	OpenTimeout time.Duration `yaml:"OpenTimeout" koanf:"OpenTimeout"`

	// AbortAfter reports an aborted transfer in place of frame AbortAfter
	// and ends the run, 0 disables
	AbortAfter int `yaml:"AbortAfter" koanf:"AbortAfter"`

	// Registry resolves callback handles, nil uses hw.DefaultRegistry
	Registry *hw.Registry `yaml:"-" koanf:"-"`

	// Log receives driver messages, nil discards
	Log *zap.Logger `yaml:"-" koanf:"-"`
}

// Device is a simulated frame grabber.  It implements hw.Device.
type Device struct {
	cfg Config
	reg *hw.Registry
	log *zap.Logger

	mu          sync.Mutex
	open        bool
	devID       int
	attempts    int
	handle      hw.Handle
	store       hw.FrameStore
	realBuffers int
	realFrames  int
	run         int
	active      bool
	cancel      context.CancelFunc

	// xfer is held while a frame is written into the attached memory
	xfer sync.Mutex

	delivered int64
}

// New returns a closed simulated device
func New(cfg Config) *Device {
	d := &Device{cfg: cfg, reg: cfg.Registry, log: cfg.Log}
	if d.reg == nil {
		d.reg = hw.DefaultRegistry
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.cfg.OpenTimeout == 0 {
		d.cfg.OpenTimeout = 3 * time.Second
	}
	return d
}

// Open opens the device.  Connection failures are retried with an
// exponential backoff, the way a real grabber is given time to come up.
func (d *Device) Open(devID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return hwerr.Hardware(Error(int(codeAlreadyOpen)), "Open")
	}
	op := func() error {
		d.attempts++
		if d.attempts <= d.cfg.FailOpens {
			d.log.Debug("simulated device refused connection", zap.Int("attempt", d.attempts))
			return Error(int(codeConnection))
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         100 * time.Millisecond,
		MaxElapsedTime:      d.cfg.OpenTimeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		return hwerr.Hardware(err, "Open")
	}
	d.open = true
	d.devID = devID
	d.log.Info("simulated device open", zap.Int("devID", devID), zap.Int("attempts", d.attempts))
	return nil
}

// Close disarms the device, drops its callback and closes it
func (d *Device) Close() error {
	err := d.Disarm()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != 0 {
		err = multierr.Append(err, d.reg.Unregister(d.handle))
		d.handle = 0
	}
	d.open = false
	d.store = nil
	return err
}

// RegisterCallback satisfies hw.Device
func (d *Device) RegisterCallback(fn hw.Callback) (hw.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, hwerr.Hardware(Error(int(codeNotOpen)), "RegisterCallback")
	}
	if d.handle != 0 {
		return 0, hwerr.Hardware(Error(int(codeCallbackInstalled)), "RegisterCallback")
	}
	d.handle = d.reg.Register(fn)
	return d.handle, nil
}

// UnregisterCallback satisfies hw.Device
func (d *Device) UnregisterCallback(h hw.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == 0 || h != d.handle {
		return hwerr.Hardware(Error(int(codeNoCallback)), "UnregisterCallback")
	}
	d.handle = 0
	return d.reg.Unregister(h)
}

// Attach satisfies hw.Device
func (d *Device) Attach(store hw.FrameStore, realBuffers, realFrames int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = store
	d.realBuffers = realBuffers
	d.realFrames = realFrames
}

// Arm starts a run of nbFrames frames, 0 for endless.  A blocking Arm must
// not be issued from a callback.
func (d *Device) Arm(nbFrames int, blocking bool) error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return hwerr.Hardware(Error(int(codeNotOpen)), "Arm")
	}
	if d.active {
		d.mu.Unlock()
		return hwerr.Hardware(Error(int(codeBusy)), "Arm")
	}
	if d.store == nil || d.realBuffers*d.realFrames == 0 {
		d.mu.Unlock()
		return hwerr.Hardware(Error(int(codeNoBuffers)), "Arm")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.run++
	d.active = true
	d.cancel = cancel
	done := make(chan struct{})
	run := d.run
	d.mu.Unlock()

	d.log.Debug("simulated device armed", zap.Int("run", run), zap.Int("frames", nbFrames))
	go d.deliver(ctx, run, nbFrames, done)
	if blocking {
		<-done
	}
	return nil
}

// Disarm stops the current run.  It returns once the device has stopped
// writing into the attached memory, without waiting for a callback which is
// executing, so it may be called from one.  A frame transferred just before
// the stop may still be reported afterwards, carrying the old run number.
func (d *Device) Disarm() error {
	d.mu.Lock()
	cancel, run := d.cancel, d.run
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	// transfers check for cancellation under xfer
	d.xfer.Lock()
	d.xfer.Unlock()
	d.finish(run)
	return nil
}

// RunActive satisfies hw.Device
func (d *Device) RunActive() (bool, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return false, d.run, hwerr.Hardware(Error(int(codeNotOpen)), "RunActive")
	}
	return d.active, d.run, nil
}

// FrameAddress satisfies hw.Device
func (d *Device) FrameAddress(rb, rf int) ([]byte, error) {
	d.mu.Lock()
	store := d.store
	d.mu.Unlock()
	if store == nil {
		return nil, hwerr.Hardware(Error(int(codeNoBuffers)), "FrameAddress")
	}
	return store.RealFrame(rb, rf)
}

// MinTransferSize satisfies hw.Device
func (d *Device) MinTransferSize() int {
	return d.cfg.MinTransfer
}

// MaxRealFrames satisfies hw.Device
func (d *Device) MaxRealFrames() int {
	return d.cfg.MaxRealFrames
}

// SetFrameRate sets the frame rate of the next run, 0 for unpaced
func (d *Device) SetFrameRate(fps float64) error {
	if fps < 0 {
		return hwerr.Hardware(Error(int(codeOutOfRange)), "SetFrameRate")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.FPS = fps
	return nil
}

// FrameRate returns the configured frame rate
func (d *Device) FrameRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.FPS
}

// Delivered returns the number of frames reported since the device was created
func (d *Device) Delivered() int {
	return int(atomic.LoadInt64(&d.delivered))
}

func (d *Device) deliver(ctx context.Context, run, nbFrames int, done chan struct{}) {
	defer func() {
		d.finish(run)
		close(done)
	}()

	d.mu.Lock()
	store, nb, nf, fps := d.store, d.realBuffers, d.realFrames, d.cfg.FPS
	d.mu.Unlock()

	lim := rate.NewLimiter(rate.Inf, 1)
	if fps > 0 {
		lim = rate.NewLimiter(rate.Limit(fps), 1)
	}
	x := runState{run: run, nbFrames: nbFrames, store: store, nf: nf, total: nb * nf, start: time.Now()}
	for k := 0; nbFrames == 0 || k < nbFrames; k++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		raw, ok := d.transfer(ctx, &x, k)
		if !ok {
			return
		}
		d.dispatch(raw)
		if raw.Last || raw.Aborted() {
			return
		}
	}
}

// runState is what one run's delivery goroutine works with
type runState struct {
	run, nbFrames int
	store         hw.FrameStore
	nf, total     int
	start         time.Time
}

// transfer writes frame k into its slot.  It holds xfer so Disarm can wait
// for the memory to be left alone; false means the run was cancelled.
func (d *Device) transfer(ctx context.Context, x *runState, k int) (hw.RawFrame, bool) {
	d.xfer.Lock()
	defer d.xfer.Unlock()
	if ctx.Err() != nil {
		return hw.RawFrame{}, false
	}
	raw := hw.RawFrame{Run: x.run, Timestamp: time.Since(x.start)}
	if d.cfg.AbortAfter > 0 && k == d.cfg.AbortAfter {
		d.finish(x.run)
		return raw, true
	}
	raw.AcqFrame = frame.NbOf(k)
	slot := k % x.total
	rb, rf := slot/x.nf, slot%x.nf
	mem, err := x.store.RealFrame(rb, rf)
	if err != nil {
		d.log.Warn("simulated transfer failed", zap.Int("frame", k), zap.Error(err))
		d.finish(x.run)
		return raw, true
	}
	fill(mem, k)
	raw.RealBuffer = frame.NbOf(rb)
	raw.RealFrame = frame.NbOf(rf)
	raw.Bytes = len(mem)
	// the run is over before its final frame is reported, so a callback
	// may arm the next one
	if x.nbFrames > 0 && k == x.nbFrames-1 {
		raw.Last = true
		d.finish(x.run)
	}
	return raw, true
}

// finish marks run as over
func (d *Device) finish(run int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run != run || !d.active {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.active = false
	d.cancel = nil
}

func (d *Device) dispatch(raw hw.RawFrame) {
	d.mu.Lock()
	h := d.handle
	d.mu.Unlock()
	atomic.AddInt64(&d.delivered, 1)
	if h == 0 {
		return
	}
	if err := d.reg.Dispatch(h, raw); err != nil && !errors.Is(err, hw.ErrStaleHandle) {
		d.log.Warn("frame callback failed", zap.Stringer("frame", raw.AcqFrame), zap.Error(err))
	}
}

// fill writes the frame number into the first four bytes and a ramp offset
// by it into the rest
func fill(mem []byte, k int) {
	if len(mem) >= 4 {
		binary.LittleEndian.PutUint32(mem, uint32(k))
		for i := 4; i < len(mem); i++ {
			mem[i] = byte(i + k)
		}
		return
	}
	for i := range mem {
		mem[i] = byte(k)
	}
}
