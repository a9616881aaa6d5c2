package camera

import (
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/areadet/acq"
	"github.jpl.nasa.gov/bdube/areadet/hw/sim"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// SimCamera is a detector backed by the simulated frame grabber.  It adds
// frame timing and an area of interest on top of an acquisition controller.
type SimCamera struct {
	*acq.Controller

	dev    *sim.Device
	sensor AOI
	depth  int

	mu  sync.Mutex
	aoi AOI
	bin Binning
}

// NewSimCamera returns a camera with a width x height sensor of depth bytes
// per pixel.  The AOI starts as the full sensor.
func NewSimCamera(ctl *acq.Controller, dev *sim.Device, width, height, depth int) *SimCamera {
	full := AOI{Left: 1, Top: 1, Width: width, Height: height}
	return &SimCamera{
		Controller: ctl,
		dev:        dev,
		sensor:     full,
		depth:      depth,
		aoi:        full,
		bin:        Binning{H: 1, V: 1},
	}
}

// SetExposureTime sets the exposure time and paces the device to match
func (c *SimCamera) SetExposureTime(d time.Duration) error {
	if d <= 0 {
		return hwerr.InvalidValue("exposure time %v must be > 0", d)
	}
	t := c.Timing()
	t.Exposure = d
	return c.applyTiming(t)
}

// GetExposureTime gets the exposure time
func (c *SimCamera) GetExposureTime() (time.Duration, error) {
	return c.Timing().Exposure, nil
}

// SetLatencyTime sets the dead time between frames
func (c *SimCamera) SetLatencyTime(d time.Duration) error {
	if d < 0 {
		return hwerr.InvalidValue("latency time %v must be >= 0", d)
	}
	t := c.Timing()
	t.Latency = d
	return c.applyTiming(t)
}

// GetLatencyTime gets the dead time between frames
func (c *SimCamera) GetLatencyTime() (time.Duration, error) {
	return c.Timing().Latency, nil
}

func (c *SimCamera) applyTiming(t Timing) error {
	if err := c.SetTiming(t); err != nil {
		return err
	}
	var fps float64
	if p := t.Period(); p > 0 {
		fps = 1 / p.Seconds()
	}
	return c.dev.SetFrameRate(fps)
}

// Timing is the frame timing of a detector
type Timing = acq.Timing

// SetAOI sets the area of interest.  It must lie on the sensor.
func (c *SimCamera) SetAOI(a AOI) error {
	s := c.sensor
	if a.Left < 1 || a.Top < 1 || a.Width < 1 || a.Height < 1 ||
		a.Left+a.Width-1 > s.Width || a.Top+a.Height-1 > s.Height {
		return hwerr.InvalidValue("AOI %+v is not on the %dx%d sensor", a, s.Width, s.Height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aoi = a
	return nil
}

// GetAOI retrieves the current AOI
func (c *SimCamera) GetAOI() (AOI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aoi, nil
}

// SetBinning sets the binning
func (c *SimCamera) SetBinning(b Binning) error {
	if b.H < 1 || b.V < 1 {
		return hwerr.InvalidValue("binning %+v must be >= 1", b)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bin = b
	return nil
}

// GetBinning returns the binning
func (c *SimCamera) GetBinning() (Binning, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bin, nil
}

// ConfigureAOI allocates buffers sized for the current AOI and binning
func (c *SimCamera) ConfigureAOI(nbBuffers, nbFrames int) (int, int, error) {
	c.mu.Lock()
	desc := c.aoi.Descriptor(c.bin, c.depth)
	c.mu.Unlock()
	return c.Configure(desc, nbBuffers, nbFrames)
}

// CollectHeaderMetadata produces the FITS cards describing the detector state
func (c *SimCamera) CollectHeaderMetadata() []fitsio.Card {
	c.mu.Lock()
	aoi, bin := c.aoi, c.bin
	c.mu.Unlock()
	t := c.Timing()
	return []fitsio.Card{
		{Name: "DETECTOR", Value: "simulated", Comment: "detector back-end"},
		{Name: "EXPTIME", Value: t.Exposure.Seconds(), Comment: "exposure time, seconds"},
		{Name: "LATENCY", Value: t.Latency.Seconds(), Comment: "dead time between frames, seconds"},
		{Name: "AOIL", Value: aoi.Left, Comment: "1-based left pixel"},
		{Name: "AOIT", Value: aoi.Top, Comment: "1-based top pixel"},
		{Name: "AOIW", Value: aoi.Width, Comment: "AOI width"},
		{Name: "AOIH", Value: aoi.Height, Comment: "AOI height"},
		{Name: "HBIN", Value: bin.H, Comment: "horizontal binning"},
		{Name: "VBIN", Value: bin.V, Comment: "vertical binning"},
	}
}

var (
	_ Detector       = (*SimCamera)(nil)
	_ SyncCtrl       = (*SimCamera)(nil)
	_ AOIManipulator = (*SimCamera)(nil)
	_ MetadataMaker  = (*SimCamera)(nil)
)

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}
