// acqtest runs one burst on the simulated detector and reports the frame rate
// the engine sustained, optionally writing every frame to FITS files
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/areadet/acq"
	"github.jpl.nasa.gov/bdube/areadet/camera"
	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hw/sim"
	"github.jpl.nasa.gov/bdube/areadet/imgrec"
)

func main() {
	var (
		width   = flag.Int("w", 256, "frame width")
		height  = flag.Int("h", 256, "frame height")
		depth   = flag.Int("d", 2, "bytes per pixel")
		buffers = flag.Int("buffers", 8, "buffers requested")
		frames  = flag.Int("n", 100, "frames in the burst")
		fps     = flag.Float64("fps", 0, "frame rate, 0 for as fast as possible")
		minXfer = flag.Int("min-transfer", 1<<20, "minimum transfer size of the grabber, bytes")
		out     = flag.String("o", "", "folder to write FITS files to, empty to skip")
		verbose = flag.Bool("v", false, "log driver messages")
	)
	flag.Parse()
	if err := burst(*width, *height, *depth, *buffers, *frames, *fps, *minXfer, *out, *verbose); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func burst(width, height, depth, buffers, frames int, fps float64, minXfer int, out string, verbose bool) error {
	lg := zap.NewNop()
	if verbose {
		var err error
		if lg, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	dev := sim.New(sim.Config{MinTransfer: minXfer, FPS: fps, Log: lg})
	if err := dev.Open(0); err != nil {
		return err
	}
	defer dev.Close()
	sink := acq.NewChanSink(16)
	ctl := acq.New(dev, acq.Config{Sink: sink, Log: lg})
	defer ctl.Close()

	desc := frame.Descriptor{Width: width, Height: height, Depth: depth}
	nbBuf, _, err := ctl.Configure(desc, buffers, 1)
	if err != nil {
		return err
	}
	g := ctl.Geometry()
	fmt.Printf("%v frames, %d buffers (asked %d), %d real buffers of %d frames\n",
		desc, nbBuf, buffers, g.RealBuffers, g.RealFrames)
	if err := ctl.SetNbFrames(frames); err != nil {
		return err
	}

	var (
		seen  int64
		spool *imgrec.Spooler
	)
	if out != "" {
		rec := &imgrec.Recorder{Root: out, Prefix: "burst", Enabled: true, Log: lg}
		rec.Incr()
		cards := append(camera.NewSimCamera(ctl, dev, width, height, depth).CollectHeaderMetadata(),
			fitsio.Card{Name: "NFRAMES", Value: frames, Comment: "frames in the burst"})
		spool = imgrec.NewSpooler(rec, frames, cards...)
	}
	sub := acq.SubscriberFunc(func(info frame.Info) (bool, error) {
		atomic.AddInt64(&seen, 1)
		if spool == nil {
			return true, nil
		}
		return spool.FrameReady(info)
	})
	if err := ctl.RegisterFrameReady(sub); err != nil {
		return err
	}
	done := make(chan acq.Session, 1)
	if err := ctl.RegisterFinished(acq.NewFinishedCallback(func(s acq.Session) error {
		done <- s
		return nil
	})); err != nil {
		return err
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " acquiring",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	start := time.Now()
	if err := spinner.Start(); err != nil {
		return err
	}
	if err := ctl.Start(); err != nil {
		spinner.StopFail()
		return err
	}
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case s := <-done:
			elapsed := time.Since(start)
			errs := sink.Drain()
			if spool != nil {
				spinner.Message(fmt.Sprintf("writing %d frames", spool.Pending()))
				if err := spool.Close(); err != nil {
					errs = append(errs, err)
				}
			}
			if len(errs) != 0 || s.Frames != frames {
				spinner.StopFailMessage(fmt.Sprintf("%d of %d frames, %d errors", s.Frames, frames, len(errs)))
				spinner.StopFail()
				for _, err := range errs {
					fmt.Println(err)
				}
				return fmt.Errorf("burst incomplete")
			}
			spinner.StopMessage(fmt.Sprintf("%d frames in %v (%.1f fps)", s.Frames, elapsed.Round(time.Millisecond), float64(s.Frames)/elapsed.Seconds()))
			return spinner.Stop()
		case <-tick.C:
			spinner.Message(fmt.Sprintf("%d/%d", atomic.LoadInt64(&seen), frames))
		}
	}
}
