package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/areadet/acq"
	"github.jpl.nasa.gov/bdube/areadet/buffer"
	"github.jpl.nasa.gov/bdube/areadet/camera"
	"github.jpl.nasa.gov/bdube/areadet/generichttp/detector"
	"github.jpl.nasa.gov/bdube/areadet/hw/sim"
	"github.jpl.nasa.gov/bdube/areadet/imgrec"
	"github.jpl.nasa.gov/bdube/areadet/server"
	"github.jpl.nasa.gov/bdube/areadet/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/areadet/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "acq-http.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root" koanf:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	// Enabled records every acquired frame from bootup
	Enabled bool `yaml:"Enabled" koanf:"Enabled"`
}

type sensor struct {
	Width  int `yaml:"Width" koanf:"Width"`
	Height int `yaml:"Height" koanf:"Height"`
	Depth  int `yaml:"Depth" koanf:"Depth"`
}

type config struct {
	Addr        string     `yaml:"Addr" koanf:"Addr"`
	Root        string     `yaml:"Root" koanf:"Root"`
	Debug       bool       `yaml:"Debug" koanf:"Debug"`
	LogRequests bool       `yaml:"LogRequests" koanf:"LogRequests"`
	Mmap        bool       `yaml:"Mmap" koanf:"Mmap"`
	Exposure    string     `yaml:"Exposure" koanf:"Exposure"`
	ErrorQueue  int        `yaml:"ErrorQueue" koanf:"ErrorQueue"`
	Sensor      sensor     `yaml:"Sensor" koanf:"Sensor"`
	Device      sim.Config `yaml:"Device" koanf:"Device"`
	Recorder    recorder   `yaml:"Recorder" koanf:"Recorder"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:       ":8000",
		Root:       "/",
		Exposure:   "10ms",
		ErrorQueue: 64,
		Sensor:     sensor{Width: 512, Height: 512, Depth: 2},
		Device: sim.Config{
			MinTransfer: 1 << 20,
			OpenTimeout: 3 * time.Second,
		},
		Recorder: recorder{Prefix: "frame"},
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `acq-http exposes a simulated area detector and its frame buffers over HTTP.
Frames land in DMA-style ring buffers and are served as JPEG, PNG, or FITS,
and may be recorded to disk as they arrive.

Usage:
	acq-http <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `acq-http is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.

Device.MinTransfer is the smallest buffer the grabber transfers into.  Frames
smaller than it are packed several to a buffer, and the number of buffers
POST /configure answers with may be larger than requested.

Exposure accepts anything like "25ms" or "10us"; a bare number is seconds.

Mmap places the frame buffers in anonymous mmap'd memory instead of the heap.

The lock route, POST /lock {"bool": true, "owner": "name"}, refuses every
request which would change the detector until it is unlocked.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("acq-http version %v\n", Version)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run() error {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		return err
	}
	lg, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer lg.Sync()

	cfg.Device.Log = lg.Named("sim")
	dev := sim.New(cfg.Device)
	if err := dev.Open(0); err != nil {
		return errors.Wrap(err, "open device")
	}
	defer dev.Close()

	sink := acq.NewChanSink(cfg.ErrorQueue)
	ctlCfg := acq.Config{Sink: acq.LogSink{Log: lg, Next: sink}, Log: lg.Named("acq")}
	if cfg.Mmap {
		ctlCfg.Memory = buffer.MmapMemory{}
	}
	ctl := acq.New(dev, ctlCfg)
	defer ctl.Close()

	s := cfg.Sensor
	cam := camera.NewSimCamera(ctl, dev, s.Width, s.Height, s.Depth)
	if cfg.Exposure != "" {
		texp, err := util.ParseDuration(cfg.Exposure)
		if err != nil {
			return errors.Wrap(err, "exposure")
		}
		if err := cam.SetExposureTime(texp); err != nil {
			return errors.Wrap(err, "exposure")
		}
	}

	args := cfg.Recorder
	r := &imgrec.Recorder{
		Root:    args.Root,
		Prefix:  args.Prefix,
		Enabled: args.Enabled,
		Cards:   cam.CollectHeaderMetadata,
		Log:     lg.Named("imgrec"),
	}
	if args.Root != "" {
		r.Incr()
	}
	if err := cam.RegisterFrameReady(r); err != nil {
		return errors.Wrap(err, "recorder")
	}

	w, err := detector.NewHTTPDetector(cam, sink)
	if err != nil {
		return err
	}
	defer w.Close()
	imgrec.NewHTTPWrapper(r).Inject(w)
	lock := locker.New()
	locker.Inject(w, lock)

	// clean up the submux string
	hndlrS := server.SubMuxSanitize(cfg.Root)
	root := chi.NewRouter()
	if cfg.LogRequests {
		root.Use(middleware.Logger)
	}
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	root.Mount(hndlrS, mux)
	w.RT().Bind(mux)

	httpServer := http.Server{Addr: cfg.Addr, Handler: root}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		if err := ctl.Stop(); err != nil {
			lg.Warn("stopping acquisition", zap.Error(err))
		}
		shut, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return errors.Wrap(httpServer.Shutdown(shut), "http")
	})
	g.Go(func() error {
		defer lg.Info("HTTP server stopped")
		lg.Info("now listening for requests", zap.String("addr", cfg.Addr+hndlrS))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http")
		}
		return nil
	})
	return g.Wait()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		if err := run(); err != nil {
			log.Fatal(err)
		}
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
