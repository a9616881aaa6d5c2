// Package detector provides a generic HTTP interface to an area detector
// built on an acquisition controller
package detector

import (
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/google/uuid"

	"github.jpl.nasa.gov/bdube/areadet/acq"
	"github.jpl.nasa.gov/bdube/areadet/camera"
	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/generichttp"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
	"github.jpl.nasa.gov/bdube/areadet/imgrec"
	"github.jpl.nasa.gov/bdube/areadet/server"
)

// aoiConfigurer is a detector that sizes its buffers from its own AOI
type aoiConfigurer interface {
	ConfigureAOI(nbBuffers, nbFrames int) (int, int, error)
}

// ConfigRequest is the body of POST /configure.  A zero Width asks the
// detector to use its AOI, if it has one.
type ConfigRequest struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Depth   int `json:"depth"`
	Buffers int `json:"buffers"`
	Frames  int `json:"frames"`
}

// ConfigResponse is what POST /configure answers with.  Buffers may be larger
// than requested, and clients must use it.
type ConfigResponse struct {
	Buffers     int              `json:"buffers"`
	Frames      int              `json:"frames"`
	Descriptor  frame.Descriptor `json:"descriptor"`
	RealBuffers int              `json:"realBuffers"`
	RealFrames  int              `json:"realFrames"`
	FrameFactor int              `json:"frameFactor"`
}

// FrameInfo is the JSON form of a frame's metadata
type FrameInfo struct {
	AcqFrameNb  frame.Nb         `json:"acqFrameNb"`
	Descriptor  frame.Descriptor `json:"descriptor"`
	Timestamp   float64          `json:"timestamp"`
	ValidPixels int              `json:"validPixels"`
}

// Run summarizes a finished acquisition run
type Run struct {
	ID        uuid.UUID `json:"id"`
	RunNumber int       `json:"runNumber"`
	StartTime time.Time `json:"startTime"`
	Frames    int       `json:"frames"`
	LastFrame frame.Nb  `json:"lastFrame"`
}

func runOf(s acq.Session) Run {
	return Run{ID: s.ID, RunNumber: s.RunNumber, StartTime: s.StartTime, Frames: s.Frames, LastFrame: s.LastFrame.AcqFrameNb}
}

// HTTPDetector wraps a detector in an HTTP interface.  It owns the detector's
// acquisition-finished callback.
type HTTPDetector struct {
	d    camera.Detector
	sink *acq.ChanSink
	fin  *acq.FinishedCallback

	mu      sync.Mutex
	last    *Run
	waiters map[chan Run]struct{}

	RouteTable server.RouteTable
}

// NewHTTPDetector returns a new HTTP wrapper around d.  sink may be nil, in
// which case GET /errors is not served.
func NewHTTPDetector(d camera.Detector, sink *acq.ChanSink) (*HTTPDetector, error) {
	h := &HTTPDetector{d: d, sink: sink, waiters: map[chan Run]struct{}{}}
	h.fin = acq.NewFinishedCallback(h.finished)
	if err := d.RegisterFinished(h.fin); err != nil {
		return nil, err
	}
	rt := server.RouteTable{
		{Method: http.MethodPost, Path: "/configure"}:          h.Configure,
		{Method: http.MethodDelete, Path: "/buffers"}:          h.ReleaseBuffers,
		{Method: http.MethodGet, Path: "/geometry"}:            h.Geometry,
		{Method: http.MethodPost, Path: "/start"}:              h.Start,
		{Method: http.MethodPost, Path: "/stop"}:               h.Stop,
		{Method: http.MethodGet, Path: "/status"}:              h.Status,
		{Method: http.MethodGet, Path: "/last-run"}:            h.LastRun,
		{Method: http.MethodGet, Path: "/nframes"}:             generichttp.GetInt(func() (int, error) { return d.NbFrames(), nil }),
		{Method: http.MethodPost, Path: "/nframes"}:            generichttp.SetInt(d.SetNbFrames),
		{Method: http.MethodGet, Path: "/frame/{n}"}:           h.Frame,
		{Method: http.MethodGet, Path: "/frame/{n}/info"}:      h.FrameInfo,
		{Method: http.MethodGet, Path: "/buffer/{buf}/{idx}"}: h.Buffer,
	}
	if sink != nil {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/errors"}] = h.Errors
	}
	if s, ok := d.(camera.SyncCtrl); ok {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}] = generichttp.GetDuration(s.GetExposureTime)
		rt[server.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}] = generichttp.SetDuration("exposureTime", s.SetExposureTime)
		rt[server.MethodPath{Method: http.MethodGet, Path: "/latency-time"}] = generichttp.GetDuration(s.GetLatencyTime)
		rt[server.MethodPath{Method: http.MethodPost, Path: "/latency-time"}] = generichttp.SetDuration("latencyTime", s.SetLatencyTime)
	}
	if a, ok := d.(camera.AOIManipulator); ok {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/aoi"}] = getJSON(func() (interface{}, error) { return a.GetAOI() })
		rt[server.MethodPath{Method: http.MethodPost, Path: "/aoi"}] = func(w http.ResponseWriter, r *http.Request) {
			aoi := camera.AOI{}
			if decode(w, r, &aoi) {
				finish(w, a.SetAOI(aoi))
			}
		}
		rt[server.MethodPath{Method: http.MethodGet, Path: "/binning"}] = getJSON(func() (interface{}, error) { return a.GetBinning() })
		rt[server.MethodPath{Method: http.MethodPost, Path: "/binning"}] = func(w http.ResponseWriter, r *http.Request) {
			b := camera.Binning{}
			if decode(w, r, &b) {
				finish(w, a.SetBinning(b))
			}
		}
	}
	h.RouteTable = rt
	return h, nil
}

// RT satisfies server.HTTPer
func (h *HTTPDetector) RT() server.RouteTable {
	return h.RouteTable
}

// Close gives the finished callback back to the detector
func (h *HTTPDetector) Close() error {
	return h.d.UnregisterFinished(h.fin)
}

func (h *HTTPDetector) finished(s acq.Session) error {
	run := runOf(s)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &run
	for ch := range h.waiters {
		ch <- run
		delete(h.waiters, ch)
	}
	return nil
}

func (h *HTTPDetector) wait() chan Run {
	ch := make(chan Run, 1)
	h.mu.Lock()
	h.waiters[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *HTTPDetector) forget(ch chan Run) {
	h.mu.Lock()
	delete(h.waiters, ch)
	h.mu.Unlock()
}

// Configure allocates buffers, answering with the counts actually provided
func (h *HTTPDetector) Configure(w http.ResponseWriter, r *http.Request) {
	req := ConfigRequest{}
	if !decode(w, r, &req) {
		return
	}
	var (
		nbBuf, nbFrames int
		err             error
	)
	if ac, ok := h.d.(aoiConfigurer); ok && req.Width == 0 {
		nbBuf, nbFrames, err = ac.ConfigureAOI(req.Buffers, req.Frames)
	} else {
		desc := frame.Descriptor{Width: req.Width, Height: req.Height, Depth: req.Depth}
		nbBuf, nbFrames, err = h.d.Configure(desc, req.Buffers, req.Frames)
	}
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	g := h.d.Geometry()
	server.RespondJSON(w, ConfigResponse{
		Buffers:     nbBuf,
		Frames:      nbFrames,
		Descriptor:  h.d.Descriptor(),
		RealBuffers: g.RealBuffers,
		RealFrames:  g.RealFrames,
		FrameFactor: g.FrameFactor,
	})
}

// ReleaseBuffers frees the buffers
func (h *HTTPDetector) ReleaseBuffers(w http.ResponseWriter, r *http.Request) {
	finish(w, h.d.ReleaseBuffers())
}

// Geometry returns the buffer layout
func (h *HTTPDetector) Geometry(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, h.d.Geometry())
}

// Start starts a run.  With ?wait=true the response is held until the run
// finishes and carries its summary.
func (h *HTTPDetector) Start(w http.ResponseWriter, r *http.Request) {
	block, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !block {
		finish(w, h.d.Start())
		return
	}
	ch := h.wait()
	defer h.forget(ch)
	if err := h.d.Start(); err != nil {
		generichttp.Error(w, err)
		return
	}
	select {
	case run := <-ch:
		server.RespondJSON(w, run)
	case <-r.Context().Done():
	}
}

// Stop stops the run
func (h *HTTPDetector) Stop(w http.ResponseWriter, r *http.Request) {
	finish(w, h.d.Stop())
}

// Status reports the acquisition state
func (h *HTTPDetector) Status(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, h.d.Status())
}

// LastRun reports the most recently finished run
func (h *HTTPDetector) LastRun(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last == nil {
		http.Error(w, "no run has finished", http.StatusNotFound)
		return
	}
	server.RespondJSON(w, *last)
}

// Errors drains the error sink
func (h *HTTPDetector) Errors(w http.ResponseWriter, r *http.Request) {
	errs := h.sink.Drain()
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	server.RespondJSON(w, struct {
		Errors  []string `json:"errors"`
		Dropped int      `json:"dropped"`
	}{msgs, h.sink.Dropped()})
}

// frameNb parses the {n} parameter, "last" being the most recent frame
func (h *HTTPDetector) frameNb(r *http.Request) (int, error) {
	s := chi.URLParam(r, "n")
	if s == "last" {
		n, ok := h.d.Status().LastFrame.Get()
		if !ok {
			return 0, hwerr.NotReady("no frame acquired yet")
		}
		return n, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, hwerr.InvalidValue("frame number %q", s)
	}
	return n, nil
}

// FrameInfo returns the metadata of a frame
func (h *HTTPDetector) FrameInfo(w http.ResponseWriter, r *http.Request) {
	n, err := h.frameNb(r)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	info, err := h.d.FrameInfo(n)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.RespondJSON(w, FrameInfo{
		AcqFrameNb:  info.AcqFrameNb,
		Descriptor:  info.Desc,
		Timestamp:   info.Timestamp.Seconds(),
		ValidPixels: info.ValidPixels,
	})
}

// Frame returns a frame as an image.
//
// the image format may be specified in the query parameter fmt, one of jpg,
// png, or fits; default to jpg.  FITS files carry the detector's header
// metadata when it can produce it.
func (h *HTTPDetector) Frame(w http.ResponseWriter, r *http.Request) {
	n, err := h.frameNb(r)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	info, err := h.d.FrameInfo(n)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	// the slot may be overwritten while encoding
	info = info.Copy()

	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "jpg"
	}
	switch format {
	case "jpg":
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		jpeg.Encode(w, ToGray(info), nil)
	case "png":
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		png.Encode(w, ToImage(info))
	case "fits":
		var cards []fitsio.Card
		if carder, ok := h.d.(camera.MetadataMaker); ok {
			cards = carder.CollectHeaderMetadata()
		}
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename=frame"+strconv.Itoa(n)+".fits")
		if err := imgrec.WriteFITS(w, cards, info); err != nil {
			generichttp.Error(w, err)
		}
	default:
		http.Error(w, "format "+format+" is not one of jpg, png, fits", http.StatusBadRequest)
	}
}

// Buffer returns the raw bytes of a frame by virtual buffer and frame index
func (h *HTTPDetector) Buffer(w http.ResponseWriter, r *http.Request) {
	buf, err1 := strconv.Atoi(chi.URLParam(r, "buf"))
	idx, err2 := strconv.Atoi(chi.URLParam(r, "idx"))
	if err1 != nil || err2 != nil {
		http.Error(w, "buffer and frame index must be integers", http.StatusBadRequest)
		return
	}
	p, err := h.d.BufferPointer(buf, idx)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(p)
}

// ToGray reduces a frame to 8 bits by keeping the most significant byte of
// each little endian pixel
func ToGray(info frame.Info) *image.Gray {
	d := info.Desc
	im := image.NewGray(image.Rect(0, 0, d.Width, d.Height))
	for i := range im.Pix {
		im.Pix[i] = info.Data[i*d.Depth+d.Depth-1]
	}
	return im
}

// ToImage converts a frame to an 8 or 16 bit grayscale image.  Pixels wider
// than 16 bits keep their two most significant bytes.
func ToImage(info frame.Info) image.Image {
	d := info.Desc
	if d.Depth == 1 {
		return ToGray(info)
	}
	im := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	for i := 0; i < d.Pixels(); i++ {
		px := info.Data[i*d.Depth : (i+1)*d.Depth]
		im.Pix[2*i] = px[d.Depth-1]
		im.Pix[2*i+1] = px[d.Depth-2]
	}
	return im
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func finish(w http.ResponseWriter, err error) {
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func getJSON(fcn func() (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn()
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		server.RespondJSON(w, v)
	}
}
