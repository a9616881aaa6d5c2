package detector

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/bdube/areadet/acq"
	"github.jpl.nasa.gov/bdube/areadet/camera"
	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hw"
	"github.jpl.nasa.gov/bdube/areadet/hw/sim"
)

func newServer(t *testing.T) (*httptest.Server, *HTTPDetector) {
	t.Helper()
	dev := sim.New(sim.Config{Registry: &hw.Registry{}})
	if err := dev.Open(0); err != nil {
		t.Fatal(err)
	}
	sink := acq.NewChanSink(8)
	ctl := acq.New(dev, acq.Config{Sink: sink, PageSize: 4096})
	cam := camera.NewSimCamera(ctl, dev, 32, 16, 2)
	h, err := NewHTTPDetector(cam, sink)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	h.RT().Bind(r)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		ts.Close()
		h.Close()
		ctl.Close()
		dev.Close()
	})
	return ts, h
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestConfigureStartAndFetch(t *testing.T) {
	ts, _ := newServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/configure", `{"buffers":3,"frames":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from configure got %d", resp.StatusCode)
	}
	cfg := ConfigResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Descriptor != (frame.Descriptor{Width: 32, Height: 16, Depth: 2}) || cfg.Buffers < 3 {
		t.Errorf("expected a 32x16x2 layout of at least 3 buffers got %+v", cfg)
	}

	if resp := do(t, http.MethodPost, ts.URL+"/nframes", `{"int":3}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from nframes got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, ts.URL+"/start?wait=true", "")
	run := Run{}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.Frames != 3 || run.RunNumber != 1 {
		t.Errorf("expected run 1 of 3 frames got %+v", run)
	}

	resp = do(t, http.MethodGet, ts.URL+"/frame/last/info", "")
	info := FrameInfo{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if n, _ := info.AcqFrameNb.Get(); n != 2 {
		t.Errorf("expected the last frame to be 2 got %v", info.AcqFrameNb)
	}

	resp = do(t, http.MethodGet, ts.URL+"/frame/1?fmt=fits", "")
	buf := &bytes.Buffer{}
	buf.ReadFrom(resp.Body)
	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	hdr := f.HDU(0).Header()
	if c := hdr.Get("FRAMENB"); c == nil || c.Value != 1 {
		t.Errorf("expected FRAMENB 1 got %+v", c)
	}
	if c := hdr.Get("AOIW"); c == nil {
		t.Errorf("expected the detector metadata in the header")
	}

	resp = do(t, http.MethodGet, ts.URL+"/frame/0?fmt=png", "")
	im, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := im.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Errorf("expected a 32x16 image got %v", b)
	}

	resp = do(t, http.MethodGet, ts.URL+"/buffer/2/0", "")
	raw := &bytes.Buffer{}
	raw.ReadFrom(resp.Body)
	if raw.Len() != 32*16*2 || binary.LittleEndian.Uint32(raw.Bytes()) != 2 {
		t.Errorf("expected buffer 2 to hold frame 2, got %d bytes", raw.Len())
	}
}

func TestFrameErrors(t *testing.T) {
	ts, _ := newServer(t)
	cases := []struct {
		path string
		code int
	}{
		{"/frame/last", http.StatusConflict},
		{"/frame/abc/info", http.StatusBadRequest},
		{"/last-run", http.StatusNotFound},
	}
	for _, c := range cases {
		if resp := do(t, http.MethodGet, ts.URL+c.path, ""); resp.StatusCode != c.code {
			t.Errorf("%s: expected %d got %d", c.path, c.code, resp.StatusCode)
		}
	}
	if resp := do(t, http.MethodPost, ts.URL+"/start", ""); resp.StatusCode == http.StatusOK {
		t.Errorf("expected start without buffers to fail")
	}
	if resp := do(t, http.MethodGet, ts.URL+"/frame/0?fmt=tiff", ""); resp.StatusCode == http.StatusOK {
		t.Errorf("expected an unknown format to fail")
	}
}

func TestExposureRoutes(t *testing.T) {
	ts, _ := newServer(t)
	if resp := do(t, http.MethodPost, ts.URL+"/exposure-time?exposureTime=20ms", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	resp := do(t, http.MethodGet, ts.URL+"/exposure-time", "")
	f := struct {
		F64 float64 `json:"f64"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 0.02 {
		t.Errorf("expected 0.02 s got %v", f.F64)
	}
}

func TestSecondWrapperRefused(t *testing.T) {
	dev := sim.New(sim.Config{Registry: &hw.Registry{}})
	ctl := acq.New(dev, acq.Config{})
	defer ctl.Close()
	if _, err := NewHTTPDetector(ctl, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := NewHTTPDetector(ctl, nil); err == nil {
		t.Errorf("expected the finished callback slot to be taken")
	}
}
