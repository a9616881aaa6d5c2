// Package imgrec contains an image recorder used to automatically save frames
// to disk as they are acquired.
package imgrec

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"
	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

var crcTable = crc.NewTable(crc.CRC32)

// Recorder records frames as FITS files with incrementing filenames in
// yyyy-mm-dd subfolders.  It is a frame-ready subscriber; a failed write
// stops delivery for the rest of the run.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled turns recording on and off
	Enabled bool

	// Cards, if set, supplies extra header cards for every file
	Cards func() []fitsio.Card

	// Log receives a line per written file, nil discards
	Log *zap.Logger

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string
}

// updateFolder checks the current time and updates the folder
func (r *Recorder) updateFolder() {
	now := time.Now()
	y, m, d := now.Year(), now.Month(), now.Day()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

func (r *Recorder) filename(fldr string) string {
	return path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
}

// FrameReady writes the frame to the next file when the recorder is enabled
func (r *Recorder) FrameReady(info frame.Info) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Enabled || r.Root == "" {
		return true, nil
	}
	var cards []fitsio.Card
	if r.Cards != nil {
		cards = r.Cards()
	}
	fn, err := r.writeFrame(info, cards)
	if err != nil {
		return false, err
	}
	if r.Log != nil {
		r.Log.Debug("frame recorded", zap.Stringer("frame", info.AcqFrameNb), zap.String("file", fn))
	}
	return true, nil
}

// WriteFrame writes info to the next file and returns its name
func (r *Recorder) WriteFrame(info frame.Info, cards ...fitsio.Card) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeFrame(info, cards)
}

func (r *Recorder) writeFrame(info frame.Info, cards []fitsio.Card) (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	fn := r.filename(fldr)
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	if err := WriteFITS(fid, cards, info); err != nil {
		return "", err
	}
	r.counter++
	return fn, nil
}

// Incr updates the filename counter; it scans the folder to do so.  If there
// is an error, the counter is not incremented
func (r *Recorder) Incr() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	dn, _ := r.mkDir()
	files, err := ioutil.ReadDir(dn)
	if err != nil {
		return
	}
	count := -1
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			return
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// Counter returns the number the next file will carry
func (r *Recorder) Counter() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// SetRoot changes the root folder and creates it
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = root
	r.updateFolder()
	_, err := r.mkDir()
	return err
}

// SetPrefix changes the filename prefix and restarts the counter
func (r *Recorder) SetPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prefix = prefix
	r.counter = 0
}

// SetEnabled turns recording on or off
func (r *Recorder) SetEnabled(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = b
}

// Settings returns the root, prefix and enabled flag
func (r *Recorder) Settings() (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root, r.Prefix, r.Enabled
}

// WriteFITS streams a frame as a FITS file to w.  Pixels of 1, 2 and 4
// bytes are stored as unsigned integers using the BZERO convention, and the
// CRC-32 of the raw pixel data is recorded in the DATACRC card.
func WriteFITS(w io.Writer, metadata []fitsio.Card, info frame.Info) error {
	desc := info.Desc
	if err := desc.Valid(); err != nil {
		return err
	}
	if len(info.Data) < desc.MemSize() {
		return hwerr.InvalidValue("frame data is %d bytes, %v needs %d", len(info.Data), desc, desc.MemSize())
	}
	data := info.Data[:desc.MemSize()]

	var (
		bitpix int
		pixels interface{}
		cards  []fitsio.Card
	)
	switch desc.Depth {
	case 1:
		bitpix = 8
		pixels = append([]byte(nil), data...)
	case 2:
		bitpix = 16
		ints := make([]int16, desc.Pixels())
		for i := range ints {
			u := uint16(data[2*i]) | uint16(data[2*i+1])<<8
			ints[i] = int16(u - 32768)
		}
		pixels = ints
		cards = append(cards, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	case 4:
		bitpix = 32
		ints := make([]int32, desc.Pixels())
		for i := range ints {
			u := uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
			ints[i] = int32(u - 2147483648)
		}
		pixels = ints
		cards = append(cards, fitsio.Card{Name: "BZERO", Value: 2147483648}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	default:
		return hwerr.NotSupported("FITS output of %d byte pixels", desc.Depth)
	}

	cards = append(cards,
		fitsio.Card{Name: "FRAMENB", Value: info.AcqFrameNb.Or(-1), Comment: "acquisition frame number"},
		fitsio.Card{Name: "TSTAMP", Value: info.Timestamp.Seconds(), Comment: "seconds since start of run"},
		fitsio.Card{Name: "VALIDPIX", Value: info.ValidPixels, Comment: "pixels written by the detector"},
		fitsio.Card{Name: "DATACRC", Value: fmt.Sprintf("%08X", crcTable.CalculateCRC(data)), Comment: "CRC-32 of the raw pixel data"},
	)
	cards = append(cards, metadata...)

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(bitpix, []int{desc.Width, desc.Height})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	if err := im.Write(pixels); err != nil {
		return err
	}
	return fits.Write(im)
}
