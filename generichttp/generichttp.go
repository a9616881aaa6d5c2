// Package generichttp turns getter and setter functions into HTTP handlers
// that exchange the one-key JSON payloads of package server
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
	"github.jpl.nasa.gov/bdube/areadet/server"
	"github.jpl.nasa.gov/bdube/areadet/util"
)

// StatusFor maps an error to the HTTP status that best describes it.
// Invalid values are the client's fault, the rest are the server's.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, hwerr.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, hwerr.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, hwerr.ErrNotSupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err with the status StatusFor chooses
func Error(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusFor(err))
}

// decode reads the body into v, answering 400 and returning false on failure
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// finish answers 200 for a nil error
func finish(w http.ResponseWriter, err error) {
	if err != nil {
		Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func respond(w http.ResponseWriter, r *http.Request, hp server.HumanPayload, err error) {
	if err != nil {
		Error(w, err)
		return
	}
	hp.EncodeAndRespond(w, r)
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		respond(w, r, server.HumanPayload{T: types.Float64, Float: f}, err)
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := server.FloatT{}
		if decode(w, r, &f) {
			finish(w, fcn(f.F64))
		}
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		respond(w, r, server.HumanPayload{T: types.Int, Int: i}, err)
	}
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := server.IntT{}
		if decode(w, r, &i) {
			finish(w, fcn(i.Int))
		}
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		respond(w, r, server.HumanPayload{T: types.String, String: s}, err)
	}
}

// SetString parses a JSON input of {'str': value} and
// calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := server.StrT{}
		if decode(w, r, &s) {
			finish(w, fcn(s.Str))
		}
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		respond(w, r, server.HumanPayload{T: types.Bool, Bool: b}, err)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		if decode(w, r, &b) {
			finish(w, fcn(b.Bool))
		}
	}
}

// GetDuration calls a duration-getting function and returns the response
// in seconds as json {'f64': value}
func GetDuration(fcn func() (time.Duration, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := fcn()
		respond(w, r, server.HumanPayload{T: types.Float64, Float: d.Seconds()}, err)
	}
}

// SetDuration calls fcn with a duration given either as the query parameter
// named param, in any format util.ParseDuration accepts, or as json
// {'f64': value} in seconds
func SetDuration(param string, fcn func(time.Duration) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s := r.URL.Query().Get(param); s != "" {
			d, err := util.ParseDuration(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			finish(w, fcn(d))
			return
		}
		f := server.FloatT{}
		if decode(w, r, &f) {
			finish(w, fcn(util.SecsToDuration(f.F64)))
		}
	}
}
