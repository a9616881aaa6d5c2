// Package server contains the HTTP plumbing shared by the detector servers:
// route tables keyed by method and path, and the small JSON payloads values
// are exchanged in.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// BoolT holds a bool, as {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// IntT holds an int, as {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// FloatT holds a float64, as {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// StrT holds a string, as {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload carries one value of kind T and encodes it as the matching
// one-key JSON object
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload to w as JSON
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("unsupported payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	RespondJSON(w, v)
}

// RespondJSON writes v to w as JSON with a 200 status
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// MethodPath is an HTTP method and a route path
type MethodPath struct {
	Method string
	Path   string
}

func (mp MethodPath) String() string {
	return mp.Method + " " + mp.Path
}

// RouteTable maps methods and paths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// HTTPer is a type which exposes its routes in a RouteTable
type HTTPer interface {
	RT() RouteTable
}

// Endpoints lists the routes in the table, sorted by path then method
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path == keys[j].Path {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].Path < keys[j].Path
	})
	routes := make([]string, len(keys))
	for i, k := range keys {
		routes[i] = k.String()
	}
	return routes
}

// Bind binds every route on r, plus GET /list-of-routes which returns the
// routes as a JSON array
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.MethodFunc(mp.Method, mp.Path, h)
	}
	r.Get("/list-of-routes", func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, rt.Endpoints())
	})
}

// SubMuxSanitize converts a mount point such as "omc/cam" into the form chi
// expects, "/omc/cam".  The root stays "/".
func SubMuxSanitize(str string) string {
	str = strings.Trim(str, "/")
	return "/" + str
}
