package frame

import (
	"bytes"
	"strconv"

	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Nb is an optional frame or buffer number.  The zero value is unset, so an
// unset index can never be mistaken for frame 0.
type Nb struct {
	n   int
	set bool
}

// NbOf returns a set Nb holding n
func NbOf(n int) Nb {
	return Nb{n: n, set: true}
}

// Set reports whether the number holds a value
func (n Nb) Set() bool {
	return n.set
}

// Get returns the value and whether it is set
func (n Nb) Get() (int, bool) {
	return n.n, n.set
}

// Or returns the value, or def if unset
func (n Nb) Or(def int) int {
	if !n.set {
		return def
	}
	return n.n
}

func (n Nb) String() string {
	if !n.set {
		return "unset"
	}
	return strconv.Itoa(n.n)
}

// MarshalJSON encodes an unset number as null
func (n Nb) MarshalJSON() ([]byte, error) {
	if !n.set {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(n.n)), nil
}

// UnmarshalJSON decodes null as unset and an integer as a set number
func (n *Nb) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = Nb{}
		return nil
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return hwerr.InvalidValue("frame number %s is not an integer", b)
	}
	*n = NbOf(v)
	return nil
}
