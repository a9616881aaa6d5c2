package acq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.jpl.nasa.gov/bdube/areadet/frame"
)

// State is the informational acquisition state reported by Status
type State int

const (
	// Idle means no run is in progress
	Idle State = iota

	// Exposure means the detector is integrating
	Exposure

	// Readout means the detector is being read out
	Readout

	// Latency means the detector is waiting for the next frame
	Latency

	// Fault means the run hit an error
	Fault
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Exposure:
		return "Exposure"
	case Readout:
		return "Readout"
	case Latency:
		return "Latency"
	case Fault:
		return "Fault"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalJSON encodes the state by name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Timing is the frame timing used to estimate the sub-state of a run
type Timing struct {
	Exposure time.Duration `json:"exposure" yaml:"Exposure" koanf:"Exposure"`
	Readout  time.Duration `json:"readout" yaml:"Readout" koanf:"Readout"`
	Latency  time.Duration `json:"latency" yaml:"Latency" koanf:"Latency"`
}

// Period is the time between the starts of two frames
func (t Timing) Period() time.Duration {
	return t.Exposure + t.Readout + t.Latency
}

// phase maps the time elapsed since the start of the current frame to a state
func (t Timing) phase(elapsed time.Duration) State {
	p := t.Period()
	if p <= 0 {
		return Exposure
	}
	elapsed %= p
	switch {
	case elapsed < t.Exposure:
		return Exposure
	case elapsed < t.Exposure+t.Readout:
		return Readout
	default:
		return Latency
	}
}

// Session is the state of one acquisition run
type Session struct {
	// ID uniquely identifies the run
	ID uuid.UUID

	// Started is true between Start and the end of the run
	Started bool

	// RunNumber counts runs since the controller was created, from 1
	RunNumber int

	// StartTime is when the run was armed
	StartTime time.Time

	// LastFrame is the most recent frame delivered in the run
	LastFrame frame.Info

	// Frames is the number of frames recorded in the run
	Frames int
}

// Status is a snapshot of the controller
type Status struct {
	Running   bool      `json:"running"`
	RunNumber int       `json:"runNumber"`
	Session   uuid.UUID `json:"session"`
	LastFrame frame.Nb  `json:"lastFrame"`
	Frames    int       `json:"frames"`
	Dropped   int       `json:"dropped"`
	State     State     `json:"state"`
	Fault     error     `json:"-"`
}

// MarshalJSON adds the fault message
func (s Status) MarshalJSON() ([]byte, error) {
	type plain Status
	var fault string
	if s.Fault != nil {
		fault = s.Fault.Error()
	}
	return json.Marshal(struct {
		plain
		Fault string `json:"fault,omitempty"`
	}{plain(s), fault})
}
