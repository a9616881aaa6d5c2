// Package locker lets an operator freeze a detector server for the length of
// a measurement.  While the lock is held, requests which would reconfigure,
// start or stop the detector are answered with 423 Locked; reads pass.
package locker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/areadet/server"
)

// Inject adds GET and POST /lock to an HTTPer
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[server.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[server.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// State is the JSON form of the lock.  Bool keeps the {"bool": value} shape
// the other boolean routes use.
type State struct {
	Bool  bool      `json:"bool"`
	Owner string    `json:"owner,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// Locker refuses state changing requests while held
type Locker struct {
	mu    sync.Mutex
	state State

	// Exempt lists path fragments which pass while locked
	Exempt []string
}

// New returns an unlocked Locker whose own route is exempt
func New() *Locker {
	return &Locker{Exempt: []string{"lock"}}
}

// Lock takes the lock on behalf of owner, which may be empty
func (l *Locker) Lock(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = State{Bool: true, Owner: owner, Since: time.Now()}
}

// Unlock releases the lock
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = State{}
}

// Locked reports whether the lock is held
func (l *Locker) Locked() bool {
	return l.State().Bool
}

// State returns a copy of the lock state
func (l *Locker) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Locker) exempt(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	for _, frag := range l.Exempt {
		if strings.Contains(r.URL.Path, frag) {
			return true
		}
	}
	return false
}

// Check is middleware answering 423 to state changing requests while locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st := l.State(); st.Bool && !l.exempt(r) {
			msg := "detector locked"
			if st.Owner != "" {
				msg = fmt.Sprintf("detector locked by %s since %s", st.Owner, st.Since.Format(time.RFC3339))
			}
			http.Error(w, msg, http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet takes or releases the lock from a State body.  Owner is only read
// when locking.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	st := State{}
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if st.Bool {
		l.Lock(st.Owner)
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet answers with the lock State
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, l.State())
}
