package acq

import (
	"sync"

	"github.jpl.nasa.gov/bdube/areadet/frame"
	"github.jpl.nasa.gov/bdube/areadet/hwerr"
)

// Subscriber receives ready frames.  Returning false asks the publisher to
// stop delivering frames for the rest of the run.  The Info is only valid
// for the duration of the call unless copied.
type Subscriber interface {
	FrameReady(frame.Info) (bool, error)
}

type funcSubscriber struct {
	fn func(frame.Info) (bool, error)
}

func (f *funcSubscriber) FrameReady(info frame.Info) (bool, error) {
	return f.fn(info)
}

// SubscriberFunc wraps fn as a Subscriber.  Each call returns a distinct
// subscriber, keep the result to unregister it.
func SubscriberFunc(fn func(frame.Info) (bool, error)) Subscriber {
	return &funcSubscriber{fn: fn}
}

// Activator is the layer a Notifier forwards activation to
type Activator interface {
	SetActive(bool) error
}

// Notifier is a single-subscriber frame publisher.  Activation cascades: a
// Notifier forwards SetActive to the layer below it only when its own state
// changes, so the hardware callback at the bottom of a chain is installed and
// removed once per net change no matter how many layers sit above it.
type Notifier struct {
	mu     sync.Mutex
	sub    Subscriber
	active bool
	below  Activator
}

// NewNotifier returns a notifier forwarding activation to below, which may
// be nil
func NewNotifier(below Activator) *Notifier {
	return &Notifier{below: below}
}

// Chain returns a notifier layered on top of lower.  Activating it registers
// it as lower's subscriber, deactivating it unregisters it.
func Chain(lower *Notifier) *Notifier {
	n := &Notifier{}
	n.below = chainLink{lower: lower, upper: n}
	return n
}

type chainLink struct {
	lower *Notifier
	upper *Notifier
}

func (c chainLink) SetActive(active bool) error {
	if active {
		return c.lower.Register(c.upper)
	}
	return c.lower.Unregister(c.upper)
}

// Register installs sub and activates the notifier
func (n *Notifier) Register(sub Subscriber) error {
	if sub == nil {
		return hwerr.InvalidValue("nil subscriber")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return hwerr.ErrAlreadyRegistered
	}
	n.sub = sub
	if err := n.setActive(true); err != nil {
		n.sub = nil
		return err
	}
	return nil
}

// Unregister removes sub and deactivates the notifier.  sub must be the
// subscriber currently registered.
func (n *Notifier) Unregister(sub Subscriber) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub == nil || n.sub != sub {
		return hwerr.ErrNotRegistered
	}
	n.sub = nil
	return n.setActive(false)
}

// Registered reports whether a subscriber is installed
func (n *Notifier) Registered() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sub != nil
}

// SetActive turns delivery on or off without touching the registration
func (n *Notifier) SetActive(active bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if active && n.sub == nil {
		return hwerr.InvalidValue("can not activate without a subscriber")
	}
	return n.setActive(active)
}

func (n *Notifier) setActive(active bool) error {
	if n.active == active {
		return nil
	}
	if n.below != nil {
		if err := n.below.SetActive(active); err != nil {
			return err
		}
	}
	n.active = active
	return nil
}

// Active reports whether frames are being delivered
func (n *Notifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Notify delivers info to the subscriber, if there is one and the notifier is
// active, and returns its continuation flag.  A panicking subscriber is
// turned into an error and stops delivery.
func (n *Notifier) Notify(info frame.Info) (cont bool, err error) {
	n.mu.Lock()
	sub, active := n.sub, n.active
	n.mu.Unlock()
	if !active || sub == nil {
		return true, nil
	}
	defer func() {
		if p := recover(); p != nil {
			cont = false
			err = hwerr.Error("frame subscriber panicked on frame %v: %v", info.AcqFrameNb, p)
		}
	}()
	return sub.FrameReady(info)
}

// FrameReady lets a Notifier subscribe to the layer below it
func (n *Notifier) FrameReady(info frame.Info) (bool, error) {
	return n.Notify(info)
}
