// Package signal provides an abort handle Scheduler callers can use to ask
// that a not-yet-started task be discarded rather than run. It is a
// platform-independent rendering of eventloop's AbortController/AbortSignal,
// trimmed to the boolean-aborted check the scheduler's dispatch loop needs;
// the OnAbort/listener machinery of a full W3C-style signal has no consumer
// here and is left out rather than carried unused.
package signal

import "sync"

// Signal reports whether the work it is attached to has been abandoned.
// Scheduler polls Aborted() once, at dispatch time, immediately before a
// waiting task would otherwise be promoted to running.
type Signal interface {
	Aborted() bool
}

// Controller is the producer side of a Signal: something external to the
// scheduler (a caller giving up on a request, a parent operation failing)
// calls Abort to mark every Signal obtained from it as aborted.
type Controller struct {
	mu      sync.Mutex
	aborted bool
	reason  any
}

// NewController returns a Controller whose Signal starts out not aborted.
func NewController() *Controller {
	return &Controller{}
}

// Signal returns a handle suitable for scheduler.Options.Signal /
// scheduler.Config.Signal.
func (c *Controller) Signal() Signal {
	return (*handle)(c)
}

// Abort marks the controller's signal aborted. Only the first call has any
// effect; an optional reason is recorded for Reason.
func (c *Controller) Abort(reason ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	if len(reason) > 0 {
		c.reason = reason[0]
	}
}

// Aborted reports whether Abort has been called.
func (c *Controller) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Reason returns whatever value was passed to Abort, or nil.
func (c *Controller) Reason() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

type handle Controller

func (h *handle) Aborted() bool {
	return (*Controller)(h).Aborted()
}

type never struct{}

func (never) Aborted() bool { return false }

// Never is a Signal that is never aborted, used as the default when neither
// Options.Signal nor Config.Signal is set.
var Never Signal = never{}
