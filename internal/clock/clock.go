// Package clock injects time into the engine so that every run is
// reproducible from its dataset alone.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports the current engine time in Unix milliseconds.
type Clock interface {
	Now() int64
}

// System reads the wall clock. Live deployments only; the simulator and
// interpreter never use it.
type System struct{}

func (System) Now() int64 { return time.Now().UnixMilli() }

// Logical is a manually driven clock. The driver (bar loop, replay tool)
// advances it; everything downstream observes the same timeline.
type Logical struct {
	now atomic.Int64
}

func NewLogical(startMs int64) *Logical {
	c := &Logical{}
	c.now.Store(startMs)
	return c
}

func (c *Logical) Now() int64 { return c.now.Load() }

// Set moves the clock to ts. Moving backwards is allowed for test setups
// but a driver replaying ordered bars never does it.
func (c *Logical) Set(ts int64) { c.now.Store(ts) }

// Advance moves the clock forward by d milliseconds and returns the new time.
func (c *Logical) Advance(d int64) int64 { return c.now.Add(d) }
