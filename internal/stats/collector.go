// Package stats keeps client-wide counters and pushes them to the directory.
package stats

import (
	"sync/atomic"

	"dev.c0redev.kalive/internal/proto"
)

// Collector: current exit + byte counters. Writers never block.
type Collector struct {
	exit    atomic.Pointer[proto.ExitDescriptor]
	totalTx atomic.Uint64
	totalRx atomic.Uint64
}

// SetExitDescriptor records the exit in use; nil = not connected.
func (c *Collector) SetExitDescriptor(exit *proto.ExitDescriptor) {
	if exit != nil {
		e := *exit
		exit = &e
	}
	c.exit.Store(exit)
}

// ExitDescriptor returns the current exit or nil.
func (c *Collector) ExitDescriptor() *proto.ExitDescriptor { return c.exit.Load() }

func (c *Collector) IncrTotalTx(n uint64) { c.totalTx.Add(n) }
func (c *Collector) IncrTotalRx(n uint64) { c.totalRx.Add(n) }

// Snapshot of the counters.
type Snapshot struct {
	Exit    string // "" when not connected
	TotalTx uint64
	TotalRx uint64
}

func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{TotalTx: c.totalTx.Load(), TotalRx: c.totalRx.Load()}
	if e := c.exit.Load(); e != nil {
		s.Exit = e.Hostname
	}
	return s
}
