package metrics

import (
	"sort"
	"sync"
	"time"
)

// Collector aggregates counters describing what the daemon has done per
// monitored program, plus how many events of each kind it has seen.
type Collector struct {
	mu       sync.RWMutex
	started  time.Time
	programs map[string]*ProgramMetrics
	events   map[string]uint64
}

// ProgramMetrics captures the per-program counters tracked by the collector.
type ProgramMetrics struct {
	Program       string    `json:"program"`
	Stops         uint64    `json:"stops"`
	Continues     uint64    `json:"continues"`
	Inhibits      uint64    `json:"inhibits"`
	Refreshes     uint64    `json:"refreshes"`
	SignalErrors  uint64    `json:"signalErrors"`
	LastStopped   time.Time `json:"lastStopped,omitempty"`
	LastContinued time.Time `json:"lastContinued,omitempty"`
}

// Totals aggregates counters across all programs in a snapshot.
type Totals struct {
	Stops        uint64 `json:"stops"`
	Continues    uint64 `json:"continues"`
	Inhibits     uint64 `json:"inhibits"`
	SignalErrors uint64 `json:"signalErrors"`
}

// Snapshot is the serializable view of the current metrics state.
type Snapshot struct {
	Started  time.Time         `json:"started"`
	Totals   Totals            `json:"totals"`
	Programs []ProgramMetrics  `json:"programs,omitempty"`
	Events   map[string]uint64 `json:"events,omitempty"`
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		programs: make(map[string]*ProgramMetrics),
		events:   make(map[string]uint64),
	}
}

// RecordStop increments the stop counter for a program.
func (c *Collector) RecordStop(program string) {
	c.updateProgram(program, func(m *ProgramMetrics, now time.Time) {
		m.Stops++
		m.LastStopped = now
	})
}

// RecordContinue increments the continue counter for a program.
func (c *Collector) RecordContinue(program string) {
	c.updateProgram(program, func(m *ProgramMetrics, now time.Time) {
		m.Continues++
		m.LastContinued = now
	})
}

// RecordInhibit increments the inhibit counter for a program.
func (c *Collector) RecordInhibit(program string) {
	c.updateProgram(program, func(m *ProgramMetrics, _ time.Time) {
		m.Inhibits++
	})
}

// RecordRefresh increments the occupancy-refresh counter for a program.
func (c *Collector) RecordRefresh(program string) {
	c.updateProgram(program, func(m *ProgramMetrics, _ time.Time) {
		m.Refreshes++
	})
}

// RecordSignalError increments the signal-failure counter for a program.
func (c *Collector) RecordSignalError(program string) {
	c.updateProgram(program, func(m *ProgramMetrics, _ time.Time) {
		m.SignalErrors++
	})
}

// RecordEvent increments the counter for an event kind.
func (c *Collector) RecordEvent(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[kind]++
}

func (c *Collector) updateProgram(program string, mutate func(*ProgramMetrics, time.Time)) {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	m, exists := c.programs[program]
	if !exists {
		m = &ProgramMetrics{Program: program}
		c.programs[program] = m
	}
	mutate(m, now)
}

// Snapshot returns the current counters for serialization or display.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Started: c.started}
	if len(c.programs) > 0 {
		snap.Programs = make([]ProgramMetrics, 0, len(c.programs))
		for _, m := range c.programs {
			clone := *m
			snap.Programs = append(snap.Programs, clone)
			snap.Totals.Stops += clone.Stops
			snap.Totals.Continues += clone.Continues
			snap.Totals.Inhibits += clone.Inhibits
			snap.Totals.SignalErrors += clone.SignalErrors
		}
		sort.Slice(snap.Programs, func(i, j int) bool {
			return snap.Programs[i].Program < snap.Programs[j].Program
		})
	}
	if len(c.events) > 0 {
		snap.Events = make(map[string]uint64, len(c.events))
		for kind, count := range c.events {
			snap.Events[kind] = count
		}
	}
	return snap
}
