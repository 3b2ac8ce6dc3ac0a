// Package state holds the authoritative lifecycle status of every chunk
// coordinate and enforces the legal transition table. Entries are
// created lazily and never destroyed; a coordinate keeps its entry (and
// its error history) across unloads and reloads.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"terraforge.dev/internal/chunk"
)

type Status int

const (
	None Status = iota
	Loading
	Loaded
	Modified
	Saving
	Saved
	Unloading
	Unloaded
	Error
)

func (s Status) String() string {
	switch s {
	case None:
		return "None"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Modified:
		return "Modified"
	case Saving:
		return "Saving"
	case Saved:
		return "Saved"
	case Unloading:
		return "Unloading"
	case Unloaded:
		return "Unloaded"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type Flags uint8

const (
	FlagNone   Flags = 0
	FlagActive Flags = 1 << 0
	FlagError  Flags = 1 << 1
)

const errorRingCap = 10

// Entry is the per-coordinate record. Mutated only under its own lock.
type Entry struct {
	mu         sync.Mutex
	status     Status
	flags      Flags
	lastChange time.Time
	retryCount int

	// Capped ring of rejection/error messages, newest last.
	errors []string
}

func (e *Entry) snapshotLocked() Snapshot {
	errs := make([]string, len(e.errors))
	copy(errs, e.errors)
	return Snapshot{
		Status:     e.status,
		Flags:      e.flags,
		LastChange: e.lastChange,
		RetryCount: e.retryCount,
		Errors:     errs,
	}
}

// Snapshot is a read-only copy for diagnostics.
type Snapshot struct {
	Status     Status
	Flags      Flags
	LastChange time.Time
	RetryCount int
	Errors     []string
}

// ChangeEvent is published on every successful transition.
type ChangeEvent struct {
	Coord chunk.Coord
	From  Status
	To    Status
	Flags Flags
}

// legal is the fixed transition table. Error as a target is handled
// separately (always permitted), as are same-state no-ops.
var legal = map[Status][]Status{
	None:      {Loading},
	Loading:   {Loaded, Modified},
	Loaded:    {Unloading, Modified},
	Modified:  {Saving, Unloading},
	Saving:    {Saved},
	Saved:     {Unloading},
	Unloading: {Unloaded},
	Unloaded:  {Loading, Loaded},
	Error:     {Loading, Unloading, None},
}

func allowed(from, to Status) bool {
	for _, t := range legal[from] {
		if t == to {
			return true
		}
	}
	return false
}

type Machine struct {
	entries *xsync.MapOf[chunk.Coord, *Entry]

	qmu        sync.Mutex
	quarantine map[chunk.Coord]string

	lmu       sync.Mutex
	listeners []func(ChangeEvent)
}

func NewMachine() *Machine {
	return &Machine{
		entries:    xsync.NewMapOf[chunk.Coord, *Entry](),
		quarantine: map[chunk.Coord]string{},
	}
}

// Subscribe registers a listener for successful transitions. Listeners
// run synchronously on the transitioning goroutine; keep them cheap.
func (m *Machine) Subscribe(fn func(ChangeEvent)) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

func (m *Machine) entry(coord chunk.Coord) *Entry {
	e, _ := m.entries.LoadOrCompute(coord, func() *Entry {
		return &Entry{status: None, lastChange: time.Now()}
	})
	return e
}

// Status reports the current status without creating an entry.
func (m *Machine) Status(coord chunk.Coord) Status {
	if e, ok := m.entries.Load(coord); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.status
	}
	return None
}

// Get returns a diagnostic snapshot of a coordinate's entry.
func (m *Machine) Get(coord chunk.Coord) (Snapshot, bool) {
	e, ok := m.entries.Load(coord)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), true
}

// TryChange attempts a transition. A same-state request succeeds as a
// no-op. Transition to Error is always permitted. Anything else must be
// in the transition table; a rejected request records the reason,
// quarantines the coordinate, and returns false; the caller must not
// proceed with the operation it was gating.
func (m *Machine) TryChange(coord chunk.Coord, to Status, flags Flags) bool {
	e := m.entry(coord)
	e.mu.Lock()
	from := e.status
	if from == to {
		e.flags = flags
		e.mu.Unlock()
		return true
	}
	if to != Error && !allowed(from, to) {
		reason := fmt.Sprintf("illegal transition %s -> %s", from, to)
		e.pushErrorLocked(reason)
		e.mu.Unlock()
		m.Quarantine(coord, reason)
		return false
	}

	e.status = to
	e.flags = flags
	if to == Error {
		e.flags |= FlagError
	}
	e.lastChange = time.Now()
	e.mu.Unlock()

	if from == Error {
		// Explicit recovery transition also lifts quarantine.
		m.ClearQuarantine(coord)
	}
	m.publish(ChangeEvent{Coord: coord, From: from, To: to, Flags: flags})
	return true
}

func (e *Entry) pushErrorLocked(msg string) {
	e.errors = append(e.errors, msg)
	if len(e.errors) > errorRingCap {
		e.errors = e.errors[len(e.errors)-errorRingCap:]
	}
	e.flags |= FlagError
}

// RecordError appends to the coordinate's error ring without changing
// status. Used by operation-boundary failure handling.
func (m *Machine) RecordError(coord chunk.Coord, msg string) {
	e := m.entry(coord)
	e.mu.Lock()
	e.pushErrorLocked(msg)
	e.mu.Unlock()
}

func (m *Machine) publish(ev ChangeEvent) {
	m.lmu.Lock()
	ls := m.listeners
	m.lmu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// Quarantine marks a coordinate ineligible for scheduling until an
// explicit Error->* recovery transition clears it.
func (m *Machine) Quarantine(coord chunk.Coord, reason string) {
	m.qmu.Lock()
	if _, dup := m.quarantine[coord]; !dup {
		m.quarantine[coord] = reason
	}
	m.qmu.Unlock()
}

func (m *Machine) Quarantined(coord chunk.Coord) (string, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	r, ok := m.quarantine[coord]
	return r, ok
}

func (m *Machine) ClearQuarantine(coord chunk.Coord) {
	m.qmu.Lock()
	delete(m.quarantine, coord)
	m.qmu.Unlock()
}

func (m *Machine) QuarantineCount() int {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return len(m.quarantine)
}

// Recover issues the explicit Error->target transition for operator
// tooling. Fails (false) if the coordinate is not in Error.
func (m *Machine) Recover(coord chunk.Coord, target Status) bool {
	if m.Status(coord) != Error {
		return false
	}
	switch target {
	case Loading, Unloading, None:
		return m.TryChange(coord, target, FlagNone)
	default:
		return false
	}
}
