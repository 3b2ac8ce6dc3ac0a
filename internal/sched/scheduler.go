package sched

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/chunk/state"
	"terraforge.dev/internal/tuning"
)

// Dispatcher executes validated operations. Dispatch returns done=true
// when the operation finished synchronously; otherwise the executor
// must call Scheduler.Release when the coordinate settles.
type Dispatcher interface {
	HasChunk(c chunk.Coord) bool
	Dispatch(op *Operation) (done bool, err error)
}

// Scheduler drains prioritized chunk operations under a per-tick budget
// derived from recent frame times and buffer memory pressure.
type Scheduler struct {
	log  *log.Logger
	sm   *state.Machine
	disp Dispatcher
	cfg  tuning.Scheduler

	memoryBytes   func() int64
	pressureBytes int64

	mu            sync.Mutex
	buckets       [4][]*Operation
	pendingLoad   map[chunk.Coord]bool
	pendingUnload map[chunk.Coord]bool
	busy          map[chunk.Coord]bool
	bulkLoad      bool
	tick          uint64

	frames    []time.Duration
	frameNext int

	processed  *metrics.Counter
	rejected   *metrics.Counter
	quarantine *metrics.Counter
	deferred   *metrics.Counter
}

func New(lg *log.Logger, sm *state.Machine, disp Dispatcher, cfg tuning.Scheduler, memoryBytes func() int64, pressureBytes int64) *Scheduler {
	return &Scheduler{
		log:           lg,
		sm:            sm,
		disp:          disp,
		cfg:           cfg,
		memoryBytes:   memoryBytes,
		pressureBytes: pressureBytes,
		pendingLoad:   make(map[chunk.Coord]bool),
		pendingUnload: make(map[chunk.Coord]bool),
		busy:          make(map[chunk.Coord]bool),
		frames:        make([]time.Duration, 0, cfg.FrameWindow),
		processed:     metrics.GetOrCreateCounter(`terraforge_sched_ops_total{result="processed"}`),
		rejected:      metrics.GetOrCreateCounter(`terraforge_sched_ops_total{result="rejected"}`),
		quarantine:    metrics.GetOrCreateCounter(`terraforge_sched_ops_total{result="quarantined"}`),
		deferred:      metrics.GetOrCreateCounter(`terraforge_sched_ops_total{result="deferred"}`),
	}
}

// Enqueue adds an operation. Duplicate pending Loads and Unloads for a
// coordinate are rejected so a coordinate carries at most one of each.
func (s *Scheduler) Enqueue(op *Operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op.Type {
	case OpLoad:
		if s.pendingLoad[op.Coord] {
			s.rejected.Inc()
			return false
		}
		s.pendingLoad[op.Coord] = true
	case OpUnload:
		if s.pendingUnload[op.Coord] {
			s.rejected.Inc()
			return false
		}
		s.pendingUnload[op.Coord] = true
	}
	b := bucketOf(op.Priority)
	s.buckets[b] = append(s.buckets[b], op)
	return true
}

// Release marks an asynchronously dispatched coordinate as settled.
func (s *Scheduler) Release(c chunk.Coord) {
	s.mu.Lock()
	delete(s.busy, c)
	s.mu.Unlock()
}

// SetBulkLoad removes the budget ceiling while an initial world load is
// in flight.
func (s *Scheduler) SetBulkLoad(on bool) {
	s.mu.Lock()
	s.bulkLoad = on
	s.mu.Unlock()
}

// HasPendingUnload reports a queued unload for the coordinate.
func (s *Scheduler) HasPendingUnload(c chunk.Coord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingUnload[c]
}

func (s *Scheduler) HasPendingOperation(c chunk.Coord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[c] || s.pendingLoad[c] || s.pendingUnload[c] {
		return true
	}
	for b := range s.buckets {
		for _, op := range s.buckets[b] {
			if op.Coord == c {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for b := range s.buckets {
		n += len(s.buckets[b])
	}
	return n
}

// Tick dispatches up to the computed budget and returns the number of
// operations processed.
func (s *Scheduler) Tick(frameTime time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	s.observeFrame(frameTime)
	if s.cfg.SweepEveryTicks > 0 && s.tick%uint64(s.cfg.SweepEveryTicks) == 0 {
		s.sweepLocked()
	}

	budget := s.budgetLocked()
	processed := 0

	// Critical first, then a bounded slice of unloads so resource
	// pressure always drains, then the rest in priority order.
	processed += s.drainBucketLocked(bucketOf(PriorityCritical), budget-processed, nil)

	unloadsLeft := s.cfg.UnloadSubBudget
	for b := bucketOf(PriorityHigh); b >= bucketOf(PriorityLow) && unloadsLeft > 0 && processed < budget; b-- {
		n := s.drainBucketLocked(b, min(unloadsLeft, budget-processed), func(op *Operation) bool {
			return op.Type == OpUnload
		})
		unloadsLeft -= n
		processed += n
	}

	for b := bucketOf(PriorityHigh); b >= bucketOf(PriorityLow) && processed < budget; b-- {
		processed += s.drainBucketLocked(b, budget-processed, nil)
	}
	return processed
}

func bucketOf(p Priority) int { return int(p) }

func (s *Scheduler) observeFrame(d time.Duration) {
	if s.cfg.FrameWindow <= 0 {
		return
	}
	if len(s.frames) < s.cfg.FrameWindow {
		s.frames = append(s.frames, d)
		return
	}
	s.frames[s.frameNext] = d
	s.frameNext = (s.frameNext + 1) % s.cfg.FrameWindow
}

// budgetLocked scales the ceiling down as frames run long or buffer
// memory crosses the pressure threshold.
func (s *Scheduler) budgetLocked() int {
	if s.bulkLoad {
		return int(^uint(0) >> 1)
	}
	budget := s.cfg.BudgetCeiling
	if len(s.frames) > 0 && s.cfg.TargetFrameMs > 0 {
		var sum time.Duration
		for _, d := range s.frames {
			sum += d
		}
		avg := sum / time.Duration(len(s.frames))
		target := time.Duration(s.cfg.TargetFrameMs) * time.Millisecond
		if avg > target {
			budget = int(float64(budget) * float64(target) / float64(avg))
		}
	}
	if s.memoryBytes != nil && s.pressureBytes > 0 && s.memoryBytes() >= s.pressureBytes {
		budget = s.cfg.BudgetFloor
	}
	if budget < s.cfg.BudgetFloor {
		budget = s.cfg.BudgetFloor
	}
	if budget > s.cfg.BudgetCeiling {
		budget = s.cfg.BudgetCeiling
	}
	return budget
}

// drainBucketLocked dispatches up to limit operations matching the
// filter. Coordinates already mid-flight are deferred to the bucket
// tail rather than blocking the tick.
func (s *Scheduler) drainBucketLocked(b, limit int, filter func(*Operation) bool) int {
	if limit <= 0 {
		return 0
	}
	dispatched := 0
	var keep, parked []*Operation
	queue := s.buckets[b]
	s.buckets[b] = nil
	for i := 0; i < len(queue); i++ {
		op := queue[i]
		if dispatched >= limit || (filter != nil && !filter(op)) {
			keep = append(keep, op)
			continue
		}
		if s.busy[op.Coord] {
			s.deferred.Inc()
			parked = append(parked, op)
			continue
		}
		if _, q := s.sm.Quarantined(op.Coord); q {
			s.clearPendingLocked(op)
			s.rejected.Inc()
			continue
		}
		if reason := s.validateLocked(op); reason != "" {
			s.quarantineLocked(op, reason)
			continue
		}
		s.busy[op.Coord] = true
		s.clearPendingLocked(op)
		s.mu.Unlock()
		done, err := s.disp.Dispatch(op)
		s.mu.Lock()
		if err != nil {
			delete(s.busy, op.Coord)
			op.RetryCount++
			op.recordError(err.Error())
			if op.RetryCount > s.cfg.MaxRetries {
				s.quarantineLocked(op, fmt.Sprintf("retries exhausted: %v", err))
			} else {
				s.requeueLocked(op)
			}
			continue
		}
		if done {
			delete(s.busy, op.Coord)
		}
		dispatched++
		s.processed.Inc()
	}
	// Mid-flight coordinates go behind everything still queued,
	// including enqueues that arrived during dispatch.
	s.buckets[b] = append(append(keep, s.buckets[b]...), parked...)
	return dispatched
}

func (s *Scheduler) requeueLocked(op *Operation) {
	switch op.Type {
	case OpLoad:
		s.pendingLoad[op.Coord] = true
	case OpUnload:
		s.pendingUnload[op.Coord] = true
	}
	b := bucketOf(op.Priority)
	s.buckets[b] = append(s.buckets[b], op)
}

// validateLocked returns a non-empty rejection reason when the chunk's
// presence or status does not admit the operation.
func (s *Scheduler) validateLocked(op *Operation) string {
	present := s.disp.HasChunk(op.Coord)
	st := s.sm.Status(op.Coord)
	switch op.Type {
	case OpLoad:
		if present {
			return "load target already resident"
		}
		if st != state.None && st != state.Unloaded {
			return fmt.Sprintf("load target in status %s", st)
		}
	case OpUnload:
		if !present {
			return "unload target not resident"
		}
	default:
		if !present {
			return fmt.Sprintf("%s target not resident", op.Type)
		}
		if op.RequiredStatus != state.None && st != op.RequiredStatus {
			return fmt.Sprintf("%s requires status %s, chunk is %s", op.Type, op.RequiredStatus, st)
		}
	}
	return ""
}

func (s *Scheduler) quarantineLocked(op *Operation, reason string) {
	s.clearPendingLocked(op)
	op.recordError(reason)
	s.sm.Quarantine(op.Coord, fmt.Sprintf("%s: %s", op.Type, reason))
	s.quarantine.Inc()
	s.log.Printf("quarantined %s %s: %s", op.Type, op.Coord, reason)
}

func (s *Scheduler) clearPendingLocked(op *Operation) {
	switch op.Type {
	case OpLoad:
		delete(s.pendingLoad, op.Coord)
	case OpUnload:
		delete(s.pendingUnload, op.Coord)
	}
}

// sweepLocked quarantines queued operations that have already burned
// through their retries.
func (s *Scheduler) sweepLocked() {
	for b := range s.buckets {
		var keep []*Operation
		for _, op := range s.buckets[b] {
			if op.RetryCount > s.cfg.MaxRetries {
				s.quarantineLocked(op, "stale: retries exhausted")
				continue
			}
			keep = append(keep, op)
		}
		s.buckets[b] = keep
	}
}
