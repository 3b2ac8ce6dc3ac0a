package sched

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/chunk/state"
	"terraforge.dev/internal/tuning"
)

// fakeDispatcher records dispatch order and lets tests script residency,
// failures and async completion per coordinate.
type fakeDispatcher struct {
	resident map[chunk.Coord]bool
	failWith map[chunk.Coord]error
	async    map[chunk.Coord]bool

	dispatched []*Operation
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		resident: make(map[chunk.Coord]bool),
		failWith: make(map[chunk.Coord]error),
		async:    make(map[chunk.Coord]bool),
	}
}

func (d *fakeDispatcher) HasChunk(c chunk.Coord) bool { return d.resident[c] }

func (d *fakeDispatcher) Dispatch(op *Operation) (bool, error) {
	if err := d.failWith[op.Coord]; err != nil {
		return false, err
	}
	d.dispatched = append(d.dispatched, op)
	switch op.Type {
	case OpLoad:
		d.resident[op.Coord] = true
	case OpUnload:
		delete(d.resident, op.Coord)
	}
	return !d.async[op.Coord], nil
}

func testScheduler(t *testing.T, mutate func(*tuning.Scheduler)) (*Scheduler, *fakeDispatcher, *state.Machine) {
	t.Helper()
	cfg := tuning.Defaults().Scheduler
	if mutate != nil {
		mutate(&cfg)
	}
	sm := state.NewMachine()
	disp := newFakeDispatcher()
	s := New(log.New(io.Discard, "", 0), sm, disp, cfg, nil, 0)
	return s, disp, sm
}

func loadOp(x int, p Priority) *Operation {
	return &Operation{Coord: chunk.Coord{X: x}, Type: OpLoad, Priority: p}
}

func TestEnqueue_DeduplicatesLoadsAndUnloads(t *testing.T) {
	s, disp, _ := testScheduler(t, nil)

	if !s.Enqueue(loadOp(1, PriorityNormal)) {
		t.Fatal("first load rejected")
	}
	if s.Enqueue(loadOp(1, PriorityHigh)) {
		t.Fatal("duplicate pending load accepted")
	}

	disp.resident[chunk.Coord{X: 2}] = true
	un := &Operation{Coord: chunk.Coord{X: 2}, Type: OpUnload, Priority: PriorityLow}
	if !s.Enqueue(un) {
		t.Fatal("first unload rejected")
	}
	if s.Enqueue(&Operation{Coord: chunk.Coord{X: 2}, Type: OpUnload, Priority: PriorityLow}) {
		t.Fatal("duplicate pending unload accepted")
	}

	// A load and an unload for the same coordinate may coexist.
	if !s.Enqueue(&Operation{Coord: chunk.Coord{X: 3}, Type: OpLoad, Priority: PriorityNormal}) {
		t.Fatal("load for coord 3 rejected")
	}
	disp.resident[chunk.Coord{X: 3}] = true
	if !s.Enqueue(&Operation{Coord: chunk.Coord{X: 3}, Type: OpUnload, Priority: PriorityNormal}) {
		t.Fatal("unload alongside pending load rejected")
	}
}

func TestTick_PriorityOrder(t *testing.T) {
	s, disp, _ := testScheduler(t, nil)

	s.Enqueue(loadOp(1, PriorityLow))
	s.Enqueue(loadOp(2, PriorityCritical))
	s.Enqueue(loadOp(3, PriorityNormal))
	s.Enqueue(loadOp(4, PriorityHigh))

	if n := s.Tick(time.Millisecond); n != 4 {
		t.Fatalf("processed %d, want 4", n)
	}
	var got []int
	for _, op := range disp.dispatched {
		got = append(got, op.Coord.X)
	}
	want := []int{2, 4, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestTick_BudgetCeilingAndCarryover(t *testing.T) {
	s, disp, _ := testScheduler(t, func(cfg *tuning.Scheduler) {
		cfg.BudgetCeiling = 3
		cfg.BudgetFloor = 1
		cfg.UnloadSubBudget = 0
	})
	for i := 1; i <= 5; i++ {
		s.Enqueue(loadOp(i, PriorityNormal))
	}
	if n := s.Tick(time.Millisecond); n != 3 {
		t.Fatalf("first tick processed %d, want 3", n)
	}
	if qs := s.QueueSize(); qs != 2 {
		t.Fatalf("queue size %d after first tick, want 2", qs)
	}
	if n := s.Tick(time.Millisecond); n != 2 {
		t.Fatalf("second tick processed %d, want 2", n)
	}
	if len(disp.dispatched) != 5 {
		t.Fatalf("total dispatched %d, want 5", len(disp.dispatched))
	}
}

func TestTick_SlowFramesShrinkBudget(t *testing.T) {
	s, _, _ := testScheduler(t, func(cfg *tuning.Scheduler) {
		cfg.BudgetCeiling = 16
		cfg.BudgetFloor = 2
		cfg.FrameWindow = 4
		cfg.TargetFrameMs = 10
		cfg.UnloadSubBudget = 0
	})
	for i := 1; i <= 16; i++ {
		s.Enqueue(loadOp(i, PriorityNormal))
	}
	// Average frame time 40ms against a 10ms target scales 16 down to 4.
	if n := s.Tick(40 * time.Millisecond); n != 4 {
		t.Fatalf("processed %d with slow frames, want 4", n)
	}
	// Fast frames pull the average back under the target.
	for i := 0; i < 8; i++ {
		s.Tick(time.Millisecond)
	}
	if qs := s.QueueSize(); qs != 0 {
		t.Fatalf("queue size %d after recovery, want 0", qs)
	}
}

func TestTick_MemoryPressureSqueezesToFloor(t *testing.T) {
	cfg := tuning.Defaults().Scheduler
	cfg.BudgetCeiling = 10
	cfg.BudgetFloor = 2
	cfg.UnloadSubBudget = 0
	sm := state.NewMachine()
	disp := newFakeDispatcher()
	mem := int64(0)
	s := New(log.New(io.Discard, "", 0), sm, disp, cfg, func() int64 { return mem }, 1<<20)

	for i := 1; i <= 10; i++ {
		s.Enqueue(loadOp(i, PriorityNormal))
	}
	mem = 2 << 20
	if n := s.Tick(time.Millisecond); n != 2 {
		t.Fatalf("processed %d under pressure, want floor 2", n)
	}
	mem = 0
	if n := s.Tick(time.Millisecond); n != 8 {
		t.Fatalf("processed %d after pressure cleared, want 8", n)
	}
}

func TestTick_BulkLoadIgnoresBudget(t *testing.T) {
	s, disp, _ := testScheduler(t, func(cfg *tuning.Scheduler) {
		cfg.BudgetCeiling = 2
	})
	for i := 1; i <= 50; i++ {
		s.Enqueue(loadOp(i, PriorityNormal))
	}
	s.SetBulkLoad(true)
	if n := s.Tick(time.Millisecond); n != 50 {
		t.Fatalf("bulk tick processed %d, want 50", n)
	}
	s.SetBulkLoad(false)
	if len(disp.dispatched) != 50 {
		t.Fatalf("dispatched %d, want 50", len(disp.dispatched))
	}
}

func TestTick_UnloadSubBudgetRunsBeforeLoads(t *testing.T) {
	s, disp, _ := testScheduler(t, func(cfg *tuning.Scheduler) {
		cfg.BudgetCeiling = 3
		cfg.UnloadSubBudget = 2
	})
	for i := 1; i <= 4; i++ {
		disp.resident[chunk.Coord{X: 100 + i}] = true
		s.Enqueue(&Operation{Coord: chunk.Coord{X: 100 + i}, Type: OpUnload, Priority: PriorityLow})
	}
	s.Enqueue(loadOp(1, PriorityHigh))

	if n := s.Tick(time.Millisecond); n != 3 {
		t.Fatalf("processed %d, want 3", n)
	}
	unloads := 0
	for _, op := range disp.dispatched[:2] {
		if op.Type == OpUnload {
			unloads++
		}
	}
	if unloads != 2 {
		t.Fatalf("first two dispatches had %d unloads, want 2 despite lower priority", unloads)
	}
}

func TestTick_ValidationFailureQuarantines(t *testing.T) {
	s, disp, sm := testScheduler(t, nil)

	// Load for an already-resident chunk is structurally invalid.
	disp.resident[chunk.Coord{X: 7}] = true
	s.Enqueue(loadOp(7, PriorityNormal))
	if n := s.Tick(time.Millisecond); n != 0 {
		t.Fatalf("processed %d, want 0", n)
	}
	if _, q := sm.Quarantined(chunk.Coord{X: 7}); !q {
		t.Fatal("invalid operation did not quarantine the coordinate")
	}
	if len(disp.dispatched) != 0 {
		t.Fatal("invalid operation reached the dispatcher")
	}

	// Further operations for the quarantined coordinate are dropped.
	s.Enqueue(loadOp(7, PriorityCritical))
	s.Tick(time.Millisecond)
	if len(disp.dispatched) != 0 {
		t.Fatal("operation for quarantined coordinate reached the dispatcher")
	}
}

func TestTick_RetryThenQuarantine(t *testing.T) {
	s, disp, sm := testScheduler(t, func(cfg *tuning.Scheduler) {
		cfg.MaxRetries = 2
	})
	c := chunk.Coord{X: 9}
	disp.failWith[c] = errors.New("disk on fire")
	s.Enqueue(loadOp(9, PriorityNormal))

	// Retries requeue until the limit, then the sweep-independent path
	// quarantines on the tick after the final failure.
	for i := 0; i < 10; i++ {
		s.Tick(time.Millisecond)
		if _, q := sm.Quarantined(c); q {
			break
		}
	}
	if _, q := sm.Quarantined(c); !q {
		t.Fatal("repeatedly failing operation never quarantined")
	}
	if len(disp.dispatched) != 0 {
		t.Fatal("failing dispatch recorded as success")
	}
	if s.HasPendingOperation(c) {
		t.Fatal("quarantined coordinate still pending")
	}
}

func TestTick_BusyCoordinateDeferred(t *testing.T) {
	s, disp, sm := testScheduler(t, nil)
	c := chunk.Coord{X: 5}
	disp.async[c] = true

	s.Enqueue(loadOp(5, PriorityNormal))
	if n := s.Tick(time.Millisecond); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	if !s.HasPendingOperation(c) {
		t.Fatal("async coordinate not tracked as busy")
	}

	// A follow-up op for the busy coordinate defers, not dispatches.
	disp.resident[c] = true
	sm.TryChange(c, state.Loading, 0)
	s.Enqueue(&Operation{Coord: c, Type: OpGenerate, Priority: PriorityHigh})
	if n := s.Tick(time.Millisecond); n != 0 {
		t.Fatalf("processed %d while coordinate busy, want 0", n)
	}

	s.Release(c)
	sm.TryChange(c, state.Loaded, 0)
	disp.async[c] = false
	if n := s.Tick(time.Millisecond); n != 1 {
		t.Fatalf("processed %d after release, want 1", n)
	}
	if got := disp.dispatched[len(disp.dispatched)-1].Type; got != OpGenerate {
		t.Fatalf("deferred op dispatched as %s, want %s", got, OpGenerate)
	}
}

func TestTick_DeferredOpMovesToBucketTail(t *testing.T) {
	s, disp, sm := testScheduler(t, func(cfg *tuning.Scheduler) {
		cfg.BudgetFloor = 1
		cfg.BudgetCeiling = 1
	})
	a := chunk.Coord{X: 1}
	disp.resident[a] = true
	disp.async[a] = true
	sm.TryChange(a, state.Loading, 0)

	// Occupy the coordinate with an async generate.
	s.Enqueue(&Operation{Coord: a, Type: OpGenerate, Priority: PriorityNormal})
	if n := s.Tick(time.Millisecond); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	for _, x := range []int{2, 3} {
		disp.resident[chunk.Coord{X: x}] = true
	}
	s.Enqueue(&Operation{Coord: a, Type: OpGenerate, Priority: PriorityNormal})
	s.Enqueue(&Operation{Coord: chunk.Coord{X: 2}, Type: OpGenerate, Priority: PriorityNormal})
	s.Enqueue(&Operation{Coord: chunk.Coord{X: 3}, Type: OpGenerate, Priority: PriorityNormal})

	// Budget 1: the busy op parks behind the remainder of the bucket.
	if n := s.Tick(time.Millisecond); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	got := disp.dispatched[len(disp.dispatched)-1].Coord
	if got != (chunk.Coord{X: 2}) {
		t.Fatalf("dispatched %s, want X=2", got)
	}

	// Even once its coordinate frees up, the parked op waits its turn
	// at the tail.
	s.Release(a)
	disp.async[a] = false
	if n := s.Tick(time.Millisecond); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	got = disp.dispatched[len(disp.dispatched)-1].Coord
	if got != (chunk.Coord{X: 3}) {
		t.Fatalf("dispatched %s, want X=3; deferred op overtook the queue", got)
	}
	if n := s.Tick(time.Millisecond); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	if got = disp.dispatched[len(disp.dispatched)-1].Coord; got != a {
		t.Fatalf("dispatched %s, want the deferred op last", got)
	}
}

func TestTick_SweepQuarantinesStaleOps(t *testing.T) {
	s, disp, sm := testScheduler(t, func(cfg *tuning.Scheduler) {
		cfg.MaxRetries = 1
		cfg.SweepEveryTicks = 2
		cfg.BudgetCeiling = 1
		cfg.BudgetFloor = 1
		cfg.UnloadSubBudget = 0
	})
	// Park a pre-exhausted op behind a busy coordinate so the sweep,
	// not the dispatch path, has to catch it.
	c := chunk.Coord{X: 11}
	disp.async[c] = true
	s.Enqueue(loadOp(11, PriorityNormal))
	s.Tick(time.Millisecond)

	stale := &Operation{Coord: c, Type: OpGenerate, Priority: PriorityNormal, RetryCount: 5}
	s.Enqueue(stale)
	for i := 0; i < 4; i++ {
		s.Tick(time.Millisecond)
	}
	if _, q := sm.Quarantined(c); !q {
		t.Fatal("sweep did not quarantine the exhausted operation")
	}
}

func TestHasPendingOperation_CoversQueueAndBusy(t *testing.T) {
	s, disp, _ := testScheduler(t, nil)
	c := chunk.Coord{X: 21}
	if s.HasPendingOperation(c) {
		t.Fatal("pending reported for empty scheduler")
	}
	s.Enqueue(loadOp(21, PriorityLow))
	if !s.HasPendingOperation(c) {
		t.Fatal("queued operation not reported")
	}
	s.Tick(time.Millisecond)
	if s.HasPendingOperation(c) {
		t.Fatal("completed operation still reported")
	}
	_ = disp
}
