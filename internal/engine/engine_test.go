package engine

import (
	"io"
	"log"
	"runtime"
	"testing"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/chunk/state"
	"terraforge.dev/internal/sched"
	"terraforge.dev/internal/tuning"
)

func testEngine(t *testing.T, dir string, mutate func(*tuning.Tuning)) *Engine {
	t.Helper()
	tune := tuning.Defaults()
	tune.Persist.DisableIndex = true
	tune.Persist.ClassifyMergeEveryMs = 0
	if mutate != nil {
		mutate(&tune)
	}
	e, err := New(Options{
		DataDir: dir,
		Tune:    tune,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// tickUntil drives the engine until cond holds or the tick budget runs
// out.
func tickUntil(t *testing.T, e *Engine, ticks int, cond func() bool) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		e.Tick()
		if cond() {
			return
		}
		// Yield so pool workers can run on GOMAXPROCS=1; the
		// production Run loop blocks on a ticker and never spins.
		runtime.Gosched()
	}
	t.Fatalf("condition not reached in %d ticks", ticks)
}

func loadChunk(t *testing.T, e *Engine, c chunk.Coord) {
	t.Helper()
	if !e.EnqueueLoad(c, sched.PriorityCritical) {
		t.Fatalf("load for %s rejected", c)
	}
	tickUntil(t, e, 2000, func() bool {
		st := e.States().Status(c)
		return st == state.Loaded || st == state.Modified
	})
}

func TestEngine_LoadGeneratesAndMeshes(t *testing.T) {
	e := testEngine(t, t.TempDir(), nil)
	defer e.Close()

	var meshed []chunk.Coord
	e.SetOnMeshReady(func(c chunk.Coord, m *chunk.Mesh) {
		if m != nil {
			meshed = append(meshed, c)
		}
	})

	c := chunk.Coord{Y: 1}
	loadChunk(t, e, c)

	if !e.HasChunk(c) {
		t.Fatal("loaded chunk not resident")
	}
	if e.ResidentCount() != 1 {
		t.Fatalf("resident count %d, want 1", e.ResidentCount())
	}
	if len(meshed) != 1 || meshed[0] != c {
		t.Fatalf("mesh callbacks %v, want [%s]", meshed, c)
	}
	if st := e.States().Status(c); st != state.Loaded {
		t.Fatalf("status %s, want Loaded", st)
	}
}

func TestEngine_DuplicateLoadRejected(t *testing.T) {
	e := testEngine(t, t.TempDir(), nil)
	defer e.Close()

	c := chunk.Coord{X: 2, Y: 1}
	if !e.EnqueueLoad(c, sched.PriorityNormal) {
		t.Fatal("first load rejected")
	}
	if e.EnqueueLoad(c, sched.PriorityNormal) {
		t.Fatal("duplicate load accepted")
	}
}

func TestEngine_EditMarksModifiedAndPersists(t *testing.T) {
	dir := t.TempDir()
	e := testEngine(t, dir, nil)

	c := chunk.Coord{Y: 1}
	loadChunk(t, e, c)

	if !e.ApplyVoxelEdit(c, VoxelEdit{X: 4, Y: 4, Z: 4, Adding: true, DensityChange: 3}) {
		t.Fatal("edit rejected")
	}
	tickUntil(t, e, 2000, func() bool {
		return e.States().Status(c) == state.Modified && !e.HasPendingOperation(c)
	})

	if !e.Modlog().HasModifications(c) {
		t.Fatal("edit not logged")
	}
	if !e.Snapshots().Has(c) {
		t.Fatal("modified chunk has no snapshot on disk")
	}
	if _, ok := e.Classifications().Get(c); ok {
		t.Fatal("stale classification survived the edit")
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_ReloadReplaysModifications(t *testing.T) {
	dir := t.TempDir()
	c := chunk.Coord{Y: 1}

	e := testEngine(t, dir, nil)
	loadChunk(t, e, c)
	if !e.ApplyVoxelEdit(c, VoxelEdit{X: 4, Y: 4, Z: 4, Adding: true, DensityChange: 3}) {
		t.Fatal("edit rejected")
	}
	tickUntil(t, e, 2000, func() bool {
		return e.States().Status(c) == state.Modified && !e.HasPendingOperation(c)
	})
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh engine over the same world folder restores the chunk with
	// the edit applied.
	e2 := testEngine(t, dir, nil)
	defer e2.Close()
	tickUntil(t, e2, 2000, func() bool { return e2.Modlog().Loaded() })
	loadChunk(t, e2, c)

	tickUntil(t, e2, 2000, func() bool { return !e2.HasPendingOperation(c) })
	if st := e2.States().Status(c); st != state.Modified {
		t.Fatalf("restored status %s, want Modified", st)
	}
	rc := e2.resident[c]
	if rc == nil {
		t.Fatal("restored chunk not resident")
	}
	if got := rc.Voxels[rc.CellIndex(4, 4, 4)].Active; got != chunk.VoxelActive {
		t.Fatalf("replayed voxel state %v, want active", got)
	}
}

func TestEngine_EditOnDeepChunkCarvesIt(t *testing.T) {
	e := testEngine(t, t.TempDir(), nil)
	defer e.Close()

	var lastMesh *chunk.Mesh
	c := chunk.Coord{Y: -30}
	e.SetOnMeshReady(func(co chunk.Coord, m *chunk.Mesh) {
		if co == c && m != nil {
			cp := *m
			lastMesh = &cp
		}
	})

	// Fully solid chunk: empty mesh.
	loadChunk(t, e, c)
	if lastMesh == nil || !lastMesh.Empty() {
		t.Fatalf("enclosed solid chunk meshed: %v", lastMesh)
	}

	if !e.ApplyVoxelEdit(c, VoxelEdit{X: 8, Y: 8, Z: 8, Adding: false, DensityChange: 25}) {
		t.Fatal("edit rejected")
	}
	tickUntil(t, e, 2000, func() bool {
		return lastMesh != nil && !lastMesh.Empty()
	})
}

func TestEngine_UnloadEvictsAndAllowsReload(t *testing.T) {
	e := testEngine(t, t.TempDir(), nil)
	defer e.Close()

	c := chunk.Coord{Y: 1}
	loadChunk(t, e, c)
	if !e.EnqueueUnload(c, sched.PriorityHigh) {
		t.Fatal("unload rejected")
	}
	tickUntil(t, e, 2000, func() bool { return !e.HasChunk(c) })
	if st := e.States().Status(c); st != state.Unloaded {
		t.Fatalf("status %s after unload, want Unloaded", st)
	}
	loadChunk(t, e, c)
}

func TestEngine_EditRequiresResidency(t *testing.T) {
	e := testEngine(t, t.TempDir(), nil)
	defer e.Close()

	c := chunk.Coord{X: 6, Y: 1}
	if !e.ApplyVoxelEdit(c, VoxelEdit{X: 1, Y: 1, Z: 1, Adding: true, DensityChange: 1}) {
		t.Fatal("enqueue rejected; validation happens at dispatch")
	}
	// Dispatch-time validation quarantines the coordinate.
	tickUntil(t, e, 200, func() bool {
		_, q := e.States().Quarantined(c)
		return q
	})
}

func TestEngine_CompactionFoldsModlog(t *testing.T) {
	dir := t.TempDir()
	e := testEngine(t, dir, func(tn *tuning.Tuning) {
		tn.Persist.CompactAfterEntries = 5
	})

	c := chunk.Coord{Y: 1}
	loadChunk(t, e, c)
	for i := 0; i < 5; i++ {
		if !e.ApplyVoxelEdit(c, VoxelEdit{X: i, Y: 2, Z: 3, Adding: true, DensityChange: 2}) {
			t.Fatalf("edit %d rejected", i)
		}
		tickUntil(t, e, 2000, func() bool { return !e.HasPendingOperation(c) })
	}

	tickUntil(t, e, 2000, func() bool { return e.Modlog().EntryCount() == 0 })
	if e.Modlog().HasModifications(c) {
		t.Fatal("compaction left the resident chunk's entries behind")
	}
	if !e.Snapshots().Has(c) {
		t.Fatal("compaction did not snapshot the folded chunk")
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	// After folding, a reload needs no replay: the snapshot alone wins.
	e2 := testEngine(t, dir, nil)
	defer e2.Close()
	tickUntil(t, e2, 2000, func() bool { return e2.Modlog().Loaded() })
	if e2.Modlog().EntryCount() != 0 {
		t.Fatalf("reopened modlog has %d entries, want 0", e2.Modlog().EntryCount())
	}
	loadChunk(t, e2, c)
	if st := e2.States().Status(c); st != state.Loaded {
		t.Fatalf("status %s after reload, want Loaded; folded entries replayed again", st)
	}
	rc := e2.resident[c]
	if rc.Voxels[rc.CellIndex(2, 2, 3)].Active != chunk.VoxelActive {
		t.Fatal("folded edit missing from reloaded chunk")
	}
}

func TestEngine_UnloadOfModifiedChunkSavesFirst(t *testing.T) {
	e := testEngine(t, t.TempDir(), nil)
	defer e.Close()

	var seq []state.Status
	e.States().Subscribe(func(ev state.ChangeEvent) {
		if ev.From != ev.To {
			seq = append(seq, ev.To)
		}
	})

	c := chunk.Coord{Y: 1}
	loadChunk(t, e, c)
	if !e.ApplyVoxelEdit(c, VoxelEdit{X: 2, Y: 2, Z: 2, Adding: true, DensityChange: 3}) {
		t.Fatal("edit rejected")
	}
	tickUntil(t, e, 2000, func() bool {
		return e.States().Status(c) == state.Modified && !e.HasPendingOperation(c)
	})

	if !e.EnqueueUnload(c, sched.PriorityNormal) {
		t.Fatal("unload rejected")
	}
	tickUntil(t, e, 2000, func() bool { return e.States().Status(c) == state.Unloaded })

	want := []state.Status{state.Saving, state.Saved, state.Unloading, state.Unloaded}
	i := 0
	for _, st := range seq {
		if i < len(want) && st == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("transitions %v missing ordered walk %v", seq, want)
	}
	if !e.Snapshots().Has(c) {
		t.Fatal("modified chunk unloaded without a snapshot")
	}
}

func TestEngine_UnloadDuringFailedPipelineReleasesOnce(t *testing.T) {
	e := testEngine(t, t.TempDir(), func(tn *tuning.Tuning) {
		// An edge-32 surface chunk cannot fit 256 vertices, so the
		// load pipeline fails once forced to completion.
		tn.ChunkEdge = 32
		tn.Buffers.InitialVertices = 256
		tn.Buffers.MaxVertices = 256
		tn.Scheduler.MaxRetries = 0
	})
	defer e.Close()

	c := chunk.Coord{}
	if !e.EnqueueLoad(c, sched.PriorityCritical) {
		t.Fatal("load rejected")
	}
	e.Tick()
	if e.jobCount() != 1 {
		t.Fatal("pipeline job not in flight")
	}

	// The unload force-completes the failing job, which already tears
	// the chunk down and releases it.
	if _, err := e.Dispatch(&sched.Operation{
		Coord: c, Type: sched.OpUnload, Priority: sched.PriorityCritical,
		TargetStatus: state.Unloaded,
	}); err != nil {
		t.Fatal(err)
	}
	if e.HasChunk(c) {
		t.Fatal("failed chunk still resident")
	}
	if _, q := e.States().Quarantined(c); !q {
		t.Fatal("exhausted retries did not quarantine")
	}

	// The pool must never hand one instance to two coordinates.
	a := e.chunks.Acquire(chunk.Coord{X: 7})
	b := e.chunks.Acquire(chunk.Coord{X: 8})
	if a == b {
		t.Fatal("chunk released to the pool twice")
	}
	e.chunks.Release(a)
	e.chunks.Release(b)
}
