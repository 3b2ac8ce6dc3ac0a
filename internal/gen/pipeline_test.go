package gen

import (
	"io"
	"log"
	"testing"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/tuning"
	"terraforge.dev/internal/work"
)

func testGenerator(t *testing.T, mutate func(*tuning.Tuning)) (*Generator, *chunk.Pool, *work.Pool) {
	t.Helper()
	tune := tuning.Defaults()
	if mutate != nil {
		mutate(&tune)
	}
	wp := work.NewPool(2)
	t.Cleanup(wp.Close)
	g := NewGenerator(log.New(io.Discard, "", 0), wp, tune)
	return g, chunk.NewPool(tune.ChunkEdge), wp
}

func runToTerminal(t *testing.T, j *Job) {
	t.Helper()
	// Exercise the cooperative path first, then join whatever remains.
	for i := 0; i < 16 && j.Step(); i++ {
	}
	j.ForceComplete()
	if !j.Terminal() {
		t.Fatalf("job stuck in phase %s", j.Phase())
	}
}

func TestJob_SurfaceChunkProducesMesh(t *testing.T) {
	g, cp, _ := testGenerator(t, nil)

	// Base height 24 with edge 16 puts the surface inside chunk y=1.
	c := cp.Acquire(chunk.Coord{Y: 1})
	j := g.NewJob(c, JobOptions{})
	runToTerminal(t, j)

	if j.Phase() != PhaseComplete {
		t.Fatalf("phase %s: %s", j.Phase(), j.FailReason())
	}
	if c.Mesh.Empty() {
		t.Fatal("surface chunk produced no geometry")
	}
	if len(c.Mesh.UVs) != len(c.Mesh.Vertices) {
		t.Fatalf("uv count %d != vertex count %d", len(c.Mesh.UVs), len(c.Mesh.Vertices))
	}
	if len(c.Mesh.Indices)%3 != 0 {
		t.Fatalf("index count %d not a triangle multiple", len(c.Mesh.Indices))
	}
	for i, v := range c.Mesh.Indices {
		if v < 0 || int(v) >= len(c.Mesh.Vertices) {
			t.Fatalf("index %d references vertex %d of %d", i, v, len(c.Mesh.Vertices))
		}
	}
	if !c.HasField {
		t.Fatal("field not retained after generation")
	}

	// Some voxels solid, some air.
	active, inactive := 0, 0
	for _, v := range c.Voxels {
		switch v.Active {
		case chunk.VoxelActive:
			active++
		case chunk.VoxelInactive:
			inactive++
		default:
			t.Fatal("voxel left invalid after generation")
		}
	}
	if active == 0 || inactive == 0 {
		t.Fatalf("surface chunk voxels all uniform: %d active, %d inactive", active, inactive)
	}

	g.ReleaseAllocator(j.Allocator())
}

func TestJob_QuickClassifyExitForSkyChunk(t *testing.T) {
	g, cp, _ := testGenerator(t, nil)

	c := cp.Acquire(chunk.Coord{Y: 40})
	j := g.NewJob(c, JobOptions{})
	runToTerminal(t, j)

	if j.Phase() != PhaseComplete {
		t.Fatalf("phase %s: %s", j.Phase(), j.FailReason())
	}
	cls, persistable := j.ResultClassification()
	if !persistable || !cls.IsEmpty || cls.IsSolid {
		t.Fatalf("classification %+v persistable=%v", cls, persistable)
	}
	if !c.Mesh.Empty() {
		t.Fatal("empty chunk produced geometry")
	}
	for _, v := range c.Voxels {
		if v.Active != chunk.VoxelInactive {
			t.Fatal("empty chunk voxel not inactive")
		}
	}
	g.ReleaseAllocator(j.Allocator())
}

func TestJob_PendingEditsSuppressQuickExitAndPersistence(t *testing.T) {
	g, cp, _ := testGenerator(t, nil)

	c := cp.Acquire(chunk.Coord{Y: 40})
	j := g.NewJob(c, JobOptions{HasPendingEdits: true})
	runToTerminal(t, j)

	if j.Phase() != PhaseComplete {
		t.Fatalf("phase %s: %s", j.Phase(), j.FailReason())
	}
	if !c.HasField {
		t.Fatal("edited chunk skipped sampling; edits need a real grid")
	}
	if _, persistable := j.ResultClassification(); persistable {
		t.Fatal("classification must not be persistable with pending edits")
	}
	g.ReleaseAllocator(j.Allocator())
}

func TestJob_OverflowGrowsAndRestarts(t *testing.T) {
	g, cp, _ := testGenerator(t, func(tn *tuning.Tuning) {
		// An edge-32 surface chunk extracts a few thousand vertices,
		// well past the floor-clamped initial capacity, forcing at
		// least one restart.
		tn.ChunkEdge = 32
		tn.Buffers.InitialVertices = 256
		tn.Buffers.MaxVertices = 262144
	})

	c := cp.Acquire(chunk.Coord{})
	j := g.NewJob(c, JobOptions{})
	runToTerminal(t, j)

	if j.Phase() != PhaseComplete {
		t.Fatalf("phase %s: %s", j.Phase(), j.FailReason())
	}
	if j.Restarts() == 0 {
		t.Fatal("expected at least one overflow restart")
	}
	if c.Mesh.Empty() {
		t.Fatal("mesh lost across restart")
	}
	if j.Allocator().VertexCapacity() <= 256 {
		t.Fatal("capacity did not grow")
	}
	g.ReleaseAllocator(j.Allocator())
}

func TestJob_CapacityExhaustionFails(t *testing.T) {
	g, cp, _ := testGenerator(t, func(tn *tuning.Tuning) {
		tn.ChunkEdge = 32
		tn.Buffers.InitialVertices = 256
		tn.Buffers.MaxVertices = 256
	})

	c := cp.Acquire(chunk.Coord{})
	j := g.NewJob(c, JobOptions{})
	runToTerminal(t, j)

	if j.Phase() != PhaseFailed {
		t.Fatalf("phase %s, want Failed", j.Phase())
	}
	if j.FailReason() == "" {
		t.Fatal("failure carries no reason")
	}
	g.ReleaseAllocator(j.Allocator())
}

func TestApplyVoxelEdit_MutatesGridAndMarksDirty(t *testing.T) {
	_, cp, _ := testGenerator(t, nil)
	c := cp.Acquire(chunk.Coord{})
	for i := range c.Density {
		c.Density[i] = 1 // uniform air
	}
	c.HasField = true

	if err := ApplyVoxelEdit(c, 3, 3, 3, true, 2.0, 100); err != nil {
		t.Fatal(err)
	}
	if !c.Dirty {
		t.Fatal("edit did not mark chunk dirty")
	}
	v := c.Voxels[c.CellIndex(3, 3, 3)]
	if v.Active != chunk.VoxelActive || v.Hitpoints != 100 {
		t.Fatalf("voxel after place: %+v", v)
	}
	// Adding matter pushes the surrounding corners toward inside.
	if got := c.Density[c.GridIndex(3, 3, 3)]; got != -1 {
		t.Fatalf("corner density = %v, want -1", got)
	}

	if err := ApplyVoxelEdit(c, 3, 3, 3, false, 2.0, 0); err != nil {
		t.Fatal(err)
	}
	if got := c.Voxels[c.CellIndex(3, 3, 3)].Active; got != chunk.VoxelInactive {
		t.Fatalf("voxel after mine: %v", got)
	}
	if got := c.Density[c.GridIndex(3, 3, 3)]; got != 1 {
		t.Fatalf("corner density = %v after mine, want 1", got)
	}

	if err := ApplyVoxelEdit(c, -1, 0, 0, true, 1, 0); err == nil {
		t.Fatal("out-of-range edit accepted")
	}
}

func TestJob_EditedSolidChunkRemeshes(t *testing.T) {
	g, cp, _ := testGenerator(t, nil)

	// Deep chunk: solid everywhere.
	c := cp.Acquire(chunk.Coord{Y: -30})
	j := g.NewJob(c, JobOptions{})
	runToTerminal(t, j)
	if j.Phase() != PhaseComplete {
		t.Fatalf("phase %s: %s", j.Phase(), j.FailReason())
	}
	if !c.Mesh.Empty() {
		t.Fatal("enclosed solid chunk should have no visible surface")
	}
	alloc := j.Allocator()

	// Mine one voxel, then regenerate with the same allocator: the
	// carved cavity exposes faces.
	if err := ApplyVoxelEdit(c, 8, 8, 8, false, 25, 0); err != nil {
		t.Fatal(err)
	}
	j2 := g.NewJob(c, JobOptions{Allocator: alloc, HasPendingEdits: true})
	runToTerminal(t, j2)
	if j2.Phase() != PhaseComplete {
		t.Fatalf("remesh phase %s: %s", j2.Phase(), j2.FailReason())
	}
	if c.Mesh.Empty() {
		t.Fatal("carved chunk produced no geometry")
	}
	g.ReleaseAllocator(j2.Allocator())
}
