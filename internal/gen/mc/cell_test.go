package mc

import (
	"testing"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/gen/buffers"
	"terraforge.dev/internal/work"
)

func TestCubeIndex_UniformCells(t *testing.T) {
	var inside, outside [8]float32
	for i := range inside {
		inside[i] = -1 // below surface: solid
		outside[i] = 1 // above surface: air
	}
	if got := CubeIndex(&inside, 0); got != 0xFF {
		t.Fatalf("all-inside index = %#x, want 0xFF", got)
	}
	if got := CubeIndex(&outside, 0); got != 0 {
		t.Fatalf("all-outside index = %#x, want 0", got)
	}
	if EdgeTable[0] != 0 || EdgeTable[0xFF] != 0 {
		t.Fatal("uniform cells must cross no edges")
	}
}

func TestCubeIndex_EpsilonBand(t *testing.T) {
	var corners [8]float32
	// Exactly at the surface is outside; only clearly-below counts.
	for i := range corners {
		corners[i] = 0
	}
	if got := CubeIndex(&corners, 0); got != 0 {
		t.Fatalf("at-surface corners counted inside: %#x", got)
	}
	corners[3] = -2 * Epsilon
	if got := CubeIndex(&corners, 0); got != 1<<3 {
		t.Fatalf("index = %#x, want bit 3 only", got)
	}
}

func TestCellActive_FullyEnclosed(t *testing.T) {
	if CellActive(0) {
		t.Fatal("empty cell must be inactive")
	}
	if !CellActive(0xFF) {
		t.Fatal("fully enclosed cell is solid matter even with no geometry")
	}
	if !CellActive(0x01) {
		t.Fatal("surface-crossing cell must be active")
	}
}

func TestEdgeT_ClampAndDeadZone(t *testing.T) {
	if got := EdgeT(-1, 1, 0); got != 0.5 {
		t.Fatalf("midpoint crossing t = %v", got)
	}
	// Degenerate edge: both corners equal, t clamps into range.
	if got := EdgeT(1, 1, 0); got < 0 || got > 1 {
		t.Fatalf("degenerate edge t = %v out of range", got)
	}
	// Crossing within the dead zone snaps to the corner.
	if got := EdgeT(-0.001, 1, 0); got != 0 {
		t.Fatalf("near-corner crossing t = %v, want snap to 0", got)
	}
	if got := EdgeT(-1, 0.001, 0); got != 1 {
		t.Fatalf("near-corner crossing t = %v, want snap to 1", got)
	}
}

func TestTables_Consistency(t *testing.T) {
	for idx := 0; idx < 256; idx++ {
		tri := TriTable[idx]
		n := 0
		for n < 16 && tri[n] != -1 {
			n++
		}
		if n%3 != 0 {
			t.Fatalf("case %d: %d indices, not a triangle multiple", idx, n)
		}
		// Every referenced edge must be flagged in the edge table.
		for i := 0; i < n; i++ {
			e := tri[i]
			if e < 0 || e > 11 {
				t.Fatalf("case %d: edge %d out of range", idx, e)
			}
			if EdgeTable[idx]&(1<<uint(e)) == 0 {
				t.Fatalf("case %d: triangle uses edge %d not in edge table", idx, e)
			}
		}
		if (idx == 0 || idx == 0xFF) && n != 0 {
			t.Fatalf("uniform case %d emits %d indices", idx, n)
		}
	}
}

func TestEmitCell_SingleCornerProducesOneTriangle(t *testing.T) {
	p := work.NewPool(1)
	defer p.Close()
	a := buffers.NewAllocator(p, 256, 1024)
	buf := a.Buffers()

	var corners [8]float32
	for i := range corners {
		corners[i] = 1
	}
	corners[0] = -1 // one solid corner clips one triangle

	idx := EmitCell(buf, chunk.Vec3{}, &corners, 0)
	if idx != 0x01 {
		t.Fatalf("cube index = %#x", idx)
	}
	if got := buf.VertexCursor.Load(); got != 3 {
		t.Fatalf("vertices = %d, want 3", got)
	}
	if got := buf.IndexCursor.Load(); got != 3 {
		t.Fatalf("indices = %d, want 3", got)
	}
	// The emitted triangle references the three allocated vertices.
	for i := int64(0); i < 3; i++ {
		v := buf.Indices[i]
		if v < 0 || v >= 3 {
			t.Fatalf("index %d references vertex %d", i, v)
		}
	}
	// Vertices sit on the three edges of corner 0, halfway along.
	for i := int64(0); i < 3; i++ {
		v := buf.Vertices[i]
		sum := v.X + v.Y + v.Z
		if sum != 0.5 {
			t.Fatalf("vertex %d = %+v not at an edge midpoint", i, v)
		}
	}
}

func TestEmitCell_OverflowCountsWithoutWriting(t *testing.T) {
	p := work.NewPool(1)
	defer p.Close()
	a := buffers.NewAllocator(p, 256, 1024)
	buf := a.Buffers()

	// Pretend a previous pass already filled the buffers.
	buf.VertexCursor.Store(int64(len(buf.Vertices)))
	buf.IndexCursor.Store(int64(len(buf.Indices)))

	var corners [8]float32
	for i := range corners {
		corners[i] = 1
	}
	corners[0] = -1
	EmitCell(buf, chunk.Vec3{}, &corners, 0)

	wantV := int64(len(buf.Vertices)) + 3
	wantI := int64(len(buf.Indices)) + 3
	if buf.VertexCursor.Load() != wantV || buf.IndexCursor.Load() != wantI {
		t.Fatalf("cursors = %d/%d, want %d/%d",
			buf.VertexCursor.Load(), buf.IndexCursor.Load(), wantV, wantI)
	}
}
