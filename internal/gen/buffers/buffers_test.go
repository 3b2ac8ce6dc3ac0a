package buffers

import (
	"testing"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/work"
)

func TestAllocator_FloorsInitialCapacity(t *testing.T) {
	p := work.NewPool(1)
	defer p.Close()
	a := NewAllocator(p, 4, 2)
	if a.VertexCapacity() != 256 {
		t.Fatalf("vertex capacity = %d, want floor 256", a.VertexCapacity())
	}
	if a.IndexCapacity() != 256*6 {
		t.Fatalf("index capacity = %d", a.IndexCapacity())
	}
	if a.MaxVertices() < 256 {
		t.Fatalf("max %d below floor", a.MaxVertices())
	}
}

func TestCursors_ExceedCapacityWithoutWriting(t *testing.T) {
	p := work.NewPool(2)
	defer p.Close()
	a := NewAllocator(p, 256, 1024)
	b := a.Buffers()

	// Claim more slots than fit; writes are the caller's duty and only
	// happen for in-range slots, so overclaiming is just a count.
	claims := a.VertexCapacity() + 100
	for i := 0; i < claims; i++ {
		slot := b.AllocVertex()
		if slot < int64(len(b.Vertices)) {
			b.Vertices[slot] = chunk.Vec3{X: float32(i)}
		}
	}
	if got := b.VertexCursor.Load(); got != int64(claims) {
		t.Fatalf("cursor = %d, want %d", got, claims)
	}
}

func TestGrow_GeometricMonotonicClamped(t *testing.T) {
	p := work.NewPool(1)
	defer p.Close()
	a := NewAllocator(p, 256, 600)

	if err := a.Grow(300, 0); err != nil {
		t.Fatal(err)
	}
	grown := a.VertexCapacity()
	if grown < 300 {
		t.Fatalf("capacity %d below need", grown)
	}
	if grown != 384 { // 256 * 1.5
		t.Fatalf("capacity %d, want geometric step 384", grown)
	}

	if err := a.Grow(500, 0); err != nil {
		t.Fatal(err)
	}
	if a.VertexCapacity() != 576 { // 384 * 1.5
		t.Fatalf("capacity %d, want 576", a.VertexCapacity())
	}

	// Clamp at max.
	if err := a.Grow(600, 0); err != nil {
		t.Fatal(err)
	}
	if a.VertexCapacity() != 600 {
		t.Fatalf("capacity %d, want clamp 600", a.VertexCapacity())
	}

	// Over max is a hard error, capacity untouched.
	if err := a.Grow(601, 0); err == nil {
		t.Fatal("expected error past max")
	}
	if a.VertexCapacity() != 600 {
		t.Fatalf("capacity changed on failed grow")
	}
}

func TestGrow_PreservesWrittenPrefix(t *testing.T) {
	p := work.NewPool(1)
	defer p.Close()
	a := NewAllocator(p, 256, 4096)
	b := a.Buffers()
	for i := 0; i < 256; i++ {
		b.Vertices[i] = chunk.Vec3{X: float32(i)}
	}
	for i := 0; i < 256*6; i++ {
		b.Indices[i] = int32(i)
	}
	if err := a.Grow(512, 512*6); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 256; i++ {
		if b.Vertices[i].X != float32(i) {
			t.Fatalf("vertex %d lost after grow", i)
		}
	}
	for i := 0; i < 256*6; i++ {
		if b.Indices[i] != int32(i) {
			t.Fatalf("index %d lost after grow", i)
		}
	}
}

func TestScheduleExtraction_ResetsCursorsAndJoinsPrevious(t *testing.T) {
	p := work.NewPool(2)
	defer p.Close()
	a := NewAllocator(p, 256, 1024)
	b := a.Buffers()

	h1, err := a.ScheduleExtraction(100, 10, func(start, end int) {
		for i := start; i < end; i++ {
			b.AllocVertex()
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	h1.Join()
	if b.VertexCursor.Load() != 100 {
		t.Fatalf("cursor = %d after first pass", b.VertexCursor.Load())
	}

	// Second schedule resets cursors even though the first wrote.
	h2, err := a.ScheduleExtraction(10, 2, func(start, end int) {
		for i := start; i < end; i++ {
			b.AllocVertex()
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	h2.Join()
	if b.VertexCursor.Load() != 10 {
		t.Fatalf("cursor = %d, want 10 after reset", b.VertexCursor.Load())
	}
	a.Dispose()
}
