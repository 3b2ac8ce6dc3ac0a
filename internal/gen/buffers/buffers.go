// Package buffers owns the growable vertex/index output buffers that
// surface extraction writes into. One allocator per chunk instance;
// buffers are never shared across coordinates and capacity never
// shrinks.
package buffers

import (
	"fmt"
	"sync/atomic"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/work"
)

const growthFactor = 1.5

// Buffers is the shared output target of one extraction pass. Writer
// goroutines allocate slots through the atomic cursors; readers must
// not touch the arrays until the producing job handle has joined.
type Buffers struct {
	Vertices []chunk.Vec3
	Indices  []int32

	VertexCursor atomic.Int64
	IndexCursor  atomic.Int64
}

// AllocVertex claims one vertex slot. The returned index may exceed
// capacity; the pass detects that after the join and restarts larger.
func (b *Buffers) AllocVertex() int64 {
	return b.VertexCursor.Add(1) - 1
}

// AllocTriangle claims three index slots.
func (b *Buffers) AllocTriangle() int64 {
	return b.IndexCursor.Add(3) - 3
}

func (b *Buffers) Reset() {
	b.VertexCursor.Store(0)
	b.IndexCursor.Store(0)
}

type Allocator struct {
	pool *work.Pool
	buf  Buffers

	minVertices int
	maxVertices int

	current *work.Handle
}

// NewAllocator sizes the initial buffers from configuration,
// floor-clamped so tiny configs still hold a minimal pass.
func NewAllocator(pool *work.Pool, initialVertices, maxVertices int) *Allocator {
	if initialVertices < 256 {
		initialVertices = 256
	}
	if maxVertices < initialVertices {
		maxVertices = initialVertices
	}
	a := &Allocator{
		pool:        pool,
		minVertices: initialVertices,
		maxVertices: maxVertices,
	}
	a.buf.Vertices = make([]chunk.Vec3, initialVertices)
	a.buf.Indices = make([]int32, initialVertices*6)
	return a
}

func (a *Allocator) Buffers() *Buffers { return &a.buf }

func (a *Allocator) VertexCapacity() int { return len(a.buf.Vertices) }
func (a *Allocator) IndexCapacity() int  { return len(a.buf.Indices) }
func (a *Allocator) MaxVertices() int    { return a.maxVertices }

// MemoryBytes reports resident buffer memory for scheduler pressure.
func (a *Allocator) MemoryBytes() int64 {
	return int64(len(a.buf.Vertices))*12 + int64(len(a.buf.Indices))*4
}

// ScheduleExtraction fans fn out over n cells and remembers the handle.
// If a previous job is still unjoined it is forced to completion first:
// abandoning parallel work against shared buffers is forbidden.
func (a *Allocator) ScheduleExtraction(n, grain int, fn func(start, end int)) (*work.Handle, error) {
	a.CompleteCurrent()
	a.buf.Reset()
	h, err := a.pool.ParallelFor(n, grain, fn)
	if err != nil {
		return nil, fmt.Errorf("schedule extraction: %w", err)
	}
	a.current = h
	return h, nil
}

// CompleteCurrent blocks until the in-flight job, if any, joins.
func (a *Allocator) CompleteCurrent() {
	if a.current != nil {
		a.current.Join()
		a.current = nil
	}
}

// Grow enlarges capacity to hold the given counts, geometrically and
// clamped at the configured maximum. The written prefix is preserved
// by copy before the old arrays are dropped. Capacity never shrinks.
func (a *Allocator) Grow(neededVertices, neededIndices int) error {
	if neededVertices > a.maxVertices {
		return fmt.Errorf("extraction needs %d vertices, max is %d", neededVertices, a.maxVertices)
	}
	if vc := len(a.buf.Vertices); neededVertices > vc {
		next := vc
		for next < neededVertices {
			next = int(float64(next) * growthFactor)
		}
		if next > a.maxVertices {
			next = a.maxVertices
		}
		grown := make([]chunk.Vec3, next)
		copy(grown, a.buf.Vertices)
		a.buf.Vertices = grown
	}
	if ic := len(a.buf.Indices); neededIndices > ic {
		maxIdx := a.maxVertices * 6
		if neededIndices > maxIdx {
			return fmt.Errorf("extraction needs %d indices, max is %d", neededIndices, maxIdx)
		}
		next := ic
		for next < neededIndices {
			next = int(float64(next) * growthFactor)
		}
		if next > maxIdx {
			next = maxIdx
		}
		grown := make([]int32, next)
		copy(grown, a.buf.Indices)
		a.buf.Indices = grown
	}
	return nil
}

// Dispose joins any in-flight work and drops nothing: pooled chunk
// instances keep their allocator for reuse, so this only guarantees no
// job still targets the arrays.
func (a *Allocator) Dispose() {
	a.CompleteCurrent()
}
