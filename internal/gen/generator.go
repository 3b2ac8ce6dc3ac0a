package gen

import (
	"log"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"terraforge.dev/internal/gen/buffers"
	"terraforge.dev/internal/tuning"
	"terraforge.dev/internal/work"
)

// Generator owns the worker pool handle, the free list of extraction
// allocators, and the terrain field. One per engine.
type Generator struct {
	log   *log.Logger
	pool  *work.Pool
	tune  tuning.Tuning
	field *Field

	mu         sync.Mutex
	freeAllocs []*buffers.Allocator

	jobsStarted  *metrics.Counter
	jobsComplete *metrics.Counter
	jobsFailed   *metrics.Counter
	restarts     *metrics.Counter
	quickExits   *metrics.Counter
}

func NewGenerator(logger *log.Logger, pool *work.Pool, tune tuning.Tuning) *Generator {
	return &Generator{
		log:          logger,
		pool:         pool,
		tune:         tune,
		field:        NewField(tune.Seed, tune.Terrain),
		jobsStarted:  metrics.GetOrCreateCounter(`terraforge_gen_jobs_total{result="started"}`),
		jobsComplete: metrics.GetOrCreateCounter(`terraforge_gen_jobs_total{result="complete"}`),
		jobsFailed:   metrics.GetOrCreateCounter(`terraforge_gen_jobs_total{result="failed"}`),
		restarts:     metrics.GetOrCreateCounter(`terraforge_gen_extraction_restarts_total`),
		quickExits:   metrics.GetOrCreateCounter(`terraforge_gen_quick_classify_exits_total`),
	}
}

func (g *Generator) Field() *Field { return g.field }

// AcquireAllocator hands out a pooled allocator. Free list under one
// coarse lock; capacity carried over from previous owners, so a hot
// allocator keeps its grown buffers.
func (g *Generator) AcquireAllocator() *buffers.Allocator {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := len(g.freeAllocs); n > 0 {
		a := g.freeAllocs[n-1]
		g.freeAllocs = g.freeAllocs[:n-1]
		return a
	}
	return buffers.NewAllocator(g.pool, g.tune.Buffers.InitialVertices, g.tune.Buffers.MaxVertices)
}

// ReleaseAllocator joins any in-flight work and returns the allocator
// to the free list. Capacity is kept (never shrinks).
func (g *Generator) ReleaseAllocator(a *buffers.Allocator) {
	if a == nil {
		return
	}
	a.Dispose()
	g.mu.Lock()
	g.freeAllocs = append(g.freeAllocs, a)
	g.mu.Unlock()
}

// MemoryBytes reports pooled buffer memory for scheduler pressure.
func (g *Generator) MemoryBytes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total int64
	for _, a := range g.freeAllocs {
		total += a.MemoryBytes()
	}
	return total
}
