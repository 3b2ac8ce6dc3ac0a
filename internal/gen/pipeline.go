package gen

import (
	"fmt"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/gen/buffers"
	"terraforge.dev/internal/gen/mc"
	"terraforge.dev/internal/work"
)

// Phase of a per-chunk generation job. The job yields at every phase
// boundary and polls parallel work, so many chunks can be mid-pipeline
// without starving the tick driver.
type Phase int

const (
	PhaseAllocatingBuffers Phase = iota
	PhaseSamplingDensity
	PhaseClassifying
	PhaseExtractingSurface
	PhaseAssemblingMesh
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseAllocatingBuffers:
		return "AllocatingBuffers"
	case PhaseSamplingDensity:
		return "SamplingDensity"
	case PhaseClassifying:
		return "Classifying"
	case PhaseExtractingSurface:
		return "ExtractingSurface"
	case PhaseAssemblingMesh:
		return "AssemblingMesh"
	case PhaseComplete:
		return "Complete"
	case PhaseFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Triangles copied out of the shared buffers per assembly step before
// yielding back to the driver.
const assembleBatchTriangles = 1024

// JobOptions carries what the caller already knows about the chunk.
type JobOptions struct {
	// Allocator to use; if nil the job acquires one from the generator
	// and the caller owns it afterward (read it back via Allocator()).
	Allocator *buffers.Allocator

	// CachedClassification, if decisive and there are no pending edits,
	// lets the job skip sampling and extraction entirely.
	CachedClassification *Classification

	// HasPendingEdits suppresses classification persistence and the
	// quick-exit path: edited chunks need a real voxel grid.
	HasPendingEdits bool
}

// Job is the resumable per-chunk pipeline. Step is called from the tick
// driver; it does a bounded slice of work and returns. ForceComplete
// drives it to a terminal phase, joining any in-flight parallel work,
// and must run before the chunk instance or its buffers are released.
type Job struct {
	gen   *Generator
	chunk *chunk.Chunk
	opts  JobOptions

	phase  Phase
	alloc  *buffers.Allocator
	handle *work.Handle

	// Classification produced by this run; persisted by the caller via
	// ResultClassification unless edits made it stale.
	class    Classification
	hasClass bool

	vertexCount   int
	triangleCount int
	assembleTri   int
	restarts      int

	failReason string
}

func (g *Generator) NewJob(c *chunk.Chunk, opts JobOptions) *Job {
	g.jobsStarted.Inc()
	return &Job{gen: g, chunk: c, opts: opts, phase: PhaseAllocatingBuffers}
}

func (j *Job) Phase() Phase                  { return j.phase }
func (j *Job) FailReason() string            { return j.failReason }
func (j *Job) Restarts() int                 { return j.restarts }
func (j *Job) Allocator() *buffers.Allocator { return j.alloc }

// ResultClassification returns the classification computed by this run
// and whether it is safe to persist (false when edits were pending).
func (j *Job) ResultClassification() (Classification, bool) {
	if !j.hasClass {
		return Classification{}, false
	}
	return j.class, !j.opts.HasPendingEdits
}

func (j *Job) Terminal() bool {
	return j.phase == PhaseComplete || j.phase == PhaseFailed
}

func (j *Job) fail(format string, args ...any) {
	j.failReason = fmt.Sprintf(format, args...)
	j.phase = PhaseFailed
	j.gen.jobsFailed.Inc()
}

// Step advances the job by at most one phase boundary (or one poll of
// in-flight parallel work). Returns true while more work is pending.
func (j *Job) Step() bool {
	switch j.phase {
	case PhaseAllocatingBuffers:
		j.stepAllocate()
	case PhaseSamplingDensity:
		j.stepSample()
	case PhaseClassifying:
		j.stepClassify()
	case PhaseExtractingSurface:
		j.stepExtract()
	case PhaseAssemblingMesh:
		j.stepAssemble()
	}
	return !j.Terminal()
}

// ForceComplete drives the job to a terminal phase synchronously,
// joining parallel work instead of polling it.
func (j *Job) ForceComplete() {
	for !j.Terminal() {
		if j.handle != nil {
			j.handle.Join()
		}
		j.Step()
	}
}

func (j *Job) stepAllocate() {
	if j.alloc == nil {
		j.alloc = j.opts.Allocator
	}
	if j.alloc == nil {
		j.alloc = j.gen.AcquireAllocator()
	}
	if j.alloc == nil || j.alloc.VertexCapacity() == 0 {
		j.fail("buffer allocation failed for %s", j.chunk.Coord)
		return
	}
	j.phase = PhaseSamplingDensity
}

func (j *Job) stepSample() {
	// Poll an in-flight sampling pass.
	if j.handle != nil {
		if !j.handle.Done() {
			return
		}
		j.handle = nil
		j.chunk.HasField = true
		j.phase = PhaseClassifying
		return
	}

	if j.chunk.HasField {
		// Snapshot already populated the field.
		j.phase = PhaseClassifying
		return
	}

	// Quick check against the noise function before paying for the full
	// grid. A cached verdict short-circuits even the probes.
	cls := j.cachedOrProbe()
	if cls.Decisive() && !j.opts.HasPendingEdits {
		j.class = cls
		j.hasClass = true
		j.applyClassification(cls)
		j.gen.quickExits.Inc()
		j.phase = PhaseComplete
		j.gen.jobsComplete.Inc()
		return
	}

	c := j.chunk
	g := c.Edge + 1
	field := j.gen.field
	e := float64(c.Edge)
	ox := float64(c.Coord.X) * e
	oy := float64(c.Coord.Y) * e
	oz := float64(c.Coord.Z) * e
	density := c.Density
	h, err := j.gen.pool.ParallelFor(g*g*g, g*g, func(start, end int) {
		for i := start; i < end; i++ {
			x := i / (g * g)
			y := (i / g) % g
			z := i % g
			density[i] = Sanitize(field.At(ox+float64(x), oy+float64(y), oz+float64(z)))
		}
	})
	if err != nil {
		j.fail("schedule density sampling for %s: %v", c.Coord, err)
		return
	}
	j.handle = h
}

func (j *Job) cachedOrProbe() Classification {
	if cc := j.opts.CachedClassification; cc != nil && cc.Decisive() {
		return *cc
	}
	return QuickClassify(j.gen.field, j.chunk.Coord, j.chunk.Edge, float32(j.gen.tune.SurfaceLevel))
}

// applyClassification fills the voxel grid and an empty placeholder
// mesh for a chunk declared uniformly Empty or Solid.
func (j *Job) applyClassification(cls Classification) {
	c := j.chunk
	act := chunk.VoxelInactive
	hp := float32(0)
	d := SentinelOutside
	if cls.IsSolid {
		act = chunk.VoxelActive
		hp = float32(j.gen.tune.Terrain.VoxelHitpoints)
		d = -SentinelOutside
	}
	for i := range c.Voxels {
		c.Voxels[i] = chunk.Voxel{Active: act, Hitpoints: hp}
	}
	for i := range c.Density {
		c.Density[i] = d
	}
	c.HasField = true
	c.Mesh = chunk.Mesh{}
}

func (j *Job) stepClassify() {
	cls := ClassifyField(j.chunk, float32(j.gen.tune.SurfaceLevel))
	if cls.Decisive() {
		j.class = cls
		j.hasClass = true
	}
	j.phase = PhaseExtractingSurface
}

func (j *Job) stepExtract() {
	c := j.chunk
	surface := float32(j.gen.tune.SurfaceLevel)
	hp := float32(j.gen.tune.Terrain.VoxelHitpoints)

	if j.handle == nil {
		edge := c.Edge
		buf := j.alloc.Buffers()
		density := c.Density
		voxels := c.Voxels
		h, err := j.alloc.ScheduleExtraction(edge*edge*edge, edge*edge, func(start, end int) {
			var corners [8]float32
			for i := start; i < end; i++ {
				x := i / (edge * edge)
				y := (i / edge) % edge
				z := i % edge
				for ci, off := range mc.CornerOffset {
					corners[ci] = density[c.GridIndex(x+off[0], y+off[1], z+off[2])]
				}
				idx := mc.EmitCell(buf, chunk.Vec3{X: float32(x), Y: float32(y), Z: float32(z)}, &corners, surface)
				if mc.CellActive(idx) {
					if voxels[i].Active != chunk.VoxelActive {
						voxels[i] = chunk.Voxel{Active: chunk.VoxelActive, Hitpoints: hp}
					}
				} else {
					voxels[i] = chunk.Voxel{Active: chunk.VoxelInactive}
				}
			}
		})
		if err != nil {
			j.fail("schedule extraction for %s: %v", c.Coord, err)
			return
		}
		j.handle = h
		return
	}

	if !j.handle.Done() {
		return
	}
	j.handle = nil

	buf := j.alloc.Buffers()
	needVerts := int(buf.VertexCursor.Load())
	needIdx := int(buf.IndexCursor.Load())
	if needVerts > j.alloc.VertexCapacity() || needIdx > j.alloc.IndexCapacity() {
		// Overflowed pass: partial output is garbage. Grow geometrically
		// and restart from scratch, never resume.
		if err := j.alloc.Grow(needVerts, needIdx); err != nil {
			j.fail("extraction overflow for %s: %v", c.Coord, err)
			return
		}
		j.restarts++
		j.gen.restarts.Inc()
		return
	}

	j.vertexCount = needVerts
	j.triangleCount = needIdx / 3
	j.assembleTri = 0
	c.Mesh = chunk.Mesh{
		Vertices: make([]chunk.Vec3, needVerts),
		UVs:      make([][2]float32, needVerts),
		Indices:  make([]int32, needIdx),
	}
	j.phase = PhaseAssemblingMesh
}

func (j *Job) stepAssemble() {
	c := j.chunk
	buf := j.alloc.Buffers()

	if j.assembleTri == 0 {
		copy(c.Mesh.Vertices, buf.Vertices[:j.vertexCount])
		edge := float32(c.Edge)
		if edge == 0 {
			edge = 1
		}
		for i, v := range c.Mesh.Vertices {
			// UVs derive from position only, so they are stable across
			// re-extraction of the same field.
			c.Mesh.UVs[i] = [2]float32{v.X / edge, v.Z / edge}
		}
	}

	// Copy indices a batch of triangles at a time, yielding between
	// batches. Any index at or past the produced vertex range clamps to
	// 0 so the mesh can never reference out of range.
	start := j.assembleTri * 3
	end := start + assembleBatchTriangles*3
	if end > len(c.Mesh.Indices) {
		end = len(c.Mesh.Indices)
	}
	for i := start; i < end; i++ {
		v := buf.Indices[i]
		if v < 0 || v >= int32(j.vertexCount) {
			v = 0
		}
		c.Mesh.Indices[i] = v
	}
	j.assembleTri += (end - start) / 3
	if end < len(c.Mesh.Indices) {
		return
	}

	// An empty result is a valid "no visible surface" outcome.
	j.phase = PhaseComplete
	j.gen.jobsComplete.Inc()
}

// ApplyVoxelEdit mutates the voxel grid and density field for a mined
// or placed cell. The caller logs the edit, invalidates classification,
// and re-enqueues a Generate operation.
func ApplyVoxelEdit(c *chunk.Chunk, x, y, z int, adding bool, densityChange float32, hitpoints float32) error {
	if !c.InCell(x, y, z) {
		return fmt.Errorf("voxel (%d,%d,%d) outside chunk %s", x, y, z, c.Coord)
	}
	i := c.CellIndex(x, y, z)
	if adding {
		c.Voxels[i] = chunk.Voxel{Active: chunk.VoxelActive, Hitpoints: hitpoints}
	} else {
		c.Voxels[i] = chunk.Voxel{Active: chunk.VoxelInactive}
	}
	// Push the surrounding grid corners toward inside (negative) when
	// adding matter, toward outside when removing it.
	delta := densityChange
	if adding {
		delta = -delta
	}
	for _, off := range mc.CornerOffset {
		gi := c.GridIndex(x+off[0], y+off[1], z+off[2])
		c.Density[gi] = Sanitize(c.Density[gi] + delta)
	}
	c.Dirty = true
	return nil
}
