// Package engine owns the chunk lifecycle: it wires the state machine,
// scheduler, generation pipeline and persistence together and drives
// them from a single-threaded tick loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/chunk/state"
	"terraforge.dev/internal/gen"
	"terraforge.dev/internal/persist/classify"
	"terraforge.dev/internal/persist/indexdb"
	"terraforge.dev/internal/persist/modlog"
	"terraforge.dev/internal/persist/snapshot"
	"terraforge.dev/internal/sched"
	"terraforge.dev/internal/tuning"
	"terraforge.dev/internal/work"
)

// VoxelEdit addresses one voxel local to its chunk.
type VoxelEdit struct {
	X, Y, Z       int
	Adding        bool
	DensityChange float32
}

type Options struct {
	DataDir string
	Tune    tuning.Tuning
	Logger  *log.Logger

	// OnMeshReady fires from the tick goroutine when a chunk's mesh has
	// been (re)assembled. The mesh is owned by the chunk; copy before
	// holding it past the callback.
	OnMeshReady func(coord chunk.Coord, mesh *chunk.Mesh)
}

// jobRun tracks one in-flight generation pipeline and the operation
// that started it.
type jobRun struct {
	op  *sched.Operation
	job *gen.Job
	c   *chunk.Chunk

	// Modifications that could not be replayed before sampling; applied
	// after the job completes, followed by a remesh.
	replayAfter []modlog.Entry
}

type Engine struct {
	log  *log.Logger
	tune tuning.Tuning

	workers *work.Pool
	chunks  *chunk.Pool
	states  *state.Machine
	gen     *gen.Generator
	sched   *sched.Scheduler

	snaps   *snapshot.Store
	mods    *modlog.Log
	classes *classify.Cache
	index   *indexdb.SQLiteIndex

	mu       sync.Mutex
	resident map[chunk.Coord]*chunk.Chunk
	jobs     map[chunk.Coord]*jobRun

	meshReady func(chunk.Coord, *chunk.Mesh)

	tick      uint64
	lastFrame time.Duration
	closed    bool

	ticksTotal  *metrics.Counter
	savesTotal  *metrics.Counter
	loadsTotal  *metrics.Counter
	compactions *metrics.Counter
}

func New(opts Options) (*Engine, error) {
	lg := opts.Logger
	if lg == nil {
		lg = log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds)
	}
	tune := opts.Tune
	if err := tune.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	snaps, err := snapshot.NewStore(filepath.Join(opts.DataDir, "chunks"),
		tune.Persist.CompressSnapshots, tune.Persist.BackupCorrupt, lg)
	if err != nil {
		return nil, err
	}
	mods, err := modlog.Open(filepath.Join(opts.DataDir, "modifications.log"),
		tune.Persist.CompactAfterEntries, lg)
	if err != nil {
		return nil, err
	}
	classes, err := classify.Open(filepath.Join(opts.DataDir, "classifications.bin"),
		tune.Persist.ClassifyCacheMax, true,
		time.Duration(tune.Persist.ClassifyMergeEveryMs)*time.Millisecond, lg)
	if err != nil {
		mods.Close()
		return nil, err
	}
	var index *indexdb.SQLiteIndex
	if !tune.Persist.DisableIndex {
		index, err = indexdb.Open(filepath.Join(opts.DataDir, "index.db"))
		if err != nil {
			lg.Printf("index disabled: %v", err)
		}
	}
	if index != nil {
		classes.SetMergeObserver(index.RecordClassifyMerge)
	}

	workers := work.NewPool(0)
	chunks := chunk.NewPool(tune.ChunkEdge)
	states := state.NewMachine()
	g := gen.NewGenerator(lg, workers, tune)

	e := &Engine{
		log:       lg,
		tune:      tune,
		workers:   workers,
		chunks:    chunks,
		states:    states,
		gen:       g,
		snaps:     snaps,
		mods:      mods,
		classes:   classes,
		index:     index,
		resident:  map[chunk.Coord]*chunk.Chunk{},
		jobs:      map[chunk.Coord]*jobRun{},
		meshReady: opts.OnMeshReady,

		ticksTotal:  metrics.GetOrCreateCounter("terraforge_engine_ticks_total"),
		savesTotal:  metrics.GetOrCreateCounter("terraforge_engine_snapshot_saves_total"),
		loadsTotal:  metrics.GetOrCreateCounter("terraforge_engine_snapshot_loads_total"),
		compactions: metrics.GetOrCreateCounter("terraforge_engine_compactions_total"),
	}
	e.sched = sched.New(lg, states, e, tune.Scheduler, func() int64 {
		return chunks.MemoryBytes() + g.MemoryBytes()
	}, tune.Buffers.PressureBytes)

	// Entering Modified persists the chunk right away; the write-behind
	// save keeps the status untouched so follow-up edits stay legal.
	states.Subscribe(func(ev state.ChangeEvent) {
		if ev.To == state.Modified && ev.From != state.Modified {
			e.saveResident(ev.Coord)
		}
	})
	return e, nil
}

func (e *Engine) States() *state.Machine           { return e.states }
func (e *Engine) Scheduler() *sched.Scheduler      { return e.sched }
func (e *Engine) Generator() *gen.Generator        { return e.gen }
func (e *Engine) Modlog() *modlog.Log              { return e.mods }
func (e *Engine) Snapshots() *snapshot.Store       { return e.snaps }
func (e *Engine) Classifications() *classify.Cache { return e.classes }

func (e *Engine) Tune() tuning.Tuning { return e.tune }

func (e *Engine) ResidentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.resident)
}

func (e *Engine) HasPendingOperation(c chunk.Coord) bool {
	return e.sched.HasPendingOperation(c)
}

// EnqueueLoad requests a chunk load; duplicates for the same coordinate
// are dropped by the scheduler.
func (e *Engine) EnqueueLoad(c chunk.Coord, p sched.Priority) bool {
	return e.sched.Enqueue(&sched.Operation{
		Coord: c, Type: sched.OpLoad, Priority: p, TargetStatus: state.Loaded,
	})
}

// EnqueueUnload requests an unload. A modified chunk gets an explicit
// Save queued ahead of it; Critical priority so the flush lands before
// the unload fast path picks the unload up.
func (e *Engine) EnqueueUnload(c chunk.Coord, p sched.Priority) bool {
	if e.states.Status(c) == state.Modified && !e.sched.HasPendingUnload(c) {
		e.sched.Enqueue(&sched.Operation{
			Coord: c, Type: sched.OpSave, Priority: sched.PriorityCritical,
			RequiredStatus: state.Modified, TargetStatus: state.Saved,
		})
	}
	return e.sched.Enqueue(&sched.Operation{
		Coord: c, Type: sched.OpUnload, Priority: p, TargetStatus: state.Unloaded,
	})
}

// ApplyVoxelEdit queues a modification for the next tick. The edit is
// validated at dispatch time against residency and status.
func (e *Engine) ApplyVoxelEdit(c chunk.Coord, edit VoxelEdit) bool {
	return e.sched.Enqueue(&sched.Operation{
		Coord: c, Type: sched.OpModify, Priority: sched.PriorityHigh,
		TargetStatus: state.Modified, Payload: &edit,
	})
}

// SetBulkLoad lifts the tick budget ceiling during an initial region
// load.
func (e *Engine) SetBulkLoad(on bool) { e.sched.SetBulkLoad(on) }

// SetOnMeshReady installs the mesh callback; call before the first
// Tick.
func (e *Engine) SetOnMeshReady(fn func(chunk.Coord, *chunk.Mesh)) {
	e.meshReady = fn
}

// Tick runs one scheduler slice plus one step of every in-flight
// pipeline job. It must be called from a single goroutine.
func (e *Engine) Tick() int {
	start := time.Now()
	e.tick++
	e.ticksTotal.Inc()

	e.stepJobs()
	n := e.sched.Tick(e.lastFrame)

	if e.mods.NeedsCompaction() && e.jobCount() == 0 {
		e.compactModlog()
	}

	e.lastFrame = time.Since(start)
	return n
}

// Run ticks the engine until the context ends.
func (e *Engine) Run(ctx context.Context) {
	every := time.Duration(e.tune.Scheduler.TickEveryMs) * time.Millisecond
	if every <= 0 {
		every = 16 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Tick()
		}
	}
}

func (e *Engine) jobCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *Engine) stepJobs() {
	e.mu.Lock()
	runs := make([]*jobRun, 0, len(e.jobs))
	for _, r := range e.jobs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.job.Step()
		if r.job.Terminal() {
			e.finishJob(r)
		}
	}
}

// HasChunk reports residency for scheduler validation.
func (e *Engine) HasChunk(c chunk.Coord) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.resident[c]
	return ok
}

// Dispatch executes one validated operation. Load and Generate run
// asynchronously through the pipeline; the rest complete in place.
func (e *Engine) Dispatch(op *sched.Operation) (bool, error) {
	switch op.Type {
	case sched.OpLoad:
		return e.execLoad(op)
	case sched.OpGenerate:
		return e.execGenerate(op)
	case sched.OpModify:
		return true, e.execModify(op)
	case sched.OpSave:
		return true, e.execSave(op)
	case sched.OpUnload:
		return true, e.execUnload(op)
	default:
		return true, fmt.Errorf("unknown operation type %d", op.Type)
	}
}

func (e *Engine) execLoad(op *sched.Operation) (bool, error) {
	if !e.states.TryChange(op.Coord, state.Loading, state.FlagNone) {
		return true, fmt.Errorf("load rejected by state machine")
	}
	c := e.chunks.Acquire(op.Coord)
	e.mu.Lock()
	e.resident[op.Coord] = c
	e.mu.Unlock()

	var (
		replayLater []modlog.Entry
		replayed    bool
		cached      *gen.Classification
	)
	meta, err := e.snaps.Load(c)
	switch {
	case err == nil:
		e.loadsTotal.Inc()
		mods := e.mods.Modifications(op.Coord)
		if c.HasField {
			for _, m := range mods {
				gen.ApplyVoxelEdit(c, int(m.X), int(m.Y), int(m.Z), m.IsAdding,
					m.DensityChange, float32(e.tune.Terrain.VoxelHitpoints))
			}
			replayed = len(mods) > 0
		} else {
			// Uniform snapshot without a grid; any logged edits need a
			// sampled field first, so they replay after generation.
			replayLater = mods
			if len(mods) == 0 && (meta.IsEmpty || meta.IsSolid) {
				cached = &gen.Classification{
					Coord: op.Coord, IsEmpty: meta.IsEmpty, IsSolid: meta.IsSolid,
					LastAnalyzed: time.Now(),
				}
			}
		}
	case errors.Is(err, snapshot.ErrNoSnapshot):
		replayLater = e.mods.Modifications(op.Coord)
		if cls, ok := e.classes.Get(op.Coord); ok && cls.Decisive() && len(replayLater) == 0 {
			cached = &cls
		}
	default:
		// Load failed outright (I/O, not corruption); give it back.
		e.evict(op.Coord, c)
		return true, err
	}

	job := e.gen.NewJob(c, gen.JobOptions{
		CachedClassification: cached,
		HasPendingEdits:      replayed || len(replayLater) > 0,
	})
	e.mu.Lock()
	e.jobs[op.Coord] = &jobRun{op: op, job: job, c: c, replayAfter: replayLater}
	e.mu.Unlock()
	return false, nil
}

func (e *Engine) execGenerate(op *sched.Operation) (bool, error) {
	e.mu.Lock()
	c, ok := e.resident[op.Coord]
	e.mu.Unlock()
	if !ok {
		return true, fmt.Errorf("generate target not resident")
	}
	job := e.gen.NewJob(c, gen.JobOptions{
		HasPendingEdits: e.mods.HasModifications(op.Coord),
	})
	e.mu.Lock()
	e.jobs[op.Coord] = &jobRun{op: op, job: job, c: c}
	e.mu.Unlock()
	return false, nil
}

func (e *Engine) execModify(op *sched.Operation) error {
	edit, ok := op.Payload.(*VoxelEdit)
	if !ok {
		return fmt.Errorf("modify without edit payload")
	}
	e.mu.Lock()
	c, ok := e.resident[op.Coord]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("modify target not resident")
	}
	switch st := e.states.Status(op.Coord); st {
	case state.Loading, state.Loaded, state.Modified:
	default:
		return fmt.Errorf("chunk not editable in status %s", st)
	}
	if err := gen.ApplyVoxelEdit(c, edit.X, edit.Y, edit.Z, edit.Adding,
		edit.DensityChange, float32(e.tune.Terrain.VoxelHitpoints)); err != nil {
		return err
	}
	if err := e.mods.Append(modlog.Entry{
		TimestampTicks: int64(e.tick),
		Coord:          op.Coord,
		X:              int32(edit.X),
		Y:              int32(edit.Y),
		Z:              int32(edit.Z),
		IsAdding:       edit.Adding,
		DensityChange:  edit.DensityChange,
	}); err != nil {
		return err
	}
	e.classes.Invalidate(op.Coord)
	e.states.TryChange(op.Coord, state.Modified, state.FlagActive)

	// Remesh with the edit folded in.
	e.sched.Enqueue(&sched.Operation{
		Coord: op.Coord, Type: sched.OpGenerate, Priority: sched.PriorityHigh,
		RequiredStatus: state.Modified, TargetStatus: state.Modified,
	})
	return nil
}

func (e *Engine) execSave(op *sched.Operation) error {
	e.mu.Lock()
	c, ok := e.resident[op.Coord]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("save target not resident")
	}
	if !e.states.TryChange(op.Coord, state.Saving, state.FlagActive) {
		return fmt.Errorf("save rejected by state machine")
	}
	if err := e.saveChunk(c); err != nil {
		e.states.RecordError(op.Coord, err.Error())
		return err
	}
	e.states.TryChange(op.Coord, state.Saved, state.FlagActive)
	return nil
}

func (e *Engine) execUnload(op *sched.Operation) error {
	e.mu.Lock()
	c, ok := e.resident[op.Coord]
	run := e.jobs[op.Coord]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unload target not resident")
	}
	if run != nil {
		run.job.ForceComplete()
		e.finishJob(run)
		// A failed job already tore the chunk down and released it;
		// touching c past this point would hand the instance back to
		// the pool twice.
		e.mu.Lock()
		c, ok = e.resident[op.Coord]
		e.mu.Unlock()
		if !ok {
			return nil
		}
	}
	if c.Dirty {
		if err := e.saveChunk(c); err != nil {
			e.log.Printf("unload %s: flush failed: %v", op.Coord, err)
		}
	}
	if !e.states.TryChange(op.Coord, state.Unloading, state.FlagNone) {
		return fmt.Errorf("unload rejected by state machine")
	}
	e.evict(op.Coord, c)
	e.states.TryChange(op.Coord, state.Unloaded, state.FlagNone)
	if e.meshReady != nil {
		e.meshReady(op.Coord, nil)
	}
	return nil
}

func (e *Engine) evict(coord chunk.Coord, c *chunk.Chunk) {
	e.mu.Lock()
	delete(e.resident, coord)
	delete(e.jobs, coord)
	e.mu.Unlock()
	e.chunks.Release(c)
}

func (e *Engine) finishJob(r *jobRun) {
	coord := r.c.Coord
	e.mu.Lock()
	delete(e.jobs, coord)
	e.mu.Unlock()

	if a := r.job.Allocator(); a != nil {
		e.gen.ReleaseAllocator(a)
	}

	if r.job.Phase() == gen.PhaseFailed {
		reason := r.job.FailReason()
		e.states.RecordError(coord, reason)
		e.sched.Release(coord)
		r.op.RetryCount++
		if r.op.RetryCount > e.tune.Scheduler.MaxRetries {
			e.states.Quarantine(coord, reason)
			e.evict(coord, r.c)
			e.states.TryChange(coord, state.Error, state.FlagError)
			return
		}
		// Retry from scratch; residency is torn down so the reissued
		// load revalidates cleanly.
		e.evict(coord, r.c)
		e.states.TryChange(coord, state.Error, state.FlagError)
		e.states.Recover(coord, state.None)
		e.sched.Enqueue(r.op)
		return
	}

	if cls, persistable := r.job.ResultClassification(); persistable {
		if err := e.classes.SaveAnalysis(cls); err != nil {
			e.log.Printf("classification %s: %v", coord, err)
		}
	}

	if len(r.replayAfter) > 0 {
		for _, m := range r.replayAfter {
			gen.ApplyVoxelEdit(r.c, int(m.X), int(m.Y), int(m.Z), m.IsAdding,
				m.DensityChange, float32(e.tune.Terrain.VoxelHitpoints))
		}
		r.replayAfter = nil
		e.states.TryChange(coord, state.Modified, state.FlagActive)
		e.sched.Release(coord)
		e.sched.Enqueue(&sched.Operation{
			Coord: coord, Type: sched.OpGenerate, Priority: sched.PriorityHigh,
			RequiredStatus: state.Modified, TargetStatus: state.Modified,
		})
		return
	}

	switch r.op.Type {
	case sched.OpLoad:
		target := state.Loaded
		if e.mods.HasModifications(coord) {
			target = state.Modified
		}
		e.states.TryChange(coord, target, state.FlagActive)
	default:
		// Generate on an already-resident chunk keeps its status.
		e.states.TryChange(coord, e.states.Status(coord), state.FlagActive)
	}
	if e.meshReady != nil {
		e.meshReady(coord, &r.c.Mesh)
	}
	e.sched.Release(coord)
}

// saveResident snapshots a chunk without driving Saving/Saved, so the
// caller's status is preserved.
func (e *Engine) saveResident(coord chunk.Coord) {
	e.mu.Lock()
	c, ok := e.resident[coord]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := e.saveChunk(c); err != nil {
		e.log.Printf("save %s: %v", coord, err)
		e.states.RecordError(coord, err.Error())
	}
}

func (e *Engine) saveChunk(c *chunk.Chunk) error {
	meta := snapshot.Meta{
		HasModifications: e.mods.HasModifications(c.Coord),
	}
	if cls, ok := e.classes.Get(c.Coord); ok {
		meta.IsEmpty = cls.IsEmpty
		meta.IsSolid = cls.IsSolid
	}
	n, err := e.snaps.Save(c, meta)
	if err != nil {
		return err
	}
	c.Dirty = false
	e.savesTotal.Inc()
	if e.index != nil {
		e.index.RecordSnapshot(c.Coord, e.snaps.Path(c.Coord), n, meta.HasModifications)
	}
	return nil
}

// compactModlog folds logged modifications into snapshots and rewrites
// the log with only the entries that could not be folded.
func (e *Engine) compactModlog() {
	start := time.Now()
	folded, carried := 0, 0
	err := e.mods.Compact(func(coord chunk.Coord, entries []modlog.Entry) bool {
		e.mu.Lock()
		c, ok := e.resident[coord]
		e.mu.Unlock()
		if ok {
			if err := e.saveChunk(c); err != nil {
				carried += len(entries)
				return false
			}
			folded++
			return true
		}
		if !e.snaps.Has(coord) {
			carried += len(entries)
			return false
		}
		tmp := e.chunks.Acquire(coord)
		defer e.chunks.Release(tmp)
		if _, err := e.snaps.Load(tmp); err != nil || !tmp.HasField {
			carried += len(entries)
			return false
		}
		for _, m := range entries {
			gen.ApplyVoxelEdit(tmp, int(m.X), int(m.Y), int(m.Z), m.IsAdding,
				m.DensityChange, float32(e.tune.Terrain.VoxelHitpoints))
		}
		if err := e.saveChunk(tmp); err != nil {
			carried += len(entries)
			return false
		}
		folded++
		return true
	})
	if err != nil {
		e.log.Printf("compaction: %v", err)
		return
	}
	e.compactions.Inc()
	e.log.Printf("compacted modlog: %d coords folded, %d entries carried in %s",
		folded, carried, time.Since(start))
	if e.index != nil {
		e.index.RecordCompaction(folded, carried, time.Since(start))
	}
}

// Close force-completes in-flight work, flushes dirty chunks and tears
// the services down in dependency order.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	e.mu.Lock()
	runs := make([]*jobRun, 0, len(e.jobs))
	for _, r := range e.jobs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.job.ForceComplete()
		e.finishJob(r)
	}

	e.mu.Lock()
	dirty := make([]*chunk.Chunk, 0, len(e.resident))
	for _, c := range e.resident {
		if c.Dirty {
			dirty = append(dirty, c)
		}
	}
	e.mu.Unlock()
	for _, c := range dirty {
		if err := e.saveChunk(c); err != nil {
			e.log.Printf("close: flush %s: %v", c.Coord, err)
		}
	}

	var firstErr error
	if err := e.mods.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.classes.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.index != nil {
		if err := e.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.workers.Close()
	return firstErr
}
