// Package work provides the fan-out/fan-in worker pool used by the
// numerically heavy generation phases. Jobs are split over independent
// element ranges and joined through a handle; callers poll completion
// from the tick driver instead of blocking.
package work

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

type task struct {
	fn func(start, end int)
	lo int
	hi int
	h  *Handle
}

// Handle tracks one scheduled fan-out. Done is pollable; Join blocks
// until every range has run. A Handle must be joined before the buffers
// the job writes into are released or reused.
type Handle struct {
	pending atomic.Int64
	done    chan struct{}
}

func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) Join() {
	<-h.done
}

func (h *Handle) finishOne() {
	if h.pending.Add(-1) == 0 {
		close(h.done)
	}
}

type Pool struct {
	tasks chan task
	wg    sync.WaitGroup

	closed atomic.Bool
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{tasks: make(chan task, workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.fn(t.lo, t.hi)
		t.h.finishOne()
	}
}

// ParallelFor schedules fn over [0,n) split into grain-sized ranges.
// fn must not write outside its range. Returns an error (not nil
// handle) if the pool is shut down.
func (p *Pool) ParallelFor(n, grain int, fn func(start, end int)) (*Handle, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("worker pool is shut down")
	}
	if grain <= 0 {
		grain = 1
	}
	h := &Handle{done: make(chan struct{})}
	if n <= 0 {
		close(h.done)
		return h, nil
	}
	parts := (n + grain - 1) / grain
	h.pending.Store(int64(parts))
	for lo := 0; lo < n; lo += grain {
		hi := lo + grain
		if hi > n {
			hi = n
		}
		p.tasks <- task{fn: fn, lo: lo, hi: hi, h: h}
	}
	return h, nil
}

// Close drains and stops the workers. Outstanding handles complete.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.tasks)
		p.wg.Wait()
	}
}
