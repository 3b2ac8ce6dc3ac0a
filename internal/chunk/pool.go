package chunk

import "sync"

// Pool is a free list of chunk instances. Released instances are reset
// and reused; backing arrays are kept so steady-state load/unload churn
// allocates nothing.
type Pool struct {
	mu   sync.Mutex
	edge int
	free []*Chunk

	outstanding int
}

func NewPool(edge int) *Pool {
	return &Pool{edge: edge}
}

func (p *Pool) Acquire(coord Coord) *Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c *Chunk
	if n := len(p.free); n > 0 {
		c = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		c = newChunk(p.edge)
		c.reset()
	}
	c.Coord = coord
	p.outstanding++
	return c
}

func (p *Pool) Release(c *Chunk) {
	if c == nil {
		return
	}
	c.reset()
	p.mu.Lock()
	p.free = append(p.free, c)
	p.outstanding--
	p.mu.Unlock()
}

// Outstanding reports instances currently held by callers.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// MemoryBytes approximates resident pool memory for budget pressure.
func (p *Pool) MemoryBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := int64(p.edge + 1)
	perChunk := g*g*g*4 + int64(p.edge*p.edge*p.edge)*8
	return int64(len(p.free)+p.outstanding) * perChunk
}
