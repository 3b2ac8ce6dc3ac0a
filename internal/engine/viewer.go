package engine

import (
	"math"
	"math/rand"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/sched"
)

// Viewer simulates a camera wandering the world, keeping the chunks
// around it resident and releasing the ones it leaves behind. Used by
// the serve command to exercise the lifecycle without a real client.
type Viewer struct {
	eng *Engine
	rng *rand.Rand

	x, z    float64 // world units
	heading float64
	speed   float64

	radius     int // chunks
	yMin, yMax int
}

func NewViewer(eng *Engine, seed int64, radius int, speed float64) *Viewer {
	edge := eng.tune.ChunkEdge
	top := int(eng.tune.Terrain.BaseHeight*eng.tune.Terrain.MountainAmplify) / edge
	return &Viewer{
		eng:    eng,
		rng:    rand.New(rand.NewSource(seed)),
		speed:  speed,
		radius: radius,
		yMin:   0,
		yMax:   top + 1,
	}
}

// Advance moves the viewer one step and reconciles the resident set
// against the wanted radius.
func (v *Viewer) Advance() {
	v.heading += (v.rng.Float64() - 0.5) * 0.4
	v.x += math.Cos(v.heading) * v.speed
	v.z += math.Sin(v.heading) * v.speed

	edge := float64(v.eng.tune.ChunkEdge)
	cx := int(math.Floor(v.x / edge))
	cz := int(math.Floor(v.z / edge))

	wanted := map[chunk.Coord]int{}
	for dx := -v.radius; dx <= v.radius; dx++ {
		for dz := -v.radius; dz <= v.radius; dz++ {
			d := dx*dx + dz*dz
			if d > v.radius*v.radius {
				continue
			}
			for y := v.yMin; y <= v.yMax; y++ {
				wanted[chunk.Coord{X: cx + dx, Y: y, Z: cz + dz}] = d
			}
		}
	}

	for c, d := range wanted {
		if v.eng.HasChunk(c) || v.eng.HasPendingOperation(c) {
			continue
		}
		if _, q := v.eng.states.Quarantined(c); q {
			continue
		}
		v.eng.EnqueueLoad(c, loadPriority(d, v.radius))
	}

	// Drop chunks more than one ring beyond the wanted radius.
	v.eng.mu.Lock()
	resident := make([]chunk.Coord, 0, len(v.eng.resident))
	for c := range v.eng.resident {
		resident = append(resident, c)
	}
	v.eng.mu.Unlock()
	drop := (v.radius + 1) * (v.radius + 1)
	for _, c := range resident {
		dx, dz := c.X-cx, c.Z-cz
		if dx*dx+dz*dz <= drop || v.eng.HasPendingOperation(c) {
			continue
		}
		v.eng.EnqueueUnload(c, sched.PriorityLow)
	}
}

func loadPriority(distSq, radius int) sched.Priority {
	switch {
	case distSq <= 1:
		return sched.PriorityCritical
	case distSq <= (radius*radius)/4:
		return sched.PriorityHigh
	default:
		return sched.PriorityNormal
	}
}
