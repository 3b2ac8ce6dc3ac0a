package gen

import (
	"time"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/gen/mc"
)

// Classification is the cheap Empty/Solid verdict for a whole chunk.
// IsEmpty and IsSolid are never both true.
type Classification struct {
	Coord        chunk.Coord
	IsEmpty      bool
	IsSolid      bool
	LastAnalyzed time.Time
	WasModified  bool
}

func (c Classification) Decisive() bool { return c.IsEmpty || c.IsSolid }

// probeOffsets is the fixed probe set in chunk-relative unit space:
// the 8 corners, the center, and the 6 face centers.
var probeOffsets = [15][3]float64{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
	{0.5, 0.5, 0.5},
	{0, 0.5, 0.5}, {1, 0.5, 0.5},
	{0.5, 0, 0.5}, {0.5, 1, 0.5},
	{0.5, 0.5, 0}, {0.5, 0.5, 1},
}

// QuickClassify probes the density function at the fixed probe set.
// Only a unanimous verdict is decisive; any disagreement forces full
// sampling.
func QuickClassify(f *Field, coord chunk.Coord, edge int, surface float32) Classification {
	cls := Classification{Coord: coord, LastAnalyzed: time.Now()}
	inside, outside := 0, 0
	e := float64(edge)
	ox := float64(coord.X) * e
	oy := float64(coord.Y) * e
	oz := float64(coord.Z) * e
	for _, p := range probeOffsets {
		d := f.At(ox+p[0]*e, oy+p[1]*e, oz+p[2]*e)
		if d < surface-mc.Epsilon {
			inside++
		} else {
			outside++
		}
	}
	switch {
	case inside == len(probeOffsets):
		cls.IsSolid = true
	case outside == len(probeOffsets):
		cls.IsEmpty = true
	}
	return cls
}

// ClassifyField renders the same verdict from an already sampled field,
// probing the stored grid instead of re-evaluating noise.
func ClassifyField(c *chunk.Chunk, surface float32) Classification {
	cls := Classification{Coord: c.Coord, LastAnalyzed: time.Now()}
	g := c.Edge
	grid := [3]int{0, g / 2, g}
	inside, total := 0, 0
	for _, x := range grid {
		for _, y := range grid {
			for _, z := range grid {
				total++
				if c.Density[c.GridIndex(x, y, z)] < surface-mc.Epsilon {
					inside++
				}
			}
		}
	}
	switch inside {
	case total:
		cls.IsSolid = true
	case 0:
		cls.IsEmpty = true
	}
	return cls
}
