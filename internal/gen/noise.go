package gen

import (
	"math"

	"terraforge.dev/internal/mathx"
	"terraforge.dev/internal/tuning"
)

// SentinelOutside replaces any non-finite density sample. It sorts
// strictly outside the surface so invalid numbers never leak geometry.
const SentinelOutside float32 = 10

func latticeValue(seed int64, x, y, z int) float64 {
	return mathx.Unit01(mathx.Hash3(seed, x, y, z))*2 - 1
}

func valueNoise3(seed int64, x, y, z float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := mathx.Smoothstep(0, 1, x-float64(x0))
	fy := mathx.Smoothstep(0, 1, y-float64(y0))
	fz := mathx.Smoothstep(0, 1, z-float64(z0))

	c000 := latticeValue(seed, x0, y0, z0)
	c100 := latticeValue(seed, x0+1, y0, z0)
	c010 := latticeValue(seed, x0, y0+1, z0)
	c110 := latticeValue(seed, x0+1, y0+1, z0)
	c001 := latticeValue(seed, x0, y0, z0+1)
	c101 := latticeValue(seed, x0+1, y0, z0+1)
	c011 := latticeValue(seed, x0, y0+1, z0+1)
	c111 := latticeValue(seed, x0+1, y0+1, z0+1)

	x00 := mathx.Lerp(c000, c100, fx)
	x10 := mathx.Lerp(c010, c110, fx)
	x01 := mathx.Lerp(c001, c101, fx)
	x11 := mathx.Lerp(c011, c111, fx)
	y0v := mathx.Lerp(x00, x10, fy)
	y1v := mathx.Lerp(x01, x11, fy)
	return mathx.Lerp(y0v, y1v, fz)
}

func octaveNoise3(seed int64, x, y, z float64, octaves int, persistence, lacunarity float64) float64 {
	sum := 0.0
	amp := 1.0
	norm := 0.0
	freq := 1.0
	for o := 0; o < octaves; o++ {
		sum += valueNoise3(seed+int64(o)*7919, x*freq, y*freq, z*freq) * amp
		norm += amp
		amp *= persistence
		freq *= lacunarity
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

// Field evaluates the layered terrain density: a noise height field
// blended between plains and mountain zones, plus a 3D detail term for
// overhangs. Density below the surface level means inside the solid.
type Field struct {
	seed int64
	t    tuning.Terrain
}

func NewField(seed int64, t tuning.Terrain) *Field {
	return &Field{seed: seed, t: t}
}

// zoneWeight returns the mountain blend weight in [0,1] at a column,
// smoothstepped so zone boundaries never produce height discontinuities.
func (f *Field) zoneWeight(wx, wz float64) float64 {
	rs := float64(f.t.ZoneRegionSize)
	if rs <= 0 {
		rs = 1
	}
	z := valueNoise3(f.seed+0x517e, wx/rs, 0, wz/rs)
	return mathx.Smoothstep(-0.15, 0.15, z)
}

// surfaceHeight is the blended terrain height of a column.
func (f *Field) surfaceHeight(wx, wz float64) float64 {
	h := octaveNoise3(f.seed, wx*f.t.NoiseScale, 0, wz*f.t.NoiseScale,
		f.t.Octaves, f.t.Persistence, f.t.Lacunarity)
	amp := mathx.Lerp(1, f.t.MountainAmplify, f.zoneWeight(wx, wz))
	return f.t.BaseHeight + h*f.t.GradientStrength*amp
}

// At samples the density at a world position. Non-finite results are
// replaced with the outside sentinel.
func (f *Field) At(wx, wy, wz float64) float32 {
	g := f.t.GradientStrength
	if g == 0 {
		g = 1
	}
	d := (wy-f.surfaceHeight(wx, wz))/g +
		0.25*octaveNoise3(f.seed+0xd3a1, wx*f.t.NoiseScale*2, wy*f.t.NoiseScale*2, wz*f.t.NoiseScale*2,
			f.t.Octaves, f.t.Persistence, f.t.Lacunarity)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return SentinelOutside
	}
	return float32(d)
}

// Sanitize applies the sentinel rule to an externally produced sample.
func Sanitize(d float32) float32 {
	d64 := float64(d)
	if math.IsNaN(d64) || math.IsInf(d64, 0) {
		return SentinelOutside
	}
	return d
}
