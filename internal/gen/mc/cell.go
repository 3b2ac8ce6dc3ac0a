package mc

import (
	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/gen/buffers"
)

// Epsilon below the surface level a corner must sit to count as inside.
const Epsilon = 1e-4

// Interpolation dead-zone: crossings this close to a corner snap to the
// corner to avoid degenerate sliver triangles.
const deadZone = 0.02

// CubeIndex builds the 8-bit corner mask: bit i set when corner i is
// inside the solid.
func CubeIndex(corners *[8]float32, surface float32) uint8 {
	var idx uint8
	for i := 0; i < 8; i++ {
		if corners[i] < surface-Epsilon {
			idx |= 1 << i
		}
	}
	return idx
}

// EdgeT returns the interpolation parameter of the surface crossing on
// an edge with corner densities a and b, clamped to [0,1] with the
// dead-zone snapped to the nearer endpoint.
func EdgeT(a, b, surface float32) float32 {
	denom := b - a
	var t float32
	if denom != 0 {
		t = (surface - a) / denom
	}
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	if t < deadZone {
		t = 0
	} else if t > 1-deadZone {
		t = 1
	}
	return t
}

// CellActive reports whether a cell's voxel counts as solid matter for
// destructible-terrain purposes: it either intersects the surface or is
// fully enclosed below it. Independent of whether geometry was emitted.
func CellActive(idx uint8) bool {
	return idx != 0
}

// EmitCell polygonizes one cell into the shared buffers. origin is the
// cell's minimum corner in mesh space; corners holds the 8 corner
// densities in table order. Slots past current capacity are counted but
// not written; the caller detects overflow after the join and restarts
// the whole pass with grown buffers.
func EmitCell(buf *buffers.Buffers, origin chunk.Vec3, corners *[8]float32, surface float32) uint8 {
	idx := CubeIndex(corners, surface)
	edges := EdgeTable[idx]
	if edges == 0 {
		return idx
	}

	vcap := int64(len(buf.Vertices))
	icap := int64(len(buf.Indices))

	var edgeVert [12]int32
	for e := 0; e < 12; e++ {
		if edges&(1<<uint(e)) == 0 {
			edgeVert[e] = -1
			continue
		}
		c0 := EdgeCorners[e][0]
		c1 := EdgeCorners[e][1]
		t := EdgeT(corners[c0], corners[c1], surface)
		o0 := CornerOffset[c0]
		o1 := CornerOffset[c1]
		pos := chunk.Vec3{
			X: origin.X + float32(o0[0]) + t*float32(o1[0]-o0[0]),
			Y: origin.Y + float32(o0[1]) + t*float32(o1[1]-o0[1]),
			Z: origin.Z + float32(o0[2]) + t*float32(o1[2]-o0[2]),
		}
		slot := buf.AllocVertex()
		if slot < vcap {
			buf.Vertices[slot] = pos
		}
		edgeVert[e] = int32(slot)
	}

	tri := &TriTable[idx]
	for i := 0; tri[i] != -1; i += 3 {
		slot := buf.AllocTriangle()
		if slot+2 < icap {
			buf.Indices[slot] = edgeVert[tri[i]]
			buf.Indices[slot+1] = edgeVert[tri[i+1]]
			buf.Indices[slot+2] = edgeVert[tri[i+2]]
		}
	}
	return idx
}
