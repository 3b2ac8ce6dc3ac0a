package chunk

// VoxelActivity is the tri-state activity flag of a voxel cell.
type VoxelActivity int8

const (
	VoxelInvalid  VoxelActivity = -1
	VoxelInactive VoxelActivity = 0
	VoxelActive   VoxelActivity = 1
)

// Voxel is one destructible cell of a chunk.
type Voxel struct {
	Active    VoxelActivity
	Hitpoints float32
}

// Vec3 is a mesh-space position attribute.
type Vec3 struct {
	X, Y, Z float32
}

// Mesh is the assembled output of surface extraction, owned by the
// chunk. Vertices/indices are private copies, safe to hand to the
// rendering collaborator.
type Mesh struct {
	Vertices []Vec3
	UVs      [][2]float32
	Indices  []int32
}

func (m *Mesh) Empty() bool {
	return m == nil || len(m.Vertices) < 3 || len(m.Indices) < 3
}

// Chunk is one pooled instance: the density field over an (edge+1)^3
// grid, the voxel grid over edge^3 cells, and the last assembled mesh.
// Instances are acquired from a Pool, reset on release, never freed.
type Chunk struct {
	Coord Coord
	Edge  int

	Density  []float32 // (edge+1)^3, x-major then z then y
	Voxels   []Voxel   // edge^3
	Mesh     Mesh
	HasField bool // density loaded from snapshot or sampled this session
	Dirty    bool // unsaved edits
}

func newChunk(edge int) *Chunk {
	g := edge + 1
	return &Chunk{
		Edge:    edge,
		Density: make([]float32, g*g*g),
		Voxels:  make([]Voxel, edge*edge*edge),
	}
}

// GridIndex addresses the density field; x,y,z in [0,edge].
func (c *Chunk) GridIndex(x, y, z int) int {
	g := c.Edge + 1
	return (x*g+y)*g + z
}

// CellIndex addresses the voxel grid; x,y,z in [0,edge).
func (c *Chunk) CellIndex(x, y, z int) int {
	return (x*c.Edge+y)*c.Edge + z
}

func (c *Chunk) InCell(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < c.Edge && y < c.Edge && z < c.Edge
}

func (c *Chunk) reset() {
	c.Coord = Coord{}
	for i := range c.Density {
		c.Density[i] = 0
	}
	for i := range c.Voxels {
		c.Voxels[i] = Voxel{Active: VoxelInvalid}
	}
	c.Mesh = Mesh{}
	c.HasField = false
	c.Dirty = false
}
