package chunk

import "fmt"

// Coord identifies a cubic voxel region. Immutable map key.
type Coord struct {
	X, Y, Z int
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// FileStem encodes the coordinate for on-disk snapshot names.
func (c Coord) FileStem() string {
	return fmt.Sprintf("chunk_%d_%d_%d", c.X, c.Y, c.Z)
}
