package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"terraforge.dev/internal/chunk"
)

// ErrNoSnapshot reports that no usable snapshot exists for a
// coordinate; the caller regenerates.
var ErrNoSnapshot = errors.New("no snapshot")

// Store keeps one snapshot file per coordinate under a world folder.
type Store struct {
	dir           string
	compress      bool
	backupCorrupt bool
	log           *log.Logger
}

func NewStore(dir string, compress, backupCorrupt bool, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, compress: compress, backupCorrupt: backupCorrupt, log: logger}, nil
}

func (s *Store) Path(coord chunk.Coord) string {
	return filepath.Join(s.dir, coord.FileStem()+".snap")
}

func (s *Store) Has(coord chunk.Coord) bool {
	_, err := os.Stat(s.Path(coord))
	return err == nil
}

// Save writes atomically: temp file then rename.
func (s *Store) Save(c *chunk.Chunk, meta Meta) (int, error) {
	data := Encode(c, meta, s.compress)
	path := s.Path(c.Coord)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("write snapshot %s: %w", c.Coord, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("commit snapshot %s: %w", c.Coord, err)
	}
	return len(data), nil
}

// Load fills the chunk from disk. A missing file returns ErrNoSnapshot.
// A corrupt or mismatched file is treated the same way after optionally
// moving it aside with a timestamped suffix.
func (s *Store) Load(c *chunk.Chunk) (Meta, error) {
	path := s.Path(c.Coord)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Meta{}, ErrNoSnapshot
		}
		return Meta{}, fmt.Errorf("read snapshot %s: %w", c.Coord, err)
	}
	meta, err := Decode(data, c)
	if err != nil {
		s.log.Printf("snapshot %s rejected: %v", c.Coord, err)
		if s.backupCorrupt {
			bak := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
			if renameErr := os.Rename(path, bak); renameErr != nil {
				s.log.Printf("backup corrupt snapshot %s: %v", c.Coord, renameErr)
			}
		}
		return Meta{}, ErrNoSnapshot
	}
	return meta, nil
}

func (s *Store) Delete(coord chunk.Coord) error {
	err := os.Remove(s.Path(coord))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
