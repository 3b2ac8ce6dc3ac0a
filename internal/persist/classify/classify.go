// Package classify keeps the terrain classification cache: an
// in-memory map of Empty/Solid verdicts with a periodic batched merge
// into one file per world folder. Merges are read-merge-write by
// coordinate, newest timestamp wins, so concurrent writers of the same
// world folder never clobber each other's fresher entries.
package classify

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/gen"
)

const (
	magic   uint32 = 0x54464343 // "TFCC"
	version uint16 = 1

	flagEmpty    byte = 1 << 0
	flagSolid    byte = 1 << 1
	flagModified byte = 1 << 2
)

type Cache struct {
	path       string
	maxEntries int
	// Empty chunks are cheap to keep and expensive to rediscover;
	// retained entries are exempt from pruning.
	retainEmpty bool
	log         *log.Logger

	mu          sync.Mutex
	entries     map[chunk.Coord]gen.Classification
	dirty       map[chunk.Coord]struct{}
	invalidated map[chunk.Coord]struct{}
	onMerge     func(entries int, final bool)

	stop chan struct{}
	wg   sync.WaitGroup
}

func Open(path string, maxEntries int, retainEmpty bool, mergeEvery time.Duration, logger *log.Logger) (*Cache, error) {
	c := &Cache{
		path:        path,
		maxEntries:  maxEntries,
		retainEmpty: retainEmpty,
		log:         logger,
		entries:     map[chunk.Coord]gen.Classification{},
		dirty:       map[chunk.Coord]struct{}{},
		invalidated: map[chunk.Coord]struct{}{},
		stop:        make(chan struct{}),
	}
	disk, err := readFile(path)
	if err != nil {
		return nil, err
	}
	for coord, cls := range disk {
		c.entries[coord] = cls
	}
	if mergeEvery > 0 {
		c.wg.Add(1)
		go c.mergeLoop(mergeEvery)
	}
	return c, nil
}

// SetMergeObserver installs a callback fired after each successful
// merge with the number of entries folded in.
func (c *Cache) SetMergeObserver(fn func(entries int, final bool)) {
	c.mu.Lock()
	c.onMerge = fn
	c.mu.Unlock()
}

func (c *Cache) mergeLoop(every time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.Merge(false); err != nil {
				c.log.Printf("classification merge: %v", err)
			}
		}
	}
}

// SaveAnalysis records a verdict. Identical classification is a no-op
// beyond advancing the timestamp; a changed or new entry is marked
// dirty for the next background merge.
func (c *Cache) SaveAnalysis(cls gen.Classification) error {
	if cls.IsEmpty && cls.IsSolid {
		return fmt.Errorf("classification for %s claims both empty and solid", cls.Coord)
	}
	if cls.LastAnalyzed.IsZero() {
		cls.LastAnalyzed = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[cls.Coord]; ok &&
		prev.IsEmpty == cls.IsEmpty && prev.IsSolid == cls.IsSolid && prev.WasModified == cls.WasModified {
		prev.LastAnalyzed = cls.LastAnalyzed
		c.entries[cls.Coord] = prev
		return nil
	}
	c.entries[cls.Coord] = cls
	c.dirty[cls.Coord] = struct{}{}
	delete(c.invalidated, cls.Coord)
	c.pruneLocked()
	return nil
}

func (c *Cache) Get(coord chunk.Coord) (gen.Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, bad := c.invalidated[coord]; bad {
		return gen.Classification{}, false
	}
	cls, ok := c.entries[coord]
	return cls, ok
}

// Invalidate drops a coordinate's verdict, e.g. after a voxel edit made
// it stale. The key is removed from disk on the next final merge.
func (c *Cache) Invalidate(coord chunk.Coord) {
	c.mu.Lock()
	delete(c.entries, coord)
	delete(c.dirty, coord)
	c.invalidated[coord] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pruneLocked evicts oldest-first past the size cap, skipping retained
// entries.
func (c *Cache) pruneLocked() {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}
	type aged struct {
		coord chunk.Coord
		at    time.Time
	}
	var candidates []aged
	for coord, cls := range c.entries {
		if c.retainEmpty && cls.IsEmpty {
			continue
		}
		candidates = append(candidates, aged{coord, cls.LastAnalyzed})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	for _, cand := range candidates {
		if len(c.entries) <= c.maxEntries {
			break
		}
		delete(c.entries, cand.coord)
		delete(c.dirty, cand.coord)
	}
}

// Merge folds dirty entries into the on-disk file. A background merge
// only adds/updates; the final merge (at shutdown) also removes
// explicitly invalidated keys and keys no longer present in the live
// cache.
func (c *Cache) Merge(final bool) error {
	c.mu.Lock()
	if !final && len(c.dirty) == 0 {
		c.mu.Unlock()
		return nil
	}
	dirty := make(map[chunk.Coord]gen.Classification, len(c.dirty))
	for coord := range c.dirty {
		if cls, ok := c.entries[coord]; ok {
			dirty[coord] = cls
		}
	}
	invalidated := make(map[chunk.Coord]struct{}, len(c.invalidated))
	for coord := range c.invalidated {
		invalidated[coord] = struct{}{}
	}
	live := make(map[chunk.Coord]struct{}, len(c.entries))
	if final {
		for coord := range c.entries {
			live[coord] = struct{}{}
		}
	}
	c.mu.Unlock()

	disk, err := readFile(c.path)
	if err != nil {
		return err
	}
	for coord, cls := range dirty {
		if prev, ok := disk[coord]; !ok || cls.LastAnalyzed.After(prev.LastAnalyzed) {
			disk[coord] = cls
		}
	}
	for coord := range invalidated {
		delete(disk, coord)
	}
	if final {
		for coord := range disk {
			if _, ok := live[coord]; !ok {
				delete(disk, coord)
			}
		}
	}
	if err := writeFile(c.path, disk); err != nil {
		return err
	}

	c.mu.Lock()
	for coord := range dirty {
		delete(c.dirty, coord)
	}
	for coord := range invalidated {
		delete(c.invalidated, coord)
	}
	observer := c.onMerge
	c.mu.Unlock()
	if observer != nil {
		observer(len(dirty), final)
	}
	return nil
}

// Close stops the background merger and performs the final synchronous
// merge.
func (c *Cache) Close() error {
	close(c.stop)
	c.wg.Wait()
	return c.Merge(true)
}

func readFile(path string) (map[chunk.Coord]gen.Classification, error) {
	out := map[chunk.Coord]gen.Classification{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	if len(data) < 10 {
		return nil, fmt.Errorf("classification file truncated")
	}
	if binary.LittleEndian.Uint32(data[0:]) != magic {
		return nil, fmt.Errorf("bad classification magic")
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != version {
		return nil, fmt.Errorf("unsupported classification version %d", v)
	}
	n := int(binary.LittleEndian.Uint32(data[6:]))
	const rec = 21
	if len(data) != 10+n*rec {
		return nil, fmt.Errorf("classification file %d bytes, want %d", len(data), 10+n*rec)
	}
	for i := 0; i < n; i++ {
		b := data[10+i*rec:]
		coord := chunk.Coord{
			X: int(int32(binary.LittleEndian.Uint32(b[0:]))),
			Y: int(int32(binary.LittleEndian.Uint32(b[4:]))),
			Z: int(int32(binary.LittleEndian.Uint32(b[8:]))),
		}
		flags := b[12]
		out[coord] = gen.Classification{
			Coord:        coord,
			IsEmpty:      flags&flagEmpty != 0,
			IsSolid:      flags&flagSolid != 0,
			WasModified:  flags&flagModified != 0,
			LastAnalyzed: time.Unix(0, int64(binary.LittleEndian.Uint64(b[13:]))),
		}
	}
	return out, nil
}

func writeFile(path string, entries map[chunk.Coord]gen.Classification) error {
	var buf bytes.Buffer
	var hdr [10]byte
	binary.LittleEndian.PutUint32(hdr[0:], magic)
	binary.LittleEndian.PutUint16(hdr[4:], version)
	binary.LittleEndian.PutUint32(hdr[6:], uint32(len(entries)))
	buf.Write(hdr[:])
	var rec [21]byte
	for coord, cls := range entries {
		binary.LittleEndian.PutUint32(rec[0:], uint32(int32(coord.X)))
		binary.LittleEndian.PutUint32(rec[4:], uint32(int32(coord.Y)))
		binary.LittleEndian.PutUint32(rec[8:], uint32(int32(coord.Z)))
		var flags byte
		if cls.IsEmpty {
			flags |= flagEmpty
		}
		if cls.IsSolid {
			flags |= flagSolid
		}
		if cls.WasModified {
			flags |= flagModified
		}
		rec[12] = flags
		binary.LittleEndian.PutUint64(rec[13:], uint64(cls.LastAnalyzed.UnixNano()))
		buf.Write(rec[:])
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
