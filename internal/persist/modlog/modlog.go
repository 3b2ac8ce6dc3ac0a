// Package modlog implements the crash-safe append-only modification
// log: fixed-layout binary records after a magic/version header, a
// mutex-serialized writer, and an in-memory per-coordinate index that
// is bulk-loaded in the background at startup. Queries return empty
// until that load completes; they never block.
package modlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"terraforge.dev/internal/chunk"
)

const (
	Magic   uint32 = 0x54464d4c // "TFML"
	Version uint16 = 1

	headerSize = 6
	recordSize = 37
)

// Entry is one voxel modification, ordered by write time.
type Entry struct {
	TimestampTicks int64
	Coord          chunk.Coord
	X, Y, Z        int32 // voxel position local to the chunk
	IsAdding       bool
	DensityChange  float32
}

func encodeRecord(dst []byte, e Entry) {
	binary.LittleEndian.PutUint64(dst[0:], uint64(e.TimestampTicks))
	binary.LittleEndian.PutUint32(dst[8:], uint32(int32(e.Coord.X)))
	binary.LittleEndian.PutUint32(dst[12:], uint32(int32(e.Coord.Y)))
	binary.LittleEndian.PutUint32(dst[16:], uint32(int32(e.Coord.Z)))
	binary.LittleEndian.PutUint32(dst[20:], uint32(e.X))
	binary.LittleEndian.PutUint32(dst[24:], uint32(e.Y))
	binary.LittleEndian.PutUint32(dst[28:], uint32(e.Z))
	if e.IsAdding {
		dst[32] = 1
	} else {
		dst[32] = 0
	}
	binary.LittleEndian.PutUint32(dst[33:], math.Float32bits(e.DensityChange))
}

func decodeRecord(src []byte) Entry {
	return Entry{
		TimestampTicks: int64(binary.LittleEndian.Uint64(src[0:])),
		Coord: chunk.Coord{
			X: int(int32(binary.LittleEndian.Uint32(src[8:]))),
			Y: int(int32(binary.LittleEndian.Uint32(src[12:]))),
			Z: int(int32(binary.LittleEndian.Uint32(src[16:]))),
		},
		X:             int32(binary.LittleEndian.Uint32(src[20:])),
		Y:             int32(binary.LittleEndian.Uint32(src[24:])),
		Z:             int32(binary.LittleEndian.Uint32(src[28:])),
		IsAdding:      src[32] == 1,
		DensityChange: math.Float32frombits(binary.LittleEndian.Uint32(src[33:])),
	}
}

type Log struct {
	path      string
	threshold int
	log       *log.Logger

	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	count int // records appended since open or last compaction

	loaded atomic.Bool

	imu   sync.Mutex
	index map[chunk.Coord][]Entry
	// Appends arriving while the bulk load is scanning; spliced in
	// after the scanned entries so per-coordinate order matches the
	// file.
	live []Entry
}

// Open appends to an existing log (validating its header) or creates a
// fresh one. The per-coordinate index loads in a detached goroutine;
// poll Loaded before trusting query results for pre-existing entries.
func Open(path string, compactThreshold int, logger *log.Logger) (*Log, error) {
	l := &Log{
		path:      path,
		threshold: compactThreshold,
		log:       logger,
		index:     map[chunk.Coord][]Entry{},
	}
	size, err := l.openFile()
	if err != nil {
		return nil, err
	}
	go l.bulkLoad(size)
	return l, nil
}

// openFile opens or creates the log file and returns the byte size of
// pre-existing content that bulkLoad must scan.
func (l *Log) openFile() (int64, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open modlog: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	size := st.Size()
	if size == 0 {
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint32(hdr[0:], Magic)
		binary.LittleEndian.PutUint16(hdr[4:], Version)
		if _, err := f.Write(hdr[:]); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("write modlog header: %w", err)
		}
		size = headerSize
	} else {
		var hdr [headerSize]byte
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("read modlog header: %w", err)
		}
		if binary.LittleEndian.Uint32(hdr[0:]) != Magic {
			_ = f.Close()
			return 0, fmt.Errorf("bad modlog magic")
		}
		if v := binary.LittleEndian.Uint16(hdr[4:]); v != Version {
			_ = f.Close()
			return 0, fmt.Errorf("unsupported modlog version %d", v)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return 0, err
	}
	l.f = f
	l.w = bufio.NewWriterSize(f, 32*1024)
	l.count = int((size - headerSize) / recordSize)
	return size, nil
}

// bulkLoad scans the first size bytes into the index. Runs detached;
// appends racing the scan are parked in live and spliced in at the
// end, behind the older on-disk entries they followed.
func (l *Log) bulkLoad(size int64) {
	n := int((size - headerSize) / recordSize)
	if n > 0 {
		buf := make([]byte, recordSize)
		for i := 0; i < n; i++ {
			off := headerSize + int64(i)*recordSize
			if _, err := l.f.ReadAt(buf, off); err != nil {
				l.log.Printf("modlog bulk load stopped at record %d: %v", i, err)
				break
			}
			e := decodeRecord(buf)
			l.imu.Lock()
			l.index[e.Coord] = append(l.index[e.Coord], e)
			l.imu.Unlock()
		}
	}
	l.imu.Lock()
	for _, e := range l.live {
		l.index[e.Coord] = append(l.index[e.Coord], e)
	}
	l.live = nil
	l.loaded.Store(true)
	l.imu.Unlock()
}

// Loaded reports whether the startup bulk load has completed.
func (l *Log) Loaded() bool { return l.loaded.Load() }

// Scan reads every record of a log file without opening it for append.
// The callback returns false to stop early. Used by inspection tooling.
func Scan(path string, fn func(Entry) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return fmt.Errorf("read modlog header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != Magic {
		return fmt.Errorf("bad modlog magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != Version {
		return fmt.Errorf("unsupported modlog version %d", v)
	}
	buf := make([]byte, recordSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return fmt.Errorf("truncated trailing record")
			}
			return err
		}
		if !fn(decodeRecord(buf)) {
			return nil
		}
	}
}

// Append writes one record, flushes, and counts it. Single writer,
// serialized under the log's lock.
func (l *Log) Append(e Entry) error {
	var rec [recordSize]byte
	encodeRecord(rec[:], e)

	l.mu.Lock()
	if _, err := l.w.Write(rec[:]); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("append modlog: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("flush modlog: %w", err)
	}
	l.count++
	l.mu.Unlock()

	l.imu.Lock()
	if l.loaded.Load() {
		l.index[e.Coord] = append(l.index[e.Coord], e)
	} else {
		l.live = append(l.live, e)
	}
	l.imu.Unlock()
	return nil
}

// NeedsCompaction reports whether the record count crossed the
// configured threshold.
func (l *Log) NeedsCompaction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count >= l.threshold
}

// HasModifications reports un-compacted entries for a coordinate.
// Returns false while the bulk load is still running.
func (l *Log) HasModifications(coord chunk.Coord) bool {
	if !l.loaded.Load() {
		return false
	}
	l.imu.Lock()
	defer l.imu.Unlock()
	return len(l.index[coord]) > 0
}

// Modifications returns the ordered un-compacted entries for a
// coordinate. Empty while the bulk load is still running.
func (l *Log) Modifications(coord chunk.Coord) []Entry {
	if !l.loaded.Load() {
		return nil
	}
	l.imu.Lock()
	defer l.imu.Unlock()
	es := l.index[coord]
	out := make([]Entry, len(es))
	copy(out, es)
	return out
}

// Clear drops a coordinate's entries from the index, typically after
// they were folded into a snapshot. No-op while loading.
func (l *Log) Clear(coord chunk.Coord) {
	if !l.loaded.Load() {
		return
	}
	l.imu.Lock()
	delete(l.index, coord)
	l.imu.Unlock()
}

// AffectedCoords lists coordinates with un-compacted entries.
func (l *Log) AffectedCoords() []chunk.Coord {
	if !l.loaded.Load() {
		return nil
	}
	l.imu.Lock()
	defer l.imu.Unlock()
	coords := make([]chunk.Coord, 0, len(l.index))
	for c := range l.index {
		coords = append(coords, c)
	}
	return coords
}

// EntryCount reports records in the current log file.
func (l *Log) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Compact folds the log into snapshots. fold is called per coordinate
// with its ordered entries and returns true once that coordinate's
// state is durably snapshotted; entries of unfolded coordinates are
// re-appended into the fresh log. The old file is kept as a backup
// until the fresh log is in place, then deleted; any failure restores
// it so no entry is ever lost.
func (l *Log) Compact(fold func(coord chunk.Coord, entries []Entry) bool) error {
	if !l.loaded.Load() {
		return fmt.Errorf("modlog still loading")
	}

	l.imu.Lock()
	pending := make(map[chunk.Coord][]Entry, len(l.index))
	for c, es := range l.index {
		pending[c] = es
	}
	l.imu.Unlock()

	survivors := map[chunk.Coord][]Entry{}
	for c, es := range pending {
		if !fold(c, es) {
			survivors[c] = es
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.w.Flush()
	_ = l.f.Close()
	bak := l.path + ".bak"
	if err := os.Rename(l.path, bak); err != nil {
		// Reopen and report; the old log is intact.
		if _, errOpen := l.openFile(); errOpen != nil {
			return fmt.Errorf("compact backup failed (%v) and reopen failed: %w", err, errOpen)
		}
		return fmt.Errorf("compact backup: %w", err)
	}
	if _, err := l.openFile(); err != nil {
		// Restore the backup; nothing of the fresh log exists yet.
		_ = os.Rename(bak, l.path)
		if _, errOpen := l.openFile(); errOpen != nil {
			return fmt.Errorf("compact reopen failed twice: %w", errOpen)
		}
		return fmt.Errorf("compact fresh log: %w", err)
	}

	l.count = 0
	var rec [recordSize]byte
	for _, es := range survivors {
		for _, e := range es {
			encodeRecord(rec[:], e)
			if _, err := l.w.Write(rec[:]); err != nil {
				return fmt.Errorf("compact carry-over: %w", err)
			}
			l.count++
		}
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("compact flush: %w", err)
	}

	l.imu.Lock()
	l.index = survivors
	l.imu.Unlock()

	if err := os.Remove(bak); err != nil {
		l.log.Printf("compact: remove backup: %v", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.f != nil {
		err := l.f.Close()
		l.f = nil
		return err
	}
	return nil
}
