// Package indexdb maintains a secondary sqlite read model of
// persistence activity: snapshot writes, log compactions, and
// classification merges. Writes go through a buffered single-writer
// goroutine and are dropped under backpressure; the binary files remain
// the source of truth.
package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"terraforge.dev/internal/chunk"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqSnapshot reqKind = iota + 1
	reqCompaction
	reqClassifyMerge
)

type req struct {
	kind reqKind

	snapshot   snapshotRow
	compaction compactionRow
	merge      mergeRow
}

type snapshotRow struct {
	Coord      chunk.Coord
	Path       string
	Bytes      int
	HasMods    bool
	RecordedAt string
}

type compactionRow struct {
	FoldedCoords   int
	CarriedEntries int
	DurationMs     int64
	RecordedAt     string
}

type mergeRow struct {
	Entries    int
	Final      bool
	RecordedAt string
}

func Open(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			has_mods INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (cx, cy, cz)
		);`,
		`CREATE TABLE IF NOT EXISTS compactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			folded_coords INTEGER NOT NULL,
			carried_entries INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS classify_merges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entries INTEGER NOT NULL,
			final INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		var err error
		switch r.kind {
		case reqSnapshot:
			_, err = s.db.Exec(
				`INSERT INTO snapshots (cx, cy, cz, path, bytes, has_mods, recorded_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(cx, cy, cz) DO UPDATE SET
				   path=excluded.path, bytes=excluded.bytes,
				   has_mods=excluded.has_mods, recorded_at=excluded.recorded_at`,
				r.snapshot.Coord.X, r.snapshot.Coord.Y, r.snapshot.Coord.Z,
				r.snapshot.Path, r.snapshot.Bytes, boolInt(r.snapshot.HasMods), r.snapshot.RecordedAt)
		case reqCompaction:
			_, err = s.db.Exec(
				`INSERT INTO compactions (folded_coords, carried_entries, duration_ms, recorded_at)
				 VALUES (?, ?, ?, ?)`,
				r.compaction.FoldedCoords, r.compaction.CarriedEntries,
				r.compaction.DurationMs, r.compaction.RecordedAt)
		case reqClassifyMerge:
			_, err = s.db.Exec(
				`INSERT INTO classify_merges (entries, final, recorded_at) VALUES (?, ?, ?)`,
				r.merge.Entries, boolInt(r.merge.Final), r.merge.RecordedAt)
		}
		_ = err // the index is best-effort; errors never reach the hot path
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *SQLiteIndex) RecordSnapshot(coord chunk.Coord, path string, bytes int, hasMods bool) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: snapshotRow{
		Coord: coord, Path: path, Bytes: bytes, HasMods: hasMods, RecordedAt: now(),
	}}:
	default:
		// Drop if the indexer falls behind; snapshot files remain the
		// source of truth.
	}
}

func (s *SQLiteIndex) RecordCompaction(foldedCoords, carriedEntries int, took time.Duration) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqCompaction, compaction: compactionRow{
		FoldedCoords: foldedCoords, CarriedEntries: carriedEntries,
		DurationMs: took.Milliseconds(), RecordedAt: now(),
	}}:
	default:
	}
}

func (s *SQLiteIndex) RecordClassifyMerge(entries int, final bool) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqClassifyMerge, merge: mergeRow{
		Entries: entries, Final: final, RecordedAt: now(),
	}}:
	default:
	}
}

// SnapshotCount reports indexed snapshot rows; used by inspect tooling.
func (s *SQLiteIndex) SnapshotCount() (int, error) {
	if s == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
