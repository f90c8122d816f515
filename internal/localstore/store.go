// Package localstore is the local store façade:
// transactional (type,key) CRUD with per-row LSN, sequence-number
// conditional writes, and enumeration in key and LSN order, atop an
// embedded ordered key-value engine (cockroachdb/pebble). The underlying
// engine is the external collaborator this store excludes from scope;
// this package is the only thing above it that the rest of the module
// talks to.
package localstore

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/kvreplica/engine/internal/logging"
)

// Store owns one pebble database for one partition.
type Store struct {
	db   *pebble.DB
	dir  string
	lock *dirLock
	log  *logging.Logger
}

// Open opens (creating if absent) the local store rooted at dir.
func Open(dir string, log *logging.Logger) (*Store, error) {
	lock, err := lockDir(dir)
	if err != nil {
		return nil, fmt.Errorf("lock store directory %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		_ = lock.release()
		return nil, fmt.Errorf("open pebble store %s: %w", dir, err)
	}
	if log == nil {
		log = logging.NewDefault()
	}
	return &Store{db: db, dir: dir, lock: lock, log: log}, nil
}

// Close flushes and closes the underlying engine. Safe to call once;
// callers must ensure every Tx has been committed or rolled back first.
func (s *Store) Close() error {
	err := s.db.Close()
	if lerr := s.lock.release(); err == nil {
		err = lerr
	}
	return err
}

// Dir exposes the backing pebble directory, consumed by the copy
// protocol's file-stream full copy to snapshot/checkpoint
// the physical files.
func (s *Store) Dir() string { return s.dir }

// Checkpoint writes a consistent physical snapshot of the store to dir,
// used by the file-stream full copy path.
func (s *Store) Checkpoint(dir string) error {
	return s.db.Checkpoint(dir)
}

// RebuildFrom replaces this store's content with the physical snapshot
// found at dir, used after a secondary receives a complete file-stream
// full copy archive. The caller must hold exclusive access
// to the store (no in-flight transactions).
func (s *Store) RebuildFrom(dir string) error {
	fresh, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("open rebuilt store %s: %w", dir, err)
	}
	old := s.db
	s.db = fresh
	s.dir = dir
	return old.Close()
}
