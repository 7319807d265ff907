// Package database provides storage backends for the library.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bryan-buckman/lipu/internal/model"
)

// Snapshot is the persisted state of a library.
type Snapshot struct {
	Feeds []string
	Items []model.Item
}

// Store defines the interface for persisting a library.
// Both the JSON file and SQLite implementations satisfy this interface.
type Store interface {
	Close() error

	// Backend returns the name of the storage backend ("json" or "sqlite").
	Backend() string

	// Load reads the persisted state. Parts that are missing or unreadable come
	// back empty; the returned error only describes what was reset and the
	// snapshot is usable either way.
	Load() (Snapshot, error)

	// Save overwrites the persisted state with s.
	Save(s Snapshot) error
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// SQLiteFile is the database file name of the sqlite backend.
const SQLiteFile = "lipu.db"

// ErrReset marks an Open that had to replace an unreadable database with an
// empty one. The returned store is usable.
var ErrReset = errors.New("unreadable database replaced with an empty one")

// Open creates the store for backend inside dataDir. When an existing sqlite
// file cannot be opened it is renamed aside and a fresh database is created; the
// store is returned together with an error wrapping ErrReset.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSON(dataDir), nil
	case BackendSQLite:
		return openSQLite(filepath.Join(dataDir, SQLiteFile))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func openSQLite(path string) (Store, error) {
	db, err := New(path)
	if err == nil {
		return db, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if mvErr := os.Rename(path, aside); mvErr != nil {
		return nil, errors.Join(err, fmt.Errorf("move aside: %w", mvErr))
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Rename(path+suffix, aside+suffix)
	}

	db, nerr := New(path)
	if nerr != nil {
		return nil, nerr
	}
	return db, fmt.Errorf("%w: %s moved to %s: %v", ErrReset, path, aside, err)
}
