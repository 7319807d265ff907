package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bryan-buckman/lipu/internal/model"
)

// File names inside the data directory.
const (
	FeedsFile = "feeds.json"
	ItemsFile = "items.json"
)

// JSONStore keeps the feed list and items as two JSON files in a directory.
// Files are overwritten in place.
type JSONStore struct {
	dir string
}

// Ensure JSONStore implements Store interface.
var _ Store = (*JSONStore)(nil)

// NewJSON returns a store rooted at dir.
func NewJSON(dir string) *JSONStore {
	return &JSONStore{dir: dir}
}

// Close is a no-op; files are not held open.
func (s *JSONStore) Close() error { return nil }

// Backend returns the backend name.
func (s *JSONStore) Backend() string { return BackendJSON }

// Load reads feeds.json and items.json.
func (s *JSONStore) Load() (Snapshot, error) {
	var snap Snapshot
	var errs []error
	if err := readJSON(filepath.Join(s.dir, FeedsFile), &snap.Feeds); err != nil {
		snap.Feeds = nil
		errs = append(errs, err)
	}
	if err := readJSON(filepath.Join(s.dir, ItemsFile), &snap.Items); err != nil {
		snap.Items = nil
		errs = append(errs, err)
	}
	return snap, errors.Join(errs...)
}

// readJSON decodes path into v. A missing file is not an error.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.NewError(model.CorruptedData, "decode "+filepath.Base(path), err)
	}
	return nil
}

// Save writes both files, feeds first.
func (s *JSONStore) Save(snap Snapshot) error {
	feeds := snap.Feeds
	if feeds == nil {
		feeds = []string{}
	}
	items := snap.Items
	if items == nil {
		items = []model.Item{}
	}

	feedsData, err := json.Marshal(feeds)
	if err != nil {
		return model.NewError(model.CorruptedData, "encode feeds", err)
	}
	itemsData, err := json.Marshal(items)
	if err != nil {
		return model.NewError(model.CorruptedData, "encode items", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return model.NewError(model.CreateFileFailed, "create data dir", err)
	}
	if err := writeFile(filepath.Join(s.dir, FeedsFile), feedsData); err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, ItemsFile), itemsData)
}

func writeFile(path string, data []byte) error {
	op := "write " + filepath.Base(path)
	f, err := os.Create(path)
	if err != nil {
		return model.NewError(model.CreateFileFailed, op, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return model.NewError(model.WriteFileFailed, op, err)
	}
	if err := f.Close(); err != nil {
		return model.NewError(model.WriteFileFailed, op, err)
	}
	return nil
}
