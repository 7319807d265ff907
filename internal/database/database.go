package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bryan-buckman/lipu/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Backend returns the backend name.
func (db *DB) Backend() string {
	return BackendSQLite
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		position INTEGER PRIMARY KEY,
		url TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS items (
		position INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		feed_url TEXT NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS items_feed_url ON items(feed_url);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Load ---

// Load reads feeds and items in their saved order.
func (db *DB) Load() (Snapshot, error) {
	var snap Snapshot
	var errs []error

	feeds, err := db.loadFeeds()
	if err != nil {
		errs = append(errs, err)
	} else {
		snap.Feeds = feeds
	}

	items, err := db.loadItems()
	if err != nil {
		errs = append(errs, err)
	} else {
		snap.Items = items
	}
	return snap, errors.Join(errs...)
}

func (db *DB) loadFeeds() ([]string, error) {
	rows, err := db.conn.Query("SELECT url FROM feeds ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer rows.Close()
	var feeds []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		feeds = append(feeds, u)
	}
	return feeds, rows.Err()
}

func (db *DB) loadItems() ([]model.Item, error) {
	rows, err := db.conn.Query("SELECT id, data FROM items ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var it model.Item
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, model.NewError(model.CorruptedData, "decode item "+id, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- Save ---

// Save replaces all rows in a single transaction.
func (db *DB) Save(snap Snapshot) error {
	encoded := make([]string, len(snap.Items))
	for i, it := range snap.Items {
		data, err := json.Marshal(it)
		if err != nil {
			return model.NewError(model.CorruptedData, "encode item "+it.Metadata.ID, err)
		}
		encoded[i] = string(data)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return model.NewError(model.WriteFileFailed, "begin save", err)
	}
	if err := db.replace(tx, snap, encoded); err != nil {
		tx.Rollback()
		return model.NewError(model.WriteFileFailed, "save", err)
	}
	if err := tx.Commit(); err != nil {
		return model.NewError(model.WriteFileFailed, "commit save", err)
	}
	return nil
}

func (db *DB) replace(tx *sql.Tx, snap Snapshot, encoded []string) error {
	if _, err := tx.Exec("DELETE FROM feeds"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM items"); err != nil {
		return err
	}

	feedStmt, err := tx.Prepare("INSERT INTO feeds (position, url) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer feedStmt.Close()
	for i, u := range snap.Feeds {
		if _, err := feedStmt.Exec(i, u); err != nil {
			return fmt.Errorf("insert feed %s: %w", u, err)
		}
	}

	itemStmt, err := tx.Prepare("INSERT INTO items (position, id, feed_url, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer itemStmt.Close()
	for i, it := range snap.Items {
		if _, err := itemStmt.Exec(i, it.Metadata.ID, it.Metadata.FeedURL, encoded[i]); err != nil {
			return fmt.Errorf("insert item %s: %w", it.Metadata.ID, err)
		}
	}
	return nil
}
