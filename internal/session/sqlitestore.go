package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS sessions (
	folder     TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	m3u8_name  TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLiteStore keeps every folder's State in one database, keyed by the cleaned absolute folder path.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the session database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func folderKey(folder string) string {
	if abs, err := filepath.Abs(folder); err == nil {
		return abs
	}
	return filepath.Clean(folder)
}

func (s *SQLiteStore) Get(ctx context.Context, folder string) (State, bool, error) {
	var st State
	err := s.db.QueryRowContext(ctx, `SELECT url, m3u8_name FROM sessions WHERE folder = ?`, folderKey(folder)).
		Scan(&st.URL, &st.PlaylistName)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, folder string, st State) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (folder, url, m3u8_name, created_at) VALUES (?, ?, ?, ?)`,
		folderKey(folder), st.URL, st.PlaylistName, time.Now().Unix())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}
