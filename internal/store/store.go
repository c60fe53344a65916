// Package store: process-scoped sqlite cache of directory answers (exits, bridges, auth token).
package store

import (
	"database/sql"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dev.c0redev.kalive/internal/proto"
)

// DB wraps sqlite (client cache).
type DB struct {
	*sql.DB
	now func() time.Time
}

// Open opens db at path, runs migrations. ":memory:" keeps one connection so every
// query sees the same database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS exits (
			pos INTEGER NOT NULL PRIMARY KEY,
			hostname TEXT NOT NULL,
			key BLOB NOT NULL,
			fetched_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS bridges (
			exit_host TEXT NOT NULL,
			pos INTEGER NOT NULL,
			endpoint TEXT NOT NULL,
			key BLOB NOT NULL,
			fetched_at INTEGER NOT NULL,
			PRIMARY KEY (exit_host, pos)
		);
		CREATE TABLE IF NOT EXISTS auth_token (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			digest BLOB NOT NULL,
			signature BLOB NOT NULL,
			level TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		);
	`)
	return err
}

// cutoff: oldest fetched_at still fresh; maxAge <= 0 accepts any age.
func (db *DB) cutoff(maxAge time.Duration) int64 {
	if maxAge <= 0 {
		return math.MinInt64
	}
	return db.now().Add(-maxAge).UnixNano()
}

// PutExits replaces the exit list. Rows are keyed by position, so duplicate hostnames
// survive and reads return the list exactly as fetched.
func (db *DB) PutExits(exits []proto.ExitDescriptor) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM exits"); err != nil {
		return err
	}
	now := db.now().UnixNano()
	for i, e := range exits {
		_, err := tx.Exec("INSERT INTO exits (pos, hostname, key, fetched_at) VALUES (?, ?, ?, ?)", i, e.Hostname, e.Key, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Exits returns the cached list if fetched within maxAge; nil, false when stale or empty.
func (db *DB) Exits(maxAge time.Duration) ([]proto.ExitDescriptor, bool, error) {
	rows, err := db.Query("SELECT hostname, key FROM exits WHERE fetched_at >= ? ORDER BY pos", db.cutoff(maxAge))
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var list []proto.ExitDescriptor
	for rows.Next() {
		var e proto.ExitDescriptor
		if err := rows.Scan(&e.Hostname, &e.Key); err != nil {
			return nil, false, err
		}
		list = append(list, e)
	}
	return list, len(list) > 0, rows.Err()
}

// PutBridges replaces the bridges of exitHost.
func (db *DB) PutBridges(exitHost string, bridges []proto.BridgeDescriptor) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM bridges WHERE exit_host = ?", exitHost); err != nil {
		return err
	}
	now := db.now().UnixNano()
	for i, b := range bridges {
		_, err := tx.Exec("INSERT INTO bridges (exit_host, pos, endpoint, key, fetched_at) VALUES (?, ?, ?, ?, ?)",
			exitHost, i, b.Endpoint, b.Key, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Bridges returns cached bridges of exitHost fetched within maxAge.
func (db *DB) Bridges(exitHost string, maxAge time.Duration) ([]proto.BridgeDescriptor, bool, error) {
	rows, err := db.Query("SELECT endpoint, key FROM bridges WHERE exit_host = ? AND fetched_at >= ? ORDER BY pos",
		exitHost, db.cutoff(maxAge))
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var list []proto.BridgeDescriptor
	for rows.Next() {
		var b proto.BridgeDescriptor
		if err := rows.Scan(&b.Endpoint, &b.Key); err != nil {
			return nil, false, err
		}
		list = append(list, b)
	}
	return list, len(list) > 0, rows.Err()
}

// PutToken stores the single auth token.
func (db *DB) PutToken(tok *proto.AuthToken) error {
	_, err := db.Exec("INSERT OR REPLACE INTO auth_token (id, digest, signature, level, fetched_at) VALUES (1, ?, ?, ?, ?)",
		tok.UnblindedDigest, tok.UnblindedSignature, tok.Level, db.now().UnixNano())
	return err
}

// Token returns the cached token or nil if missing or older than maxAge.
func (db *DB) Token(maxAge time.Duration) (*proto.AuthToken, error) {
	var tok proto.AuthToken
	err := db.QueryRow("SELECT digest, signature, level FROM auth_token WHERE id = 1 AND fetched_at >= ?", db.cutoff(maxAge)).
		Scan(&tok.UnblindedDigest, &tok.UnblindedSignature, &tok.Level)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}
