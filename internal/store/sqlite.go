// apps/go-server/internal/store/sqlite.go
//
// SQLite-backed snapshot store.
// Responsibilities:
//   - Opening the database with safe defaults (WAL, busy timeout, foreign keys).
//   - Applying embedded migrations (idempotent, recorded in _migrations).
//   - Upserting snapshots as JSON, keeping the highest revision per room.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/race24/apps/go-server/assets"
	"github.com/robalobadob/race24/apps/go-server/internal/game"
)

// SQLite stores snapshots in a single table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if missing) a SQLite database file and
// applies migrations.
//
// ":memory:" is accepted for tests; the pool is pinned to one connection so
// every query sees the same in-memory database.
func OpenSQLite(dsn string) (*SQLite, error) {
	// Ensure directory exists for ./data/race24.db, etc.
	if dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

/**
 * migrate applies the embedded migrations.
 *
 * - Uses a _migrations table to track applied files.
 * - Executes each script in lexical order inside its own transaction.
 * - Skips scripts already applied.
 */
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (name TEXT PRIMARY KEY);`); err != nil {
		return fmt.Errorf("create _migrations: %w", err)
	}

	ms, err := assets.Migrations()
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	for _, m := range ms {
		var done int
		err := db.QueryRow(`SELECT 1 FROM _migrations WHERE name=?`, m.Name).Scan(&done)
		if err == nil {
			log.Debug().Str("migration", m.Name).Msg("already applied")
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("query _migrations: %w", err)
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO _migrations(name) VALUES (?)`, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.Name, err)
		}
		log.Info().Str("migration", m.Name).Msg("applied")
	}
	return nil
}

func (s *SQLite) LoadSnapshot(ctx context.Context, roomID string) (game.Snapshot, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM room_snapshots WHERE room_id=?`, roomID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Snapshot{}, false, nil
	}
	if err != nil {
		return game.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}
	var snap game.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return game.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", roomID, err)
	}
	return snap, true, nil
}

// SaveSnapshot upserts s. An older revision never overwrites a newer one.
func (s *SQLite) SaveSnapshot(ctx context.Context, snap game.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.RoomID, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO room_snapshots (room_id, revision, phase, body, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(room_id) DO UPDATE SET
            revision   = excluded.revision,
            phase      = excluded.phase,
            body       = excluded.body,
            updated_at = excluded.updated_at
        WHERE excluded.revision > room_snapshots.revision`,
		snap.RoomID, snap.Revision, string(snap.Phase), string(body),
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.RoomID, err)
	}
	return nil
}

func (s *SQLite) DeleteSnapshot(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_snapshots WHERE room_id=?`, roomID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", roomID, err)
	}
	return nil
}

// CountByPhase returns how many persisted rooms are in each phase.
func (s *SQLite) CountByPhase(ctx context.Context) (map[game.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(1) FROM room_snapshots GROUP BY phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[game.Phase]int{}
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, err
		}
		out[game.Phase(phase)] = n
	}
	return out, rows.Err()
}
