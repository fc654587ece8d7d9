// Package mapdb indexes SLAM sessions and the engine-state archives written
// during them in a SQLite database.
package mapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or archive does not exist.
var ErrNotFound = errors.New("mapdb: not found")

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite serialises them anyway.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Printf("[MapDB] opened archive index %s", path)
	return db, nil
}

// Session is one run of the ingestion loop.
type Session struct {
	ID              string     `json:"session_id"`
	Sensor          string     `json:"sensor"`
	Mode            string     `json:"mode"`
	Online          bool       `json:"online"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	FramesProcessed int        `json:"frames_processed"`
}

// Archive is one persisted engine-state file.
type Archive struct {
	ID            int64     `json:"archive_id"`
	SessionID     string    `json:"session_id"`
	Path          string    `json:"path"`
	Sensor        string    `json:"sensor"`
	CreatedAt     time.Time `json:"created_at"`
	SizeBytes     int64     `json:"size_bytes"`
	Checksum      string    `json:"checksum"`
	Compressed    bool      `json:"compressed"`
	KeyframeCount int       `json:"keyframe_count"`
}

// StartSession records a new session and returns its id.
func (db *DB) StartSession(ctx context.Context, sensor, mode string, online bool, started time.Time) (string, error) {
	id := uuid.NewString()
	query := `
		INSERT INTO slam_sessions (session_id, sensor, mode, online, start_timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, query, id, sensor, mode, online, toEpoch(started)); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time and frame count.
func (db *DB) EndSession(ctx context.Context, id string, ended time.Time, framesProcessed int) error {
	query := `
		UPDATE slam_sessions
		SET end_timestamp = ?, frames_processed = ?
		WHERE session_id = ?
	`
	res, err := db.ExecContext(ctx, query, toEpoch(ended), framesProcessed, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession loads one session.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT session_id, sensor, mode, online, start_timestamp, end_timestamp, frames_processed
		FROM slam_sessions
		WHERE session_id = ?
	`
	var (
		s       Session
		started float64
		ended   sql.NullFloat64
	)
	err := db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Sensor, &s.Mode, &s.Online, &started, &ended, &s.FramesProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	s.StartedAt = fromEpoch(started)
	if ended.Valid {
		t := fromEpoch(ended.Float64)
		s.EndedAt = &t
	}
	return &s, nil
}

// RecordArchive indexes an archive. Writing the same path again replaces
// the earlier row.
func (db *DB) RecordArchive(ctx context.Context, a Archive) error {
	query := `
		INSERT INTO map_archives
			(session_id, path, sensor, created_at, size_bytes, checksum, compressed, keyframe_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			session_id = excluded.session_id,
			created_at = excluded.created_at,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			compressed = excluded.compressed,
			keyframe_count = excluded.keyframe_count
	`
	_, err := db.ExecContext(ctx, query,
		a.SessionID, a.Path, a.Sensor, toEpoch(a.CreatedAt), a.SizeBytes, a.Checksum, a.Compressed, a.KeyframeCount)
	if err != nil {
		return fmt.Errorf("failed to record archive: %w", err)
	}
	return nil
}

// ListArchives returns archives newest first. An empty sensor matches all
// sensors; limit <= 0 means no limit.
func (db *DB) ListArchives(ctx context.Context, sensor string, limit int) ([]Archive, error) {
	query := `
		SELECT archive_id, session_id, path, sensor, created_at, size_bytes, checksum, compressed, keyframe_count
		FROM map_archives
		WHERE (? = '' OR sensor = ?)
		ORDER BY created_at DESC, archive_id DESC
	`
	args := []any{sensor, sensor}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archives: %w", err)
	}
	defer rows.Close()

	var archives []Archive
	for rows.Next() {
		var (
			a       Archive
			created float64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Path, &a.Sensor, &created, &a.SizeBytes, &a.Checksum, &a.Compressed, &a.KeyframeCount); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		a.CreatedAt = fromEpoch(created)
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC()
}

// DeleteArchive removes the index row for path. The file itself is left to
// the caller.
func (db *DB) DeleteArchive(ctx context.Context, path string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM map_archives WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("archive %s: %w", path, ErrNotFound)
	}
	return nil
}
