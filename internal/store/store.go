// Package store persists finished recordings in SQLite. It is the
// persistence boundary the capture and playback cores stay ignorant of:
// buffers go in, buffers come out, the only format requirement is
// ascending t_ms.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/motion-data/pose.report/internal/pose"
)

// ErrNotFound is returned when a recording id does not exist.
var ErrNotFound = errors.New("store: recording not found")

// Recording is a finished, fixed-rate buffer plus its capture metadata.
type Recording struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at_iso"`
	Mode        pose.Mode    `json:"mode"`
	FPS         float64      `json:"fps"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	PersonCount int          `json:"person_count,omitempty"`
	Frames      []pose.Frame `json:"frames"`
}

// DurationMs returns the recording length derived from the last frame.
func (r *Recording) DurationMs() float64 {
	return pose.Duration(r.Frames)
}

// Summary is the listing view of a recording; frames stay on disk.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at_iso"`
	Mode      pose.Mode `json:"mode"`
	DurationS float64   `json:"duration_s"`
}

// Store is a SQLite-backed recordings store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite serialises writers anyway; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragmas: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a recording. An empty ID is replaced with a new UUID and a
// zero CreatedAt with the current time. Frames must be ascending by t_ms.
func (s *Store) Insert(rec *Recording) error {
	if err := validateAscending(rec.Frames); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	framesJSON, err := json.Marshal(rec.Frames)
	if err != nil {
		return fmt.Errorf("store: marshal frames: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO recordings (
			id, created_at_ns, mode, fps, width, height,
			person_count, duration_ms, frames_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.CreatedAt.UnixNano(),
		string(rec.Mode),
		rec.FPS,
		rec.Width,
		rec.Height,
		rec.PersonCount,
		rec.DurationMs(),
		string(framesJSON),
	)
	if err != nil {
		return fmt.Errorf("store: insert recording %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a recording with its full frame sequence.
func (s *Store) Get(id string) (*Recording, error) {
	var rec Recording
	var createdNs int64
	var mode, framesJSON string

	err := s.db.QueryRow(`
		SELECT id, created_at_ns, mode, fps, width, height, person_count, frames_json
		FROM recordings WHERE id = ?`, id).Scan(
		&rec.ID, &createdNs, &mode, &rec.FPS,
		&rec.Width, &rec.Height, &rec.PersonCount, &framesJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get recording %s: %w", id, err)
	}

	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	rec.Mode = pose.Mode(mode)
	if err := json.Unmarshal([]byte(framesJSON), &rec.Frames); err != nil {
		return nil, fmt.Errorf("store: decode frames for %s: %w", id, err)
	}
	return &rec, nil
}

// List returns summaries of all recordings, newest first. Durations come
// from the duration_ms column so listing never decodes frame payloads.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at_ns, mode, duration_ms
		FROM recordings ORDER BY created_at_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list recordings: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		var createdNs int64
		var mode string
		var durationMs float64
		if err := rows.Scan(&sum.ID, &createdNs, &mode, &durationMs); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdNs).UTC()
		sum.Mode = pose.Mode(mode)
		sum.DurationS = durationMs / 1000.0
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete removes a recording.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete recording %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func validateAscending(frames []pose.Frame) error {
	for i := 1; i < len(frames); i++ {
		if frames[i].TMs < frames[i-1].TMs {
			return fmt.Errorf("store: frames not ascending at index %d (%.3f < %.3f)",
				i, frames[i].TMs, frames[i-1].TMs)
		}
	}
	return nil
}
