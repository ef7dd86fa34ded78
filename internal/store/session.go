package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// StatusCreated means labels are configured and no media has been processed.
	StatusCreated SessionStatus = "created"
	// StatusProcessing means a media loop is running.
	StatusProcessing SessionStatus = "processing"
	// StatusDone means the last media loop finished and produced an artifact.
	StatusDone SessionStatus = "done"
	// StatusFailed means the last media loop stopped with an error.
	StatusFailed SessionStatus = "failed"
)

// SessionRecord is the stored view of a session.
type SessionRecord struct {
	ID         string
	Labels     []string
	Status     SessionStatus
	MediaKind  string
	Frames     int
	Detections int
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionRepository provides CRUD operations for session records.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create inserts a new session record with status created.
func (r *SessionRepository) Create(rec *SessionRecord) error {
	labels, err := json.Marshal(rec.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}

	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusCreated
	}

	_, err = r.db.Exec(
		`INSERT INTO sessions (id, labels, status, media_kind, frames, detections, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(labels), string(rec.Status), rec.MediaKind, rec.Frames, rec.Detections, rec.Error, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(id string) (*SessionRecord, error) {
	row := r.db.QueryRow(
		`SELECT id, labels, status, media_kind, frames, detections, error, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		id,
	)

	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List retrieves all session records, newest first.
func (r *SessionRepository) List() ([]*SessionRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, labels, status, media_kind, frames, detections, error, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// StartProcessing marks a session as running a media loop of the given kind
// and resets its counters.
func (r *SessionRepository) StartProcessing(id, mediaKind string) error {
	return r.exec(
		`UPDATE sessions SET status = ?, media_kind = ?, frames = 0, detections = 0, error = '', updated_at = ?
		 WHERE id = ?`,
		string(StatusProcessing), mediaKind, time.Now(), id,
	)
}

// UpdateProgress records how many frames and detections have been processed.
func (r *SessionRepository) UpdateProgress(id string, frames, detections int) error {
	return r.exec(
		`UPDATE sessions SET frames = ?, detections = ?, updated_at = ? WHERE id = ?`,
		frames, detections, time.Now(), id,
	)
}

// Finish marks a session done.
func (r *SessionRepository) Finish(id string, frames, detections int) error {
	return r.exec(
		`UPDATE sessions SET status = ?, frames = ?, detections = ?, updated_at = ? WHERE id = ?`,
		string(StatusDone), frames, detections, time.Now(), id,
	)
}

// Fail marks a session failed with the given error text.
func (r *SessionRepository) Fail(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.exec(
		`UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), msg, time.Now(), id,
	)
}

// Delete removes a session record and its artifacts.
func (r *SessionRepository) Delete(id string) error {
	return r.exec(`DELETE FROM sessions WHERE id = ?`, id)
}

// DeleteAll removes every session record and returns how many were removed.
func (r *SessionRepository) DeleteAll() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM sessions`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *SessionRepository) exec(query string, args ...any) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var labels, status string

	err := row.Scan(&rec.ID, &labels, &status, &rec.MediaKind, &rec.Frames, &rec.Detections, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	rec.Status = SessionStatus(status)
	return rec, nil
}
