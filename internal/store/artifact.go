package store

import (
	"database/sql"
	"errors"
	"time"
)

// ArtifactRecord is an annotated output produced by a session.
type ArtifactRecord struct {
	ID        int64
	SessionID string
	Name      string
	Path      string
	MIME      string
	Frames    int
	CreatedAt time.Time
}

// ArtifactRepository provides operations for artifact records.
type ArtifactRepository struct {
	db *sql.DB
}

// Artifacts returns the artifact repository for this store.
func (s *Store) Artifacts() *ArtifactRepository {
	return &ArtifactRepository{db: s.db}
}

// Create inserts an artifact record.
func (r *ArtifactRepository) Create(a *ArtifactRecord) error {
	a.CreatedAt = time.Now()

	result, err := r.db.Exec(
		`INSERT INTO artifacts (session_id, name, path, mime, frames, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Name, a.Path, a.MIME, a.Frames, a.CreatedAt,
	)
	if err != nil {
		return err
	}

	a.ID, err = result.LastInsertId()
	return err
}

// Latest returns the most recent artifact of a session.
func (r *ArtifactRepository) Latest(sessionID string) (*ArtifactRecord, error) {
	a := &ArtifactRecord{}
	err := r.db.QueryRow(
		`SELECT id, session_id, name, path, mime, frames, created_at
		 FROM artifacts WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(&a.ID, &a.SessionID, &a.Name, &a.Path, &a.MIME, &a.Frames, &a.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}
