package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Fixed width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, kind, artifact_id, model, status, phase, current_chunk,
total_chunks, failed_chunks, record_count, error, started_at, finished_at`

// StartJob records a new running job.
func (db *DB) StartJob(j *JobRecord) error {
	if j.Status == "" {
		j.Status = StatusRunning
	}
	if j.Phase == "" {
		j.Phase = "pending"
	}
	if j.StartedAt.IsZero() {
		j.StartedAt = time.Now()
	}
	_, err := db.conn.Exec(`
INSERT INTO jobs (id, kind, artifact_id, model, status, phase, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.ArtifactID, j.Model, j.Status, j.Phase, j.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateJob stores the progress counters of a running job.
func (db *DB) UpdateJob(j *JobRecord) error {
	_, err := db.conn.Exec(`
UPDATE jobs SET phase = ?, current_chunk = ?, total_chunks = ?, failed_chunks = ?, record_count = ?
WHERE id = ?`,
		j.Phase, j.CurrentChunk, j.TotalChunks, j.FailedChunks, j.RecordCount, j.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", j.ID, err)
	}
	return nil
}

// FinishJob sets the terminal status of a job.
func (db *DB) FinishJob(j *JobRecord) error {
	finished := time.Now()
	if j.FinishedAt != nil {
		finished = *j.FinishedAt
	} else {
		j.FinishedAt = &finished
	}
	_, err := db.conn.Exec(`
UPDATE jobs SET status = ?, phase = ?, artifact_id = ?, current_chunk = ?, total_chunks = ?,
    failed_chunks = ?, record_count = ?, error = ?, finished_at = ?
WHERE id = ?`,
		j.Status, j.Phase, j.ArtifactID, j.CurrentChunk, j.TotalChunks,
		j.FailedChunks, j.RecordCount, j.Error, finished.UTC().Format(timeLayout), j.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns a job by id, or nil if absent.
func (db *DB) GetJob(id string) (*JobRecord, error) {
	row := db.conn.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return j, nil
}

// RecentJobs returns up to limit jobs, newest first.
func (db *DB) RecentJobs(limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return db.queryJobs(`SELECT `+jobColumns+` FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
}

// ArtifactJobs returns up to limit runs that produced or refreshed the
// given artifact, newest first.
func (db *DB) ArtifactJobs(kind, artifactID string, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return db.queryJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE kind = ? AND artifact_id = ?
		ORDER BY started_at DESC LIMIT ?`, kind, artifactID, limit)
}

func (db *DB) queryJobs(query string, args ...any) ([]JobRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := []JobRecord{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// MarkInterrupted flags jobs left running by a previous process.
// It returns the number of jobs updated.
func (db *DB) MarkInterrupted() (int, error) {
	res, err := db.conn.Exec(`
UPDATE jobs SET status = ?, error = 'interrupted', finished_at = ?
WHERE status = ?`,
		StatusError, time.Now().UTC().Format(timeLayout), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		db.logger.Warn("marked interrupted jobs", "count", n)
	}
	return int(n), nil
}

// GetStats returns aggregate ledger statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{ByStatus: map[string]int{}, ByKind: map[string]int{}}

	if err := db.countInto(`SELECT status, COUNT(*) FROM jobs GROUP BY status`, s.ByStatus); err != nil {
		return nil, err
	}
	if err := db.countInto(`SELECT kind, COUNT(*) FROM jobs GROUP BY kind`, s.ByKind); err != nil {
		return nil, err
	}
	for _, n := range s.ByStatus {
		s.TotalJobs += n
	}

	var last sql.NullString
	if err := db.conn.QueryRow(`SELECT MAX(started_at) FROM jobs`).Scan(&last); err != nil {
		return nil, fmt.Errorf("reading last run: %w", err)
	}
	if last.Valid {
		if t, err := time.Parse(timeLayout, last.String); err == nil {
			s.LastRun = &t
		}
	}
	return s, nil
}

func (db *DB) countInto(query string, into map[string]int) error {
	rows, err := db.conn.Query(query)
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*JobRecord, error) {
	var (
		j                 JobRecord
		artifactID, model sql.NullString
		errMsg, finished  sql.NullString
		started           string
	)
	err := s.Scan(&j.ID, &j.Kind, &artifactID, &model, &j.Status, &j.Phase, &j.CurrentChunk,
		&j.TotalChunks, &j.FailedChunks, &j.RecordCount, &errMsg, &started, &finished)
	if err != nil {
		return nil, err
	}
	if artifactID.Valid {
		j.ArtifactID = &artifactID.String
	}
	j.Model = model.String
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	if t, err := time.Parse(timeLayout, started); err == nil {
		j.StartedAt = t
	}
	if finished.Valid {
		if t, err := time.Parse(timeLayout, finished.String); err == nil {
			j.FinishedAt = &t
		}
	}
	return &j, nil
}
