package database

import "time"

// Job statuses recorded in the ledger.
const (
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// JobRecord is one row of the jobs ledger.
type JobRecord struct {
	ID           string
	Kind         string
	ArtifactID   *string
	Model        string
	Status       string
	Phase        string
	CurrentChunk int
	TotalChunks  int
	FailedChunks int
	RecordCount  int
	Error        *string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Stats contains aggregate ledger statistics.
type Stats struct {
	TotalJobs int
	ByStatus  map[string]int
	ByKind    map[string]int
	LastRun   *time.Time
}
