package pipeline

import (
	"github.com/TobiSchelling/sessionscope/internal/analysis"
	"github.com/TobiSchelling/sessionscope/internal/database"
)

// Ledger writes are best effort: failures are logged and never reach the
// job.

func (s *Service) start(job *analysis.Job) {
	if s.db == nil {
		return
	}
	rec := jobRecord(*job)
	if err := s.db.StartJob(&rec); err != nil {
		s.logger.Warn("ledger write failed", "job", job.ID, "error", err)
	}
}

// record is the orchestrator observer.
func (s *Service) record(job analysis.Job) {
	if s.db == nil || job.Phase.Terminal() {
		return
	}
	rec := jobRecord(job)
	if err := s.db.UpdateJob(&rec); err != nil {
		s.logger.Warn("ledger write failed", "job", job.ID, "error", err)
	}
}

func (s *Service) finish(job *analysis.Job, runErr error) {
	if s.db == nil {
		return
	}
	rec := jobRecord(*job)
	switch {
	case runErr == nil:
		rec.Status = database.StatusComplete
	case analysis.KindOf(runErr) == analysis.Transport:
		rec.Status = database.StatusCancelled
	default:
		rec.Status = database.StatusError
	}
	if err := s.db.FinishJob(&rec); err != nil {
		s.logger.Warn("ledger write failed", "job", job.ID, "error", err)
	}
}

func jobRecord(job analysis.Job) database.JobRecord {
	rec := database.JobRecord{
		ID:           job.ID,
		Kind:         string(job.Kind),
		Model:        job.Model,
		Status:       database.StatusRunning,
		Phase:        job.Phase.String(),
		CurrentChunk: job.CurrentChunk,
		TotalChunks:  job.TotalChunks,
		FailedChunks: job.FailedChunks,
		RecordCount:  job.RecordCount,
		StartedAt:    job.StartedAt,
	}
	if job.ArtifactID != "" {
		id := job.ArtifactID
		rec.ArtifactID = &id
	}
	if job.Err != "" {
		msg := job.Err
		rec.Error = &msg
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		rec.FinishedAt = &t
	}
	return rec
}
