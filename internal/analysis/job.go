package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/sessionscope/internal/store"
)

// Phase is a step of a pipeline run.
type Phase int

const (
	Pending Phase = iota
	Extracting
	Partitioning
	ChunkAnalyzing
	FinalSynthesizing
	SingleSynthesizing
	Persisting
	Complete
	Errored
)

// ErrPhaseRegression is returned when a job is moved backwards or out of a
// terminal phase.
var ErrPhaseRegression = errors.New("phase regression")

var phaseNames = map[Phase]string{
	Pending:            "pending",
	Extracting:         "extracting",
	Partitioning:       "partitioning",
	ChunkAnalyzing:     "chunk_analyzing",
	FinalSynthesizing:  "final_synthesizing",
	SingleSynthesizing: "single_synthesizing",
	Persisting:         "persisting",
	Complete:           "complete",
	Errored:            "error",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// rank orders phases; single and final synthesis share a rank.
func (p Phase) rank() int {
	switch p {
	case SingleSynthesizing:
		return FinalSynthesizing.rank()
	case Persisting:
		return FinalSynthesizing.rank() + 1
	case Complete:
		return FinalSynthesizing.rank() + 2
	}
	return int(p)
}

// Terminal reports whether no further transitions are allowed.
func (p Phase) Terminal() bool {
	return p == Complete || p == Errored
}

// Job is the state of one pipeline run. It is owned by the goroutine
// running it; observers receive copies.
type Job struct {
	ID           string
	Kind         store.Kind
	Model        string
	Phase        Phase
	CurrentChunk int
	TotalChunks  int
	FailedChunks int
	RecordCount  int
	ArtifactID   string
	Err          string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// NewJob creates a pending job.
func NewJob(kind store.Kind, model string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Model:     model,
		StartedAt: time.Now(),
	}
}

// Advance moves the job to p. Errored is reachable from any non-terminal
// phase; otherwise phases never decrease.
func (j *Job) Advance(p Phase) error {
	if j.Phase.Terminal() {
		return fmt.Errorf("%w: job already %s", ErrPhaseRegression, j.Phase)
	}
	if p != Errored && p.rank() < j.Phase.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, j.Phase, p)
	}
	j.Phase = p
	if p.Terminal() {
		j.FinishedAt = time.Now()
	}
	return nil
}

// fail moves the job to Errored and records the message.
func (j *Job) fail(err error) {
	if j.Phase.Terminal() {
		return
	}
	j.Err = Message(err)
	j.Phase = Errored
	j.FinishedAt = time.Now()
}
