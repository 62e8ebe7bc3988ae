package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TobiSchelling/sessionscope/internal/store"
)

// EventType tags an Event on the wire.
type EventType string

const (
	TypeStart         EventType = "start"
	TypeChunkInfo     EventType = "chunk_info"
	TypeChunk         EventType = "chunk"
	TypeChunkComplete EventType = "chunk_complete"
	TypeComplete      EventType = "complete"
	TypeError         EventType = "error"
)

// Values of ChunkInfoEvent.Phase.
const (
	PhaseChunkAnalysis = "chunk_analysis"
	PhaseFinalAnalysis = "final_analysis"
)

// Event is one message of the progress protocol. The set of
// implementations is closed.
type Event interface {
	Type() EventType
	event()
}

// StartEvent opens a single-chunk run.
type StartEvent struct {
	RecordCount int `json:"record_count"`
}

// ChunkInfoEvent precedes each chunk analysis and the final synthesis.
type ChunkInfoEvent struct {
	CurrentChunk int    `json:"current_chunk"`
	TotalChunks  int    `json:"total_chunks"`
	Phase        string `json:"phase"`
}

// DeltaEvent relays one text delta.
type DeltaEvent struct {
	Content string `json:"content"`
}

// ChunkCompleteEvent follows each chunk analysis, successful or not.
type ChunkCompleteEvent struct {
	CurrentChunk int `json:"current_chunk"`
	TotalChunks  int `json:"total_chunks"`
}

// CompleteEvent carries the persisted artifact.
type CompleteEvent struct {
	Analysis *store.Artifact `json:"analysis"`
}

// ErrorEvent ends a failed run.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (StartEvent) Type() EventType         { return TypeStart }
func (ChunkInfoEvent) Type() EventType     { return TypeChunkInfo }
func (DeltaEvent) Type() EventType         { return TypeChunk }
func (ChunkCompleteEvent) Type() EventType { return TypeChunkComplete }
func (CompleteEvent) Type() EventType      { return TypeComplete }
func (ErrorEvent) Type() EventType         { return TypeError }

func (StartEvent) event()         {}
func (ChunkInfoEvent) event()     {}
func (DeltaEvent) event()         {}
func (ChunkCompleteEvent) event() {}
func (CompleteEvent) event()      {}
func (ErrorEvent) event()         {}

// MarshalEvent encodes e as a flat JSON object with a "type" field.
func MarshalEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.Type(), err)
	}
	typ, _ := json.Marshal(e.Type())
	out := make([]byte, 0, len(payload)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(payload) > 2 {
		out = append(out, ',')
		out = append(out, payload[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Sink receives a run's events in order. Emit blocks until the event is
// accepted; an error means the observer is gone.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Discard accepts and drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
