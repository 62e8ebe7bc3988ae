// Package analysis runs the chunked analysis pipeline: extract records,
// partition them, analyze each chunk, synthesize a report and persist it,
// relaying progress to a single observer.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TobiSchelling/sessionscope/internal/chunk"
	"github.com/TobiSchelling/sessionscope/internal/llm"
	"github.com/TobiSchelling/sessionscope/internal/store"
	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

// Extractor resolves a scope to records.
type Extractor interface {
	Extract(ctx context.Context, mode transcript.Mode, scope transcript.Scope) (*transcript.Corpus, error)
}

// Saver persists artifacts.
type Saver interface {
	Save(a *store.Artifact) error
	Delete(kind store.Kind, id string) error
}

// Request describes one run.
type Request struct {
	Kind  store.Kind
	Scope transcript.Scope
	Model string
	// Existing is set when rerunning a stored analysis; its id and creation
	// time are kept.
	Existing *store.Artifact
}

// Orchestrator sequences a run and emits its events.
type Orchestrator struct {
	extractor   Extractor
	invoker     llm.Invoker
	saver       Saver
	partitioner *chunk.Partitioner
	logger      *slog.Logger

	chunkTimeout time.Duration
	jobTimeout   time.Duration
	observe      func(Job)
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPartitioner replaces the default 300 KiB partitioner.
func WithPartitioner(p *chunk.Partitioner) Option {
	return func(o *Orchestrator) { o.partitioner = p }
}

// WithChunkTimeout bounds each inference call. Zero disables the bound.
func WithChunkTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.chunkTimeout = d }
}

// WithJobTimeout bounds a whole run. Zero disables the bound.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.jobTimeout = d }
}

// WithObserver registers fn to receive a copy of the job after every phase
// change and chunk completion.
func WithObserver(fn func(Job)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// New creates an orchestrator.
func New(extractor Extractor, invoker llm.Invoker, saver Saver, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		extractor:   extractor,
		invoker:     invoker,
		saver:       saver,
		partitioner: chunk.New(),
		logger:      logger.With("component", "analysis"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes req, sending events to sink, and returns the persisted
// artifact. On failure the job ends Errored and the returned error is
// classified; no error event is emitted here, see Report.
func (o *Orchestrator) Run(ctx context.Context, job *Job, req Request, sink Sink) (*store.Artifact, error) {
	runCtx := ctx
	if o.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.jobTimeout)
		defer cancel()
	}

	started := time.Now()
	a, err := o.run(runCtx, job, req, sink)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = &Error{Kind: Transport, Msg: "analysis cancelled", Err: ctx.Err()}
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && KindOf(err) != Persistence:
			err = &Error{Kind: InferenceProcess, Msg: "analysis timed out", Err: runCtx.Err()}
		}
		job.fail(err)
		o.notify(job)

		level := slog.LevelError
		if KindOf(err) == Transport || KindOf(err) == EmptyCorpus || KindOf(err) == Invalid {
			level = slog.LevelInfo
		}
		o.logger.Log(ctx, level, "analysis failed",
			"job", job.ID,
			"kind", req.Kind,
			"phase", job.Phase,
			"error_kind", KindOf(err),
			"error", err,
		)
		return nil, err
	}

	o.logger.Info("analysis complete",
		"job", job.ID,
		"kind", req.Kind,
		"id", a.ID,
		"chunks", job.TotalChunks,
		"failed_chunks", job.FailedChunks,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return a, nil
}

func (o *Orchestrator) run(ctx context.Context, job *Job, req Request, sink Sink) (*store.Artifact, error) {
	if err := o.advance(job, Extracting); err != nil {
		return nil, err
	}
	corpus, err := o.extractor.Extract(ctx, req.Kind.Mode(), req.Scope)
	if err != nil {
		switch {
		case errors.Is(err, transcript.ErrEmptyCorpus):
			return nil, &Error{Kind: EmptyCorpus, Msg: transcript.ErrEmptyCorpus.Error(), Err: err}
		case errors.Is(err, transcript.ErrInvalidScope):
			return nil, &Error{Kind: Invalid, Msg: err.Error(), Err: err}
		}
		return nil, fmt.Errorf("extracting records: %w", err)
	}
	job.RecordCount = len(corpus.Records)

	if err := o.advance(job, Partitioning); err != nil {
		return nil, err
	}
	chunks := o.partitioner.Split(corpus.Records)
	job.TotalChunks = len(chunks)
	o.logger.Info("partitioned corpus",
		"job", job.ID,
		"records", len(corpus.Records),
		"bytes", corpus.Size(),
		"budget", o.partitioner.Budget(),
		"chunks", len(chunks),
		"model", req.Model,
	)

	sep := Separator(req.Kind)
	var result string
	if len(chunks) == 1 {
		result, err = o.single(ctx, job, req, corpus, chunks[0].Text(sep), sink)
	} else {
		result, err = o.chunked(ctx, job, req, corpus, chunks, sink)
	}
	if err != nil {
		return nil, err
	}

	if err := o.advance(job, Persisting); err != nil {
		return nil, err
	}
	a := o.artifact(req, corpus, result)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.saver.Save(a); err != nil {
		return nil, &Error{Kind: Persistence, Msg: "failed to save analysis", Err: err}
	}
	job.ArtifactID = a.ID
	if err := o.emit(ctx, sink, CompleteEvent{Analysis: a}); err != nil {
		o.rollback(job, req, a)
		return nil, err
	}
	if err := o.advance(job, Complete); err != nil {
		return nil, err
	}
	return a, nil
}

// rollback undoes the save of a when its complete event never reached the
// sink: a new artifact is removed, a rerun gets its previous content back.
func (o *Orchestrator) rollback(job *Job, req Request, a *store.Artifact) {
	job.ArtifactID = ""
	var err error
	if req.Existing != nil {
		err = o.saver.Save(req.Existing)
	} else {
		err = o.saver.Delete(a.Kind, a.ID)
	}
	if err != nil {
		o.logger.Error("rolling back unreported analysis", "job", job.ID, "id", a.ID, "error", err)
	}
}

func (o *Orchestrator) single(ctx context.Context, job *Job, req Request, c *transcript.Corpus, body string, sink Sink) (string, error) {
	if err := o.advance(job, SingleSynthesizing); err != nil {
		return "", err
	}
	if err := o.emit(ctx, sink, StartEvent{RecordCount: len(c.Records)}); err != nil {
		return "", err
	}
	prompt := singlePrompt(req.Kind, c, body)
	return o.synthesize(ctx, req, string(req.Kind)+"_single", prompt, sink)
}

func (o *Orchestrator) chunked(ctx context.Context, job *Job, req Request, c *transcript.Corpus, chunks []chunk.Chunk, sink Sink) (string, error) {
	n := len(chunks)
	sep := Separator(req.Kind)
	partials := make([]string, n)

	for _, ch := range chunks {
		if err := o.advance(job, ChunkAnalyzing); err != nil {
			return "", err
		}
		job.CurrentChunk = ch.Index
		if err := o.emit(ctx, sink, ChunkInfoEvent{CurrentChunk: ch.Index, TotalChunks: n, Phase: PhaseChunkAnalysis}); err != nil {
			return "", err
		}

		label := fmt.Sprintf("%s_chunk%d", req.Kind, ch.Index)
		prompt := chunkPrompt(req.Kind, c, ch.Index, n, ch.Text(sep))
		text, clean, err := o.invoke(ctx, req, label, prompt, sink)
		if err != nil {
			if ctx.Err() != nil || KindOf(err) == Transport || errors.Is(err, llm.ErrBinaryNotFound) {
				return "", err
			}
			o.logger.Warn("chunk could not start", "job", job.ID, "chunk", ch.Index, "error", err)
		}
		if !clean {
			job.FailedChunks++
			o.logger.Warn("chunk analysis degraded",
				"job", job.ID,
				"chunk", ch.Index,
				"total", n,
				"received_bytes", len(text),
			)
		}
		partials[ch.Index-1] = llm.CompactJSON(text)
		o.notify(job)

		if err := o.emit(ctx, sink, ChunkCompleteEvent{CurrentChunk: ch.Index, TotalChunks: n}); err != nil {
			return "", err
		}
	}

	if err := o.advance(job, FinalSynthesizing); err != nil {
		return "", err
	}
	if err := o.emit(ctx, sink, ChunkInfoEvent{CurrentChunk: n, TotalChunks: n, Phase: PhaseFinalAnalysis}); err != nil {
		return "", err
	}
	return o.synthesize(ctx, req, string(req.Kind)+"_final", finalPrompt(req.Kind, c, partials), sink)
}

// synthesize runs a report-producing call. Unlike chunk calls, an unclean
// exit or empty output is fatal.
func (o *Orchestrator) synthesize(ctx context.Context, req Request, label, prompt string, sink Sink) (string, error) {
	text, clean, err := o.invoke(ctx, req, label, prompt, sink)
	if err != nil {
		if ctx.Err() != nil || KindOf(err) == Transport {
			return "", err
		}
		return "", &Error{Kind: InferenceProcess, Msg: "failed to start inference", Err: err}
	}
	if !clean {
		return "", &Error{Kind: InferenceProcess, Msg: "inference process failed"}
	}
	if strings.TrimSpace(text) == "" {
		return "", &Error{Kind: InferenceProcess, Msg: "inference produced no output"}
	}
	return text, nil
}

// invoke streams one prompt, relaying every delta. It reports whether the
// call finished cleanly within its deadline. A returned error means the job
// itself cannot continue or the call never started.
func (o *Orchestrator) invoke(ctx context.Context, req Request, label, prompt string, sink Sink) (string, bool, error) {
	callCtx := ctx
	if o.chunkTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.chunkTimeout)
		defer cancel()
	}

	stream, err := o.invoker.Stream(callCtx, llm.Request{Prompt: prompt, Model: req.Model, Label: label})
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, err
	}
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		delta := stream.Text()
		b.WriteString(delta)
		if err := o.emit(ctx, sink, DeltaEvent{Content: delta}); err != nil {
			return b.String(), false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return b.String(), false, err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		o.logger.Warn("inference call timed out", "label", label, "timeout", o.chunkTimeout)
		return b.String(), false, nil
	}
	if err := stream.Err(); err != nil {
		o.logger.Warn("inference stream failed", "label", label, "error", err)
		return b.String(), false, nil
	}
	return b.String(), stream.Clean(), nil
}

func (o *Orchestrator) artifact(req Request, c *transcript.Corpus, result string) *store.Artifact {
	now := o.now()
	a := &store.Artifact{
		ID:           store.NewID(),
		Kind:         req.Kind,
		Scope:        req.Scope,
		ProjectName:  c.ProjectName,
		ProjectNames: c.ProjectNames,
		RecordCount:  len(c.Records),
		SessionCount: len(c.Sessions),
		Result:       result,
		Model:        req.Model,
		CreatedAt:    now,
	}
	if req.Existing != nil {
		a.ID = req.Existing.ID
		a.CreatedAt = req.Existing.CreatedAt
		a.UpdatedAt = &now
	}
	return a
}

func (o *Orchestrator) emit(ctx context.Context, sink Sink, e Event) error {
	if err := sink.Emit(ctx, e); err != nil {
		return &Error{Kind: Transport, Msg: "observer unavailable", Err: err}
	}
	return nil
}

func (o *Orchestrator) advance(job *Job, p Phase) error {
	if err := job.Advance(p); err != nil {
		return err
	}
	o.notify(job)
	return nil
}

func (o *Orchestrator) notify(job *Job) {
	if o.observe != nil {
		o.observe(*job)
	}
}
