// Package pipeline wires configuration, transcripts, inference, the result
// store and the job ledger into the operations exposed by the CLI and the
// HTTP server.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/TobiSchelling/sessionscope/internal/analysis"
	"github.com/TobiSchelling/sessionscope/internal/chunk"
	"github.com/TobiSchelling/sessionscope/internal/config"
	"github.com/TobiSchelling/sessionscope/internal/database"
	"github.com/TobiSchelling/sessionscope/internal/llm"
	"github.com/TobiSchelling/sessionscope/internal/store"
	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

// Service runs analyses and serves stored results.
type Service struct {
	cfg       *config.Config
	db        *database.DB
	extractor *transcript.Extractor
	invoker   llm.Invoker
	store     *store.Store
	orch      *analysis.Orchestrator
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*options)

type options struct {
	invoker llm.Invoker
}

// WithInvoker replaces the configured inference backend.
func WithInvoker(inv llm.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// New builds a service from cfg. db may be nil, in which case runs are not
// recorded.
func New(cfg *config.Config, db *database.DB, logger *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dataDir := cfg.GetDataDir()
	inf := cfg.Inference
	if o.invoker == nil {
		o.invoker = llm.CreateInvoker(llm.Settings{
			Provider:   inf.Provider,
			Binary:     inf.Binary,
			ExtraArgs:  inf.ExtraArgs,
			ScratchDir: filepath.Join(dataDir, "temp"),
			OllamaURL:  inf.OllamaURL,
		}, logger)
	}

	s := &Service{
		cfg:       cfg,
		db:        db,
		extractor: transcript.NewExtractor(cfg.GetProjectsDir(), logger),
		invoker:   o.invoker,
		store:     store.New(dataDir, logger, store.WithCache(cfg.Cache.MaxEntries, cfg.CacheTTLDuration())),
		logger:    logger.With("component", "pipeline"),
	}
	s.orch = analysis.New(s.extractor, s.invoker, s.store, logger,
		analysis.WithPartitioner(chunk.New(chunk.WithBudget(int(cfg.ChunkBudgetBytes())))),
		analysis.WithChunkTimeout(cfg.ChunkTimeoutDuration()),
		analysis.WithJobTimeout(cfg.JobTimeoutDuration()),
		analysis.WithObserver(s.record),
	)

	if db != nil {
		if _, err := db.MarkInterrupted(); err != nil {
			s.logger.Warn("ledger unavailable", "error", err)
		}
	}
	return s, nil
}

// DefaultModel returns the configured default model.
func (s *Service) DefaultModel() string {
	return s.cfg.Inference.DefaultModel
}

// Models returns the allowed models. An empty list accepts any model.
func (s *Service) Models() []string {
	return slices.Clone(s.cfg.Inference.Models)
}

// ResolveModel returns the model to use for a request.
func (s *Service) ResolveModel(model string) (string, error) {
	if model == "" {
		return s.cfg.Inference.DefaultModel, nil
	}
	if len(s.cfg.Inference.Models) > 0 && !slices.Contains(s.cfg.Inference.Models, model) {
		return "", analysis.Invalidf(fmt.Sprintf("unknown model %q", model))
	}
	return model, nil
}

// Analyze runs a new analysis over scope, relaying events to sink. On
// failure an error event is sent to sink unless the observer is gone.
func (s *Service) Analyze(ctx context.Context, kind store.Kind, scope transcript.Scope, model string, sink analysis.Sink) (*store.Artifact, error) {
	m, err := s.ResolveModel(model)
	if err != nil {
		s.report(ctx, sink, err)
		return nil, err
	}
	return s.run(ctx, analysis.Request{Kind: kind, Scope: scope, Model: m}, sink)
}

// Reanalyze reruns a stored analysis with its stored scope. The stored
// model is used unless model is given. The artifact keeps its id.
func (s *Service) Reanalyze(ctx context.Context, kind store.Kind, id, model string, sink analysis.Sink) (*store.Artifact, error) {
	existing, err := s.store.Get(kind, id)
	if err != nil {
		if analysis.KindOf(err) == analysis.NotFound {
			err = &analysis.Error{Kind: analysis.NotFound, Msg: "analysis not found", Err: err}
		}
		s.report(ctx, sink, err)
		return nil, err
	}
	if model == "" {
		model = existing.Model
	}
	m, err := s.ResolveModel(model)
	if err != nil {
		s.report(ctx, sink, err)
		return nil, err
	}
	return s.run(ctx, analysis.Request{Kind: kind, Scope: existing.Scope, Model: m, Existing: existing}, sink)
}

func (s *Service) run(ctx context.Context, req analysis.Request, sink analysis.Sink) (*store.Artifact, error) {
	if sink == nil {
		sink = analysis.Discard
	}
	job := analysis.NewJob(req.Kind, req.Model)
	s.start(job)

	a, err := s.orch.Run(ctx, job, req, sink)
	s.finish(job, err)
	if err != nil {
		s.report(ctx, sink, err)
		return nil, err
	}
	return a, nil
}

func (s *Service) report(ctx context.Context, sink analysis.Sink, err error) {
	if sink == nil {
		return
	}
	ev, ok := analysis.Report(err)
	if !ok {
		return
	}
	if emitErr := sink.Emit(ctx, ev); emitErr != nil {
		s.logger.Debug("error event not delivered", "error", emitErr)
	}
}

// Get returns a stored analysis.
func (s *Service) Get(kind store.Kind, id string) (*store.Artifact, error) {
	return s.store.Get(kind, id)
}

// List returns stored analyses, newest first, optionally for one project.
func (s *Service) List(ctx context.Context, kind store.Kind, projectID string) ([]store.ListItem, error) {
	return s.store.List(ctx, kind, store.Filter{ProjectID: projectID})
}

// Delete removes a stored analysis.
func (s *Service) Delete(kind store.Kind, id string) error {
	return s.store.Delete(kind, id)
}

// Jobs returns the most recent ledger entries.
func (s *Service) Jobs(limit int) ([]database.JobRecord, error) {
	if s.db == nil {
		return []database.JobRecord{}, nil
	}
	return s.db.RecentJobs(limit)
}

// ArtifactJobs returns the runs that produced or refreshed one stored
// analysis, newest first.
func (s *Service) ArtifactJobs(kind store.Kind, id string, limit int) ([]database.JobRecord, error) {
	if s.db == nil {
		return []database.JobRecord{}, nil
	}
	return s.db.ArtifactJobs(string(kind), id, limit)
}

// Stats returns aggregate ledger statistics.
func (s *Service) Stats() (*database.Stats, error) {
	if s.db == nil {
		return &database.Stats{ByStatus: map[string]int{}, ByKind: map[string]int{}}, nil
	}
	return s.db.GetStats()
}

// Check reports whether the inference backend is ready.
func (s *Service) Check(ctx context.Context) error {
	if c, ok := s.invoker.(llm.Checker); ok {
		return c.Check(ctx)
	}
	return nil
}
