package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/sessionscope/internal/analysis"
	"github.com/TobiSchelling/sessionscope/internal/database"
	"github.com/TobiSchelling/sessionscope/internal/pipeline"
	"github.com/TobiSchelling/sessionscope/internal/store"
	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// Server is the HTTP server for analyses and the progress channel.
type Server struct {
	svc    *pipeline.Service
	page   *template.Template
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates a new Server.
func New(svc *pipeline.Service, logger *slog.Logger) (*Server, error) {
	page, err := template.ParseFS(templateFS, "templates/analysis.html")
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	s := &Server{
		svc:    svc,
		page:   page,
		mux:    http.NewServeMux(),
		logger: logger.With("component", "server"),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/jobs", s.handleJobs)
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("GET /api/{kind}", s.handleList)
	s.mux.HandleFunc("POST /api/{kind}/analyze", s.handleAnalyze)
	s.mux.HandleFunc("GET /api/{kind}/ws/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/{kind}/{id}", s.handleGet)
	s.mux.HandleFunc("GET /api/{kind}/{id}/html", s.handleHTML)
	s.mux.HandleFunc("DELETE /api/{kind}/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /api/{kind}/{id}/reanalyze", s.handleReanalyze)
}

// analyzeRequest is the body of analyze and reanalyze requests, and the
// first message on the progress channel. A non-empty ID reruns a stored
// analysis.
type analyzeRequest struct {
	transcript.Scope
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
}

type jobView struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	ArtifactID   *string    `json:"artifact_id"`
	Model        string     `json:"model"`
	Status       string     `json:"status"`
	Phase        string     `json:"phase"`
	CurrentChunk int        `json:"current_chunk"`
	TotalChunks  int        `json:"total_chunks"`
	FailedChunks int        `json:"failed_chunks"`
	RecordCount  int        `json:"record_count"`
	Error        *string    `json:"error"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default": s.svc.DefaultModel(),
		"models":  s.svc.Models(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, analysis.Invalidf("invalid limit"))
			return
		}
		limit = n
	}
	var (
		jobs []database.JobRecord
		err  error
	)
	if id := q.Get("artifact_id"); id != "" {
		kind, perr := store.ParseKind(q.Get("kind"))
		if perr != nil {
			s.writeError(w, r, analysis.Invalidf("artifact_id requires a valid kind"))
			return
		}
		jobs, err = s.svc.ArtifactJobs(kind, id, limit)
	} else {
		jobs, err = s.svc.Jobs(limit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:           j.ID,
			Kind:         j.Kind,
			ArtifactID:   j.ArtifactID,
			Model:        j.Model,
			Status:       j.Status,
			Phase:        j.Phase,
			CurrentChunk: j.CurrentChunk,
			TotalChunks:  j.TotalChunks,
			FailedChunks: j.FailedChunks,
			RecordCount:  j.RecordCount,
			Error:        j.Error,
			StartedAt:    j.StartedAt,
			FinishedAt:   j.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	items, err := s.svc.List(r.Context(), kind, r.URL.Query().Get("project_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	a, err := s.svc.Get(kind, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHTML(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	a, err := s.svc.Get(kind, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	meta := fmt.Sprintf("%d records, %d sessions, %s, %s",
		a.RecordCount, a.SessionCount, a.Model, a.CreatedAt.Local().Format("2006-01-02 15:04"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = s.page.Execute(w, map[string]any{
		"Title": a.ProjectName,
		"Meta":  meta,
		"Body":  RenderMarkdown(a.Result),
	})
	if err != nil {
		s.logger.Error("rendering page", "id", a.ID, "error", err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(kind, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, analysis.Invalidf("invalid request body"))
		return
	}
	a, err := s.svc.Analyze(r.Context(), kind, req.Scope, req.Model, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	var req analyzeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, analysis.Invalidf("invalid request body"))
			return
		}
	}
	a, err := s.svc.Reanalyze(r.Context(), kind, r.PathValue("id"), req.Model, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) kind(w http.ResponseWriter, r *http.Request) (store.Kind, bool) {
	kind, err := store.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, r, &analysis.Error{Kind: analysis.NotFound, Msg: err.Error(), Err: err})
		return "", false
	}
	return kind, true
}

// writeError translates err into an HTTP response. It is the only place
// where analysis error kinds become status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch analysis.KindOf(err) {
	case analysis.Transport:
		s.logger.Debug("client gone", "path", r.URL.Path, "error", err)
		return
	case analysis.EmptyCorpus, analysis.Invalid:
		status = http.StatusBadRequest
	case analysis.NotFound:
		status = http.StatusNotFound
	case analysis.InferenceProcess, analysis.Persistence:
		status = http.StatusInternalServerError
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": analysis.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

// RenderMarkdown converts markdown to HTML, escaping the text when
// conversion fails.
func RenderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on 127.0.0.1:port until ctx is done, then shuts down,
// giving in-flight requests a few seconds to finish.
func Serve(ctx context.Context, svc *pipeline.Service, port int, logger *slog.Logger) error {
	srv, err := New(svc, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("server listening", "url", "http://"+addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
