package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/sessionscope/internal/chunk"
	"github.com/TobiSchelling/sessionscope/internal/llm"
	"github.com/TobiSchelling/sessionscope/internal/store"
	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExtractor returns a fixed corpus or error.
type fakeExtractor struct {
	corpus *transcript.Corpus
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, mode transcript.Mode, scope transcript.Scope) (*transcript.Corpus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.corpus, nil
}

func corpusOf(n, size int) *transcript.Corpus {
	c := &transcript.Corpus{ProjectName: "app", ProjectIDs: []string{"-x-app"}, ProjectNames: []string{"app"}, DateRange: "2024-03-01"}
	for i := 0; i < n; i++ {
		c.Records = append(c.Records, transcript.Record{
			Content:   strings.Repeat(string(rune('a'+i%26)), size),
			Timestamp: time.Date(2024, 3, 1, 0, i, 0, 0, time.UTC),
		})
	}
	c.Sessions = []transcript.Session{{ID: "s1", ProjectID: "-x-app"}}
	return c
}

// run scripts one fake inference call.
type run struct {
	deltas   []string
	unclean  bool
	block    bool
	startErr error
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []llm.Request
	closed int
	script func(call int, req llm.Request) run
}

func (f *fakeInvoker) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	f.mu.Unlock()

	r := run{deltas: []string{"ok"}}
	if f.script != nil {
		r = f.script(call, req)
	}
	if r.startErr != nil {
		return nil, r.startErr
	}
	return llm.NewStream(ctx, func(ctx context.Context, emit func(string) bool) (bool, error) {
		for _, d := range r.deltas {
			if !emit(d) {
				return false, ctx.Err()
			}
		}
		if r.block {
			<-ctx.Done()
			return false, ctx.Err()
		}
		return !r.unclean, nil
	}, func() error {
		f.mu.Lock()
		f.closed++
		f.mu.Unlock()
		return nil
	}), nil
}

func (f *fakeInvoker) requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.calls...)
}

// recorder collects events; onEvent may inject behavior.
type recorder struct {
	mu      sync.Mutex
	events  []Event
	onEvent func(Event) error
}

func (r *recorder) Emit(ctx context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if r.onEvent != nil {
		return r.onEvent(e)
	}
	return nil
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

type failingSaver struct{}

func (failingSaver) Save(*store.Artifact) error { return errors.New("disk full") }

func (failingSaver) Delete(store.Kind, string) error { return nil }

type fixture struct {
	store    *store.Store
	invoker  *fakeInvoker
	sink     *recorder
	observed []Job
}

func newFixture(t *testing.T, corpus *transcript.Corpus, budget int, opts ...Option) (*Orchestrator, *fixture) {
	t.Helper()
	f := &fixture{
		store:   store.New(t.TempDir(), discardLogger()),
		invoker: &fakeInvoker{},
		sink:    &recorder{},
	}
	opts = append([]Option{
		WithPartitioner(chunk.New(chunk.WithBudget(budget))),
		WithObserver(func(j Job) { f.observed = append(f.observed, j) }),
	}, opts...)
	o := New(&fakeExtractor{corpus: corpus}, f.invoker, f.store, discardLogger(), opts...)
	return o, f
}

func promptsRequest() Request {
	return Request{Kind: store.KindPrompts, Scope: transcript.Scope{SessionIDs: []string{"s1"}}, Model: "sonnet"}
}

func TestSingleChunkPath(t *testing.T) {
	o, f := newFixture(t, corpusOf(3, 10), 1000)
	f.invoker.script = func(int, llm.Request) run {
		return run{deltas: []string{"# Report\n", "All good."}}
	}

	job := NewJob(store.KindPrompts, "sonnet")
	a, err := o.Run(context.Background(), job, promptsRequest(), f.sink)
	require.NoError(t, err)

	assert.Equal(t, []EventType{TypeStart, TypeChunk, TypeChunk, TypeComplete}, f.sink.types())
	assert.Equal(t, StartEvent{RecordCount: 3}, f.sink.events[0])
	assert.Equal(t, "# Report\nAll good.", a.Result)
	assert.Equal(t, a, f.sink.events[3].(CompleteEvent).Analysis)

	reqs := f.invoker.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sonnet", reqs[0].Model)
	assert.Equal(t, "prompts_single", reqs[0].Label)
	assert.Contains(t, reqs[0].Prompt, "aaaaaaaaaa\n---\nbbbbbbbbbb")
	assert.Equal(t, 1, f.invoker.closed)

	stored, err := f.store.Get(store.KindPrompts, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Result, stored.Result)
	assert.Equal(t, []string{"s1"}, stored.SessionIDs)
	assert.Equal(t, 3, stored.RecordCount)
	assert.Equal(t, "app", stored.ProjectName)

	assert.Equal(t, Complete, job.Phase)
	assert.Equal(t, a.ID, job.ArtifactID)
	assert.Equal(t, 1, job.TotalChunks)
}

func TestMultiChunkPath(t *testing.T) {
	// Ten 10-byte records under a 30-byte budget: four chunks.
	o, f := newFixture(t, corpusOf(10, 10), 30)
	f.invoker.script = func(call int, req llm.Request) run {
		if strings.HasSuffix(req.Label, "_final") {
			return run{deltas: []string{"final ", "report"}}
		}
		return run{deltas: []string{"```json\n{\"types\": ", "{\"fix\": 1}}\n```"}}
	}

	job := NewJob(store.KindPrompts, "sonnet")
	a, err := o.Run(context.Background(), job, promptsRequest(), f.sink)
	require.NoError(t, err)
	assert.Equal(t, "final report", a.Result)

	var want []EventType
	for i := 0; i < 4; i++ {
		want = append(want, TypeChunkInfo, TypeChunk, TypeChunk, TypeChunkComplete)
	}
	want = append(want, TypeChunkInfo, TypeChunk, TypeChunk, TypeComplete)
	assert.Equal(t, want, f.sink.types())
	assert.Zero(t, f.sink.count(TypeStart))

	infos := 0
	for _, e := range f.sink.events {
		switch ev := e.(type) {
		case ChunkInfoEvent:
			infos++
			if infos <= 4 {
				assert.Equal(t, ChunkInfoEvent{CurrentChunk: infos, TotalChunks: 4, Phase: PhaseChunkAnalysis}, ev)
			} else {
				assert.Equal(t, ChunkInfoEvent{CurrentChunk: 4, TotalChunks: 4, Phase: PhaseFinalAnalysis}, ev)
			}
		case ChunkCompleteEvent:
			assert.Equal(t, infos, ev.CurrentChunk)
			assert.Equal(t, 4, ev.TotalChunks)
		}
	}

	reqs := f.invoker.requests()
	require.Len(t, reqs, 5)
	assert.Contains(t, reqs[0].Prompt, "(chunk 1/4)")
	assert.True(t, strings.HasSuffix(reqs[0].Prompt, "aaaaaaaaaa\n---\nbbbbbbbbbb\n---\ncccccccccc"))
	final := reqs[4].Prompt
	assert.Contains(t, final, "### Chunk 1\n{\"types\":{\"fix\":1}}")
	assert.Contains(t, final, "### Chunk 4\n")
	assert.Contains(t, final, "analyzing 10 prompts split into 4 chunks")
	assert.Equal(t, 5, f.invoker.closed)
	assert.Zero(t, job.FailedChunks)
}

func TestDegradedChunkDoesNotAbort(t *testing.T) {
	// Five single-record chunks; chunk 3 exits non-zero after partial output.
	o, f := newFixture(t, corpusOf(5, 10), 10)
	f.invoker.script = func(call int, req llm.Request) run {
		switch {
		case strings.HasSuffix(req.Label, "_final"):
			return run{deltas: []string{"synthesized"}}
		case call == 3:
			return run{deltas: []string{"half an ans"}, unclean: true}
		case call == 4:
			return run{startErr: errors.New("fork failed")}
		}
		return run{deltas: []string{`{"n":` + string(rune('0'+call)) + `}`}}
	}

	job := NewJob(store.KindPrompts, "sonnet")
	a, err := o.Run(context.Background(), job, promptsRequest(), f.sink)
	require.NoError(t, err)
	assert.Equal(t, "synthesized", a.Result)
	assert.Equal(t, 5, f.sink.count(TypeChunkComplete))
	assert.Equal(t, 1, f.sink.count(TypeComplete))
	assert.Equal(t, 2, job.FailedChunks)

	final := f.invoker.requests()[5].Prompt
	assert.Contains(t, final, "### Chunk 3\nhalf an ans")
	assert.Contains(t, final, "### Chunk 4\n\n\n### Chunk 5")
	assert.Contains(t, final, "### Chunk 5\n{\"n\":5}")
}

func TestEmptyCorpusSpawnsNothing(t *testing.T) {
	f := &fixture{invoker: &fakeInvoker{}, sink: &recorder{}}
	o := New(&fakeExtractor{err: transcript.ErrEmptyCorpus}, f.invoker, failingSaver{}, discardLogger())

	job := NewJob(store.KindWork, "sonnet")
	_, err := o.Run(context.Background(), job, Request{Kind: store.KindWork, Scope: transcript.Scope{DateFrom: "2024-01-01", DateTo: "2024-01-01"}}, f.sink)
	require.Error(t, err)
	assert.Equal(t, EmptyCorpus, KindOf(err))
	assert.Empty(t, f.invoker.requests())
	assert.Empty(t, f.sink.types())

	ev, ok := Report(err)
	require.True(t, ok)
	assert.Equal(t, "no records to analyze", ev.Message)
	assert.Equal(t, Errored, job.Phase)
	assert.Equal(t, "no records to analyze", job.Err)
}

func TestCancellationDuringChunkLeavesNoArtifact(t *testing.T) {
	o, f := newFixture(t, corpusOf(5, 10), 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.invoker.script = func(call int, req llm.Request) run {
		if call == 2 {
			return run{deltas: []string{"started"}, block: true}
		}
		return run{deltas: []string{"{}"}}
	}
	f.sink.onEvent = func(e Event) error {
		if d, ok := e.(DeltaEvent); ok && d.Content == "started" {
			cancel()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(ctx, NewJob(store.KindPrompts, "sonnet"), promptsRequest(), f.sink)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.Error(t, err)
	assert.Equal(t, Transport, KindOf(err))
	_, report := Report(err)
	assert.False(t, report)

	assert.Len(t, f.invoker.requests(), 2)
	assert.Equal(t, 2, f.invoker.closed)
	assert.Zero(t, f.sink.count(TypeComplete))

	items, listErr := f.store.List(context.Background(), store.KindPrompts, store.Filter{})
	require.NoError(t, listErr)
	assert.Empty(t, items)
}

func TestFinalSynthesisFailureIsFatal(t *testing.T) {
	cases := map[string]run{
		"unclean exit": {deltas: []string{"partial"}, unclean: true},
		"no output":    {deltas: []string{"  "}},
		"start error":  {startErr: errors.New("exec format error")},
	}
	for name, final := range cases {
		t.Run(name, func(t *testing.T) {
			o, f := newFixture(t, corpusOf(3, 10), 10)
			f.invoker.script = func(call int, req llm.Request) run {
				if strings.HasSuffix(req.Label, "_final") {
					return final
				}
				return run{deltas: []string{"{}"}}
			}

			job := NewJob(store.KindPrompts, "sonnet")
			_, err := o.Run(context.Background(), job, promptsRequest(), f.sink)
			require.Error(t, err)
			assert.Equal(t, InferenceProcess, KindOf(err))
			assert.Zero(t, f.sink.count(TypeComplete))
			assert.Equal(t, Errored, job.Phase)

			items, _ := f.store.List(context.Background(), store.KindPrompts, store.Filter{})
			assert.Empty(t, items)
		})
	}
}

func TestSingleSynthesisFailureIsFatal(t *testing.T) {
	o, f := newFixture(t, corpusOf(2, 10), 1000)
	f.invoker.script = func(int, llm.Request) run { return run{unclean: true} }

	_, err := o.Run(context.Background(), NewJob(store.KindPrompts, ""), promptsRequest(), f.sink)
	require.Error(t, err)
	assert.Equal(t, InferenceProcess, KindOf(err))
	assert.Equal(t, []EventType{TypeStart}, f.sink.types())
}

func TestPersistenceFailure(t *testing.T) {
	f := &fixture{invoker: &fakeInvoker{}, sink: &recorder{}}
	o := New(&fakeExtractor{corpus: corpusOf(1, 10)}, f.invoker, failingSaver{}, discardLogger())

	_, err := o.Run(context.Background(), NewJob(store.KindPrompts, ""), promptsRequest(), f.sink)
	require.Error(t, err)
	assert.Equal(t, Persistence, KindOf(err))
	ev, ok := Report(err)
	require.True(t, ok)
	assert.Equal(t, "failed to save analysis", ev.Message)
	assert.Zero(t, f.sink.count(TypeComplete))
}

func TestSinkFailureStopsRun(t *testing.T) {
	o, f := newFixture(t, corpusOf(4, 10), 10)
	f.sink.onEvent = func(e Event) error {
		if _, ok := e.(ChunkCompleteEvent); ok {
			return errors.New("connection reset")
		}
		return nil
	}

	_, err := o.Run(context.Background(), NewJob(store.KindPrompts, ""), promptsRequest(), f.sink)
	require.Error(t, err)
	assert.Equal(t, Transport, KindOf(err))
	assert.Len(t, f.invoker.requests(), 1)
}

func failOnComplete(e Event) error {
	if _, ok := e.(CompleteEvent); ok {
		return errors.New("connection reset")
	}
	return nil
}

func TestUnreportedArtifactIsRemoved(t *testing.T) {
	o, f := newFixture(t, corpusOf(1, 10), 100)
	f.sink.onEvent = failOnComplete

	job := NewJob(store.KindPrompts, "")
	_, err := o.Run(context.Background(), job, promptsRequest(), f.sink)
	require.Error(t, err)
	assert.Equal(t, Transport, KindOf(err))
	assert.Equal(t, Errored, job.Phase)
	assert.Empty(t, job.ArtifactID)

	items, err := f.store.List(context.Background(), store.KindPrompts, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUnreportedRerunRestoresPrevious(t *testing.T) {
	o, f := newFixture(t, corpusOf(1, 10), 100)
	existing := &store.Artifact{ID: "fixed-id", Kind: store.KindPrompts, CreatedAt: time.Now().UTC(), Result: "old"}
	require.NoError(t, f.store.Save(existing))
	f.sink.onEvent = failOnComplete

	req := promptsRequest()
	req.Existing = existing
	_, err := o.Run(context.Background(), NewJob(store.KindPrompts, ""), req, f.sink)
	require.Error(t, err)
	assert.Equal(t, Transport, KindOf(err))

	stored, err := f.store.Get(store.KindPrompts, "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "old", stored.Result)
}

func TestPartitionLogIncludesBudget(t *testing.T) {
	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	o := New(&fakeExtractor{corpus: corpusOf(3, 10)}, &fakeInvoker{}, store.New(t.TempDir(), discardLogger()), logger,
		WithPartitioner(chunk.New(chunk.WithBudget(25))))

	_, err := o.Run(context.Background(), NewJob(store.KindPrompts, ""), promptsRequest(), &recorder{})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "msg=\"partitioned corpus\"")
	assert.Contains(t, logs.String(), "budget=25")
	assert.Contains(t, logs.String(), "chunks=2")
}

func TestChunkTimeoutDegrades(t *testing.T) {
	o, f := newFixture(t, corpusOf(2, 10), 10, WithChunkTimeout(50*time.Millisecond))
	f.invoker.script = func(call int, req llm.Request) run {
		if call == 1 {
			return run{deltas: []string{"slow"}, block: true}
		}
		return run{deltas: []string{"fine"}}
	}

	job := NewJob(store.KindPrompts, "")
	a, err := o.Run(context.Background(), job, promptsRequest(), f.sink)
	require.NoError(t, err)
	assert.Equal(t, "fine", a.Result)
	assert.Equal(t, 1, job.FailedChunks)
	assert.Contains(t, f.invoker.requests()[2].Prompt, "### Chunk 1\nslow")
}

func TestJobTimeoutIsFatal(t *testing.T) {
	o, f := newFixture(t, corpusOf(1, 10), 100, WithJobTimeout(100*time.Millisecond))
	f.invoker.script = func(int, llm.Request) run { return run{block: true} }

	_, err := o.Run(context.Background(), NewJob(store.KindPrompts, ""), promptsRequest(), f.sink)
	require.Error(t, err)
	assert.Equal(t, InferenceProcess, KindOf(err))
	ev, ok := Report(err)
	require.True(t, ok)
	assert.Equal(t, "analysis timed out", ev.Message)
}

func TestRerunKeepsIdentity(t *testing.T) {
	o, f := newFixture(t, corpusOf(1, 10), 100)
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	existing := &store.Artifact{ID: "fixed-id", Kind: store.KindPrompts, CreatedAt: created, Result: "old"}
	req := promptsRequest()
	req.Existing = existing
	req.Model = "opus"

	a, err := o.Run(context.Background(), NewJob(store.KindPrompts, "opus"), req, f.sink)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", a.ID)
	assert.True(t, a.CreatedAt.Equal(created))
	require.NotNil(t, a.UpdatedAt)
	assert.True(t, a.UpdatedAt.After(created))
	assert.Equal(t, "opus", a.Model)
	assert.Equal(t, "ok", a.Result)
}

func TestObserverSeesMonotonicPhases(t *testing.T) {
	o, f := newFixture(t, corpusOf(3, 10), 10)
	_, err := o.Run(context.Background(), NewJob(store.KindWork, ""), Request{Kind: store.KindWork, Scope: transcript.Scope{DateFrom: "2024-03-01", DateTo: "2024-03-01"}}, f.sink)
	require.NoError(t, err)

	require.NotEmpty(t, f.observed)
	for i := 1; i < len(f.observed); i++ {
		assert.GreaterOrEqual(t, f.observed[i].Phase.rank(), f.observed[i-1].Phase.rank())
	}
	assert.Equal(t, Complete, f.observed[len(f.observed)-1].Phase)

	reqs := f.invoker.requests()
	assert.Contains(t, reqs[0].Prompt, "# Work analysis (chunk 1/3)")
	assert.Contains(t, reqs[0].Prompt, "Projects: app")
	assert.Equal(t, "work_chunk1", reqs[0].Label)
}
