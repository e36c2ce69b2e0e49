package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkwatch/internal/clock/system"
	"github.com/JakeFAU/linkwatch/internal/extract"
	"github.com/JakeFAU/linkwatch/internal/linkwatch"
	"github.com/JakeFAU/linkwatch/internal/storage/memory"
)

// pageFetcher serves canned documents keyed by URL.
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
	// after runs once per fetch, after the document is chosen.
	after func(url string)
}

func newPageFetcher() *pageFetcher {
	return &pageFetcher{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *pageFetcher) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = body
}

func (f *pageFetcher) Fetch(_ context.Context, target linkwatch.Target) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target.URL)
	body, ok := f.pages[target.URL]
	err := f.errs[target.URL]
	after := f.after
	f.mu.Unlock()
	if after != nil {
		after(target.URL)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &linkwatch.FetchError{URL: target.URL, StatusCode: 404}
	}
	return []byte(body), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []linkwatch.NewLinkEvent
}

func (r *recordingEmitter) Emit(evt linkwatch.NewLinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) hrefs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Href
	}
	return out
}

type flag struct {
	mu  sync.Mutex
	set bool
}

func (f *flag) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

func (f *flag) raise() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = true
}

type mockIDs struct {
	mock.Mock
}

func (m *mockIDs) NewID() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

type harness struct {
	engine  *Engine
	store   *memory.Store
	fetcher *pageFetcher
	emitter *recordingEmitter
	clock   *system.Fixed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		fetcher: newPageFetcher(),
		emitter: &recordingEmitter{},
		clock:   system.NewFixed(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	engine, err := New(Deps{
		Fetcher:   h.fetcher,
		Extractor: extract.New(),
		Store:     h.store,
		Emitter:   h.emitter,
		Clock:     h.clock,
	}, nil)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func cssTarget(url, expr string) linkwatch.Target {
	return linkwatch.Target{URL: url, Selector: linkwatch.Selector{Kind: linkwatch.KindCSS, Expression: expr}}
}

func jobsPage(links ...string) string {
	body := "<html><body><ul>"
	for i := 0; i+1 < len(links); i += 2 {
		body += `<li><a class="job" href="` + links[i] + `">` + links[i+1] + `</a></li>`
	}
	return body + `<a href="/about">About</a></ul></body></html>`
}

func activeHrefs(t *testing.T, store *memory.Store, pageID int64) map[string]bool {
	t.Helper()
	out := map[string]bool{}
	for _, l := range store.Links(pageID) {
		out[l.Href] = l.Active
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, nil)
	require.Error(t, err)
}

func TestJobsBoardScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	target := cssTarget("https://example.com/jobs", "a.job")
	targets := []linkwatch.Target{target}

	h.fetcher.set(target.URL, jobsPage("/jobs/1", "Engineer", "/jobs/2", "Designer"))
	res, err := h.engine.Run(ctx, targets, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, linkwatch.CollectionStats{Pages: 1, Links: 2, NewLinks: 2}, res.Stats)
	require.Equal(t, []string{"/jobs/1", "/jobs/2"}, h.emitter.hrefs())

	pageID, err := h.store.UpsertPage(ctx, target.URL, "css:a.job")
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"/jobs/1": true, "/jobs/2": true}, activeHrefs(t, h.store, pageID))

	h.clock.Advance(24 * time.Hour)
	h.fetcher.set(target.URL, jobsPage("/jobs/2", "Designer", "/jobs/3", "Analyst"))
	res, err = h.engine.Run(ctx, targets, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Stats.NewLinks)
	require.Equal(t, []string{"/jobs/1", "/jobs/2", "/jobs/3"}, h.emitter.hrefs())
	require.Equal(t,
		map[string]bool{"/jobs/1": false, "/jobs/2": true, "/jobs/3": true},
		activeHrefs(t, h.store, pageID))

	coll, err := h.store.GetCollection(ctx, res.CollectionID)
	require.NoError(t, err)
	require.Equal(t, res.Stats, coll.Stats)
	require.NotNil(t, coll.EndTime)
}

func TestRunIsIdempotentOnUnchangedContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	target := cssTarget("https://example.com/jobs", "a.job")
	h.fetcher.set(target.URL, jobsPage("/a", "A", "/b", "B"))

	_, err := h.engine.Run(context.Background(), []linkwatch.Target{target}, nil)
	require.NoError(t, err)
	res, err := h.engine.Run(context.Background(), []linkwatch.Target{target}, nil)
	require.NoError(t, err)

	require.Zero(t, res.Stats.NewLinks)
	require.Equal(t, int64(2), res.Stats.Links)
	require.Len(t, h.emitter.hrefs(), 2)
	require.Len(t, h.store.Observations(res.CollectionID), 2)
}

func TestSoftDeleteAndReappearance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	target := cssTarget("https://example.com/jobs", "a.job")
	targets := []linkwatch.Target{target}

	h.fetcher.set(target.URL, jobsPage("/a", "A", "/b", "B"))
	_, err := h.engine.Run(ctx, targets, nil)
	require.NoError(t, err)

	h.fetcher.set(target.URL, jobsPage("/b", "B"))
	_, err = h.engine.Run(ctx, targets, nil)
	require.NoError(t, err)

	h.fetcher.set(target.URL, jobsPage("/a", "A", "/b", "B"))
	res, err := h.engine.Run(ctx, targets, nil)
	require.NoError(t, err)
	require.Zero(t, res.Stats.NewLinks, "reappearing links are not new")

	pageID, err := h.store.UpsertPage(ctx, target.URL, "css:a.job")
	require.NoError(t, err)
	require.Len(t, h.store.Links(pageID), 2)
	require.Equal(t, map[string]bool{"/a": true, "/b": true}, activeHrefs(t, h.store, pageID))
}

func TestFetchAndExtractionErrorsSkipTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	good := cssTarget("https://example.com/good", "a.job")
	missing := cssTarget("https://example.com/missing", "a.job")
	broken := cssTarget("https://example.com/broken", "a[")
	flaky := cssTarget("https://example.com/flaky", "a.job")

	h.fetcher.set(good.URL, jobsPage("/x", "X"))
	h.fetcher.set(broken.URL, jobsPage("/y", "Y"))
	h.fetcher.errs[flaky.URL] = &linkwatch.FetchError{URL: flaky.URL, Transient: true, Err: errors.New("timeout")}

	res, err := h.engine.Run(context.Background(), []linkwatch.Target{missing, broken, flaky, good}, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 3, res.Skipped)
	require.Equal(t, int64(1), res.Stats.Pages)
	require.Len(t, res.Targets, 4)
	require.Equal(t, OutcomeFetchFailed, res.Targets[0].Outcome)
	require.Equal(t, OutcomeExtractFail, res.Targets[1].Outcome)
	require.ErrorIs(t, res.Targets[1].Err, linkwatch.ErrExtraction)
	require.True(t, linkwatch.IsTransient(res.Targets[2].Err))
	require.Equal(t, OutcomeOK, res.Targets[3].Outcome)
	require.Equal(t, 1, h.store.PageCount(), "pages are created only after a successful extraction")
}

func TestCancellationStopsAtTargetBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cancel := &flag{}
	targets := []linkwatch.Target{
		cssTarget("https://example.com/1", "a.job"),
		cssTarget("https://example.com/2", "a.job"),
		cssTarget("https://example.com/3", "a.job"),
	}
	for i, tgt := range targets {
		h.fetcher.set(tgt.URL, jobsPage("/job", "Job "+string(rune('A'+i))))
	}
	h.fetcher.after = func(url string) {
		if url == targets[1].URL {
			cancel.raise()
		}
	}

	res, err := h.engine.Run(context.Background(), targets, cancel)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, res.State)
	require.Equal(t, int64(2), res.Stats.Pages, "the in-flight target completes")
	require.Equal(t, int64(2), res.Stats.NewLinks)
	require.Len(t, h.store.Observations(res.CollectionID), 2)
	require.Equal(t, []string{targets[0].URL, targets[1].URL}, h.fetcher.calls)

	coll, err := h.store.GetCollection(context.Background(), res.CollectionID)
	require.NoError(t, err)
	require.Equal(t, res.Stats, coll.Stats)
	require.NotNil(t, coll.EndTime)
}

func TestCancelledBeforeFirstTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cancel := &flag{set: true}
	res, err := h.engine.Run(context.Background(), []linkwatch.Target{cssTarget("https://example.com", "a")}, cancel)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, res.State)
	require.Zero(t, res.Stats.Pages)
	require.Empty(t, h.fetcher.calls)
}

func TestContextCancellationFinalizesCollection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	targets := []linkwatch.Target{
		cssTarget("https://example.com/1", "a.job"),
		cssTarget("https://example.com/2", "a.job"),
	}
	h.fetcher.set(targets[0].URL, jobsPage("/a", "A"))
	h.fetcher.set(targets[1].URL, jobsPage("/b", "B"))
	h.fetcher.after = func(string) { cancel() }

	res, err := h.engine.Run(ctx, targets, nil)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, res.State)
	require.Equal(t, int64(1), res.Stats.Pages)

	coll, err := h.store.GetCollection(context.Background(), res.CollectionID)
	require.NoError(t, err)
	require.NotNil(t, coll.EndTime)
}

func TestPersistenceFailureAbortsWithPartialStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	targets := []linkwatch.Target{
		cssTarget("https://example.com/1", "a.job"),
		cssTarget("https://example.com/2", "a.job"),
		cssTarget("https://example.com/3", "a.job"),
	}
	h.fetcher.set(targets[0].URL, jobsPage("/a", "A"))
	h.fetcher.set(targets[1].URL, jobsPage("/b", "B"))
	h.fetcher.set(targets[2].URL, jobsPage("/c", "C"))
	h.fetcher.after = func(url string) {
		if url == targets[1].URL {
			h.store.InjectError(memory.OpApplyPage, errors.New("disk full"))
		}
	}

	res, err := h.engine.Run(context.Background(), targets, nil)
	require.ErrorIs(t, err, linkwatch.ErrPersistence)
	require.Equal(t, StateFatalAborted, res.State)
	require.Equal(t, linkwatch.CollectionStats{Pages: 1, Links: 1, NewLinks: 1}, res.Stats)
	require.Len(t, h.fetcher.calls, 2, "remaining targets are not attempted")

	coll, getErr := h.store.GetCollection(context.Background(), res.CollectionID)
	require.NoError(t, getErr)
	require.Equal(t, res.Stats, coll.Stats)
	require.NotNil(t, coll.EndTime)
}

func TestOpenCollectionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.store.InjectError(memory.OpOpenCollection, errors.New("down"))

	res, err := h.engine.Run(context.Background(), []linkwatch.Target{cssTarget("https://example.com", "a")}, nil)
	require.ErrorIs(t, err, linkwatch.ErrPersistence)
	require.Equal(t, StateFatalAborted, res.State)
	require.Zero(t, res.CollectionID)
	require.Empty(t, h.fetcher.calls)
}

func TestCloseCollectionFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	target := cssTarget("https://example.com/jobs", "a.job")
	h.fetcher.set(target.URL, jobsPage("/a", "A"))
	h.store.InjectError(memory.OpCloseCollection, errors.New("down"))

	res, err := h.engine.Run(context.Background(), []linkwatch.Target{target}, nil)
	require.ErrorIs(t, err, linkwatch.ErrPersistence)
	require.Equal(t, StateFatalAborted, res.State)
	require.Equal(t, int64(1), res.Stats.Pages)
}

func TestDiffCountsAcrossTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := cssTarget("https://example.com/a", "a.job")
	b := linkwatch.Target{
		Name:     "b-board",
		URL:      "https://example.com/b",
		Selector: linkwatch.Selector{Kind: linkwatch.KindXPath, Expression: "//a[@class='job']"},
	}
	h.fetcher.set(a.URL, jobsPage("/1", "One", "/2", "Two", "/1", "One"))
	h.fetcher.set(b.URL, jobsPage("/3", "Three"))

	res, err := h.engine.Run(context.Background(), []linkwatch.Target{a, b}, nil)
	require.NoError(t, err)
	require.Equal(t, linkwatch.CollectionStats{Pages: 2, Links: 3, NewLinks: 3}, res.Stats)

	var sum int
	for _, tr := range res.Targets {
		sum += tr.NewLinks
	}
	require.Equal(t, int(res.Stats.NewLinks), sum)
	require.Equal(t, "b-board", res.NewLinkTotals()[1].Name)
}

func TestEventsCarryIdentity(t *testing.T) {
	t.Parallel()

	ids := &mockIDs{}
	ids.On("NewID").Return("evt-1", nil).Once()

	store := memory.New()
	fetcher := newPageFetcher()
	emitter := &recordingEmitter{}
	clk := system.NewFixed(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	engine, err := New(Deps{
		Fetcher: fetcher, Extractor: extract.New(), Store: store, Emitter: emitter, Clock: clk, IDs: ids,
	}, nil)
	require.NoError(t, err)

	target := linkwatch.Target{
		Name:     "jobs",
		URL:      "https://example.com/jobs",
		Selector: linkwatch.Selector{Kind: linkwatch.KindCSS, Expression: "a.job"},
	}
	fetcher.set(target.URL, jobsPage("/jobs/1", "Engineer"))

	res, err := engine.Run(context.Background(), []linkwatch.Target{target}, nil)
	require.NoError(t, err)
	require.Len(t, emitter.events, 1)
	require.Equal(t, linkwatch.NewLinkEvent{
		ID:           "evt-1",
		Target:       "jobs",
		PageURL:      target.URL,
		Href:         "/jobs/1",
		Text:         "Engineer",
		CollectionID: res.CollectionID,
		ObservedAt:   clk.Now(),
	}, emitter.events[0])
	ids.AssertExpectations(t)
}

func TestMalformedBytesDoNotAbortLaterTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	garbled := cssTarget("https://example.com/garbled", "a.job")
	good := cssTarget("https://example.com/good", "a.job")
	h.fetcher.set(garbled.URL, jobsPage("/j/\xff", "Eng\xfeineer"))
	h.fetcher.set(good.URL, jobsPage("/x", "X"))

	for range 2 {
		res, err := h.engine.Run(ctx, []linkwatch.Target{garbled, good}, nil)
		require.NoError(t, err)
		require.Equal(t, StateCompleted, res.State)
		require.Equal(t, int64(2), res.Stats.Pages)
		require.Zero(t, res.Skipped)
	}

	pageID, err := h.store.UpsertPage(ctx, garbled.URL, "css:a.job")
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"/j/\uFFFD": true}, activeHrefs(t, h.store, pageID))
	require.Equal(t, []string{"/j/\uFFFD", "/x"}, h.emitter.hrefs())
}
