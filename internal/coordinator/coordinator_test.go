package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/media"
	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/storage/memory"
	"github.com/JakeFAU/harvester/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%03d", s.prefix, s.n), nil
}

// fakeFeed serves pages keyed by cursor and page token.
type fakeFeed struct {
	mu         sync.Mutex
	pages      map[string]harvest.Page
	requests   []harvest.PageRequest
	onPage     func(harvest.PageRequest)
	pageErr    error
	block      bool
	mediaErr   map[string][]error
	mediaCalls map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		pages:      make(map[string]harvest.Page),
		mediaErr:   make(map[string][]error),
		mediaCalls: make(map[string]int),
	}
}

func (f *fakeFeed) set(cursor, token string, page harvest.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cursor+"|"+token] = page
}

func (f *fakeFeed) failMedia(url string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaErr[url] = append(f.mediaErr[url], errs...)
}

func (f *fakeFeed) Requests() []harvest.PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]harvest.PageRequest(nil), f.requests...)
}

func (f *fakeFeed) FetchPage(ctx context.Context, req harvest.PageRequest) (harvest.Page, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	hook, page, pageErr, block := f.onPage, f.pages[req.Cursor+"|"+req.PageToken], f.pageErr, f.block
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if block {
		<-ctx.Done()
		return harvest.Page{}, fmt.Errorf("%w: %v", harvest.ErrTransientFetch, ctx.Err())
	}
	if pageErr != nil {
		return harvest.Page{}, pageErr
	}
	return page, nil
}

func (f *fakeFeed) FetchMedia(_ context.Context, url string) (harvest.MediaPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaCalls[url]++
	if errs := f.mediaErr[url]; len(errs) > 0 {
		err := errs[0]
		f.mediaErr[url] = errs[1:]
		return harvest.MediaPayload{}, err
	}
	return harvest.MediaPayload{Data: []byte("bytes of " + url), ContentType: "image/jpeg"}, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Stage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

type env struct {
	repo   *memory.Store
	blobs  *memory.BlobStore
	feed   *fakeFeed
	clock  *fakeClock
	events *captureEmitter
	coord  *Coordinator
	tokens *seqIDs
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	clock := &fakeClock{now: t0}
	repo := memory.NewStore(&seqIDs{prefix: "blk"}, clock)
	blobs := memory.NewBlobStore()
	mediaStore, err := media.New(blobs, sha256.New(), media.Config{}, zap.NewNop())
	require.NoError(t, err)
	e := &env{
		repo:   repo,
		blobs:  blobs,
		feed:   newFakeFeed(),
		clock:  clock,
		events: &captureEmitter{},
		tokens: &seqIDs{prefix: "delivery"},
	}
	e.coord = New(
		repo,
		e.feed,
		mediaStore,
		sha256.New(),
		clock,
		&seqIDs{prefix: "run"},
		harvest.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
		e.events,
		cfg,
		zap.NewNop(),
	)
	return e
}

func (e *env) source(t *testing.T, mutate func(*harvest.Source)) harvest.Source {
	t.Helper()
	src := harvest.Source{
		ID:             "src-1",
		Name:           "someone",
		Type:           harvest.SourceTypeUser,
		URL:            "https://savee.com/someone",
		Enabled:        true,
		ScrapeInterval: 15 * time.Minute,
	}
	if mutate != nil {
		mutate(&src)
	}
	created, err := e.repo.CreateSource(context.Background(), src)
	require.NoError(t, err)
	return created
}

func (e *env) request(kind harvest.SweepKind) harvest.SweepRequest {
	id, _ := e.tokens.NewID()
	return harvest.SweepRequest{ID: id, SourceID: "src-1", Kind: kind, RequestedAt: e.clock.Now()}
}

func (e *env) handle(t *testing.T, req harvest.SweepRequest) Outcome {
	t.Helper()
	outcome, err := e.coord.Handle(context.Background(), req)
	require.NoError(t, err)
	return outcome
}

func (e *env) onlyRun(t *testing.T) harvest.Run {
	t.Helper()
	runs, err := e.repo.ListRuns(context.Background(), store.RunFilter{SourceID: "src-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func (e *env) latestRun(t *testing.T) harvest.Run {
	t.Helper()
	runs, err := e.repo.ListRuns(context.Background(), store.RunFilter{SourceID: "src-1"})
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	return runs[0]
}

func (e *env) blockCount(t *testing.T) int {
	t.Helper()
	n, err := e.repo.CountBlocks(context.Background(), "src-1")
	require.NoError(t, err)
	return n
}

func (e *env) getSource(t *testing.T) harvest.Source {
	t.Helper()
	src, err := e.repo.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	return src
}

func item(id string) harvest.Item {
	return harvest.Item{
		ExternalID: id,
		Title:      "item " + id,
		Tags:       []string{"moodboard"},
		MediaType:  harvest.MediaTypeImage,
		MediaURL:   "https://cdn.test/" + id + ".jpg",
		PageURL:    "https://savee.com/i/" + id,
	}
}

func items(from, to int) []harvest.Item {
	out := make([]harvest.Item, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, item(fmt.Sprintf("x%02d", i)))
	}
	return out
}

// threePages serves items 1-6 as pages of two under cursor.
func threePages(f *fakeFeed, cursor string) {
	f.set(cursor, "", harvest.Page{Items: items(1, 2), NextPageToken: "p2", Cursor: "c-2"})
	f.set(cursor, "p2", harvest.Page{Items: items(3, 4), NextPageToken: "p3", Cursor: "c-4"})
	f.set(cursor, "p3", harvest.Page{Items: items(5, 6), Cursor: "c-6"})
}

// commitCursor records a finished manual run that left cursor on the source.
func (e *env) commitCursor(t *testing.T, cursor string) {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now()
	res, err := e.repo.Acquire(ctx, store.AcquireParams{
		RunID: "seed-run", SourceID: "src-1", Kind: harvest.SweepKindManual, DeliveryToken: "seed",
		Now: now, LeaseTTL: time.Minute, FailureThreshold: 3,
	})
	require.NoError(t, err)
	_, err = e.repo.StartRun(ctx, res.Run.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	_, err = e.repo.FinalizeRun(ctx, store.FinalizeParams{
		RunID: res.Run.ID, Status: harvest.RunStatusCompleted, Now: now, Cursor: &cursor, Effect: store.EffectSuccess,
	})
	require.NoError(t, err)
}

func TestBackfillThenTailScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)

	e.feed.set("", "", harvest.Page{Items: items(1, 10), NextPageToken: "p2", Cursor: "bf-1"})
	e.feed.set("", "p2", harvest.Page{Items: items(11, 20), NextPageToken: "p3", Cursor: "bf-2"})
	e.feed.set("", "p3", harvest.Page{Items: items(21, 30), Cursor: "bf-3"})

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, harvest.RunStatusCompleted, run.Status)
	assert.Equal(t, harvest.Counters{ItemsDiscovered: 30, ItemsProcessed: 30, MediaUploaded: 30}, run.Counters)
	assert.Equal(t, 30, e.blockCount(t))
	assert.Empty(t, e.getSource(t).Cursor, "backfill never commits a cursor")
	assert.Nil(t, e.getSource(t).NextRunAt, "backfill leaves the tail schedule alone")
	for _, req := range e.feed.Requests() {
		assert.Empty(t, req.Cursor)
	}

	e.commitCursor(t, "c-30")
	e.clock.Advance(time.Hour)
	e.feed.set("c-30", "", harvest.Page{Items: []harvest.Item{item("x30"), item("x31")}, Cursor: "c-31"})

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindTail)))

	tail := e.latestRun(t)
	assert.Equal(t, harvest.SweepKindTail, tail.Kind)
	assert.Equal(t, harvest.Counters{ItemsDiscovered: 2, ItemsProcessed: 1, MediaUploaded: 1}, tail.Counters)
	assert.Equal(t, 31, e.blockCount(t))

	src := e.getSource(t)
	assert.Equal(t, "c-31", src.Cursor)
	require.NotNil(t, src.NextRunAt)
	assert.Equal(t, e.clock.Now().Add(15*time.Minute), *src.NextRunAt)
	assert.Equal(t, 0, src.ConsecutiveFailures)

	reqs := e.feed.Requests()
	assert.Equal(t, "c-30", reqs[len(reqs)-1].Cursor)
}

func TestTailStopsAtPageWithoutNewItems(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	threePages(e.feed, "")

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))
	require.Len(t, e.feed.Requests(), 3)

	e.clock.Advance(time.Hour)
	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindTail)))

	assert.Len(t, e.feed.Requests(), 4, "tail stops after the first page with no new items")
	tail := e.latestRun(t)
	assert.Equal(t, harvest.RunStatusCompleted, tail.Status)
	assert.Equal(t, 2, tail.Counters.ItemsDiscovered)
	assert.Equal(t, 0, tail.Counters.ItemsProcessed)
	assert.GreaterOrEqual(t, tail.Counters.ItemsDiscovered, tail.Counters.ItemsProcessed)
	assert.Equal(t, "c-2", e.getSource(t).Cursor)
}

func TestDuplicateDeliveryOfFinishedRunIsAcked(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	threePages(e.feed, "")

	req := e.request(harvest.SweepKindBackfill)
	require.Equal(t, OutcomeCompleted, e.handle(t, req))
	require.Equal(t, OutcomeDuplicate, e.handle(t, req))

	e.onlyRun(t)
	assert.Len(t, e.feed.Requests(), 3, "duplicate does no work")
}

func TestBusySourceIsRequeued(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	_, err := e.repo.Acquire(context.Background(), store.AcquireParams{
		RunID: "other", SourceID: "src-1", Kind: harvest.SweepKindBackfill, DeliveryToken: "other",
		Now: t0, LeaseTTL: time.Hour,
	})
	require.NoError(t, err)

	outcome, err := e.coord.Handle(context.Background(), e.request(harvest.SweepKindBackfill))
	require.ErrorIs(t, err, harvest.ErrSourceBusy)
	assert.Equal(t, OutcomeBusy, outcome)
	assert.Empty(t, e.feed.Requests())
}

func TestCancelKeepsIngestedBlocksAndCursor(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, func(s *harvest.Source) { s.Cursor = "c-0" })
	threePages(e.feed, "c-0")
	e.feed.onPage = func(req harvest.PageRequest) {
		if req.PageToken != "p2" {
			return
		}
		run, err := e.repo.ActiveRun(context.Background(), "src-1")
		require.NoError(t, err)
		_, err = e.repo.RequestControl(context.Background(), run.ID, harvest.RunControlCancel, e.clock.Now())
		require.NoError(t, err)
	}

	require.Equal(t, OutcomeCancelled, e.handle(t, e.request(harvest.SweepKindManual)))

	run := e.onlyRun(t)
	assert.Equal(t, harvest.RunStatusCancelled, run.Status)
	assert.Equal(t, 3, run.Counters.ItemsProcessed, "page 1 plus the first item of page 2")
	assert.Equal(t, 3, e.blockCount(t))
	src := e.getSource(t)
	assert.Equal(t, "c-0", src.Cursor)
	assert.Equal(t, 0, src.ConsecutiveFailures)

	_, err := e.repo.ActiveRun(context.Background(), "src-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "lease released")
}

func TestPauseThenResumeContinuesSameRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	threePages(e.feed, "")
	var once sync.Once
	e.feed.onPage = func(req harvest.PageRequest) {
		if req.PageToken != "p2" {
			return
		}
		once.Do(func() {
			run, err := e.repo.ActiveRun(context.Background(), "src-1")
			require.NoError(t, err)
			_, err = e.repo.RequestControl(context.Background(), run.ID, harvest.RunControlPause, e.clock.Now())
			require.NoError(t, err)
		})
	}

	require.Equal(t, OutcomePaused, e.handle(t, e.request(harvest.SweepKindBackfill)))
	paused := e.onlyRun(t)
	require.Equal(t, harvest.RunStatusPaused, paused.Status)
	assert.Equal(t, harvest.Counters{ItemsDiscovered: 3, ItemsProcessed: 3, MediaUploaded: 3}, paused.Counters)

	busy, err := e.coord.Handle(context.Background(), e.request(harvest.SweepKindBackfill))
	require.ErrorIs(t, err, harvest.ErrSourceBusy, "paused run keeps the lease")
	assert.Equal(t, OutcomeBusy, busy)

	_, err = e.repo.RequestControl(context.Background(), paused.ID, harvest.RunControlResume, e.clock.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, paused.ID, run.ID)
	assert.Equal(t, harvest.RunStatusCompleted, run.Status)
	assert.Equal(t, 9, run.Counters.ItemsDiscovered, "resume re-walks pages and dedups")
	assert.Equal(t, 6, run.Counters.ItemsProcessed)
	assert.Equal(t, 6, run.Counters.MediaUploaded)
	assert.Equal(t, 6, e.blockCount(t))
	assert.Len(t, e.events.Stage(progress.StageRunStart), 2)
}

func TestResumedTailBypassesIntervalGate(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	threePages(e.feed, "")
	var once sync.Once
	e.feed.onPage = func(req harvest.PageRequest) {
		once.Do(func() {
			run, err := e.repo.ActiveRun(context.Background(), "src-1")
			require.NoError(t, err)
			_, err = e.repo.RequestControl(context.Background(), run.ID, harvest.RunControlPause, e.clock.Now())
			require.NoError(t, err)
		})
	}

	require.Equal(t, OutcomePaused, e.handle(t, e.request(harvest.SweepKindTail)))
	require.Equal(t, OutcomeNotDue, e.handle(t, e.request(harvest.SweepKindTail)))

	paused := e.onlyRun(t)
	_, err := e.repo.RequestControl(context.Background(), paused.ID, harvest.RunControlResume, e.clock.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindTail)))
	assert.Equal(t, harvest.RunStatusCompleted, e.onlyRun(t).Status)
}

func TestRunTimeoutFailsRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{RunTimeout: 30 * time.Millisecond})
	e.source(t, nil)
	e.feed.block = true

	require.Equal(t, OutcomeFailed, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, harvest.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, harvest.ErrRunTimeout.Error())
	assert.Equal(t, 1, e.getSource(t).ConsecutiveFailures)
}

func TestErrorRateThresholdFailsRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{ErrorRateMinSamples: 4, ErrorRateThreshold: 0.5})
	e.source(t, nil)
	e.feed.set("", "", harvest.Page{Items: items(1, 8)})
	for _, it := range items(1, 8) {
		e.feed.failMedia(it.MediaURL, fmt.Errorf("%w: gone", harvest.ErrPermanentItem))
	}

	require.Equal(t, OutcomeFailed, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, harvest.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "error rate")
	assert.Equal(t, 4, run.Counters.Errors)
	assert.Equal(t, 4, run.Counters.ItemsDiscovered)
	assert.Len(t, e.events.Stage(progress.StageItemError), 4)
}

func TestPermanentItemErrorIsSkipped(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	broken := item("x02")
	broken.MediaURL = ""
	e.feed.set("", "", harvest.Page{Items: []harvest.Item{item("x01"), broken, item("x03")}})

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, harvest.Counters{ItemsDiscovered: 3, ItemsProcessed: 2, MediaUploaded: 2, Errors: 1}, run.Counters)
	assert.Equal(t, 2, e.blockCount(t))
}

func TestTransientMediaErrorIsRetried(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	it := item("x01")
	e.feed.set("", "", harvest.Page{Items: []harvest.Item{it}})
	e.feed.failMedia(it.MediaURL, fmt.Errorf("%w: 503", harvest.ErrTransientFetch))

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, 1, run.Counters.ItemsProcessed)
	assert.Equal(t, 0, run.Counters.Errors)
	assert.Equal(t, 2, e.feed.mediaCalls[it.MediaURL])
}

func TestRetryExhaustionOnItemCountsOneError(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	it := item("x01")
	e.feed.set("", "", harvest.Page{Items: []harvest.Item{it, item("x02")}})
	transient := fmt.Errorf("%w: 503", harvest.ErrTransientFetch)
	e.feed.failMedia(it.MediaURL, transient, transient, transient)

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, 1, run.Counters.Errors)
	assert.Equal(t, 1, run.Counters.ItemsProcessed)
	assert.Equal(t, 3, e.feed.mediaCalls[it.MediaURL])
}

func TestPageExhaustionFailsAndEscalates(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{FailureThreshold: 2})
	e.source(t, nil)
	e.feed.pageErr = fmt.Errorf("%w: 502", harvest.ErrTransientFetch)

	require.Equal(t, OutcomeFailed, e.handle(t, e.request(harvest.SweepKindBackfill)))
	first := e.latestRun(t)
	assert.Equal(t, 1, first.Counters.Errors)
	assert.Contains(t, first.Error, "fetch page")
	assert.Len(t, e.feed.Requests(), 3, "page retried up to max attempts")
	assert.Equal(t, harvest.SourceStatusActive, e.getSource(t).Status)

	require.Equal(t, OutcomeFailed, e.handle(t, e.request(harvest.SweepKindBackfill)))
	src := e.getSource(t)
	assert.Equal(t, harvest.SourceStatusError, src.Status)
	assert.Equal(t, 2, src.ConsecutiveFailures)

	assert.Equal(t, OutcomeSkipped, e.handle(t, e.request(harvest.SweepKindBackfill)))
}

func TestFatalConfigEscalatesImmediately(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{FailureThreshold: 5})
	e.source(t, nil)
	e.feed.pageErr = fmt.Errorf("%w: listing returned 404", harvest.ErrFatalConfig)

	require.Equal(t, OutcomeFailed, e.handle(t, e.request(harvest.SweepKindManual)))

	assert.Len(t, e.feed.Requests(), 1, "fatal errors are not retried")
	assert.Equal(t, harvest.SourceStatusError, e.getSource(t).Status)
	assert.Contains(t, e.onlyRun(t).Error, "fatal config")
}

func TestGates(t *testing.T) {
	t.Parallel()

	t.Run("tail not due", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, Config{})
		next := t0.Add(time.Minute)
		e.source(t, func(s *harvest.Source) { s.NextRunAt = &next })
		assert.Equal(t, OutcomeNotDue, e.handle(t, e.request(harvest.SweepKindTail)))
		runs, err := e.repo.ListRuns(context.Background(), store.RunFilter{})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("manual bypasses interval", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, Config{})
		next := t0.Add(time.Minute)
		e.source(t, func(s *harvest.Source) { s.NextRunAt = &next })
		e.feed.set("", "", harvest.Page{Items: items(1, 1)})
		assert.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindManual)))
	})

	t.Run("disabled source", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, Config{})
		e.source(t, func(s *harvest.Source) { s.Enabled = false })
		assert.Equal(t, OutcomeSkipped, e.handle(t, e.request(harvest.SweepKindManual)))
	})

	t.Run("unknown source", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, Config{})
		_, err := e.coord.Handle(context.Background(), e.request(harvest.SweepKindManual))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("malformed request", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, Config{})
		_, err := e.coord.Handle(context.Background(), harvest.SweepRequest{ID: "x", SourceID: "src-1", Kind: "weekly"})
		assert.ErrorIs(t, err, ErrMalformedRequest)
	})
}

func TestChangedItemIsReprocessedWithoutReupload(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	it := item("x01")
	e.feed.set("", "", harvest.Page{Items: []harvest.Item{it}})
	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	it.Title = "retitled"
	e.feed.set("", "", harvest.Page{Items: []harvest.Item{it}})
	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.latestRun(t)
	assert.Equal(t, 1, run.Counters.ItemsProcessed)
	assert.Equal(t, 0, run.Counters.MediaUploaded, "same bytes, same key")
	blocks, err := e.repo.ListBlocks(context.Background(), store.BlockFilter{SourceID: "src-1"})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "retitled", blocks[0].Title)
	assert.Equal(t, 1, e.blobs.Puts())
}

func TestVideoUploadsPoster(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	video := item("v01")
	video.MediaType = harvest.MediaTypeVideo
	video.MediaURL = "https://cdn.test/v01.mp4"
	video.PosterURL = "https://cdn.test/v01.jpg"
	e.feed.set("", "", harvest.Page{Items: []harvest.Item{video}})

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	run := e.onlyRun(t)
	assert.Equal(t, 2, run.Counters.MediaUploaded)
	blocks, err := e.repo.ListBlocks(context.Background(), store.BlockFilter{SourceID: "src-1"})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.NotEmpty(t, blocks[0].VideoPosterKey)
	assert.NotEqual(t, blocks[0].MediaKey, blocks[0].VideoPosterKey)
}

func TestCapLimitsDiscoveryAndHoldsCursor(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{TailMaxItems: 3})
	e.source(t, func(s *harvest.Source) { s.Cursor = "c-0" })
	e.feed.set("c-0", "", harvest.Page{Items: items(1, 5), NextPageToken: "p2", Cursor: "c-5"})

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindManual)))

	run := e.onlyRun(t)
	assert.Equal(t, 3, run.Counters.ItemsDiscovered)
	assert.Equal(t, "c-0", e.getSource(t).Cursor, "partially consumed page does not move the cursor")
	assert.Len(t, e.feed.Requests(), 1)
}

func TestShutdownParksRunForRedelivery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind      harvest.SweepKind
		processed int
	}{
		{kind: harvest.SweepKindBackfill, processed: 6},
		// Cursor kinds re-walk from the committed cursor and stop at the
		// first page with nothing new.
		{kind: harvest.SweepKindManual, processed: 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, Config{})
			e.source(t, nil)
			threePages(e.feed, "")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			e.feed.mu.Lock()
			e.feed.onPage = func(req harvest.PageRequest) {
				if req.PageToken == "p2" {
					cancel()
				}
			}
			e.feed.mu.Unlock()

			req := e.request(tt.kind)
			outcome, err := e.coord.Handle(ctx, req)
			require.ErrorIs(t, err, ErrInterrupted)
			assert.Equal(t, OutcomeInterrupted, outcome)

			parked := e.onlyRun(t)
			assert.Equal(t, harvest.RunStatusPaused, parked.Status)
			assert.Equal(t, harvest.RunControlResume, parked.Control)
			assert.Empty(t, parked.Error)
			assert.Equal(t, 3, parked.Counters.ItemsProcessed)
			assert.Equal(t, 0, e.getSource(t).ConsecutiveFailures)
			done := e.events.Stage(progress.StageRunDone)
			require.Len(t, done, 1)
			assert.Equal(t, harvest.RunStatusPaused, done[0].Status)
			assert.Equal(t, "interrupted", done[0].Note)

			e.feed.mu.Lock()
			e.feed.onPage = nil
			e.feed.mu.Unlock()

			require.Equal(t, OutcomeCompleted, e.handle(t, req), "the redelivered request resumes the run")
			run := e.onlyRun(t)
			assert.Equal(t, parked.ID, run.ID)
			assert.Equal(t, harvest.RunStatusCompleted, run.Status)
			assert.Equal(t, tt.processed, run.Counters.ItemsProcessed)
			assert.Equal(t, tt.processed, e.blockCount(t))
			assert.Equal(t, 0, e.getSource(t).ConsecutiveFailures)
		})
	}
}

func TestConcurrentDeliveriesShareOneRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	e.feed.set("", "", harvest.Page{Items: items(1, 2)})

	first := e.request(harvest.SweepKindBackfill)
	reqs := []harvest.SweepRequest{first, first}
	for range 6 {
		reqs = append(reqs, e.request(harvest.SweepKindBackfill))
	}

	release := make(chan struct{})
	e.feed.mu.Lock()
	e.feed.onPage = func(harvest.PageRequest) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}
	e.feed.mu.Unlock()

	var (
		wg       sync.WaitGroup
		busy     atomic.Int32
		outcomes = make([]Outcome, len(reqs))
		errs     = make([]error, len(reqs))
	)
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = e.coord.Handle(context.Background(), req)
			if outcomes[i] == OutcomeBusy && busy.Add(1) == int32(len(reqs)-1) {
				close(release)
			}
		}()
	}
	wg.Wait()

	completed := 0
	for i, outcome := range outcomes {
		switch outcome {
		case OutcomeCompleted:
			completed++
			assert.NoError(t, errs[i])
		case OutcomeBusy:
			assert.ErrorIs(t, errs[i], harvest.ErrSourceBusy)
		default:
			t.Errorf("delivery %d: unexpected outcome %q (%v)", i, outcome, errs[i])
		}
	}
	assert.Equal(t, 1, completed, "outcomes %v", outcomes)
	assert.Equal(t, harvest.RunStatusCompleted, e.onlyRun(t).Status)
	assert.Equal(t, 2, e.blockCount(t))
}

func TestRedeliveryOfActiveRunIsBusy(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	req := e.request(harvest.SweepKindBackfill)
	res, err := e.repo.Acquire(context.Background(), store.AcquireParams{
		RunID: "run-active", SourceID: "src-1", Kind: req.Kind, DeliveryToken: req.ID,
		Now: t0, LeaseTTL: time.Hour,
	})
	require.NoError(t, err)
	_, err = e.repo.StartRun(context.Background(), res.Run.ID, t0, t0.Add(time.Hour))
	require.NoError(t, err)

	outcome, err := e.coord.Handle(context.Background(), req)
	require.ErrorIs(t, err, harvest.ErrSourceBusy)
	assert.ErrorContains(t, err, "already drives run run-active")
	assert.Equal(t, OutcomeBusy, outcome)
	assert.Empty(t, e.feed.Requests())
	assert.Equal(t, harvest.RunStatusRunning, e.onlyRun(t).Status)
}

func TestProgressEvents(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	e.source(t, nil)
	threePages(e.feed, "")

	require.Equal(t, OutcomeCompleted, e.handle(t, e.request(harvest.SweepKindBackfill)))

	assert.Len(t, e.events.Stage(progress.StageRunStart), 1)
	assert.Len(t, e.events.Stage(progress.StagePageDone), 3)
	assert.Len(t, e.events.Stage(progress.StageItemDone), 6)
	done := e.events.Stage(progress.StageRunDone)
	require.Len(t, done, 1)
	assert.Equal(t, harvest.RunStatusCompleted, done[0].Status)
	assert.Equal(t, "savee.com", done[0].Site)
	for _, evt := range e.events.Stage(progress.StageItemDone) {
		require.NoError(t, evt.Validate())
	}
}

func TestStorageErrClassification(t *testing.T) {
	t.Parallel()

	assert.NoError(t, storageErr(nil))
	assert.ErrorIs(t, storageErr(errors.New("conn reset")), harvest.ErrTransientStorage)
	assert.True(t, harvest.IsTransient(storageErr(errors.New("conn reset"))))
	assert.False(t, harvest.IsTransient(storageErr(store.ErrLeaseLost)))
	assert.Equal(t, store.ErrNotFound, storageErr(store.ErrNotFound))
}
