package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestStore(t *testing.T) (*Store, harvest.Source) {
	t.Helper()
	s := NewStore(&seqIDs{}, &fakeClock{now: t0})
	src, err := s.CreateSource(context.Background(), harvest.Source{
		ID:             "src-1",
		Name:           "home",
		Type:           harvest.SourceTypeHome,
		URL:            "https://savee.com",
		Enabled:        true,
		ScrapeInterval: 10 * time.Minute,
	})
	require.NoError(t, err)
	return s, src
}

func acquire(t *testing.T, s *Store, runID, token string, kind harvest.SweepKind, now time.Time) store.AcquireResult {
	t.Helper()
	res, err := s.Acquire(context.Background(), store.AcquireParams{
		RunID:            runID,
		SourceID:         "src-1",
		Kind:             kind,
		DeliveryToken:    token,
		Now:              now,
		LeaseTTL:         time.Minute,
		FailureThreshold: 3,
	})
	require.NoError(t, err)
	return res
}

func TestAcquireCreatesQueuedRunAndSchedulesTail(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	res := acquire(t, s, "run-1", "tok-1", harvest.SweepKindTail, t0)
	require.False(t, res.Duplicate)
	require.Equal(t, harvest.RunStatusQueued, res.Run.Status)
	require.Equal(t, t0.Add(time.Minute), *res.Run.LeaseExpiresAt)
	require.Equal(t, t0.Add(10*time.Minute), *res.Source.NextRunAt)
	require.Equal(t, t0, *res.Source.LastRunAt)

	active, err := s.ActiveRun(context.Background(), "src-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", active.ID)
}

func TestAcquireBackfillLeavesSchedule(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	res := acquire(t, s, "run-1", "tok-1", harvest.SweepKindBackfill, t0)
	require.Nil(t, res.Source.NextRunAt)
	require.Nil(t, res.Source.LastRunAt)
}

func TestAcquireSecondRunIsBusy(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindTail, t0)

	_, err := s.Acquire(context.Background(), store.AcquireParams{
		RunID: "run-2", SourceID: "src-1", Kind: harvest.SweepKindBackfill,
		DeliveryToken: "tok-2", Now: t0.Add(time.Second), LeaseTTL: time.Minute,
	})
	require.ErrorIs(t, err, harvest.ErrSourceBusy)
}

func TestAcquireSameTokenIsDuplicate(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindTail, t0)

	res := acquire(t, s, "run-2", "tok-1", harvest.SweepKindTail, t0.Add(time.Second))
	require.True(t, res.Duplicate)
	require.Equal(t, "run-1", res.Run.ID)

	runs, err := s.ListRuns(context.Background(), store.RunFilter{SourceID: "src-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestAcquireUnknownSource(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.Acquire(context.Background(), store.AcquireParams{RunID: "r", SourceID: "missing", Kind: harvest.SweepKindTail})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAcquireReapsExpiredLease(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindTail, t0)
	_, err := s.StartRun(ctx, "run-1", t0, t0.Add(time.Minute))
	require.NoError(t, err)

	res := acquire(t, s, "run-2", "tok-1", harvest.SweepKindTail, t0.Add(2*time.Minute))
	require.False(t, res.Duplicate, "reaped run releases its delivery token")
	require.Equal(t, "run-2", res.Run.ID)
	require.Equal(t, 1, res.Source.ConsecutiveFailures)

	reaped, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusFailed, reaped.Status)
	require.Equal(t, "lease expired", reaped.Error)
	require.Empty(t, reaped.DeliveryToken)
}

func TestRunLifecycleCommitsCursorAndResetsFailures(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindTail, t0)

	run, err := s.StartRun(ctx, "run-1", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusRunning, run.Status)
	require.Equal(t, t0, *run.StartedAt)

	counters := harvest.Counters{ItemsDiscovered: 4, ItemsProcessed: 3, MediaUploaded: 2}
	ctrl, err := s.Checkpoint(ctx, "run-1", counters, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, harvest.RunControlNone, ctrl)

	cursor := "c-42"
	final, err := s.FinalizeRun(ctx, store.FinalizeParams{
		RunID: "run-1", Status: harvest.RunStatusCompleted, Counters: counters,
		Now: t0.Add(3 * time.Minute), Cursor: &cursor, Effect: store.EffectSuccess, FailureThreshold: 3,
	})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, final.Status)
	require.Equal(t, counters, final.Counters)
	require.Nil(t, final.LeaseExpiresAt)

	src, err := s.GetSource(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, "c-42", src.Cursor)
	require.Zero(t, src.ConsecutiveFailures)

	_, err = s.ActiveRun(ctx, "src-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.FinalizeRun(ctx, store.FinalizeParams{RunID: "run-1", Status: harvest.RunStatusFailed, Now: t0})
	require.ErrorIs(t, err, harvest.ErrInvalidTransition, "terminal runs are frozen")
}

func TestFinalizeFailureEscalatesAtThreshold(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("run-%d", i)
		acquire(t, s, id, "tok-"+id, harvest.SweepKindBackfill, t0)
		_, err := s.StartRun(ctx, id, t0, t0.Add(time.Minute))
		require.NoError(t, err)
		_, err = s.FinalizeRun(ctx, store.FinalizeParams{
			RunID: id, Status: harvest.RunStatusFailed, Error: "boom", Now: t0,
			Effect: store.EffectFailure, FailureThreshold: 3,
		})
		require.NoError(t, err)
	}

	src, err := s.GetSource(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, 3, src.ConsecutiveFailures)
	require.Equal(t, harvest.SourceStatusError, src.Status)
	require.False(t, src.Runnable())

	enabled := true
	src, err = s.UpdateSource(ctx, "src-1", store.SourcePatch{Enabled: &enabled}, t0)
	require.NoError(t, err)
	require.Equal(t, harvest.SourceStatusActive, src.Status)
	require.Zero(t, src.ConsecutiveFailures)
}

func TestFinalizeFatalEscalatesImmediately(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindTail, t0)
	_, err := s.StartRun(ctx, "run-1", t0, t0.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.FinalizeRun(ctx, store.FinalizeParams{
		RunID: "run-1", Status: harvest.RunStatusFailed, Now: t0, Effect: store.EffectFatal, FailureThreshold: 3,
	})
	require.NoError(t, err)
	src, err := s.GetSource(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, harvest.SourceStatusError, src.Status)
	require.Empty(t, src.Cursor)
}

func TestPauseResumeAdoptsRun(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindBackfill, t0)
	_, err := s.StartRun(ctx, "run-1", t0, t0.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.RequestControl(ctx, "run-1", harvest.RunControlPause, t0)
	require.NoError(t, err)
	ctrl, err := s.Checkpoint(ctx, "run-1", harvest.Counters{ItemsDiscovered: 5}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, harvest.RunControlPause, ctrl)

	paused, err := s.PauseRun(ctx, "run-1", harvest.Counters{ItemsDiscovered: 5}, t0)
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusPaused, paused.Status)
	require.Nil(t, paused.LeaseExpiresAt)

	// A paused run survives far past any lease TTL.
	_, err = s.Acquire(ctx, store.AcquireParams{
		RunID: "run-2", SourceID: "src-1", Kind: harvest.SweepKindBackfill,
		DeliveryToken: "tok-2", Now: t0.Add(time.Hour), LeaseTTL: time.Minute,
	})
	require.ErrorIs(t, err, harvest.ErrSourceBusy)

	_, err = s.RequestControl(ctx, "run-1", harvest.RunControlResume, t0)
	require.NoError(t, err)
	res := acquire(t, s, "run-3", "tok-3", harvest.SweepKindBackfill, t0.Add(time.Hour))
	require.True(t, res.Resumed)
	require.Equal(t, "run-1", res.Run.ID)
	require.Equal(t, "tok-3", res.Run.DeliveryToken)
	require.Equal(t, 5, res.Run.Counters.ItemsDiscovered)

	run, err := s.StartRun(ctx, "run-1", t0.Add(time.Hour), t0.Add(time.Hour+time.Minute))
	require.NoError(t, err)
	require.Equal(t, t0, *run.StartedAt, "resume keeps the original start time")
}

func TestCancelPausedRunFinalizesDirectly(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindBackfill, t0)
	_, err := s.StartRun(ctx, "run-1", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.PauseRun(ctx, "run-1", harvest.Counters{}, t0)
	require.NoError(t, err)

	run, err := s.RequestControl(ctx, "run-1", harvest.RunControlCancel, t0)
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCancelled, run.Status)

	_, err = s.Checkpoint(ctx, "run-1", harvest.Counters{}, t0)
	require.ErrorIs(t, err, store.ErrLeaseLost)

	_, err = s.RequestControl(ctx, "run-1", harvest.RunControlCancel, t0)
	require.ErrorIs(t, err, harvest.ErrInvalidTransition)
}

func TestUpsertBlockIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	in := harvest.BlockInput{SourceID: "src-1", ExternalID: "x1", Fields: harvest.BlockFields{
		Title: "a", Tags: []string{"t"}, MediaType: harvest.MediaTypeImage, MediaKey: "k1", Fingerprint: "fp1",
	}}
	first, err := s.UpsertBlock(ctx, in)
	require.NoError(t, err)
	require.True(t, first.Created)

	in.Fields.Title = "b"
	in.Fields.Fingerprint = "fp2"
	second, err := s.UpsertBlock(ctx, in)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Block.ID, second.Block.ID)
	require.Equal(t, "b", second.Block.Title)

	fp, ok, err := s.BlockFingerprint(ctx, "src-1", "x1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fp2", fp)

	_, ok, err = s.BlockFingerprint(ctx, "src-1", "x2")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := s.CountBlocks(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIdleSourcesSkipsBusyAndNotDue(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSource(ctx, harvest.Source{ID: "src-2", Type: harvest.SourceTypeUser, URL: "https://savee.com/u", Enabled: true})
	require.NoError(t, err)
	_, err = s.CreateSource(ctx, harvest.Source{ID: "src-3", Type: harvest.SourceTypeUser, URL: "https://savee.com/v", Enabled: false, Status: harvest.SourceStatusDisabled})
	require.NoError(t, err)

	acquire(t, s, "run-1", "tok-1", harvest.SweepKindTail, t0)

	idle, err := s.IdleSources(ctx, store.IdleQuery{Now: t0, DueOnly: true})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, "src-2", idle[0].ID)

	_, err = s.FinalizeRun(ctx, store.FinalizeParams{RunID: "run-1", Status: harvest.RunStatusCancelled, Now: t0})
	require.NoError(t, err)

	idle, err = s.IdleSources(ctx, store.IdleQuery{Now: t0, DueOnly: true})
	require.NoError(t, err)
	require.Len(t, idle, 1, "src-1 is idle but not due until next_run_at")

	idle, err = s.IdleSources(ctx, store.IdleQuery{Now: t0})
	require.NoError(t, err)
	require.Len(t, idle, 2)
}

func TestInterruptedRunIsAdoptedBySameDelivery(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	acquire(t, s, "run-1", "tok-1", harvest.SweepKindManual, t0)
	_, err := s.StartRun(ctx, "run-1", t0, t0.Add(time.Minute))
	require.NoError(t, err)

	parked, err := s.InterruptRun(ctx, "run-1", harvest.Counters{ItemsDiscovered: 4, ItemsProcessed: 4}, t0)
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusPaused, parked.Status)
	require.Equal(t, harvest.RunControlResume, parked.Control)
	require.Empty(t, parked.DeliveryToken)
	require.Nil(t, parked.LeaseExpiresAt)

	res := acquire(t, s, "run-2", "tok-1", harvest.SweepKindManual, t0.Add(time.Hour))
	require.False(t, res.Duplicate)
	require.True(t, res.Resumed)
	require.Equal(t, "run-1", res.Run.ID)
	require.Equal(t, "tok-1", res.Run.DeliveryToken)
	require.Equal(t, 4, res.Run.Counters.ItemsProcessed)

	_, err = s.InterruptRun(ctx, "run-1", harvest.Counters{}, t0)
	require.ErrorIs(t, err, harvest.ErrInvalidTransition, "only running runs can be interrupted")
}
