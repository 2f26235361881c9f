package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

type blockKey struct {
	sourceID   string
	externalID string
}

// Store implements store.Repository in memory. A single mutex makes
// Acquire atomic, matching the transaction the Postgres store uses.
type Store struct {
	mu      sync.RWMutex
	ids     harvest.IDGenerator
	clock   harvest.Clock
	sources map[string]harvest.Source
	runs    map[string]harvest.Run
	blocks  map[string]harvest.Block
	byKey   map[blockKey]string
}

var _ store.Repository = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore(ids harvest.IDGenerator, clock harvest.Clock) *Store {
	return &Store{
		ids:     ids,
		clock:   clock,
		sources: make(map[string]harvest.Source),
		runs:    make(map[string]harvest.Run),
		blocks:  make(map[string]harvest.Block),
		byKey:   make(map[blockKey]string),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// CreateSource stores a new source.
func (s *Store) CreateSource(_ context.Context, src harvest.Source) (harvest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return harvest.Source{}, err
		}
		src.ID = id
	}
	if _, exists := s.sources[src.ID]; exists {
		return harvest.Source{}, fmt.Errorf("source %s already exists", src.ID)
	}
	now := s.clock.Now()
	if src.Status == "" {
		src.Status = harvest.SourceStatusActive
	}
	src.CreatedAt = now
	src.UpdatedAt = now
	s.sources[src.ID] = src
	return src, nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return harvest.Source{}, store.ErrNotFound
	}
	return src, nil
}

// ListSources returns sources ordered by creation time.
func (s *Store) ListSources(_ context.Context, filter store.SourceFilter) ([]harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if filter.Status != "" && src.Status != filter.Status {
			continue
		}
		if filter.Type != "" && src.Type != filter.Type {
			continue
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit, offset := store.NormalizePage(filter.Limit, filter.Offset)
	return page(out, limit, offset), nil
}

// UpdateSource applies operator edits.
func (s *Store) UpdateSource(_ context.Context, id string, patch store.SourcePatch, now time.Time) (harvest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return harvest.Source{}, store.ErrNotFound
	}
	if patch.Name != nil {
		src.Name = *patch.Name
	}
	if patch.URL != nil {
		src.URL = *patch.URL
	}
	if patch.Type != nil {
		src.Type = *patch.Type
	}
	if patch.ScrapeInterval != nil {
		src.ScrapeInterval = *patch.ScrapeInterval
	}
	if patch.Enabled != nil {
		src.Enabled = *patch.Enabled
		if src.Enabled {
			src.Status = harvest.SourceStatusActive
			src.ConsecutiveFailures = 0
		} else {
			src.Status = harvest.SourceStatusDisabled
		}
	}
	src.UpdatedAt = now
	s.sources[id] = src
	return src, nil
}

// IdleSources lists runnable sources that hold no lease.
func (s *Store) IdleSources(_ context.Context, q store.IdleQuery) ([]harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Source
	for _, src := range s.sources {
		if !src.Runnable() {
			continue
		}
		if q.DueOnly && src.NextRunAt != nil && src.NextRunAt.After(q.Now) {
			continue
		}
		if _, busy := s.activeRunLocked(src.ID); busy {
			continue
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRunAt, out[j].NextRunAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	limit, _ := store.NormalizePage(q.Limit, 0)
	return page(out, limit, 0), nil
}

// Acquire resolves a delivery to the run it should drive.
func (s *Store) Acquire(_ context.Context, p store.AcquireParams) (store.AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[p.SourceID]
	if !ok {
		return store.AcquireResult{}, store.ErrNotFound
	}

	for id, run := range s.runs {
		if run.SourceID != p.SourceID || !leaseExpired(run, p.Now) {
			continue
		}
		run.Status = harvest.RunStatusFailed
		run.Error = "lease expired"
		run.DeliveryToken = ""
		run.LeaseExpiresAt = nil
		run.FinishedAt = pointerTime(p.Now)
		run.UpdatedAt = p.Now
		s.runs[id] = run
		src = store.ApplyEffect(src, store.EffectFailure, p.FailureThreshold, p.Now)
	}
	s.sources[src.ID] = src

	if p.DeliveryToken != "" {
		for _, run := range s.runs {
			if run.SourceID == p.SourceID && run.Kind == p.Kind && run.DeliveryToken == p.DeliveryToken {
				return store.AcquireResult{Run: run, Source: src, Duplicate: true}, nil
			}
		}
	}

	if active, busy := s.activeRunLocked(p.SourceID); busy {
		if active.Status == harvest.RunStatusPaused && active.Kind == p.Kind && active.Control == harvest.RunControlResume {
			active.DeliveryToken = p.DeliveryToken
			active.Control = harvest.RunControlNone
			active.UpdatedAt = p.Now
			s.runs[active.ID] = active
			return store.AcquireResult{Run: active, Source: src, Resumed: true}, nil
		}
		return store.AcquireResult{}, fmt.Errorf("%w: run %s is %s", harvest.ErrSourceBusy, active.ID, active.Status)
	}

	run := harvest.Run{
		ID:             p.RunID,
		SourceID:       p.SourceID,
		Kind:           p.Kind,
		Status:         harvest.RunStatusQueued,
		DeliveryToken:  p.DeliveryToken,
		LeaseExpiresAt: pointerTime(p.Now.Add(p.LeaseTTL)),
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
	}
	s.runs[run.ID] = run
	if p.Kind.UsesCursor() {
		src.LastRunAt = pointerTime(p.Now)
		src.NextRunAt = pointerTime(p.Now.Add(src.ScrapeInterval))
		src.UpdatedAt = p.Now
		s.sources[src.ID] = src
	}
	return store.AcquireResult{Run: run, Source: src}, nil
}

// StartRun moves a queued or paused run to running.
func (s *Store) StartRun(_ context.Context, runID string, now, leaseUntil time.Time) (harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.Run{}, store.ErrNotFound
	}
	if err := harvest.ValidateTransition(run.Status, harvest.RunStatusRunning); err != nil {
		return harvest.Run{}, err
	}
	run.Status = harvest.RunStatusRunning
	if run.StartedAt == nil {
		run.StartedAt = pointerTime(now)
	}
	run.LeaseExpiresAt = pointerTime(leaseUntil)
	run.UpdatedAt = now
	s.runs[runID] = run
	return run, nil
}

// Checkpoint persists counters and returns the pending control signal.
func (s *Store) Checkpoint(
	_ context.Context,
	runID string,
	counters harvest.Counters,
	leaseUntil time.Time,
) (harvest.RunControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.RunControlNone, store.ErrNotFound
	}
	if run.Status != harvest.RunStatusRunning {
		return harvest.RunControlNone, store.ErrLeaseLost
	}
	run.Counters = counters
	run.LeaseExpiresAt = pointerTime(leaseUntil)
	run.UpdatedAt = s.clock.Now()
	s.runs[runID] = run
	return run.Control, nil
}

// PauseRun parks a running run.
func (s *Store) PauseRun(_ context.Context, runID string, counters harvest.Counters, now time.Time) (harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.Run{}, store.ErrNotFound
	}
	if err := harvest.ValidateTransition(run.Status, harvest.RunStatusPaused); err != nil {
		return harvest.Run{}, err
	}
	run.Status = harvest.RunStatusPaused
	run.Counters = counters
	run.Control = harvest.RunControlNone
	run.LeaseExpiresAt = nil
	run.UpdatedAt = now
	s.runs[runID] = run
	return run, nil
}

// InterruptRun parks a running run with a pending resume.
func (s *Store) InterruptRun(_ context.Context, runID string, counters harvest.Counters, now time.Time) (harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.Run{}, store.ErrNotFound
	}
	if err := harvest.ValidateTransition(run.Status, harvest.RunStatusPaused); err != nil {
		return harvest.Run{}, err
	}
	run.Status = harvest.RunStatusPaused
	run.Counters = counters
	run.Control = harvest.RunControlResume
	run.DeliveryToken = ""
	run.LeaseExpiresAt = nil
	run.UpdatedAt = now
	s.runs[runID] = run
	return run, nil
}

// FinalizeRun applies the terminal transition and the source side effects.
func (s *Store) FinalizeRun(_ context.Context, p store.FinalizeParams) (harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[p.RunID]
	if !ok {
		return harvest.Run{}, store.ErrNotFound
	}
	if !p.Status.Terminal() {
		return harvest.Run{}, fmt.Errorf("%w: %s is not terminal", harvest.ErrInvalidTransition, p.Status)
	}
	if err := harvest.ValidateTransition(run.Status, p.Status); err != nil {
		return harvest.Run{}, err
	}
	run.Status = p.Status
	run.Counters = p.Counters
	run.Error = p.Error
	run.Control = harvest.RunControlNone
	run.LeaseExpiresAt = nil
	run.FinishedAt = pointerTime(p.Now)
	run.UpdatedAt = p.Now
	s.runs[run.ID] = run

	src := s.sources[run.SourceID]
	if p.Cursor != nil {
		src.Cursor = *p.Cursor
	}
	s.sources[src.ID] = store.ApplyEffect(src, p.Effect, p.FailureThreshold, p.Now)
	return run, nil
}

// RequestControl records an operator signal against a run.
func (s *Store) RequestControl(
	_ context.Context,
	runID string,
	control harvest.RunControl,
	now time.Time,
) (harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.Run{}, store.ErrNotFound
	}
	next, direct, err := harvest.ResolveControl(run.Status, control)
	if err != nil {
		return harvest.Run{}, err
	}
	if direct {
		run.Status = next
		run.Control = harvest.RunControlNone
		run.LeaseExpiresAt = nil
		run.FinishedAt = pointerTime(now)
	} else {
		run.Control = control
	}
	run.UpdatedAt = now
	s.runs[runID] = run
	return run, nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(_ context.Context, id string) (harvest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return harvest.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]harvest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Run
	for _, run := range s.runs {
		if filter.SourceID != "" && run.SourceID != filter.SourceID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && run.Kind != filter.Kind {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit, offset := store.NormalizePage(filter.Limit, filter.Offset)
	return page(out, limit, offset), nil
}

// ActiveRun returns the run holding the source lease.
func (s *Store) ActiveRun(_ context.Context, sourceID string) (harvest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.activeRunLocked(sourceID)
	if !ok {
		return harvest.Run{}, store.ErrNotFound
	}
	return run, nil
}

// UpsertBlock inserts or updates a block keyed by (source, external id).
func (s *Store) UpsertBlock(_ context.Context, in harvest.BlockInput) (harvest.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	key := blockKey{sourceID: in.SourceID, externalID: in.ExternalID}
	if id, ok := s.byKey[key]; ok {
		block := s.blocks[id]
		block.BlockFields = cloneFields(in.Fields)
		block.UpdatedAt = now
		s.blocks[id] = block
		return harvest.UpsertResult{Block: block, Created: false}, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return harvest.UpsertResult{}, err
	}
	block := harvest.Block{
		ID:          id,
		SourceID:    in.SourceID,
		ExternalID:  in.ExternalID,
		BlockFields: cloneFields(in.Fields),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.blocks[id] = block
	s.byKey[key] = id
	return harvest.UpsertResult{Block: block, Created: true}, nil
}

// BlockFingerprint returns the stored fingerprint for a dedup key.
func (s *Store) BlockFingerprint(_ context.Context, sourceID, externalID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[blockKey{sourceID: sourceID, externalID: externalID}]
	if !ok {
		return "", false, nil
	}
	return s.blocks[id].Fingerprint, true, nil
}

// GetBlock fetches a block by ID.
func (s *Store) GetBlock(_ context.Context, id string) (harvest.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[id]
	if !ok {
		return harvest.Block{}, store.ErrNotFound
	}
	return block, nil
}

// ListBlocks returns blocks newest first.
func (s *Store) ListBlocks(_ context.Context, filter store.BlockFilter) ([]harvest.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Block
	for _, block := range s.blocks {
		if filter.SourceID != "" && block.SourceID != filter.SourceID {
			continue
		}
		out = append(out, block)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit, offset := store.NormalizePage(filter.Limit, filter.Offset)
	return page(out, limit, offset), nil
}

// CountBlocks counts blocks for a source, or all blocks when sourceID is empty.
func (s *Store) CountBlocks(_ context.Context, sourceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sourceID == "" {
		return len(s.blocks), nil
	}
	n := 0
	for key := range s.byKey {
		if key.sourceID == sourceID {
			n++
		}
	}
	return n, nil
}

func (s *Store) activeRunLocked(sourceID string) (harvest.Run, bool) {
	for _, run := range s.runs {
		if run.SourceID == sourceID && run.Status.Active() {
			return run, true
		}
	}
	return harvest.Run{}, false
}

func leaseExpired(run harvest.Run, now time.Time) bool {
	if run.Status != harvest.RunStatusQueued && run.Status != harvest.RunStatusRunning {
		return false
	}
	return run.LeaseExpiresAt != nil && run.LeaseExpiresAt.Before(now)
}

func cloneFields(f harvest.BlockFields) harvest.BlockFields {
	f.Tags = slices.Clone(f.Tags)
	return f
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
