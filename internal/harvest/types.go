// Package harvest defines core types shared across subsystems.
package harvest

import (
	"fmt"
	"time"
)

// SourceType classifies what kind of listing a source points at.
type SourceType string

// Source type values persisted in the sources table.
const (
	SourceTypeHome       SourceType = "home"
	SourceTypeTrending   SourceType = "trending"
	SourceTypeUser       SourceType = "user"
	SourceTypeCollection SourceType = "collection"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeHome, SourceTypeTrending, SourceTypeUser, SourceTypeCollection:
		return true
	default:
		return false
	}
}

// SourceStatus is the health of a source as seen by the coordinator.
type SourceStatus string

// Source status values.
const (
	SourceStatusActive   SourceStatus = "active"
	SourceStatusDisabled SourceStatus = "disabled"
	SourceStatusError    SourceStatus = "error"
)

// Valid reports whether s is a known source status.
func (s SourceStatus) Valid() bool {
	switch s {
	case SourceStatusActive, SourceStatusDisabled, SourceStatusError:
		return true
	default:
		return false
	}
}

// SweepKind selects the iteration strategy of a run.
type SweepKind string

// Sweep kinds accepted by the queue and the control plane.
const (
	SweepKindTail     SweepKind = "tail"
	SweepKindBackfill SweepKind = "backfill"
	SweepKindManual   SweepKind = "manual"
)

// Valid reports whether k is a known sweep kind.
func (k SweepKind) Valid() bool {
	switch k {
	case SweepKindTail, SweepKindBackfill, SweepKindManual:
		return true
	default:
		return false
	}
}

// UsesCursor reports whether the kind reads and commits Source.Cursor.
func (k SweepKind) UsesCursor() bool {
	return k == SweepKindTail || k == SweepKindManual
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the runs table.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// RunControl is an operator signal polled by the coordinator between iterations.
type RunControl string

// Control signals.
const (
	RunControlNone   RunControl = ""
	RunControlPause  RunControl = "pause"
	RunControlResume RunControl = "resume"
	RunControlCancel RunControl = "cancel"
)

// MediaType distinguishes still images from videos.
type MediaType string

// Media types stored on blocks.
const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Source is a configured listing location that sweeps run against.
type Source struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Type                SourceType    `json:"type"`
	URL                 string        `json:"url"`
	Enabled             bool          `json:"enabled"`
	ScrapeInterval      time.Duration `json:"-"`
	Status              SourceStatus  `json:"status"`
	NextRunAt           *time.Time    `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time    `json:"last_run_at,omitempty"`
	Cursor              string        `json:"cursor,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Runnable reports whether the coordinator may open a run for the source.
func (s Source) Runnable() bool {
	return s.Enabled && s.Status == SourceStatusActive
}

// Counters tracks ingestion stats per run.
type Counters struct {
	ItemsDiscovered int `json:"items_discovered"`
	ItemsProcessed  int `json:"items_processed"`
	MediaUploaded   int `json:"media_uploaded"`
	Errors          int `json:"errors"`
}

// Run is one sweep execution against a source.
type Run struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	Kind           SweepKind  `json:"kind"`
	Status         RunStatus  `json:"status"`
	DeliveryToken  string     `json:"delivery_token,omitempty"`
	Control        RunControl `json:"control,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Counters       Counters   `json:"counters"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	return r.Status.Terminal()
}

// BlockFields holds the mutable content of a block.
type BlockFields struct {
	Title             string    `json:"title,omitempty"`
	Description       string    `json:"description,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	MediaType         MediaType `json:"media_type"`
	MediaKey          string    `json:"media_key"`
	VideoPosterKey    string    `json:"video_poster_key,omitempty"`
	URL               string    `json:"url"`
	SourceOriginalURL string    `json:"source_original_url,omitempty"`
	OGTitle           string    `json:"og_title,omitempty"`
	OGDescription     string    `json:"og_description,omitempty"`
	OGImageURL        string    `json:"og_image_url,omitempty"`
	OGURL             string    `json:"og_url,omitempty"`
	Fingerprint       string    `json:"fingerprint"`
}

// Block is the canonical ingested record for one item.
type Block struct {
	ID         string `json:"id"`
	SourceID   string `json:"source_id"`
	ExternalID string `json:"external_id"`
	BlockFields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlockInput is the payload for an idempotent block upsert.
type BlockInput struct {
	SourceID   string
	ExternalID string
	Fields     BlockFields
}

// UpsertResult reports whether an upsert inserted a new row.
type UpsertResult struct {
	Block   Block
	Created bool
}

// Item is a single listing entry returned by a Fetcher.
type Item struct {
	ExternalID    string    `json:"external_id"`
	Title         string    `json:"title,omitempty"`
	Description   string    `json:"description,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	MediaType     MediaType `json:"media_type"`
	MediaURL      string    `json:"media_url"`
	PosterURL     string    `json:"poster_url,omitempty"`
	PageURL       string    `json:"url"`
	OriginalURL   string    `json:"original_url,omitempty"`
	OGTitle       string    `json:"og_title,omitempty"`
	OGDescription string    `json:"og_description,omitempty"`
	OGImageURL    string    `json:"og_image_url,omitempty"`
	OGURL         string    `json:"og_url,omitempty"`
}

// Validate checks the fields the pipeline cannot work without.
func (i Item) Validate() error {
	if i.ExternalID == "" {
		return fmt.Errorf("%w: item missing external_id", ErrPermanentItem)
	}
	if i.MediaURL == "" {
		return fmt.Errorf("%w: item %s missing media_url", ErrPermanentItem, i.ExternalID)
	}
	switch i.MediaType {
	case MediaTypeImage, MediaTypeVideo:
	default:
		return fmt.Errorf("%w: item %s has media_type %q", ErrPermanentItem, i.ExternalID, i.MediaType)
	}
	return nil
}

// PageRequest asks a Fetcher for one listing page.
type PageRequest struct {
	Source Source
	Kind   SweepKind
	// Cursor is the persisted continuation marker. Empty for backfill.
	Cursor string
	// PageToken continues pagination within a run. Empty for the first page.
	PageToken string
}

// Page is one listing page in fetcher order.
type Page struct {
	Items []Item `json:"items"`
	// NextPageToken is empty once pagination is exhausted.
	NextPageToken string `json:"next_page"`
	// Cursor resumes a later tail sweep after this page.
	Cursor string `json:"cursor"`
}

// MediaPayload is the raw bytes of a media asset.
type MediaPayload struct {
	Data        []byte
	ContentType string
}

// SweepRequest is the job queue entry. ID doubles as the delivery token.
type SweepRequest struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	Kind        SweepKind `json:"kind"`
	RequestedAt time.Time `json:"requested_at"`
}

// Validate rejects malformed queue entries.
func (r SweepRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("sweep request missing id")
	}
	if r.SourceID == "" {
		return fmt.Errorf("sweep request missing source_id")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("sweep request has invalid kind %q", r.Kind)
	}
	return nil
}
