// Package progress defines the run life-cycle events emitted by the coordinator.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunHB     Stage = "RUN_HEARTBEAT"
	StageRunDone   Stage = "RUN_DONE"
	StagePageDone  Stage = "PAGE_DONE"
	StageItemDone  Stage = "ITEM_DONE"
	StageItemError Stage = "ITEM_ERROR"
)

// Lifecycle reports whether the stage opens or closes a run.
func (s Stage) Lifecycle() bool {
	return s == StageRunStart || s == StageRunDone
}

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies the run that emitted the event.
	RunID    string
	SourceID string
	Kind     harvest.SweepKind
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Status is the run status reached by RUN_DONE events.
	Status harvest.RunStatus
	// Site is the source host label.
	Site string
	// Bytes carries the media size for item events.
	Bytes int64
	// Items is the number of items on a page.
	Items int
	// Uploaded is set when an item wrote a new media object.
	Uploaded bool
	// Dur captures run duration for RUN_DONE and fetch latency for pages.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunHB, StagePageDone, StageItemDone, StageItemError:
	case StageRunDone:
		if e.Status == "" {
			return errors.New("run done requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
