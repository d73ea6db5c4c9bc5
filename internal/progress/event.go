package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageItemDone Stage = "ITEM_DONE"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
)

// ItemStatus mirrors the per-item outcome reported to collaborators.
type ItemStatus string

// Item outcomes carried by ITEM_DONE events.
const (
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// Event captures a single milestone of an analysis run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or item milestone occurred.
	Stage Stage
	// Group and Key locate the item for ITEM_DONE events.
	Group string
	Key   string
	// ItemID is the collaborator's identifier for the item.
	ItemID string
	// Status is the item outcome for ITEM_DONE events.
	Status ItemStatus
	// Tasks counts task types attempted for the item.
	Tasks int
	// TaskFailures counts task types that failed for the item.
	TaskFailures int
	// Items carries the item total on RUN_START and RUN_DONE.
	Items int
	// Dur captures execution latency for items and whole runs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageItemDone:
		if e.Key == "" {
			return errors.New("item done requires key")
		}
		switch e.Status {
		case ItemCompleted, ItemFailed, ItemSkipped:
		default:
			return fmt.Errorf("item done has unknown status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID decodes a textual run ID into the Event form.
func ParseRunID(raw string) ([16]byte, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
