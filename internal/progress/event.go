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
	StageRunStarted       Stage = "RUN_STARTED"
	StageRunCompleted     Stage = "RUN_COMPLETED"
	StageRunCancelled     Stage = "RUN_CANCELLED"
	StagePageFetched      Stage = "PAGE_FETCHED"
	StagePageFailed       Stage = "PAGE_FAILED"
	StageImageDownloaded  Stage = "IMAGE_DOWNLOADED"
	StageImageCached      Stage = "IMAGE_CACHED"
	StageImageFailed      Stage = "IMAGE_FAILED"
	StageTransformApplied Stage = "TRANSFORM_APPLIED"
	StageTransformFailed  Stage = "TRANSFORM_FAILED"
)

// Event captures a single milestone of a crawl run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle, page, image, or transform milestone occurred.
	Stage Stage
	// URI is the page or image URI the milestone concerns; it should not
	// contain credentials.
	URI string
	// Depth is the recursion depth at which the milestone occurred, starting at 1.
	Depth int
	// Transform names the transform for TRANSFORM_* stages.
	Transform string
	// Bytes carries the artifact size for downloads and transform outputs.
	Bytes int64
	// Images carries the aggregate image count for run completions.
	Images int64
	// Dur captures execution latency for fetches and run completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
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
	case StageRunStarted, StageRunCompleted, StageRunCancelled:
	case StagePageFetched, StagePageFailed, StageImageDownloaded, StageImageCached, StageImageFailed:
		if e.URI == "" {
			return fmt.Errorf("%s requires a uri", e.Stage)
		}
	case StageTransformApplied, StageTransformFailed:
		if e.URI == "" {
			return fmt.Errorf("%s requires a uri", e.Stage)
		}
		if e.Transform == "" {
			return fmt.Errorf("%s requires a transform name", e.Stage)
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

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageRunCompleted || s == StageRunCancelled
}
