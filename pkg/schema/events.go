// pkg/schema/events.go
package schema

// BroadcastTypeThumbnailUpdated is the message type the live-update relay
// fans out to browser sessions when a media row gains a thumbnail.
const BroadcastTypeThumbnailUpdated = "media-thumbnail-updated"

// BroadcastMessage is the envelope accepted by the relay's POST /broadcast.
type BroadcastMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ThumbnailUpdated is the payload for media-thumbnail-updated broadcasts.
type ThumbnailUpdated struct {
	UserID       string `json:"userId"`
	VideoID      string `json:"videoId"`
	ThumbnailURL string `json:"thumbnailUrl"`
	Timestamp    int64  `json:"timestamp"`
}

type ProcessingStage string

const (
	StageStarted   ProcessingStage = "started"
	StageCompleted ProcessingStage = "completed"
	StageFailed    ProcessingStage = "failed"
)

// JobLifecycleEvent is published to the bus at each job state transition.
type JobLifecycleEvent struct {
	JobID            string          `json:"job_id"`
	JobType          string          `json:"job_type"`
	MediaID          string          `json:"media_id"`
	WorkerID         string          `json:"worker_id"`
	Stage            ProcessingStage `json:"stage"`
	Error            string          `json:"error,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
	HappenedAt       int64           `json:"happened_at"`
}

// ThumbnailGenerated is published to the bus after a thumbnail has been
// uploaded and persisted, with the probed frame dimensions when available.
type ThumbnailGenerated struct {
	JobID            string `json:"job_id"`
	MediaID          string `json:"media_id"`
	ThumbnailRef     string `json:"thumbnail_ref"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	HappenedAt       int64  `json:"happened_at"`
}
