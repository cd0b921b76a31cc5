package processing

import "time"

// JobStage identifies which half of the pipeline a retry job re-runs.
type JobStage string

const (
	// StageTranscription re-runs the whole pipeline from the stored audio.
	StageTranscription JobStage = "TRANSCRIPTION"
	// StageFormatter re-runs only the formatting step from the saved transcript.
	StageFormatter JobStage = "FORMATTER"
)

// RetryJob is one scheduled re-run, serialized as JSON into the queue.
// Attempt is the attempt number this job will execute as, not a counter of
// past failures.
type RetryJob struct {
	CallID      string    `json:"call_id"`
	Stage       JobStage  `json:"stage"`
	Attempt     int       `json:"attempt"`
	AvailableAt time.Time `json:"available_at"`
}

// AttemptRecord is one row of the append-only attempt ledger. The ledger is
// the source of truth for attempt numbering; jobs carry a copy for logging.
// ErrorCode is a short stable code derived from the failure, not free-form
// error text.
type AttemptRecord struct {
	CallID      string
	Stage       JobStage
	AttemptNo   int
	ErrorCode   string
	NextRetryAt time.Time
	RecordedAt  time.Time
}
