package calls

import (
	"io"
	"time"
)

// CallRecord is the unit of work: one recorded conversation and the note
// derived from it.
//
// Lifecycle invariants:
// - FinalText is set exactly once, by finalization; FinalText != "" <=> Status == FINALIZED.
// - AudioKey is cleared (and the blob deleted) the moment a pipeline run
//   reaches a terminal outcome; it is never left dangling.
// - NoteText is only meaningful once Status is READY, READY_WITH_WARNING or FINALIZED.
type CallRecord struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// CallAt is the real-world call timestamp, client-supplied and
	// independent of processing time.
	CallAt time.Time `json:"call_at" db:"call_at"`

	Status CallStatus `json:"status" db:"status"`

	AudioKey string `json:"-" db:"audio_object_key"`

	DetectedLanguage    string `json:"detected_language,omitempty" db:"detected_language"`
	TranscriptEnglish   string `json:"transcript_english,omitempty" db:"transcript_english"`
	TranscriptModel     string `json:"transcript_model,omitempty" db:"transcript_model"`
	TranscriptLatencyMs int64  `json:"transcript_latency_ms,omitempty" db:"transcript_latency_ms"`

	NoteText   string     `json:"note_text,omitempty" db:"note_text"`
	NoteSource NoteSource `json:"note_source,omitempty" db:"note_source"`

	Warning string `json:"warning,omitempty" db:"warning"`

	FinalText   string     `json:"final_text,omitempty" db:"final_text"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusCreated          CallStatus = "CREATED"
	CallStatusUploaded         CallStatus = "UPLOADED"
	CallStatusTranscribing     CallStatus = "TRANSCRIBING"
	CallStatusFormatting       CallStatus = "FORMATTING"
	CallStatusReady            CallStatus = "READY"
	CallStatusReadyWithWarning CallStatus = "READY_WITH_WARNING"
	CallStatusFailed           CallStatus = "FAILED"
	CallStatusFinalized        CallStatus = "FINALIZED"
)

type NoteSource string

const (
	NoteSourceFormatter      NoteSource = "FORMATTER"
	NoteSourceRawTranslation NoteSource = "RAW_TRANSLATION"
)

// DraftReady reports whether a draft note exists and may be edited.
func (c CallRecord) DraftReady() bool {
	switch c.Status {
	case CallStatusReady, CallStatusReadyWithWarning, CallStatusFailed:
		return true
	default:
		return false
	}
}

// AudioUpload carries one uploaded recording through validation and storage.
type AudioUpload struct {
	Content         io.Reader
	Filename        string
	MimeType        string
	SizeBytes       int64
	DurationSeconds int
}
