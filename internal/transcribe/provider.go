package transcribe

import (
	"context"
	"io"
	"strings"
)

// Result is the outcome of one transcription call.
type Result struct {
	DetectedLanguage string
	Text             string
	ProviderModel    string
	LatencyMs        int64
}

// Transcriber turns raw audio into text plus a detected language.
//
// Rules:
// - No provider SDK calls outside transcribe adapters.
// - Implementations own their timeouts; a call must not block indefinitely.
// - Failures surface as errors; the pipeline converts them into state
//   transitions, never into user-facing panics.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename, mimeType string) (Result, error)
}

// Translator turns transcript text into English.
// Must behave as a pass-through when the detected language already is English.
type Translator interface {
	TranslateToEnglish(ctx context.Context, text, detectedLanguage string) (string, error)
}

// Formatter lightly cleans English prose without altering meaning.
// May be a pass-through when no formatting backend is configured.
type Formatter interface {
	Format(ctx context.Context, englishText string) (string, error)
}

// IsEnglish reports whether a detected-language tag denotes English.
// Accepts "en", "eng", "en-*" and the literal word "english", case-insensitive.
func IsEnglish(detectedLanguage string) bool {
	normalized := strings.ToLower(strings.TrimSpace(detectedLanguage))
	if normalized == "" {
		return false
	}
	return normalized == "en" ||
		normalized == "eng" ||
		strings.HasPrefix(normalized, "en-") ||
		normalized == "english"
}
