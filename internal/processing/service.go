package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devalimohamed/somali-transcriber/internal/calls"
	"github.com/devalimohamed/somali-transcriber/internal/storage"
	"github.com/devalimohamed/somali-transcriber/internal/transcribe"
)

// User-facing warning texts. The HTTP layer returns these verbatim, so edits
// here are contract changes.
const (
	warnTranscriptionRetry = "Transcription failed. Automatic retry scheduled."
	warnTranscriptionFinal = "Transcription failed. Please re-upload audio."

	warnFormatterUnfaithful = "Formatter output looked inaccurate. Raw translation returned."

	warnFormatterDownRetry = "Formatter unavailable. Raw translation returned; retry scheduled."
	warnFormatterDownFinal = "Formatter unavailable. Raw translation returned."

	warnRetryUnfaithful = "Formatter output looked inaccurate. Using raw translation."
	warnRetryFailed     = "Formatter retry failed. Using raw translation."
)

// Backoff shape per failure path. Delays scale linearly with the attempt
// number that just failed.
const (
	initialJobDelay        = time.Second
	transcriptionRetryStep = 15 * time.Second
	formatterFallbackStep  = 10 * time.Second
	formatterRetryStep     = 20 * time.Second
	ledgerRetryStep        = 10 * time.Second
)

// highRiskTerms are formatter hallucination tells. A formatted note that
// introduces one of these without support in the raw translation is rejected.
var highRiskTerms = []string{
	"meeting", "meetings",
	"report", "reports",
	"agenda",
	"stakeholder",
	"deadline",
	"presentation",
	"minutes",
	"action item",
	"project plan",
}

var allowedMimeTypes = map[string]struct{}{
	"audio/mpeg":  {},
	"audio/mp4":   {},
	"audio/wav":   {},
	"audio/x-wav": {},
	"audio/x-m4a": {},
	"audio/aac":   {},
	"audio/ogg":   {},
}

// ServiceParams wires the pipeline's collaborators.
type ServiceParams struct {
	Repo     calls.Repository
	Audio    storage.AudioStore
	Attempts AttemptRepo
	Queue    RetryQueue

	Transcriber transcribe.Transcriber
	Translator  transcribe.Translator
	Formatter   transcribe.Formatter

	Logger *slog.Logger

	MaxAttempts        int
	MaxDurationSeconds int
	AsyncOnUpload      bool
}

// Service orchestrates the audio-to-note pipeline: validate and store the
// upload, transcribe, translate, format, and keep the call record's status
// honest at every step. Provider failures become state transitions and
// scheduled retries, never surfaced errors.
type Service struct {
	repo     calls.Repository
	audio    storage.AudioStore
	attempts AttemptRepo
	queue    RetryQueue

	transcriber transcribe.Transcriber
	translator  transcribe.Translator
	formatter   transcribe.Formatter

	log *slog.Logger

	maxAttempts        int
	maxDurationSeconds int
	asyncOnUpload      bool

	clock func() time.Time
}

func NewService(p ServiceParams) *Service {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	maxDuration := p.MaxDurationSeconds
	if maxDuration <= 0 {
		maxDuration = 120
	}
	return &Service{
		repo:               p.Repo,
		audio:              p.Audio,
		attempts:           p.Attempts,
		queue:              p.Queue,
		transcriber:        p.Transcriber,
		translator:         p.Translator,
		formatter:          p.Formatter,
		log:                log,
		maxAttempts:        maxAttempts,
		maxDurationSeconds: maxDuration,
		asyncOnUpload:      p.AsyncOnUpload,
		clock:              time.Now,
	}
}

// ProcessUpload validates and stores the recording, marks the call UPLOADED,
// then runs the pipeline either inline or via a near-immediate queue job.
// A queue outage downgrades to inline processing rather than losing the
// upload.
func (s *Service) ProcessUpload(ctx context.Context, call calls.CallRecord, upload calls.AudioUpload) (calls.CallRecord, error) {
	if err := s.validateUpload(upload); err != nil {
		return calls.CallRecord{}, err
	}

	key, err := s.audio.Store(ctx, upload.Content, upload.Filename)
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("store audio: %w", err)
	}

	call.AudioKey = key
	call.Status = calls.CallStatusUploaded
	call.Warning = ""
	call, err = s.repo.Save(ctx, call)
	if err != nil {
		return calls.CallRecord{}, err
	}

	if s.asyncOnUpload {
		job := RetryJob{
			CallID:      call.ID,
			Stage:       StageTranscription,
			Attempt:     1,
			AvailableAt: s.clock().Add(initialJobDelay),
		}
		enqueueErr := s.queue.Enqueue(ctx, job)
		if enqueueErr == nil {
			return call, nil
		}
		s.log.Warn("enqueue failed, processing inline",
			"call_id", call.ID, "error", enqueueErr)
	}

	if err := s.ProcessCall(ctx, call.ID, true); err != nil {
		return calls.CallRecord{}, err
	}
	return s.repo.Get(ctx, call.ID)
}

// ProcessCall runs the full pipeline for a call that has stored audio.
// allowRetry gates scheduling of transcription retries; formatting always
// degrades to the raw translation on its own schedule.
func (s *Service) ProcessCall(ctx context.Context, callID string, allowRetry bool) error {
	call, err := s.repo.Get(ctx, callID)
	if err != nil {
		return err
	}
	if call.AudioKey == "" {
		return fmt.Errorf("%w: no audio uploaded", calls.ErrValidation)
	}
	exists, err := s.audio.Exists(ctx, call.AudioKey)
	if err != nil {
		return fmt.Errorf("check audio blob: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: audio blob is missing", calls.ErrValidation)
	}

	call.Status = calls.CallStatusTranscribing
	if call, err = s.repo.Save(ctx, call); err != nil {
		return err
	}

	result, english, err := s.transcribeAndTranslate(ctx, call)
	if err != nil {
		s.log.Warn("transcription failed",
			"call_id", call.ID, "error", err)
		return s.handleTranscriptionFailure(ctx, call, allowRetry, err)
	}

	call.DetectedLanguage = result.DetectedLanguage
	call.TranscriptEnglish = english
	call.TranscriptModel = result.ProviderModel
	call.TranscriptLatencyMs = result.LatencyMs
	call.Status = calls.CallStatusFormatting
	if call, err = s.repo.Save(ctx, call); err != nil {
		return err
	}

	formatted, err := s.formatter.Format(ctx, english)
	if err != nil {
		s.log.Warn("formatter unavailable",
			"call_id", call.ID, "error", err)
		return s.handleFormatterFallback(ctx, call, err)
	}

	call = applyFormatterOutcome(call, english, formatted, warnFormatterUnfaithful)
	if call, err = s.repo.Save(ctx, call); err != nil {
		return err
	}
	s.deleteAudio(ctx, &call)
	return nil
}

// ProcessRetryJob executes one claimed job. Stale jobs (missing call,
// finalized call, audio already gone, transcript-based retry no longer
// applicable) are dropped silently.
func (s *Service) ProcessRetryJob(ctx context.Context, job RetryJob) error {
	call, err := s.repo.Get(ctx, job.CallID)
	if err != nil {
		s.log.Warn("dropping retry job for unknown call",
			"call_id", job.CallID, "stage", string(job.Stage))
		return nil
	}
	if call.Status == calls.CallStatusFinalized {
		return nil
	}

	switch job.Stage {
	case StageTranscription:
		if call.AudioKey == "" {
			return nil
		}
		return s.ProcessCall(ctx, call.ID, true)
	case StageFormatter:
		return s.retryFormatter(ctx, call)
	default:
		s.log.Warn("dropping retry job with unknown stage",
			"call_id", job.CallID, "stage", string(job.Stage))
		return nil
	}
}

func (s *Service) transcribeAndTranslate(ctx context.Context, call calls.CallRecord) (transcribe.Result, string, error) {
	audio, err := s.audio.Open(ctx, call.AudioKey)
	if err != nil {
		return transcribe.Result{}, "", fmt.Errorf("open audio: %w", err)
	}
	defer audio.Close()

	result, err := s.transcriber.Transcribe(ctx, audio, call.AudioKey, "")
	if err != nil {
		return transcribe.Result{}, "", fmt.Errorf("transcribe: %w", err)
	}

	english, err := s.translator.TranslateToEnglish(ctx, result.Text, result.DetectedLanguage)
	if err != nil {
		return transcribe.Result{}, "", fmt.Errorf("translate: %w", err)
	}
	if strings.TrimSpace(english) == "" {
		return transcribe.Result{}, "", fmt.Errorf("translate: empty result")
	}
	return result, english, nil
}

// handleTranscriptionFailure records the attempt and either schedules a
// delayed re-run or gives up. Audio is kept only while a retry is pending;
// once the call fails for good the blob is deleted and a re-upload is the
// only way forward.
func (s *Service) handleTranscriptionFailure(ctx context.Context, call calls.CallRecord, allowRetry bool, cause error) error {
	attemptNo := s.recordAttempt(ctx, call.ID, StageTranscription, cause)

	scheduled := false
	if allowRetry && attemptNo < s.maxAttempts {
		job := RetryJob{
			CallID:      call.ID,
			Stage:       StageTranscription,
			Attempt:     attemptNo + 1,
			AvailableAt: s.clock().Add(time.Duration(attemptNo) * transcriptionRetryStep),
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error("failed to schedule transcription retry",
				"call_id", call.ID, "attempt", attemptNo, "error", err)
		} else {
			scheduled = true
		}
	}

	call.Status = calls.CallStatusFailed
	if scheduled {
		call.Warning = warnTranscriptionRetry
	} else {
		call.Warning = warnTranscriptionFinal
	}
	call, err := s.repo.Save(ctx, call)
	if err != nil {
		return err
	}
	if !scheduled {
		s.deleteAudio(ctx, &call)
	}
	return nil
}

// handleFormatterFallback publishes the raw translation as the note so the
// user is never blocked on the formatter, then schedules a format-only retry
// while attempts remain. The transcript is safe in the record, so the audio
// blob goes regardless.
func (s *Service) handleFormatterFallback(ctx context.Context, call calls.CallRecord, cause error) error {
	attemptNo := s.recordAttempt(ctx, call.ID, StageFormatter, cause)

	scheduled := false
	if attemptNo < s.maxAttempts {
		job := RetryJob{
			CallID:      call.ID,
			Stage:       StageFormatter,
			Attempt:     attemptNo + 1,
			AvailableAt: s.clock().Add(time.Duration(attemptNo) * formatterFallbackStep),
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error("failed to schedule formatter retry",
				"call_id", call.ID, "attempt", attemptNo, "error", err)
		} else {
			scheduled = true
		}
	}

	call.NoteText = call.TranscriptEnglish
	call.NoteSource = calls.NoteSourceRawTranslation
	call.Status = calls.CallStatusReadyWithWarning
	if scheduled {
		call.Warning = warnFormatterDownRetry
	} else {
		call.Warning = warnFormatterDownFinal
	}
	call, err := s.repo.Save(ctx, call)
	if err != nil {
		return err
	}
	s.deleteAudio(ctx, &call)
	return nil
}

// retryFormatter re-runs only the formatting step from the saved transcript.
func (s *Service) retryFormatter(ctx context.Context, call calls.CallRecord) error {
	if strings.TrimSpace(call.TranscriptEnglish) == "" || call.FinalText != "" {
		return nil
	}

	call.Status = calls.CallStatusFormatting
	call, err := s.repo.Save(ctx, call)
	if err != nil {
		return err
	}

	formatted, err := s.formatter.Format(ctx, call.TranscriptEnglish)
	if err != nil {
		s.log.Warn("formatter retry failed",
			"call_id", call.ID, "error", err)
		attemptNo := s.recordAttempt(ctx, call.ID, StageFormatter, err)
		if attemptNo < s.maxAttempts {
			job := RetryJob{
				CallID:      call.ID,
				Stage:       StageFormatter,
				Attempt:     attemptNo + 1,
				AvailableAt: s.clock().Add(time.Duration(attemptNo) * formatterRetryStep),
			}
			if err := s.queue.Enqueue(ctx, job); err != nil {
				s.log.Error("failed to schedule formatter retry",
					"call_id", call.ID, "attempt", attemptNo, "error", err)
			}
		}
		call.NoteText = call.TranscriptEnglish
		call.NoteSource = calls.NoteSourceRawTranslation
		call.Status = calls.CallStatusReadyWithWarning
		call.Warning = warnRetryFailed
		_, err = s.repo.Save(ctx, call)
		return err
	}

	call = applyFormatterOutcome(call, call.TranscriptEnglish, formatted, warnRetryUnfaithful)
	_, err = s.repo.Save(ctx, call)
	return err
}

// applyFormatterOutcome publishes either the formatted note or, when the
// output fails the faithfulness check, the raw translation with a warning.
func applyFormatterOutcome(call calls.CallRecord, english, formatted, unfaithfulWarning string) calls.CallRecord {
	if looksUnfaithful(english, formatted) {
		call.NoteText = english
		call.NoteSource = calls.NoteSourceRawTranslation
		call.Status = calls.CallStatusReadyWithWarning
		call.Warning = unfaithfulWarning
		return call
	}
	call.NoteText = formatted
	call.NoteSource = calls.NoteSourceFormatter
	call.Status = calls.CallStatusReady
	call.Warning = ""
	return call
}

// recordAttempt appends the next attempt to the ledger, tagged with a code
// derived from the failure, and returns its number. A ledger outage is logged
// and the failure treated as a first attempt; retries must not be blocked by
// ledger availability.
func (s *Service) recordAttempt(ctx context.Context, callID string, stage JobStage, cause error) int {
	attemptNo, err := s.attempts.Record(ctx, callID, stage, attemptErrorCode(cause), s.clock().UTC())
	if err != nil {
		s.log.Error("attempt ledger write failed",
			"call_id", callID, "stage", string(stage), "error", err)
		return 1
	}
	return attemptNo
}

// attemptErrorCode reduces a failure to a short stable code for the ledger.
// Pipeline errors are wrapped with a single-word stage prefix ("transcribe:",
// "translate:", "format:"), which becomes the code.
func attemptErrorCode(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, ':'); i > 0 {
		code := strings.ToLower(strings.TrimSpace(msg[:i]))
		if code != "" && !strings.ContainsAny(code, " \t") {
			return code
		}
	}
	return "provider_error"
}

// deleteAudio removes the blob and clears the key on the record. Best effort;
// a failed delete is logged and never fails the pipeline.
func (s *Service) deleteAudio(ctx context.Context, call *calls.CallRecord) {
	if call.AudioKey == "" {
		return
	}
	if err := s.audio.Delete(ctx, call.AudioKey); err != nil {
		s.log.Error("audio cleanup failed",
			"call_id", call.ID, "error", err)
		return
	}
	call.AudioKey = ""
	saved, err := s.repo.Save(ctx, *call)
	if err != nil {
		s.log.Error("failed to clear audio key",
			"call_id", call.ID, "error", err)
		return
	}
	*call = saved
}

func (s *Service) validateUpload(upload calls.AudioUpload) error {
	if upload.Content == nil {
		return fmt.Errorf("%w: audio file is required", calls.ErrValidation)
	}
	if upload.SizeBytes <= 0 {
		return fmt.Errorf("%w: audio file is empty", calls.ErrValidation)
	}
	if !allowedMime(upload.MimeType) {
		return fmt.Errorf("%w: unsupported content type %q", calls.ErrValidation, upload.MimeType)
	}
	if upload.DurationSeconds < 1 || upload.DurationSeconds > s.maxDurationSeconds {
		return fmt.Errorf("%w: duration must be between 1 and %d seconds", calls.ErrValidation, s.maxDurationSeconds)
	}
	return nil
}

func allowedMime(mimeType string) bool {
	normalized := strings.ToLower(strings.TrimSpace(mimeType))
	if _, ok := allowedMimeTypes[normalized]; ok {
		return true
	}
	return strings.HasPrefix(normalized, "audio/")
}

// looksUnfaithful flags formatter output that probably invented content:
// either a high-risk term absent from the source appears, or the output
// ballooned past twice the source length plus slack.
func looksUnfaithful(source, formatted string) bool {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(formatted) == "" {
		return false
	}
	src := strings.ToLower(source)
	out := strings.ToLower(formatted)
	for _, term := range highRiskTerms {
		if strings.Contains(out, term) && !strings.Contains(src, term) {
			return true
		}
	}
	srcWords := wordCount(source)
	if srcWords > 0 && wordCount(formatted) > 2*srcWords+12 {
		return true
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
