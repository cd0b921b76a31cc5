package processing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/devalimohamed/somali-transcriber/internal/calls"
	"github.com/devalimohamed/somali-transcriber/internal/storage"
	"github.com/devalimohamed/somali-transcriber/internal/transcribe"
)

// providers is a programmable stand-in for the transcription, translation
// and formatting backends.
type providers struct {
	transcribeResult transcribe.Result
	transcribeErr    error
	transcribeCalls  int

	translateOut   string
	translateErr   error
	translateCalls int

	formatOut   string
	formatErr   error
	formatCalls int
}

func (p *providers) Transcribe(ctx context.Context, audio io.Reader, filename, mimeType string) (transcribe.Result, error) {
	p.transcribeCalls++
	if p.transcribeErr != nil {
		return transcribe.Result{}, p.transcribeErr
	}
	return p.transcribeResult, nil
}

func (p *providers) TranslateToEnglish(ctx context.Context, text, detectedLanguage string) (string, error) {
	p.translateCalls++
	if p.translateErr != nil {
		return "", p.translateErr
	}
	if p.translateOut != "" {
		return p.translateOut, nil
	}
	return text, nil
}

func (p *providers) Format(ctx context.Context, englishText string) (string, error) {
	p.formatCalls++
	if p.formatErr != nil {
		return "", p.formatErr
	}
	if p.formatOut != "" {
		return p.formatOut, nil
	}
	return englishText, nil
}

type testEnv struct {
	svc      *Service
	repo     *calls.MemoryRepo
	audio    *storage.MemoryAudioStore
	attempts *MemoryAttemptRepo
	queue    *MemoryQueue
	prov     *providers
	now      time.Time
}

func newTestEnv(t *testing.T, async bool) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:     calls.NewMemoryRepo(),
		audio:    storage.NewMemoryAudioStore(),
		attempts: NewMemoryAttemptRepo(),
		queue:    NewMemoryQueue(),
		prov: &providers{
			transcribeResult: transcribe.Result{
				DetectedLanguage: "so",
				Text:             "qoraal somali ah",
				ProviderModel:    "test-model",
				LatencyMs:        42,
			},
			translateOut: "hello from the call",
			formatOut:    "Hello from the call.",
		},
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(ServiceParams{
		Repo:               env.repo,
		Audio:              env.audio,
		Attempts:           env.attempts,
		Queue:              env.queue,
		Transcriber:        env.prov,
		Translator:         env.prov,
		Formatter:          env.prov,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxAttempts:        3,
		MaxDurationSeconds: 120,
		AsyncOnUpload:      async,
	})
	env.svc.clock = func() time.Time { return env.now }
	return env
}

func (env *testEnv) seedCall(t *testing.T, status calls.CallStatus) calls.CallRecord {
	t.Helper()
	rec, err := env.repo.Create(context.Background(), calls.CallRecord{
		ID:     "call-1",
		UserID: "user-1",
		CallAt: time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC),
		Status: status,
	})
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}
	return rec
}

func (env *testEnv) mustGet(t *testing.T, id string) calls.CallRecord {
	t.Helper()
	rec, err := env.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	return rec
}

func validUpload() calls.AudioUpload {
	return calls.AudioUpload{
		Content:         strings.NewReader("fake audio bytes"),
		Filename:        "note.m4a",
		MimeType:        "audio/mp4",
		SizeBytes:       16,
		DurationSeconds: 30,
	}
}

func TestProcessUploadHappyPath(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)

	got, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload())
	if err != nil {
		t.Fatalf("process upload: %v", err)
	}

	if got.Status != calls.CallStatusReady {
		t.Fatalf("expected READY, got %s", got.Status)
	}
	if got.NoteText != "Hello from the call." {
		t.Fatalf("unexpected note text %q", got.NoteText)
	}
	if got.NoteSource != calls.NoteSourceFormatter {
		t.Fatalf("expected FORMATTER source, got %s", got.NoteSource)
	}
	if got.TranscriptEnglish != "hello from the call" {
		t.Fatalf("unexpected transcript %q", got.TranscriptEnglish)
	}
	if got.DetectedLanguage != "so" || got.TranscriptModel != "test-model" || got.TranscriptLatencyMs != 42 {
		t.Fatalf("provider metadata not captured: %+v", got)
	}
	if got.Warning != "" {
		t.Fatalf("expected no warning, got %q", got.Warning)
	}
	if got.AudioKey != "" {
		t.Fatal("audio key must be cleared after a terminal outcome")
	}
	if env.audio.Len() != 0 {
		t.Fatalf("expected audio blob deleted, %d left", env.audio.Len())
	}
}

func TestProcessUploadValidation(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	rec := env.mustGet(t, "call-1")

	cases := []struct {
		name   string
		mutate func(*calls.AudioUpload)
	}{
		{"missing content", func(u *calls.AudioUpload) { u.Content = nil }},
		{"empty file", func(u *calls.AudioUpload) {
			u.Content = strings.NewReader("")
			u.SizeBytes = 0
		}},
		{"bad mime type", func(u *calls.AudioUpload) { u.MimeType = "video/mp4" }},
		{"zero duration", func(u *calls.AudioUpload) { u.DurationSeconds = 0 }},
		{"over max duration", func(u *calls.AudioUpload) { u.DurationSeconds = 121 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			upload := validUpload()
			tc.mutate(&upload)
			if _, err := env.svc.ProcessUpload(context.Background(), rec, upload); !errors.Is(err, calls.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if env.prov.transcribeCalls != 0 {
		t.Fatal("invalid uploads must not reach the transcriber")
	}
}

func TestProcessUploadAcceptsAudioPrefixMime(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)

	upload := validUpload()
	upload.MimeType = "audio/webm"
	if _, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), upload); err != nil {
		t.Fatalf("audio/* mime rejected: %v", err)
	}
}

func TestProcessUploadAsyncEnqueuesNearImmediateJob(t *testing.T) {
	env := newTestEnv(t, true)
	env.seedCall(t, calls.CallStatusCreated)

	got, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload())
	if err != nil {
		t.Fatalf("process upload: %v", err)
	}
	if got.Status != calls.CallStatusUploaded {
		t.Fatalf("async upload should stop at UPLOADED, got %s", got.Status)
	}
	if env.prov.transcribeCalls != 0 {
		t.Fatal("async upload must not transcribe inline")
	}
	if env.queue.Len() != 1 {
		t.Fatalf("expected one queued job, got %d", env.queue.Len())
	}

	job, ok, err := env.queue.PollReadyJob(context.Background(), env.now.Add(2*time.Second))
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	if job.Stage != StageTranscription || job.Attempt != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if !job.AvailableAt.Equal(env.now.Add(time.Second)) {
		t.Fatalf("expected 1s initial delay, got %v", job.AvailableAt)
	}
}

func TestProcessUploadFallsBackInlineWhenEnqueueFails(t *testing.T) {
	env := newTestEnv(t, true)
	env.seedCall(t, calls.CallStatusCreated)
	env.svc.queue = failingQueue{}

	got, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload())
	if err != nil {
		t.Fatalf("process upload: %v", err)
	}
	if got.Status != calls.CallStatusReady {
		t.Fatalf("expected inline fallback to finish READY, got %s", got.Status)
	}
	if env.prov.transcribeCalls != 1 {
		t.Fatalf("expected inline transcription, calls=%d", env.prov.transcribeCalls)
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, job RetryJob) error {
	return errors.New("redis down")
}

func (failingQueue) PollReadyJob(ctx context.Context, now time.Time) (RetryJob, bool, error) {
	return RetryJob{}, false, nil
}

func TestTranscriptionFailureSchedulesRetryAndKeepsAudio(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	env.prov.transcribeErr = errors.New("provider 500")

	got, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload())
	if err != nil {
		t.Fatalf("process upload: %v", err)
	}
	if got.Status != calls.CallStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Warning != "Transcription failed. Automatic retry scheduled." {
		t.Fatalf("unexpected warning %q", got.Warning)
	}
	if got.AudioKey == "" || env.audio.Len() != 1 {
		t.Fatal("audio must be kept while a retry is pending")
	}

	job, ok, _ := env.queue.PollReadyJob(context.Background(), env.now.Add(time.Minute))
	if !ok {
		t.Fatal("expected a scheduled retry job")
	}
	if job.Stage != StageTranscription || job.Attempt != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	if !job.AvailableAt.Equal(env.now.Add(15 * time.Second)) {
		t.Fatalf("expected 15s backoff for attempt 1, got %v", job.AvailableAt.Sub(env.now))
	}

	rows := env.attempts.Rows()
	if len(rows) != 1 || rows[0].AttemptNo != 1 || rows[0].Stage != StageTranscription {
		t.Fatalf("unexpected ledger rows %+v", rows)
	}
	if rows[0].ErrorCode != "transcribe" {
		t.Fatalf("expected transcribe error code, got %q", rows[0].ErrorCode)
	}
	if !rows[0].NextRetryAt.Equal(env.now.Add(10 * time.Second)) {
		t.Fatalf("ledger next_retry_at must be now+attempt*10s, got %v", rows[0].NextRetryAt)
	}
}

func TestTranscriptionRetryCeilingDeletesAudio(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	env.prov.transcribeErr = errors.New("provider 500")

	if _, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// Drain and re-run until the attempt ceiling is hit.
	for i := 0; i < 2; i++ {
		env.now = env.now.Add(time.Minute)
		job, ok, err := env.queue.PollReadyJob(context.Background(), env.now)
		if err != nil || !ok {
			t.Fatalf("round %d: poll ok=%v err=%v", i, ok, err)
		}
		if err := env.svc.ProcessRetryJob(context.Background(), job); err != nil {
			t.Fatalf("round %d: retry job: %v", i, err)
		}
	}

	got := env.mustGet(t, "call-1")
	if got.Status != calls.CallStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Warning != "Transcription failed. Please re-upload audio." {
		t.Fatalf("unexpected terminal warning %q", got.Warning)
	}
	if got.AudioKey != "" || env.audio.Len() != 0 {
		t.Fatal("audio must be deleted once retries are exhausted")
	}
	if env.queue.Len() != 0 {
		t.Fatalf("no further retries may be scheduled, %d queued", env.queue.Len())
	}

	rows := env.attempts.Rows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 ledger rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row.AttemptNo != i+1 {
			t.Fatalf("ledger attempt numbering broken: %+v", rows)
		}
	}
}

func TestEmptyTranslationIsTranscriptionFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	env.prov.translateOut = "   "

	got, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload())
	if err != nil {
		t.Fatalf("process upload: %v", err)
	}
	if got.Status != calls.CallStatusFailed {
		t.Fatalf("expected FAILED on empty translation, got %s", got.Status)
	}
	if env.prov.formatCalls != 0 {
		t.Fatal("formatter must not run without a transcript")
	}

	rows := env.attempts.Rows()
	if len(rows) != 1 || rows[0].ErrorCode != "translate" {
		t.Fatalf("expected a translate-coded ledger row, got %+v", rows)
	}
}

func TestFormatterFallbackPublishesRawTranslation(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	env.prov.formatErr = errors.New("ollama down")

	got, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload())
	if err != nil {
		t.Fatalf("process upload: %v", err)
	}
	if got.Status != calls.CallStatusReadyWithWarning {
		t.Fatalf("expected READY_WITH_WARNING, got %s", got.Status)
	}
	if got.NoteText != "hello from the call" || got.NoteSource != calls.NoteSourceRawTranslation {
		t.Fatalf("expected raw translation note, got %q (%s)", got.NoteText, got.NoteSource)
	}
	if got.Warning != "Formatter unavailable. Raw translation returned; retry scheduled." {
		t.Fatalf("unexpected warning %q", got.Warning)
	}
	if got.AudioKey != "" || env.audio.Len() != 0 {
		t.Fatal("audio must be deleted on formatter fallback")
	}

	job, ok, _ := env.queue.PollReadyJob(context.Background(), env.now.Add(time.Minute))
	if !ok || job.Stage != StageFormatter || job.Attempt != 2 {
		t.Fatalf("expected formatter retry job, got ok=%v %+v", ok, job)
	}
	if !job.AvailableAt.Equal(env.now.Add(10 * time.Second)) {
		t.Fatalf("expected 10s backoff, got %v", job.AvailableAt.Sub(env.now))
	}

	rows := env.attempts.Rows()
	if len(rows) != 1 || rows[0].Stage != StageFormatter || rows[0].ErrorCode == "" {
		t.Fatalf("expected a coded formatter ledger row, got %+v", rows)
	}
}

func TestAttemptErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "unknown"},
		{"stage prefix", errors.New("transcribe: openai request failed: upstream status 503"), "transcribe"},
		{"translate prefix", errors.New("translate: empty result"), "translate"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"free-form", errors.New("ollama down"), "provider_error"},
		{"multi-word prefix", errors.New("something went wrong: details"), "provider_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := attemptErrorCode(tc.err); got != tc.want {
				t.Fatalf("attemptErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestFormatterRetryRecovers(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	env.prov.formatErr = errors.New("ollama down")

	if _, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	env.prov.formatErr = nil
	env.now = env.now.Add(time.Minute)
	job, ok, _ := env.queue.PollReadyJob(context.Background(), env.now)
	if !ok {
		t.Fatal("expected queued formatter retry")
	}
	if err := env.svc.ProcessRetryJob(context.Background(), job); err != nil {
		t.Fatalf("retry job: %v", err)
	}

	got := env.mustGet(t, "call-1")
	if got.Status != calls.CallStatusReady {
		t.Fatalf("expected READY after recovery, got %s", got.Status)
	}
	if got.NoteText != "Hello from the call." || got.NoteSource != calls.NoteSourceFormatter {
		t.Fatalf("expected formatted note, got %q (%s)", got.NoteText, got.NoteSource)
	}
	if got.Warning != "" {
		t.Fatalf("warning must clear on recovery, got %q", got.Warning)
	}
}

func TestFormatterRetryFailureKeepsRawAndReschedules(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	env.prov.formatErr = errors.New("ollama down")

	if _, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	env.now = env.now.Add(time.Minute)
	job, ok, _ := env.queue.PollReadyJob(context.Background(), env.now)
	if !ok {
		t.Fatal("expected queued formatter retry")
	}
	if err := env.svc.ProcessRetryJob(context.Background(), job); err != nil {
		t.Fatalf("retry job: %v", err)
	}

	got := env.mustGet(t, "call-1")
	if got.Status != calls.CallStatusReadyWithWarning {
		t.Fatalf("expected READY_WITH_WARNING, got %s", got.Status)
	}
	if got.Warning != "Formatter retry failed. Using raw translation." {
		t.Fatalf("unexpected warning %q", got.Warning)
	}

	next, ok, _ := env.queue.PollReadyJob(context.Background(), env.now.Add(time.Minute))
	if !ok || next.Stage != StageFormatter || next.Attempt != 3 {
		t.Fatalf("expected attempt-3 formatter job, got ok=%v %+v", ok, next)
	}
	if !next.AvailableAt.Equal(env.now.Add(40 * time.Second)) {
		t.Fatalf("expected attempt*20s backoff, got %v", next.AvailableAt.Sub(env.now))
	}
}

func TestRetryJobNoOps(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown call", func(t *testing.T) {
		env := newTestEnv(t, false)
		if err := env.svc.ProcessRetryJob(ctx, RetryJob{CallID: "missing", Stage: StageTranscription}); err != nil {
			t.Fatalf("expected silent drop, got %v", err)
		}
	})

	t.Run("finalized call", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.seedCall(t, calls.CallStatusFinalized)
		if err := env.svc.ProcessRetryJob(ctx, RetryJob{CallID: "call-1", Stage: StageFormatter}); err != nil {
			t.Fatalf("expected silent drop, got %v", err)
		}
		if env.prov.formatCalls != 0 {
			t.Fatal("finalized call must not be reprocessed")
		}
	})

	t.Run("transcription job without audio", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.seedCall(t, calls.CallStatusFailed)
		if err := env.svc.ProcessRetryJob(ctx, RetryJob{CallID: "call-1", Stage: StageTranscription}); err != nil {
			t.Fatalf("expected silent drop, got %v", err)
		}
		if env.prov.transcribeCalls != 0 {
			t.Fatal("no audio means no transcription")
		}
	})

	t.Run("formatter job without transcript", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.seedCall(t, calls.CallStatusReadyWithWarning)
		if err := env.svc.ProcessRetryJob(ctx, RetryJob{CallID: "call-1", Stage: StageFormatter}); err != nil {
			t.Fatalf("expected silent drop, got %v", err)
		}
		if env.prov.formatCalls != 0 {
			t.Fatal("no transcript means no formatting")
		}
	})
}

func TestLooksUnfaithful(t *testing.T) {
	cases := []struct {
		name      string
		source    string
		formatted string
		want      bool
	}{
		{"identical", "we talked about goats", "we talked about goats", false},
		{"empty source", "", "anything at all", false},
		{"empty formatted", "something", "", false},
		{"introduced high-risk term", "we talked about goats", "Discussed the quarterly meeting about goats", true},
		{"term present in both", "the meeting went well", "The meeting went well.", false},
		{"case-insensitive term match", "we talked", "AGENDA items were covered", true},
		{
			"inflation past threshold",
			"short note",
			strings.Repeat("word ", 2*2+13),
			true,
		},
		{
			"inflation within threshold",
			"short note",
			strings.Repeat("word ", 2*2+12),
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := looksUnfaithful(tc.source, tc.formatted); got != tc.want {
				t.Fatalf("looksUnfaithful(%q, %q) = %v, want %v", tc.source, tc.formatted, got, tc.want)
			}
		})
	}
}

func TestUnfaithfulFormatterOutputIsRejected(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCall(t, calls.CallStatusCreated)
	env.prov.translateOut = "we spoke about the harvest"
	env.prov.formatOut = "Stakeholder meeting notes: discussed the harvest project plan."

	got, err := env.svc.ProcessUpload(context.Background(), env.mustGet(t, "call-1"), validUpload())
	if err != nil {
		t.Fatalf("process upload: %v", err)
	}
	if got.Status != calls.CallStatusReadyWithWarning {
		t.Fatalf("expected READY_WITH_WARNING, got %s", got.Status)
	}
	if got.NoteText != "we spoke about the harvest" || got.NoteSource != calls.NoteSourceRawTranslation {
		t.Fatalf("expected raw translation kept, got %q (%s)", got.NoteText, got.NoteSource)
	}
	if got.Warning != "Formatter output looked inaccurate. Raw translation returned." {
		t.Fatalf("unexpected warning %q", got.Warning)
	}
	if env.queue.Len() != 0 {
		t.Fatal("an unfaithful formatter result is terminal, no retry")
	}
}
