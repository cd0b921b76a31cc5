package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Processor drives an uploaded recording through the transcription pipeline.
// Implemented by internal/processing; injected to keep this package free of
// pipeline concerns.
type Processor interface {
	ProcessUpload(ctx context.Context, call CallRecord, upload AudioUpload) (CallRecord, error)
}

// Service owns call record CRUD and the user-facing note lifecycle
// (draft edits, finalization). All operations are owner-scoped.
type Service struct {
	repo      Repository
	processor Processor
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, processor Processor) *Service {
	return &Service{repo: repo, processor: processor, clock: time.Now}
}

func (s *Service) CreateCall(ctx context.Context, userID string, callAt time.Time) (CallRecord, error) {
	if userID == "" {
		return CallRecord{}, ErrValidation
	}
	if callAt.IsZero() {
		return CallRecord{}, fmt.Errorf("%w: call_at is required", ErrValidation)
	}

	rec := CallRecord{
		ID:     uuid.NewString(),
		UserID: userID,
		CallAt: callAt.UTC(),
		Status: CallStatusCreated,
	}
	return s.repo.Create(ctx, rec)
}

func (s *Service) GetCall(ctx context.Context, callID, userID string) (CallRecord, error) {
	return s.getOwned(ctx, callID, userID)
}

func (s *Service) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error) {
	if userID == "" {
		return nil, ErrValidation
	}
	return s.repo.ListByOwner(ctx, userID, from, to)
}

// UploadAudio hands the recording to the processing pipeline. The pipeline
// owns validation, storage and all state transitions from here.
func (s *Service) UploadAudio(ctx context.Context, callID, userID string, upload AudioUpload) (CallRecord, error) {
	call, err := s.getOwned(ctx, callID, userID)
	if err != nil {
		return CallRecord{}, err
	}
	if call.Status == CallStatusFinalized {
		return CallRecord{}, fmt.Errorf("%w: cannot upload audio for finalized note", ErrStateConflict)
	}
	if s.processor == nil {
		return CallRecord{}, errors.New("calls: processor not configured")
	}
	return s.processor.ProcessUpload(ctx, call, upload)
}

func (s *Service) UpdateDraft(ctx context.Context, callID, userID, noteText string) (CallRecord, error) {
	call, err := s.getOwned(ctx, callID, userID)
	if err != nil {
		return CallRecord{}, err
	}
	if call.Status == CallStatusFinalized {
		return CallRecord{}, fmt.Errorf("%w: finalized note cannot be edited", ErrStateConflict)
	}
	if !call.DraftReady() {
		return CallRecord{}, fmt.Errorf("%w: draft is not ready yet", ErrStateConflict)
	}

	call.NoteText = strings.TrimSpace(noteText)
	return s.repo.Save(ctx, call)
}

// FinalizeCall copies the draft into FinalText exactly once. Finalizing an
// already finalized call is an idempotent no-op.
func (s *Service) FinalizeCall(ctx context.Context, callID, userID string) (CallRecord, error) {
	call, err := s.getOwned(ctx, callID, userID)
	if err != nil {
		return CallRecord{}, err
	}
	if call.Status == CallStatusFinalized {
		return call, nil
	}
	if strings.TrimSpace(call.NoteText) == "" {
		return CallRecord{}, fmt.Errorf("%w: cannot finalize empty draft", ErrValidation)
	}

	now := s.clock().UTC()
	call.FinalText = call.NoteText
	call.FinalizedAt = &now
	call.Status = CallStatusFinalized
	return s.repo.Save(ctx, call)
}

func (s *Service) getOwned(ctx context.Context, callID, userID string) (CallRecord, error) {
	if callID == "" || userID == "" {
		return CallRecord{}, ErrNotFound
	}
	return s.repo.GetOwned(ctx, callID, userID)
}
