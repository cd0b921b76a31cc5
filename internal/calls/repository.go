package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("calls: record not found")
	ErrValidation    = errors.New("calls: invalid request")
	ErrStateConflict = errors.New("calls: state conflict")
)

// Repository is the persistence contract for call records.
//
// Ownership invariant: GetOwned and ListByOwner must filter by user_id; a
// cross-owner id yields the same ErrNotFound as a missing id, never a
// distinct "forbidden" signal.
type Repository interface {
	Create(ctx context.Context, rec CallRecord) (CallRecord, error)

	// Get loads a record regardless of owner. Internal use only (pipeline).
	Get(ctx context.Context, id string) (CallRecord, error)

	GetOwned(ctx context.Context, id, userID string) (CallRecord, error)

	Save(ctx context.Context, rec CallRecord) (CallRecord, error)

	// ListByOwner returns records ordered by call_at descending. Zero from/to
	// disable range filtering.
	ListByOwner(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error)
}
