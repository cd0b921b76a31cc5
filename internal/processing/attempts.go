package processing

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/devalimohamed/somali-transcriber/pkg/utils"
)

// AttemptRepo persists the per-call, per-stage attempt ledger.
// Rows are append-only; attempt numbers are derived from the latest row.
type AttemptRepo interface {
	// Record appends the next attempt row for (callID, stage) and returns its
	// attempt number. The row's nextRetryAt bookkeeping is derived from now.
	Record(ctx context.Context, callID string, stage JobStage, errorCode string, now time.Time) (int, error)
}

// NOTE: This repository assumes the following table exists:
//
//	processing_attempts (
//	  id BIGSERIAL PRIMARY KEY,
//	  call_id UUID NOT NULL,
//	  stage TEXT NOT NULL,
//	  attempt_no INT NOT NULL,
//	  error_code TEXT,
//	  next_retry_at TIMESTAMPTZ NOT NULL,
//	  recorded_at TIMESTAMPTZ NOT NULL
//	)
type PostgresAttemptRepo struct {
	db *sql.DB
}

func NewPostgresAttemptRepo(db *sql.DB) *PostgresAttemptRepo {
	return &PostgresAttemptRepo{db: db}
}

// Record reads the latest attempt number and appends the next row in one
// transaction, so concurrent failure handlers cannot hand out the same number.
func (r *PostgresAttemptRepo) Record(ctx context.Context, callID string, stage JobStage, errorCode string, now time.Time) (int, error) {
	var attemptNo int
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `
SELECT COALESCE(MAX(attempt_no), 0)
FROM processing_attempts
WHERE call_id = $1 AND stage = $2
`
		var last int
		if err := tx.QueryRowContext(ctx, sel, callID, string(stage)).Scan(&last); err != nil {
			return err
		}
		attemptNo = last + 1

		const ins = `
INSERT INTO processing_attempts (call_id, stage, attempt_no, error_code, next_retry_at, recorded_at)
VALUES ($1, $2, $3, NULLIF($4,''), $5, $6)
`
		_, err := tx.ExecContext(ctx, ins,
			callID,
			string(stage),
			attemptNo,
			errorCode,
			now.Add(time.Duration(attemptNo)*ledgerRetryStep),
			now,
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return attemptNo, nil
}

// MemoryAttemptRepo backs tests and local development.
type MemoryAttemptRepo struct {
	mu   sync.Mutex
	rows []AttemptRecord
}

func NewMemoryAttemptRepo() *MemoryAttemptRepo {
	return &MemoryAttemptRepo{}
}

func (r *MemoryAttemptRepo) Record(ctx context.Context, callID string, stage JobStage, errorCode string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := 0
	for _, rec := range r.rows {
		if rec.CallID == callID && rec.Stage == stage && rec.AttemptNo > last {
			last = rec.AttemptNo
		}
	}
	attemptNo := last + 1
	r.rows = append(r.rows, AttemptRecord{
		CallID:      callID,
		Stage:       stage,
		AttemptNo:   attemptNo,
		ErrorCode:   errorCode,
		NextRetryAt: now.Add(time.Duration(attemptNo) * ledgerRetryStep),
		RecordedAt:  now,
	})
	return attemptNo, nil
}

// Rows returns a copy of the ledger, oldest first.
func (r *MemoryAttemptRepo) Rows() []AttemptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AttemptRecord, len(r.rows))
	copy(out, r.rows)
	return out
}
