package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes the following table exists:
//
//	call_records (
//	  id UUID PRIMARY KEY,
//	  user_id UUID NOT NULL,
//	  call_at TIMESTAMPTZ NOT NULL,
//	  status TEXT NOT NULL,
//	  audio_object_key TEXT,
//	  detected_language TEXT,
//	  transcript_english TEXT,
//	  transcript_model TEXT,
//	  transcript_latency_ms BIGINT,
//	  note_text TEXT,
//	  note_source TEXT,
//	  warning TEXT,
//	  final_text TEXT,
//	  finalized_at TIMESTAMPTZ,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL
//	)
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const callRecordColumns = `
id, user_id, call_at, status,
COALESCE(audio_object_key, ''),
COALESCE(detected_language, ''),
COALESCE(transcript_english, ''),
COALESCE(transcript_model, ''),
COALESCE(transcript_latency_ms, 0),
COALESCE(note_text, ''),
COALESCE(note_source, ''),
COALESCE(warning, ''),
COALESCE(final_text, ''),
finalized_at, created_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, rec CallRecord) (CallRecord, error) {
	now := r.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	const q = `
INSERT INTO call_records (
  id, user_id, call_at, status, audio_object_key, detected_language,
  transcript_english, transcript_model, transcript_latency_ms,
  note_text, note_source, warning, final_text, finalized_at,
  created_at, updated_at
) VALUES (
  $1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9,
  NULLIF($10,''),NULLIF($11,''),NULLIF($12,''),NULLIF($13,''),$14,$15,$16
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.UserID,
		rec.CallAt,
		rec.Status,
		rec.AudioKey,
		rec.DetectedLanguage,
		rec.TranscriptEnglish,
		rec.TranscriptModel,
		rec.TranscriptLatencyMs,
		rec.NoteText,
		string(rec.NoteSource),
		rec.Warning,
		rec.FinalText,
		rec.FinalizedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (CallRecord, error) {
	q := `SELECT ` + callRecordColumns + ` FROM call_records WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetOwned(ctx context.Context, id, userID string) (CallRecord, error) {
	q := `SELECT ` + callRecordColumns + ` FROM call_records WHERE id = $1 AND user_id = $2`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id, userID))
}

func (r *PostgresRepo) Save(ctx context.Context, rec CallRecord) (CallRecord, error) {
	rec.UpdatedAt = r.clock().UTC()

	const q = `
UPDATE call_records SET
  status = $2,
  audio_object_key = NULLIF($3,''),
  detected_language = NULLIF($4,''),
  transcript_english = NULLIF($5,''),
  transcript_model = NULLIF($6,''),
  transcript_latency_ms = $7,
  note_text = NULLIF($8,''),
  note_source = NULLIF($9,''),
  warning = NULLIF($10,''),
  final_text = NULLIF($11,''),
  finalized_at = $12,
  updated_at = $13
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.Status,
		rec.AudioKey,
		rec.DetectedLanguage,
		rec.TranscriptEnglish,
		rec.TranscriptModel,
		rec.TranscriptLatencyMs,
		rec.NoteText,
		string(rec.NoteSource),
		rec.Warning,
		rec.FinalText,
		rec.FinalizedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *PostgresRepo) ListByOwner(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error) {
	q := `SELECT ` + callRecordColumns + ` FROM call_records WHERE user_id = $1`
	args := []any{userID}
	if !from.IsZero() && !to.IsZero() {
		q += ` AND call_at BETWEEN $2 AND $3`
		args = append(args, from, to)
	}
	q += ` ORDER BY call_at DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepo) scanOne(row *sql.Row) (CallRecord, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var rec CallRecord
	var noteSource string
	var finalizedAt sql.NullTime
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.CallAt,
		&rec.Status,
		&rec.AudioKey,
		&rec.DetectedLanguage,
		&rec.TranscriptEnglish,
		&rec.TranscriptModel,
		&rec.TranscriptLatencyMs,
		&rec.NoteText,
		&noteSource,
		&rec.Warning,
		&rec.FinalText,
		&finalizedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	rec.NoteSource = NoteSource(noteSource)
	if finalizedAt.Valid {
		t := finalizedAt.Time
		rec.FinalizedAt = &t
	}
	return rec, nil
}
