package processing

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryQueueDeliversLowestAvailableFirst(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	late := RetryJob{CallID: "late", Stage: StageTranscription, Attempt: 2, AvailableAt: base.Add(5 * time.Second)}
	early := RetryJob{CallID: "early", Stage: StageFormatter, Attempt: 2, AvailableAt: base.Add(time.Second)}
	if err := q.Enqueue(ctx, late); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, early); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// At T+2s only the earlier job is ready, and it wins despite being
	// enqueued second.
	job, ok, err := q.PollReadyJob(ctx, base.Add(2*time.Second))
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	if job.CallID != "early" {
		t.Fatalf("expected early job, got %q", job.CallID)
	}

	if _, ok, _ := q.PollReadyJob(ctx, base.Add(2*time.Second)); ok {
		t.Fatal("late job must stay invisible until its delay passes")
	}

	job, ok, _ = q.PollReadyJob(ctx, base.Add(6*time.Second))
	if !ok || job.CallID != "late" {
		t.Fatalf("expected late job after delay, got ok=%v %q", ok, job.CallID)
	}

	if _, ok, _ := q.PollReadyJob(ctx, base.Add(time.Hour)); ok {
		t.Fatal("each job may be claimed at most once")
	}
}

func TestMemoryQueueEmptyPoll(t *testing.T) {
	q := NewMemoryQueue()
	if _, ok, err := q.PollReadyJob(context.Background(), time.Now()); ok || err != nil {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}
}

func TestRetryJobRoundTripsThroughJSON(t *testing.T) {
	in := RetryJob{
		CallID:      "call-1",
		Stage:       StageFormatter,
		Attempt:     3,
		AvailableAt: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out RetryJob
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.CallID != in.CallID || out.Stage != in.Stage || out.Attempt != in.Attempt || !out.AvailableAt.Equal(in.AvailableAt) {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}
