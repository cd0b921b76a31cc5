package processing

import (
	"context"
	"log/slog"
	"time"
)

// JobProcessor executes one claimed retry job.
type JobProcessor interface {
	ProcessRetryJob(ctx context.Context, job RetryJob) error
}

// Worker drains the retry queue on a fixed interval. Each tick claims up to
// batch ready jobs; a failing job is logged and never stalls the drain.
type Worker struct {
	queue     RetryQueue
	processor JobProcessor
	log       *slog.Logger
	interval  time.Duration
	batch     int
	clock     func() time.Time
}

func NewWorker(queue RetryQueue, processor JobProcessor, log *slog.Logger, interval time.Duration, batch int) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 5
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		log:       log,
		interval:  interval,
		batch:     batch,
		clock:     time.Now,
	}
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("retry worker started", "interval", w.interval.String(), "batch", w.batch)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("retry worker stopped")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	for i := 0; i < w.batch; i++ {
		job, ok, err := w.queue.PollReadyJob(ctx, w.clock())
		if err != nil {
			w.log.Error("retry queue poll failed", "error", err)
			return
		}
		if !ok {
			return
		}
		if err := w.processor.ProcessRetryJob(ctx, job); err != nil {
			w.log.Error("retry job failed",
				"call_id", job.CallID, "stage", string(job.Stage), "attempt", job.Attempt, "error", err)
		}
	}
}
