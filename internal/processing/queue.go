package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devalimohamed/somali-transcriber/pkg/utils"
)

// RetryQueue is a delay queue of retry jobs. A job becomes visible once its
// AvailableAt has passed; jobs are delivered lowest-AvailableAt first and
// each job is claimed by at most one poller.
type RetryQueue interface {
	Enqueue(ctx context.Context, job RetryJob) error
	PollReadyJob(ctx context.Context, now time.Time) (RetryJob, bool, error)
}

// RedisQueue stores jobs in a sorted set scored by AvailableAt epoch millis.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job RetryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	err = q.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(job.AvailableAt.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) PollReadyJob(ctx context.Context, now time.Time) (RetryJob, bool, error) {
	member, ok, err := utils.ClaimLowestReady(ctx, q.rdb, q.key, now.UnixMilli())
	if err != nil {
		return RetryJob{}, false, fmt.Errorf("queue: poll: %w", err)
	}
	if !ok {
		return RetryJob{}, false, nil
	}
	var job RetryJob
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return RetryJob{}, false, fmt.Errorf("queue: decode job: %w", err)
	}
	return job, true, nil
}

// MemoryQueue backs tests and local development. Claim semantics match
// RedisQueue: ready jobs only, lowest AvailableAt first, at most one claim
// per job.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []RetryJob
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job RetryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	// Stable so jobs with equal AvailableAt keep insertion order.
	sort.SliceStable(q.jobs, func(i, j int) bool {
		return q.jobs[i].AvailableAt.Before(q.jobs[j].AvailableAt)
	})
	return nil
}

func (q *MemoryQueue) PollReadyJob(ctx context.Context, now time.Time) (RetryJob, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return RetryJob{}, false, nil
	}
	head := q.jobs[0]
	if head.AvailableAt.After(now) {
		return RetryJob{}, false, nil
	}
	q.jobs = q.jobs[1:]
	return head, true, nil
}

// Len reports pending jobs, ready or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
