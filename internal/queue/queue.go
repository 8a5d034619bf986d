package queue

import (
	"context"
	"errors"
	"sync"

	"lectureflow/internal/domain"

	"github.com/rs/zerolog/log"
)

var ErrQueueClosed = errors.New("task queue is closed")

// Queue is an unbounded FIFO of pending jobs. Submit never blocks; Take
// blocks until a job is available or ctx is done.
type Queue struct {
	mu     sync.Mutex
	items  []domain.Job
	notify chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Submit appends job to the tail of the queue.
func (q *Queue) Submit(job domain.Job) error {
	q.mu.Lock()
	if q.closed && !job.IsPoison() {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, job)
	depth := len(q.items)
	q.mu.Unlock()

	q.signal()
	if !job.IsPoison() {
		log.Debug().Str("task_id", job.TaskID).Int("queue_len", depth).Msg("job enqueued")
	}
	return nil
}

// Poison enqueues one shutdown sentinel. Accepted even after Close.
func (q *Queue) Poison() {
	_ = q.Submit(domain.PoisonJob())
}

// Close rejects further submissions. Queued jobs can still be taken.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Take removes and returns the head of the queue.
func (q *Queue) Take(ctx context.Context) (domain.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = domain.Job{}
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			// pass the wake-up on to the next waiter
			if remaining > 0 {
				q.signal()
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len is the number of jobs waiting, sentinels included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Contains reports whether a non-sentinel job for taskID is waiting.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.items {
		if !j.IsPoison() && j.TaskID == taskID {
			return true
		}
	}
	return false
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
