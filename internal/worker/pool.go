package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"lectureflow/internal/domain"
	"lectureflow/internal/queue"

	"github.com/rs/zerolog/log"
)

// Handler processes one job. Its error is logged; the worker keeps running.
type Handler func(ctx context.Context, job domain.Job) error

// Source is where workers take jobs from.
type Source interface {
	Take(ctx context.Context) (domain.Job, error)
	Poison()
}

// Pool is a fixed set of long-lived workers pulling from a Source.
type Pool struct {
	source  Source
	handler Handler

	mu      sync.Mutex
	started int
	wg      sync.WaitGroup

	active    atomic.Int32
	processed atomic.Int64
}

func NewPool(source Source, handler Handler) *Pool {
	return &Pool{source: source, handler: handler}
}

// Start spawns n workers. ctx bounds idle waiting on the source and is handed
// to the handler; cancelling it is a forced shutdown.
func (p *Pool) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	base := p.started
	p.started += n
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop(ctx, base+i)
	}
	log.Info().Int("workers", n).Msg("worker pool started")
}

// Stop enqueues one sentinel per started worker. In-flight jobs finish first.
func (p *Pool) Stop() {
	p.mu.Lock()
	n := p.started
	p.started = 0
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.source.Poison()
	}
	log.Info().Int("workers", n).Msg("worker pool stopping")
}

// Wait blocks until every worker exited or ctx is done. Returns true if all
// workers finished.
func (p *Pool) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Active is the number of jobs being handled right now.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Processed is the number of jobs handled since start, failed ones included.
func (p *Pool) Processed() int64 { return p.processed.Load() }

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := log.With().Int("worker", id).Logger()
	for {
		job, err := p.source.Take(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				logger.Error().Err(err).Msg("take job failed")
			}
			return
		}
		if job.IsPoison() {
			logger.Debug().Msg("worker exiting")
			return
		}
		if err := p.run(ctx, job); err != nil {
			logger.Error().Str("task_id", job.TaskID).Err(err).Msg("job failed")
		}
	}
}

func (p *Pool) run(ctx context.Context, job domain.Job) (err error) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.processed.Add(1)
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

var _ Source = (*queue.Queue)(nil)
