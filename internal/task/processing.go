package task

import (
	"context"
	"errors"

	"lectureflow/internal/domain"

	"github.com/rs/zerolog/log"
)

// process is the worker handler. It gives the job a cancellable context that
// Cancel can reach and releases the task id when the run ends.
func (m *Manager) process(ctx context.Context, job domain.Job) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	f, ok := m.inflight[job.TaskID]
	if !ok {
		f = &flight{}
		m.inflight[job.TaskID] = f
	}
	f.cancel = cancel
	cancelled := f.cancelled
	m.mu.Unlock()
	defer m.release(job.TaskID)
	if cancelled {
		cancel()
		log.Info().Str("task_id", job.TaskID).Msg("task cancelled while queued")
	}

	if m.deps.Run == nil {
		return errors.New("no pipeline runner configured")
	}
	err := m.deps.Run(taskCtx, job)
	if err != nil && domain.KindOf(err) == domain.KindCancelled {
		log.Info().Str("task_id", job.TaskID).Msg("task cancelled")
		return nil
	}
	return err
}
