package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"lectureflow/internal/domain"
	fileutil "lectureflow/internal/file"
	"lectureflow/internal/index"
	"lectureflow/internal/progress"
	"lectureflow/internal/provider"
	"lectureflow/internal/qa"
	"lectureflow/internal/queue"
	"lectureflow/internal/results"
	"lectureflow/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// flight tracks a task that is queued or running. cancelled survives the
// queue wait so a job cancelled before dequeue never runs its stages.
type flight struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Manager accepts submissions, feeds the worker pool and answers queries
// about tasks.
type Manager struct {
	mu                sync.RWMutex
	inflight          map[string]*flight
	allowedExtensions map[string]struct{}
	maxUploadBytes    int64
	uploadsDir        string
	workers           int
	stopped           bool

	queue *queue.Queue
	pool  *worker.Pool
	deps  Deps
	newID func() string
}

// NewManager creates a manager; call Start to begin processing.
func NewManager(opts Options, deps Deps) *Manager {
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultWorkers
	}
	m := &Manager{
		inflight:          make(map[string]*flight),
		allowedExtensions: allowed,
		maxUploadBytes:    opts.MaxUploadBytes,
		uploadsDir:        opts.UploadsDir,
		workers:           opts.MaxWorkers,
		queue:             queue.New(),
		deps:              deps,
		newID:             uuid.NewString,
	}
	m.pool = worker.NewPool(m.queue, m.process)
	return m
}

// Start launches the worker pool. Workers stop when ctx is cancelled or Stop
// is called.
func (m *Manager) Start(ctx context.Context) {
	m.pool.Start(ctx, m.workers)
	log.Info().Int("workers", m.workers).Msg("task manager started")
}

// Stop refuses new submissions and lets the workers drain the queue. It
// waits until they exit or ctx is done and returns true if all finished.
func (m *Manager) Stop(ctx context.Context) bool {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.queue.Close()
	m.pool.Stop()
	return m.pool.Wait(ctx)
}

// Shutdown stops intake and drains the queue until ctx is done. Whatever is
// still queued or running is then cancelled, and workers get grace to record
// the cancellation, send callbacks and clean up. Returns true if all exited.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) bool {
	if m.Stop(ctx) {
		return true
	}
	n := m.cancelAll()
	log.Warn().Int("tasks", n).Dur("grace", grace).Msg("drain timed out, cancelling in-flight tasks")
	gctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return m.pool.Wait(gctx)
}

func (m *Manager) cancelAll() int {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.inflight))
	for _, f := range m.inflight {
		f.cancelled = true
		if f.cancel != nil {
			cancels = append(cancels, f.cancel)
		}
	}
	n := len(m.inflight)
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return n
}

// IsBusy reports whether every worker is occupied.
func (m *Manager) IsBusy() bool {
	return m.pool.Active() >= m.workers
}

// Stats returns queue depth and active worker count.
func (m *Manager) Stats() (queued, active int) {
	return m.queue.Len(), m.pool.Active()
}

// SubmitFile stores the upload and enqueues it.
func (m *Manager) SubmitFile(ctx context.Context, sub FileSubmission) (Submission, error) { //nolint:revive // context reserved for future use
	if sub.Body == nil || strings.TrimSpace(sub.Filename) == "" {
		return Submission{}, ErrNoSource
	}
	ext := strings.ToLower(filepath.Ext(sub.Filename))
	if !m.allowed(ext) {
		return Submission{}, NewErrExtNotAllowed(ext)
	}
	taskID, err := m.reserve(sub.TaskID)
	if err != nil {
		return Submission{}, err
	}

	body := sub.Body
	if m.maxUploadBytes > 0 {
		body = io.LimitReader(sub.Body, m.maxUploadBytes+1)
	}
	path, n, err := m.deps.Uploads.SaveUpload(taskID, sub.Filename, body)
	if err != nil {
		m.release(taskID)
		fileutil.RemoveQuiet(m.deps.Uploads.TaskDir(taskID))
		return Submission{}, fmt.Errorf("store upload: %w", err)
	}
	if m.maxUploadBytes > 0 && n > m.maxUploadBytes {
		m.release(taskID)
		fileutil.RemoveQuiet(m.deps.Uploads.TaskDir(taskID))
		return Submission{}, ErrUploadTooLarge
	}
	log.Info().Str("task_id", taskID).Str("file", filepath.Base(path)).Int64("bytes", n).Msg("upload stored")

	return m.enqueue(domain.Job{
		TaskID:        taskID,
		FilePath:      path,
		LectureID:     sub.LectureID,
		CallbackURL:   sub.CallbackURL,
		RemainingDays: sub.RemainingDays,
	})
}

// SubmitURL validates the URL and enqueues it; downloading happens in the
// worker.
func (m *Manager) SubmitURL(ctx context.Context, sub URLSubmission) (Submission, error) { //nolint:revive // context reserved for future use
	raw := strings.TrimSpace(sub.URL)
	if raw == "" {
		return Submission{}, ErrNoSource
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Submission{}, ErrInvalidURL
	}
	taskID, err := m.reserve(sub.TaskID)
	if err != nil {
		return Submission{}, err
	}
	return m.enqueue(domain.Job{
		TaskID:        taskID,
		URL:           raw,
		LectureID:     sub.LectureID,
		CallbackURL:   sub.CallbackURL,
		RemainingDays: sub.RemainingDays,
	})
}

func (m *Manager) enqueue(job domain.Job) (Submission, error) {
	if job.LectureID == "" {
		job.LectureID = domain.DefaultLectureID
	}
	job.RemainingDays = domain.ClampRemainingDays(job.RemainingDays)
	job.SubmittedAt = time.Now().UTC()

	rec := m.deps.Progress.Update(job.TaskID, domain.ProgressUpdate{
		Status:  domain.StatusQueued,
		Stage:   domain.StageQueued,
		Message: "queued for processing",
	})
	if err := m.queue.Submit(job); err != nil {
		m.release(job.TaskID)
		fileutil.RemoveQuiet(m.deps.Uploads.TaskDir(job.TaskID))
		m.deps.Progress.Update(job.TaskID, domain.ProgressUpdate{
			Status:    domain.StatusFailed,
			Stage:     domain.StageQueued,
			Message:   "not accepted: " + err.Error(),
			ErrorKind: domain.KindStorage,
		})
		return Submission{}, ErrManagerStopped
	}
	log.Info().Str("task_id", job.TaskID).Str("lecture_id", job.LectureID).Int("queued", m.queue.Len()).Msg("task queued")
	return Submission{TaskID: rec.TaskID, Status: rec.Status}, nil
}

// reserve validates or generates a task id and marks it in flight.
func (m *Manager) reserve(taskID string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = m.newID()
	} else if !taskIDPattern.MatchString(taskID) {
		return "", ErrInvalidTaskID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", ErrManagerStopped
	}
	if _, busy := m.inflight[taskID]; busy {
		return "", fmt.Errorf("%w: %s", ErrTaskInFlight, taskID)
	}
	m.inflight[taskID] = &flight{}
	return taskID, nil
}

func (m *Manager) release(taskID string) {
	m.mu.Lock()
	delete(m.inflight, taskID)
	m.mu.Unlock()
}

func (m *Manager) allowed(ext string) bool {
	_, ok := m.allowedExtensions[ext]
	return ok
}

// InFlight reports whether taskID is queued or running.
func (m *Manager) InFlight(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.inflight[taskID]
	return ok
}

// Cancel marks the task cancelled and interrupts its running stage.
func (m *Manager) Cancel(taskID string) (domain.ProgressRecord, error) {
	rec, err := m.deps.Progress.Cancel(taskID)
	if errors.Is(err, progress.ErrNotFound) {
		return domain.ProgressRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return domain.ProgressRecord{}, fmt.Errorf("cancel: %w", err)
	}
	m.mu.Lock()
	f, ok := m.inflight[taskID]
	var cancel context.CancelFunc
	if ok {
		f.cancelled = true
		cancel = f.cancel
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !ok && rec.Status == domain.StatusCancelled {
		// no run will write the terminal record, so arm the purge here
		rec = m.deps.Progress.Update(taskID, domain.ProgressUpdate{
			Status:    domain.StatusCancelled,
			Stage:     rec.Stage,
			Progress:  rec.Progress,
			Message:   rec.Message,
			ErrorKind: domain.KindCancelled,
		})
	}
	log.Info().Str("task_id", taskID).Str("status", string(rec.Status)).Msg("cancellation requested")
	return rec, nil
}

// Progress returns the current record of taskID.
func (m *Manager) Progress(taskID string) (domain.ProgressRecord, bool) {
	return m.deps.Progress.Get(taskID)
}

// AllProgress returns a snapshot of every tracked task.
func (m *Manager) AllProgress() map[string]domain.ProgressRecord {
	return m.deps.Progress.All()
}

// Result returns the persisted bundle of a completed task.
func (m *Manager) Result(ctx context.Context, taskID string) (domain.PipelineResult, error) {
	res, err := m.deps.Results.Load(ctx, taskID)
	if errors.Is(err, results.ErrNotFound) {
		return domain.PipelineResult{}, ErrResultNotFound
	}
	if err != nil {
		return domain.PipelineResult{}, fmt.Errorf("load result: %w", err)
	}
	return res, nil
}

// AudioPath returns the processed audio of taskID if it exists.
func (m *Manager) AudioPath(taskID string) (string, error) {
	if !taskIDPattern.MatchString(taskID) || m.deps.AudioPath == nil {
		return "", ErrTaskNotFound
	}
	path := m.deps.AudioPath(taskID)
	if !fileutil.Exists(path) {
		return "", ErrTaskNotFound
	}
	return path, nil
}

// Search queries the semantic index of taskID.
func (m *Manager) Search(ctx context.Context, taskID, query string, k int) ([]index.Hit, error) {
	if m.deps.Searcher == nil {
		return nil, ErrSearchDisabled
	}
	hits, err := m.deps.Searcher.Search(ctx, taskID, query, k)
	if errors.Is(err, index.ErrNotIndexed) {
		return nil, ErrTaskNotFound
	}
	return hits, err //nolint:wrapcheck
}

// Ask answers question from the index of taskID.
func (m *Manager) Ask(ctx context.Context, taskID, question string, tone provider.Tone) (qa.Answer, error) {
	if m.deps.Answerer == nil {
		return qa.Answer{}, ErrSearchDisabled
	}
	ans, err := m.deps.Answerer.Answer(ctx, taskID, question, tone)
	switch {
	case errors.Is(err, qa.ErrEmptyQuestion):
		return qa.Answer{}, ErrEmptyQuestion
	case errors.Is(err, index.ErrNotIndexed):
		return qa.Answer{}, ErrTaskNotFound
	}
	return ans, err //nolint:wrapcheck
}
