package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lectureflow/internal/domain"
	"lectureflow/internal/media"
	"lectureflow/internal/progress"
	"lectureflow/internal/results"
)

type testEnv struct {
	root     string
	progress *progress.Store
	uploads  *media.Acquirer
	results  results.Store
}

func newTestManager(t *testing.T, run Runner, workers int, opts ...progress.Option) (*Manager, *testEnv) {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		root:     root,
		progress: progress.NewStore(opts...),
		uploads:  media.NewAcquirer(media.Options{UploadsDir: filepath.Join(root, "uploads")}, nil),
		results:  results.NewFileStore(root),
	}
	t.Cleanup(env.progress.Close)
	m := NewManager(Options{
		UploadsDir:        filepath.Join(root, "uploads"),
		AllowedExtensions: []string{".mp4", "mp3", ".PDF"},
		MaxWorkers:        workers,
		MaxUploadBytes:    1024,
	}, Deps{
		Progress:  env.progress,
		Uploads:   env.uploads,
		Results:   env.results,
		Run:       run,
		AudioPath: func(id string) string { return filepath.Join(root, "processed", id, id+".mp3") },
	})
	return m, env
}

// completeRunner marks every job completed.
func completeRunner(store *progress.Store) Runner {
	return func(_ context.Context, job domain.Job) error {
		store.Update(job.TaskID, domain.ProgressUpdate{Status: domain.StatusCompleted, Stage: domain.StageDone, Progress: 100})
		return nil
	}
}

func waitForStatus(t *testing.T, m *Manager, taskID string, want domain.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := m.Progress(taskID); ok && rec.Status == want && !m.InFlight(taskID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := m.Progress(taskID)
	t.Fatalf("timeout waiting for %s to reach %s, last record %+v", taskID, want, rec)
}

func TestSubmitValidationErrors(t *testing.T) {
	m, _ := newTestManager(t, nil, 1)
	ctx := context.Background()

	if _, err := m.SubmitFile(ctx, FileSubmission{Filename: "a.mp4"}); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
	_, err := m.SubmitFile(ctx, FileSubmission{Filename: "a.exe", Body: strings.NewReader("x")})
	if !errors.Is(err, ErrExtNotAllowed) || !strings.Contains(err.Error(), ".exe") {
		t.Fatalf("expected extension not allowed for .exe, got %v", err)
	}
	if _, err := m.SubmitURL(ctx, URLSubmission{}); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
	if _, err := m.SubmitURL(ctx, URLSubmission{URL: "ftp://e.org/a.mp4"}); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
	if _, err := m.SubmitURL(ctx, URLSubmission{TaskID: "../etc", URL: "https://e.org/a.mp4"}); !errors.Is(err, ErrInvalidTaskID) {
		t.Fatalf("expected ErrInvalidTaskID, got %v", err)
	}
}

func TestSubmitFileQueuesAndNormalizes(t *testing.T) {
	m, env := newTestManager(t, nil, 1)

	sub, err := m.SubmitFile(context.Background(), FileSubmission{Filename: "Lecture.PDF", Body: strings.NewReader("%PDF")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Status != domain.StatusQueued || sub.TaskID == "" {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if _, err := os.Stat(filepath.Join(env.uploads.TaskDir(sub.TaskID), "Lecture.PDF")); err != nil {
		t.Fatalf("upload not stored: %v", err)
	}
	rec, ok := m.Progress(sub.TaskID)
	if !ok || rec.Status != domain.StatusQueued || rec.Stage != domain.StageQueued {
		t.Fatalf("expected queued record, got %+v ok=%v", rec, ok)
	}
	if queued, _ := m.Stats(); queued != 1 {
		t.Fatalf("expected 1 queued job, got %d", queued)
	}
}

func TestSubmitFileTooLarge(t *testing.T) {
	m, env := newTestManager(t, nil, 1)
	_, err := m.SubmitFile(context.Background(), FileSubmission{
		TaskID: "big", Filename: "a.mp4", Body: strings.NewReader(strings.Repeat("x", 2048)),
	})
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("expected ErrUploadTooLarge, got %v", err)
	}
	if _, err := os.Stat(env.uploads.TaskDir("big")); !os.IsNotExist(err) {
		t.Fatalf("oversized upload should be removed, stat err=%v", err)
	}
	if m.InFlight("big") {
		t.Fatalf("rejected task id must be released")
	}
}

func TestDuplicateInFlightTaskRejected(t *testing.T) {
	m, _ := newTestManager(t, nil, 1)
	ctx := context.Background()

	if _, err := m.SubmitURL(ctx, URLSubmission{TaskID: "dup", URL: "https://e.org/a.mp4"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := m.SubmitURL(ctx, URLSubmission{TaskID: "dup", URL: "https://e.org/b.mp4"})
	if !errors.Is(err, ErrTaskInFlight) {
		t.Fatalf("expected ErrTaskInFlight, got %v", err)
	}
}

func TestGeneratedTaskIDsAreUnique(t *testing.T) {
	m, _ := newTestManager(t, nil, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := m.SubmitURL(context.Background(), URLSubmission{URL: "https://e.org/a.mp4"})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			mu.Lock()
			seen[sub.TaskID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Fatalf("expected 50 unique ids, got %d", len(seen))
	}
}

func TestProcessingFlowReleasesTaskID(t *testing.T) {
	var env *testEnv
	jobs := make(chan domain.Job, 2)
	run := func(ctx context.Context, job domain.Job) error {
		jobs <- job
		return completeRunner(env.progress)(ctx, job)
	}
	m, env := newTestManager(t, run, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	sub, err := m.SubmitURL(ctx, URLSubmission{TaskID: "t1", URL: "https://e.org/a.mp4"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, m, sub.TaskID, domain.StatusCompleted)

	job := <-jobs
	if job.LectureID != domain.DefaultLectureID || job.RemainingDays != domain.DefaultRemainingDays {
		t.Fatalf("defaults not applied: %+v", job)
	}
	if _, err := m.SubmitURL(ctx, URLSubmission{TaskID: "t1", URL: "https://e.org/a.mp4"}); err != nil {
		t.Fatalf("finished task id should be reusable: %v", err)
	}
	if !m.Stop(context.Background()) {
		t.Fatalf("expected workers to finish")
	}
}

func TestIsBusyAndConcurrencyCeiling(t *testing.T) {
	const workers, jobs = 3, 12
	var running, peak atomic.Int32
	blocker := make(chan struct{})
	var done sync.WaitGroup
	done.Add(jobs)
	run := func(ctx context.Context, job domain.Job) error {
		defer done.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-blocker
		running.Add(-1)
		return nil
	}
	m, _ := newTestManager(t, run, workers)
	m.Start(context.Background())

	for i := 0; i < jobs; i++ {
		if _, err := m.SubmitURL(context.Background(), URLSubmission{URL: "https://e.org/a.mp4"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for !m.IsBusy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.IsBusy() {
		t.Fatalf("expected manager to be busy while processing")
	}
	close(blocker)
	done.Wait()

	if got := peak.Load(); got > workers {
		t.Fatalf("peak concurrency %d exceeds %d workers", got, workers)
	}
	if !m.Stop(context.Background()) {
		t.Fatalf("expected workers to finish")
	}
	if _, err := m.SubmitURL(context.Background(), URLSubmission{URL: "https://e.org/a.mp4"}); !errors.Is(err, ErrManagerStopped) {
		t.Fatalf("expected ErrManagerStopped after Stop, got %v", err)
	}
}

func TestCancelInterruptsRunningTask(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	run := func(ctx context.Context, job domain.Job) error {
		close(started)
		<-ctx.Done()
		err := &domain.StageError{Stage: domain.StageTranscribe, Kind: domain.KindCancelled, Err: domain.ErrCancelled}
		finished <- err
		return err
	}
	m, _ := newTestManager(t, run, 1)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	if _, err := m.Cancel("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := m.SubmitURL(context.Background(), URLSubmission{TaskID: "c1", URL: "https://e.org/a.mp4"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	rec, err := m.Cancel("c1")
	if err != nil || rec.Status != domain.StatusCancelled {
		t.Fatalf("cancel: rec=%+v err=%v", rec, err)
	}
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("running task did not observe cancellation")
	}
}

func TestCancelWhileQueuedOutlivesRetention(t *testing.T) {
	release := make(chan struct{})
	sawCancel := make(chan bool, 1)
	var env *testEnv
	run := func(ctx context.Context, job domain.Job) error {
		if job.TaskID == "blocker" {
			<-release
			return nil
		}
		sawCancel <- ctx.Err() != nil && env.progress.Cancelled(job.TaskID)
		return &domain.StageError{Stage: domain.StageAcquire, Kind: domain.KindCancelled, Err: domain.ErrCancelled}
	}
	m, e := newTestManager(t, run, 1, progress.WithRetention(50*time.Millisecond))
	env = e
	m.Start(context.Background())
	defer m.Stop(context.Background())

	for _, id := range []string{"blocker", "queued"} {
		if _, err := m.SubmitURL(context.Background(), URLSubmission{TaskID: id, URL: "https://e.org/a.mp4"}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if _, err := m.Cancel("queued"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	rec, ok := m.Progress("queued")
	if !ok || rec.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled record to stay while queued, got %+v ok=%v", rec, ok)
	}
	if !m.InFlight("queued") {
		t.Fatalf("expected queued task still in flight")
	}

	close(release)
	select {
	case cancelled := <-sawCancel:
		if !cancelled {
			t.Fatalf("dequeued task ran without seeing its cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued task never reached the runner")
	}
}

func TestCancelWithoutRunArmsPurge(t *testing.T) {
	m, env := newTestManager(t, nil, 1, progress.WithRetention(20*time.Millisecond))
	env.progress.Update("orphan", domain.ProgressUpdate{Status: domain.StatusProcessing, Stage: domain.StageTranscribe, Progress: 80})

	rec, err := m.Cancel("orphan")
	if err != nil || rec.Status != domain.StatusCancelled {
		t.Fatalf("cancel: rec=%+v err=%v", rec, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Progress("orphan"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected orphan record purged after retention")
}

func TestShutdownCancelsAndWaitsForCleanup(t *testing.T) {
	var cleaned atomic.Int32
	var sawCancel atomic.Int32
	started := make(chan struct{}, 1)
	run := func(ctx context.Context, job domain.Job) error {
		if job.TaskID == "running" {
			started <- struct{}{}
		}
		<-ctx.Done()
		sawCancel.Add(1)
		time.Sleep(30 * time.Millisecond)
		cleaned.Add(1)
		return &domain.StageError{Stage: domain.StageTranscribe, Kind: domain.KindCancelled, Err: domain.ErrCancelled}
	}
	m, _ := newTestManager(t, run, 1)
	m.Start(context.Background())
	for _, id := range []string{"running", "waiting"} {
		if _, err := m.SubmitURL(context.Background(), URLSubmission{TaskID: id, URL: "https://e.org/a.mp4"}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if !m.Shutdown(ctx, 2*time.Second) {
		t.Fatalf("expected workers to exit within the grace period")
	}
	if got := cleaned.Load(); got != 2 {
		t.Fatalf("expected both tasks to finish cleanup before Shutdown returned, got %d", got)
	}
	if got := sawCancel.Load(); got != 2 {
		t.Fatalf("expected both tasks to observe cancellation, got %d", got)
	}
	if m.InFlight("running") || m.InFlight("waiting") {
		t.Fatalf("expected no task left in flight")
	}
}

func TestRecoverStale(t *testing.T) {
	m, env := newTestManager(t, nil, 1)
	for _, id := range []string{"interrupted", "finished"} {
		if err := os.MkdirAll(env.uploads.TaskDir(id), 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := env.results.Save(context.Background(), domain.PipelineResult{TaskID: "finished", Status: domain.StatusCompleted}); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := m.RecoverStale(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 recovered task, got %d err=%v", n, err)
	}
	if rec, ok := m.Progress("interrupted"); !ok || rec.Status != domain.StatusFailed {
		t.Fatalf("expected interrupted task failed, got %+v ok=%v", rec, ok)
	}
	if _, ok := m.Progress("finished"); ok {
		t.Fatalf("finished task should not get a progress record")
	}
	for _, id := range []string{"interrupted", "finished"} {
		if _, err := os.Stat(env.uploads.TaskDir(id)); !os.IsNotExist(err) {
			t.Fatalf("stale upload dir %s should be removed", id)
		}
	}
	if err := os.RemoveAll(filepath.Join(env.root, "uploads")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, err := m.RecoverStale(context.Background()); err != nil || n != 0 {
		t.Fatalf("missing uploads root should be a no-op, got %d %v", n, err)
	}
}

func TestResultAndAudioLookup(t *testing.T) {
	m, env := newTestManager(t, nil, 1)
	ctx := context.Background()

	if _, err := m.Result(ctx, "r1"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
	if err := env.results.Save(ctx, domain.PipelineResult{TaskID: "r1", Summary: "s"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if res, err := m.Result(ctx, "r1"); err != nil || res.Summary != "s" {
		t.Fatalf("result: %+v %v", res, err)
	}

	if _, err := m.AudioPath("r1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	audio := filepath.Join(env.root, "processed", "r1", "r1.mp3")
	if err := os.MkdirAll(filepath.Dir(audio), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(audio, []byte("mp3"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := m.AudioPath("r1"); err != nil || got != audio {
		t.Fatalf("audio path: %q %v", got, err)
	}
	if _, err := m.Search(ctx, "r1", "q", 1); !errors.Is(err, ErrSearchDisabled) {
		t.Fatalf("expected ErrSearchDisabled, got %v", err)
	}
}
