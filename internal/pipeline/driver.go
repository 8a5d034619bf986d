// Package pipeline runs one lecture task through its stages: acquisition,
// audio preparation or document extraction, transcription, generation and
// indexing. It owns terminal status writes, callbacks and upload cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lectureflow/internal/audio"
	"lectureflow/internal/document"
	"lectureflow/internal/domain"
	fileutil "lectureflow/internal/file"
	"lectureflow/internal/media"
	"lectureflow/internal/provider"

	"github.com/rs/zerolog/log"
)

// ProgressSink receives stage updates. *progress.Store satisfies it.
type ProgressSink interface {
	Update(taskID string, u domain.ProgressUpdate) domain.ProgressRecord
	Cancelled(taskID string) bool
}

type Acquirer interface {
	Resolve(ctx context.Context, taskID, rawURL string, report media.Progress) (string, error)
	TaskDir(taskID string) string
}

type AudioPreparer interface {
	Extract(ctx context.Context, taskID, sourcePath string) (string, error)
	Prepare(ctx context.Context, taskID, audioPath string, report audio.Progress) (domain.AudioPreparation, error)
}

type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

type Indexer interface {
	Index(ctx context.Context, taskID, text string) (int, error)
}

type ResultSaver interface {
	Save(ctx context.Context, res domain.PipelineResult) error
}

// Notifier delivers callback payloads; it never fails the task.
type Notifier interface {
	Deliver(ctx context.Context, url string, payload any) bool
}

// Timeouts bound each kind of external call. Zero means no extra bound.
type Timeouts struct {
	Download  time.Duration
	Transcode time.Duration
	Provider  time.Duration
	Callback  time.Duration
}

type Config struct {
	// TranscriptDir receives <task_id>.txt, the retrieval input.
	TranscriptDir string
	Timeouts      Timeouts
}

// Deps are the collaborators of the driver. Indexer may be nil.
type Deps struct {
	Progress    ProgressSink
	Acquirer    Acquirer
	Audio       AudioPreparer
	Documents   TextExtractor
	Transcriber provider.Transcriber
	Generator   provider.Generator
	Indexer     Indexer
	Results     ResultSaver
	Callbacks   Notifier
}

type Driver struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func New(cfg Config, deps Deps) *Driver {
	if cfg.TranscriptDir == "" {
		cfg.TranscriptDir = "data"
	}
	return &Driver{cfg: cfg, deps: deps, now: time.Now}
}

// Handle adapts Run to the worker handler signature.
func (d *Driver) Handle(ctx context.Context, job domain.Job) error {
	_, err := d.Run(ctx, job)
	return err
}

// Run processes job to a terminal state. On failure the record is marked
// failed or cancelled, an error callback is sent and the upload directory is
// removed before the error is returned.
func (d *Driver) Run(ctx context.Context, job domain.Job) (domain.PipelineResult, error) {
	if job.LectureID == "" {
		job.LectureID = domain.DefaultLectureID
	}
	job.RemainingDays = domain.ClampRemainingDays(job.RemainingDays)
	rep := newReporter(d.deps.Progress, job.TaskID)
	started := d.now()
	log.Info().Str("task_id", job.TaskID).Str("lecture_id", job.LectureID).Msg("pipeline started")

	res, err := d.run(ctx, job, rep)
	if err != nil {
		return domain.PipelineResult{}, d.fail(ctx, job, rep, err)
	}

	rep.finish(domain.ProgressUpdate{
		Status:   domain.StatusCompleted,
		Stage:    domain.StageDone,
		Progress: 100,
		Message:  "processing completed",
		Result:   bundleMap(res),
	})
	d.deliver(ctx, job.TaskID, job.CallbackURL, res)
	fileutil.RemoveQuiet(d.deps.Acquirer.TaskDir(job.TaskID))
	log.Info().Str("task_id", job.TaskID).Dur("elapsed", d.now().Sub(started)).Bool("indexed", res.Indexed).Msg("pipeline completed")
	return res, nil
}

func (d *Driver) run(ctx context.Context, job domain.Job, rep *reporter) (domain.PipelineResult, error) {
	source, err := d.acquire(ctx, job, rep)
	if err != nil {
		return domain.PipelineResult{}, err
	}

	res := domain.PipelineResult{
		TaskID:        job.TaskID,
		LectureID:     job.LectureID,
		RemainingDays: job.RemainingDays,
	}
	if document.IsDocument(source) {
		res.SourceKind = domain.SourceDocument
		res.Transcript, err = d.extractDocument(ctx, job.TaskID, source, rep)
	} else {
		res.SourceKind = domain.SourceAudio
		res.Transcript, err = d.transcribeMedia(ctx, job.TaskID, source, rep)
	}
	if err != nil {
		return domain.PipelineResult{}, err
	}
	if err := d.writeTranscript(job.TaskID, res.Transcript); err != nil {
		return domain.PipelineResult{}, err
	}

	if err := d.generate(ctx, job, &res, rep); err != nil {
		return domain.PipelineResult{}, err
	}
	if err := d.index(ctx, job.TaskID, &res, rep); err != nil {
		return domain.PipelineResult{}, err
	}

	res.Status = domain.StatusCompleted
	res.Message = "processing completed"
	res.CompletedAt = d.now().UTC()
	if err := d.deps.Results.Save(ctx, res); err != nil {
		return domain.PipelineResult{}, domain.NewStageError(domain.StageDone, domain.KindStorage, err)
	}
	return res, nil
}

func (d *Driver) acquire(ctx context.Context, job domain.Job, rep *reporter) (string, error) {
	if err := d.checkpoint(ctx, job.TaskID, domain.StageAcquire); err != nil {
		return "", err
	}
	if job.URL != "" {
		rep.step(domain.StageAcquire, 10, "acquiring source")
		dctx, cancel := withTimeout(ctx, d.cfg.Timeouts.Download)
		defer cancel()
		path, err := d.deps.Acquirer.Resolve(media.WithHTTPTimeout(dctx, d.cfg.Timeouts.Download), job.TaskID, job.URL,
			func(pct float64, msg string) { rep.step(domain.StageAcquire, pct, msg) })
		if err != nil {
			return "", domain.NewStageError(domain.StageAcquire, domain.KindAcquisition, err)
		}
		return path, nil
	}
	if job.FilePath == "" {
		return "", domain.NewStageError(domain.StageAcquire, domain.KindAcquisition, errors.New("job has neither file nor url"))
	}
	if _, err := os.Stat(job.FilePath); err != nil {
		return "", domain.NewStageError(domain.StageAcquire, domain.KindAcquisition, fmt.Errorf("source file: %w", err))
	}
	rep.step(domain.StageAcquire, 40, "upload received, starting conversion")
	return job.FilePath, nil
}

func (d *Driver) extractDocument(ctx context.Context, taskID, source string, rep *reporter) (string, error) {
	if err := d.checkpoint(ctx, taskID, domain.StageExtractText); err != nil {
		return "", err
	}
	rep.step(domain.StageExtractText, 45, "extracting document text")
	tctx, cancel := withTimeout(ctx, d.cfg.Timeouts.Transcode)
	defer cancel()
	text, err := d.deps.Documents.ExtractText(tctx, source)
	if err != nil {
		return "", domain.NewStageError(domain.StageExtractText, domain.KindDocument, err)
	}
	rep.step(domain.StageExtractText, 70, fmt.Sprintf("extracted %d characters", len([]rune(text))))
	return text, nil
}

func (d *Driver) transcribeMedia(ctx context.Context, taskID, source string, rep *reporter) (string, error) {
	if err := d.checkpoint(ctx, taskID, domain.StageExtractAudio); err != nil {
		return "", err
	}
	rep.step(domain.StageExtractAudio, 45, "extracting audio")
	tctx, cancel := withTimeout(ctx, d.cfg.Timeouts.Transcode)
	audioPath, err := d.deps.Audio.Extract(tctx, taskID, source)
	cancel()
	if err != nil {
		return "", domain.NewStageError(domain.StageExtractAudio, domain.KindTranscode, err)
	}
	rep.step(domain.StageExtractAudio, 70, "audio extracted")

	if err := d.checkpoint(ctx, taskID, domain.StagePrepareAudio); err != nil {
		return "", err
	}
	rep.step(domain.StagePrepareAudio, 75, "preparing audio for transcription")
	tctx, cancel = withTimeout(ctx, d.cfg.Timeouts.Transcode)
	prep, err := d.deps.Audio.Prepare(tctx, taskID, audioPath,
		func(stage domain.Stage, pct float64, msg string) { rep.step(stage, pct, msg) })
	cancel()
	if err != nil {
		return "", domain.NewStageError(domain.StagePrepareAudio, domain.KindChunking, err)
	}
	rep.step(domain.StagePrepareAudio, 77, fmt.Sprintf("audio ready (%d part(s))", prep.Count()))

	text, err := d.transcribe(ctx, taskID, prep, rep)
	if err != nil {
		return "", err
	}
	rep.step(domain.StageTranscribe, 90, "transcription completed")
	return text, nil
}

// transcribe runs the transcriber over the prepared audio. Chunks are
// transcribed in order, each chunk file is deleted once used and the chunk
// directory is removed when the loop ends.
func (d *Driver) transcribe(ctx context.Context, taskID string, prep domain.AudioPreparation, rep *reporter) (string, error) {
	if !prep.Chunked {
		if err := d.checkpoint(ctx, taskID, domain.StageTranscribe); err != nil {
			return "", err
		}
		rep.step(domain.StageTranscribe, 80, "transcribing audio")
		text, err := d.transcribeOne(ctx, prep.AudioPath)
		if err != nil {
			return "", domain.NewStageError(domain.StageTranscribe, domain.KindProvider, err)
		}
		return text, nil
	}

	defer fileutil.RemoveQuiet(prep.ChunkDir)
	total := len(prep.ChunkPaths)
	parts := make([]string, 0, total)
	for i, chunk := range prep.ChunkPaths {
		if err := d.checkpoint(ctx, taskID, domain.StageTranscribe); err != nil {
			return "", err
		}
		text, err := d.transcribeOne(ctx, chunk)
		if err != nil {
			return "", domain.NewStageError(domain.StageTranscribe, domain.KindProvider,
				fmt.Errorf("chunk %d of %d: %w", i+1, total, err))
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
		fileutil.RemoveQuiet(chunk)
		rep.step(domain.StageTranscribe, 77+float64(i+1)/float64(total)*13,
			fmt.Sprintf("transcribed chunk %d of %d", i+1, total))
	}
	return strings.Join(parts, " "), nil
}

func (d *Driver) transcribeOne(ctx context.Context, path string) (string, error) {
	pctx, cancel := withTimeout(ctx, d.cfg.Timeouts.Provider)
	defer cancel()
	return d.deps.Transcriber.Transcribe(pctx, path) //nolint:wrapcheck
}

func (d *Driver) writeTranscript(taskID, text string) error {
	path := filepath.Join(d.cfg.TranscriptDir, taskID+".txt")
	if _, err := fileutil.CopyAtomic(path, strings.NewReader(text)); err != nil {
		return domain.NewStageError(domain.StageTranscribe, domain.KindStorage, err)
	}
	return nil
}

// generate produces the summary from the transcript, then quiz and plan from
// the summary.
func (d *Driver) generate(ctx context.Context, job domain.Job, res *domain.PipelineResult, rep *reporter) error {
	var err error
	if err = d.checkpoint(ctx, job.TaskID, domain.StageSummarize); err != nil {
		return err
	}
	rep.step(domain.StageSummarize, 91, "generating summary")
	if res.Summary, err = d.generateOne(ctx, provider.KindSummary, res.Transcript, provider.Options{}); err != nil {
		return domain.NewStageError(domain.StageSummarize, domain.KindProvider, err)
	}
	rep.step(domain.StageSummarize, 92, "summary generated")

	if err = d.checkpoint(ctx, job.TaskID, domain.StageQuiz); err != nil {
		return err
	}
	rep.step(domain.StageQuiz, 96, "generating quiz")
	if res.Quiz, err = d.generateOne(ctx, provider.KindQuiz, res.Summary, provider.Options{}); err != nil {
		return domain.NewStageError(domain.StageQuiz, domain.KindProvider, err)
	}
	rep.attach(domain.StageQuiz, 97, "quiz generated", map[string]any{"quiz": res.Quiz})

	if err = d.checkpoint(ctx, job.TaskID, domain.StagePlan); err != nil {
		return err
	}
	rep.step(domain.StagePlan, 98, "generating study plan")
	opts := provider.Options{Days: job.RemainingDays}
	if res.StudyPlan, err = d.generateOne(ctx, provider.KindPlan, res.Summary, opts); err != nil {
		return domain.NewStageError(domain.StagePlan, domain.KindProvider, err)
	}
	rep.attach(domain.StagePlan, 99, "study plan generated",
		map[string]any{"plan": res.StudyPlan, "days": job.RemainingDays})
	return nil
}

func (d *Driver) generateOne(ctx context.Context, kind provider.Kind, input string, opts provider.Options) (string, error) {
	pctx, cancel := withTimeout(ctx, d.cfg.Timeouts.Provider)
	defer cancel()
	return d.deps.Generator.Generate(pctx, kind, input, opts) //nolint:wrapcheck
}

// index never fails the task; the outcome is recorded on res.
func (d *Driver) index(ctx context.Context, taskID string, res *domain.PipelineResult, rep *reporter) error {
	if err := d.checkpoint(ctx, taskID, domain.StageIndex); err != nil {
		return err
	}
	if d.deps.Indexer == nil {
		res.IndexError = "indexer not configured"
		res.IndexErrKind = domain.KindIndex
		return nil
	}
	rep.step(domain.StageIndex, 99, "indexing lecture text")
	pctx, cancel := withTimeout(ctx, d.cfg.Timeouts.Provider)
	defer cancel()
	n, err := d.deps.Indexer.Index(pctx, taskID, res.Transcript)
	if err != nil {
		if ctx.Err() != nil || d.deps.Progress.Cancelled(taskID) {
			return d.checkpoint(ctx, taskID, domain.StageIndex)
		}
		res.IndexError = err.Error()
		res.IndexErrKind = domain.KindIndex
		log.Warn().Str("task_id", taskID).Str("stage", string(domain.StageIndex)).Str("error_kind", string(domain.KindIndex)).Err(err).Msg("indexing failed, continuing")
		return nil
	}
	res.Indexed = true
	log.Debug().Str("task_id", taskID).Int("passages", n).Msg("index stored")
	return nil
}

// checkpoint returns a cancelled stage error when the task was cancelled or
// its context is done.
func (d *Driver) checkpoint(ctx context.Context, taskID string, stage domain.Stage) error {
	if d.deps.Progress.Cancelled(taskID) {
		return &domain.StageError{Stage: stage, Kind: domain.KindCancelled, Err: domain.ErrCancelled}
	}
	if err := ctx.Err(); err != nil {
		return &domain.StageError{Stage: stage, Kind: domain.KindCancelled, Err: fmt.Errorf("%w: %w", domain.ErrCancelled, err)}
	}
	return nil
}

func (d *Driver) fail(ctx context.Context, job domain.Job, rep *reporter, err error) error {
	kind := domain.KindOf(err)
	if kind != domain.KindCancelled && d.deps.Progress.Cancelled(job.TaskID) {
		kind = domain.KindCancelled
		err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	status, callbackStatus := domain.StatusFailed, "error"
	message := "processing failed: " + err.Error()
	if kind == domain.KindCancelled {
		status, callbackStatus = domain.StatusCancelled, string(domain.StatusCancelled)
		message = "processing cancelled: " + err.Error()
	}

	rep.finish(domain.ProgressUpdate{
		Status:    status,
		Stage:     rep.currentStage(),
		Progress:  rep.current(),
		Message:   message,
		ErrorKind: kind,
	})
	log.Error().Str("task_id", job.TaskID).Str("stage", string(rep.currentStage())).Str("error_kind", string(kind)).Err(err).Msg("pipeline failed")

	d.deliver(ctx, job.TaskID, job.CallbackURL, map[string]any{
		"task_id":    job.TaskID,
		"lecture_id": job.LectureID,
		"status":     callbackStatus,
		"message":    message,
		"error_kind": kind,
	})
	fileutil.RemoveQuiet(d.deps.Acquirer.TaskDir(job.TaskID))
	return err
}

// deliver sends a callback even when the task context is already cancelled.
// A failed delivery never changes the task outcome.
func (d *Driver) deliver(ctx context.Context, taskID, url string, payload any) {
	if d.deps.Callbacks == nil {
		return
	}
	cctx, cancel := withTimeout(context.WithoutCancel(ctx), d.cfg.Timeouts.Callback)
	defer cancel()
	if !d.deps.Callbacks.Deliver(cctx, url, payload) {
		log.Warn().Str("task_id", taskID).Str("error_kind", string(domain.KindCallback)).Msg("callback not delivered")
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
