package task

import (
	"context"
	"io"

	"lectureflow/internal/domain"
	"lectureflow/internal/index"
	"lectureflow/internal/provider"
	"lectureflow/internal/qa"
)

// FileSubmission is an uploaded lecture file.
type FileSubmission struct {
	// TaskID is optional; a uuid is generated when empty.
	TaskID        string
	Filename      string
	Body          io.Reader
	LectureID     string
	CallbackURL   string
	RemainingDays int
}

// URLSubmission is a lecture to download.
type URLSubmission struct {
	TaskID        string
	URL           string
	LectureID     string
	CallbackURL   string
	RemainingDays int
}

// Submission is the acknowledgement returned to the caller.
type Submission struct {
	TaskID string        `json:"task_id"`
	Status domain.Status `json:"status"`
}

type Options struct {
	// UploadsDir holds one directory per task with the received source.
	UploadsDir        string
	AllowedExtensions []string
	MaxWorkers        int
	// MaxUploadBytes caps file submissions; zero disables the cap.
	MaxUploadBytes int64
}

// Runner executes one job to a terminal state.
type Runner func(ctx context.Context, job domain.Job) error

// Uploads stores received files.
type Uploads interface {
	SaveUpload(taskID, filename string, r io.Reader) (string, int64, error)
	TaskDir(taskID string) string
}

// ResultReader reads persisted bundles.
type ResultReader interface {
	Load(ctx context.Context, taskID string) (domain.PipelineResult, error)
	Exists(ctx context.Context, taskID string) bool
}

type Searcher interface {
	Search(ctx context.Context, taskID, query string, k int) ([]index.Hit, error)
}

// Answerer replies to questions about an indexed lecture.
type Answerer interface {
	Answer(ctx context.Context, taskID, question string, tone provider.Tone) (qa.Answer, error)
}

// Deps wires the manager to its collaborators. Searcher and Answerer may be nil.
type Deps struct {
	Progress  ProgressStore
	Uploads   Uploads
	Results   ResultReader
	Searcher  Searcher
	Answerer  Answerer
	Run       Runner
	AudioPath func(taskID string) string
}

// ProgressStore is the part of *progress.Store the manager uses.
type ProgressStore interface {
	Update(taskID string, u domain.ProgressUpdate) domain.ProgressRecord
	Get(taskID string) (domain.ProgressRecord, bool)
	All() map[string]domain.ProgressRecord
	Cancel(taskID string) (domain.ProgressRecord, error)
}

const defaultWorkers = 4
