package domain

import "time"

// SourceKind tells which branch of the pipeline produced the transcript.
type SourceKind string

const (
	SourceAudio    SourceKind = "audio"
	SourceDocument SourceKind = "document"
)

// PipelineResult is the final artifact bundle, written once per task.
type PipelineResult struct {
	TaskID        string     `json:"task_id"`
	LectureID     string     `json:"lecture_id"`
	Status        Status     `json:"status"`
	Message       string     `json:"message"`
	SourceKind    SourceKind `json:"source_kind"`
	Transcript    string     `json:"transcribed_text"`
	Summary       string     `json:"summary_text"`
	Quiz          string     `json:"quiz_text"`
	StudyPlan     string     `json:"study_plan"`
	RemainingDays int        `json:"remaining_days"`
	Indexed       bool       `json:"indexed"`
	IndexError    string     `json:"index_error,omitempty"`
	IndexErrKind  ErrorKind  `json:"index_error_kind,omitempty"`
	CompletedAt   time.Time  `json:"completed_at"`
}

// AudioPreparation describes audio ready for transcription: either a single
// compressed file or an ordered list of time chunks.
type AudioPreparation struct {
	AudioPath    string
	Chunked      bool
	ChunkPaths   []string
	ChunkDir     string
	ChunkSeconds float64
}

// Count is the number of transcription calls the preparation implies.
func (p AudioPreparation) Count() int {
	if p.Chunked {
		return len(p.ChunkPaths)
	}
	return 1
}
