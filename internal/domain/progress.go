package domain

import "time"

// Status is the coarse lifecycle of a task as seen by polling clients.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further stage transitions follow s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage names the pipeline step a processing task is in.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageAcquire      Stage = "acquire"
	StageExtractAudio Stage = "extract_audio"
	StagePrepareAudio Stage = "prepare_audio"
	StageTranscribe   Stage = "transcribe"
	StageExtractText  Stage = "extract_text"
	StageSummarize    Stage = "summarize"
	StageQuiz         Stage = "quiz"
	StagePlan         Stage = "plan"
	StageIndex        Stage = "index"
	StageDone         Stage = "done"
)

// ProgressRecord is the live status snapshot of one task.
type ProgressRecord struct {
	TaskID    string         `json:"task_id"`
	Status    Status         `json:"status"`
	Stage     Stage          `json:"stage"`
	Progress  float64        `json:"progress"`
	Message   string         `json:"message"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Result    map[string]any `json:"result,omitempty"`
}

// ProgressUpdate is applied on top of an existing record. A nil Result keeps
// whatever payload the record already carries.
type ProgressUpdate struct {
	Status    Status
	Stage     Stage
	Progress  float64
	Message   string
	ErrorKind ErrorKind
	Result    map[string]any
}

// Clone returns a copy that shares no map with r.
func (r ProgressRecord) Clone() ProgressRecord {
	if r.Result != nil {
		result := make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			result[k] = v
		}
		r.Result = result
	}
	return r
}
