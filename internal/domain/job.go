package domain

import "time"

const (
	// DefaultLectureID is reported when the caller did not correlate the task.
	DefaultLectureID = "unknown"

	DefaultRemainingDays = 5
	MinRemainingDays     = 1
	MaxRemainingDays     = 30
)

// Job is the descriptor moved through the task queue. Exactly one of
// FilePath and URL is set.
type Job struct {
	TaskID        string    `json:"task_id"`
	FilePath      string    `json:"file_path,omitempty"`
	URL           string    `json:"url,omitempty"`
	LectureID     string    `json:"lecture_id"`
	CallbackURL   string    `json:"callback_url,omitempty"`
	RemainingDays int       `json:"remaining_days"`
	SubmittedAt   time.Time `json:"submitted_at"`

	poison bool
}

// PoisonJob returns the sentinel that tells a worker to exit.
func PoisonJob() Job { return Job{poison: true} }

// IsPoison reports whether j is the shutdown sentinel.
func (j Job) IsPoison() bool { return j.poison }

// ClampRemainingDays maps zero to the default and clamps the rest to [1,30].
func ClampRemainingDays(days int) int {
	switch {
	case days == 0:
		return DefaultRemainingDays
	case days < MinRemainingDays:
		return MinRemainingDays
	case days > MaxRemainingDays:
		return MaxRemainingDays
	default:
		return days
	}
}
