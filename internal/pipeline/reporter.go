package pipeline

import (
	"encoding/json"
	"sync"

	"lectureflow/internal/domain"

	"github.com/rs/zerolog/log"
)

// reporter writes processing updates for one task. Progress never moves
// backwards and nothing is written once the task has been cancelled.
type reporter struct {
	sink   ProgressSink
	taskID string

	mu    sync.Mutex
	last  float64
	stage domain.Stage
}

func newReporter(sink ProgressSink, taskID string) *reporter {
	return &reporter{sink: sink, taskID: taskID, stage: domain.StageQueued}
}

func (r *reporter) step(stage domain.Stage, pct float64, msg string) {
	r.attach(stage, pct, msg, nil)
}

// attach is step with a partial result stored on the record.
func (r *reporter) attach(stage domain.Stage, pct float64, msg string, result map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pct < r.last {
		pct = r.last
	}
	r.last = pct
	r.stage = stage
	if r.sink.Cancelled(r.taskID) {
		return
	}
	r.sink.Update(r.taskID, domain.ProgressUpdate{
		Status:   domain.StatusProcessing,
		Stage:    stage,
		Progress: pct,
		Message:  msg,
		Result:   result,
	})
	log.Debug().Str("task_id", r.taskID).Str("stage", string(stage)).Float64("progress", pct).Msg(msg)
}

// finish writes the terminal record unconditionally.
func (r *reporter) finish(u domain.ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.Progress < r.last {
		u.Progress = r.last
	}
	r.last = u.Progress
	r.sink.Update(r.taskID, u)
}

func (r *reporter) current() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *reporter) currentStage() domain.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// bundleMap renders res with its JSON field names for the progress record.
func bundleMap(res domain.PipelineResult) map[string]any {
	raw, err := json.Marshal(res)
	if err != nil {
		log.Warn().Str("task_id", res.TaskID).Err(err).Msg("encode result bundle")
		return map[string]any{"task_id": res.TaskID, "status": res.Status}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Warn().Str("task_id", res.TaskID).Err(err).Msg("decode result bundle")
		return map[string]any{"task_id": res.TaskID, "status": res.Status}
	}
	return out
}
