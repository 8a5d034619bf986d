package task

import (
	"context"
	"fmt"
	"os"

	"lectureflow/internal/domain"
	fileutil "lectureflow/internal/file"

	"github.com/rs/zerolog/log"
)

// RecoverStale scans the uploads root for task directories left by a previous
// process. Tasks without a result bundle were interrupted: their directory is
// removed and they are recorded as failed. It returns the number recovered.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	if m.uploadsDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.uploadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read uploads: %w", err)
	}
	recovered := 0
	for _, e := range entries {
		if !e.IsDir() || m.InFlight(e.Name()) {
			continue
		}
		taskID := e.Name()
		fileutil.RemoveQuiet(m.deps.Uploads.TaskDir(taskID))
		if m.deps.Results.Exists(ctx, taskID) {
			continue
		}
		m.deps.Progress.Update(taskID, domain.ProgressUpdate{
			Status:    domain.StatusFailed,
			Stage:     domain.StageQueued,
			Message:   "interrupted by a restart before completion",
			ErrorKind: domain.KindStorage,
		})
		recovered++
		log.Warn().Str("task_id", taskID).Msg("stale task marked failed")
	}
	return recovered, nil
}
