// Package results persists finished pipeline bundles.
package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lectureflow/internal/domain"
	fileutil "lectureflow/internal/file"
)

var ErrNotFound = errors.New("result not found")

// Store abstracts persistence of result bundles. The default implementation
// is file-based; the sqlite store keeps them in one database file.
type Store interface {
	Save(ctx context.Context, res domain.PipelineResult) error
	Load(ctx context.Context, taskID string) (domain.PipelineResult, error)
	Exists(ctx context.Context, taskID string) bool
}

// fileStore keeps one JSON file per task under <dataDir>/results/<id>/.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) Store { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) taskDir(taskID string) string {
	return filepath.Join(s.dataDir, "results", taskID)
}

// resultPath is results/<id>/<id>_complete.json.
func (s *fileStore) resultPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), taskID+"_complete.json")
}

func (s *fileStore) Save(ctx context.Context, res domain.PipelineResult) error { //nolint:revive // context reserved for future use
	if res.TaskID == "" {
		return errors.New("save result: empty task id")
	}
	if err := fileutil.WriteJSONAtomic(s.resultPath(res.TaskID), res); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *fileStore) Load(ctx context.Context, taskID string) (domain.PipelineResult, error) { //nolint:revive // context reserved for future use
	var res domain.PipelineResult
	if err := fileutil.ReadJSON(s.resultPath(taskID), &res); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.PipelineResult{}, ErrNotFound
		}
		return domain.PipelineResult{}, fmt.Errorf("load result: %w", err)
	}
	return res, nil
}

func (s *fileStore) Exists(ctx context.Context, taskID string) bool { //nolint:revive // context reserved for future use
	return fileutil.Exists(s.resultPath(taskID))
}
