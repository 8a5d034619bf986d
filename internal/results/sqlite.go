package results

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"lectureflow/internal/domain"
	fileutil "lectureflow/internal/file"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// resultRow is the sqlite representation of a PipelineResult.
type resultRow struct {
	TaskID        string `gorm:"primaryKey;type:varchar(64)"`
	LectureID     string `gorm:"type:varchar(255);index"`
	Status        string `gorm:"type:varchar(32);index"`
	Message       string `gorm:"type:text"`
	SourceKind    string `gorm:"type:varchar(32)"`
	Transcript    string `gorm:"type:text"`
	Summary       string `gorm:"type:text"`
	Quiz          string `gorm:"type:text"`
	StudyPlan     string `gorm:"type:text"`
	RemainingDays int
	Indexed       bool
	IndexError    string `gorm:"type:text"`
	IndexErrKind  string `gorm:"type:varchar(32)"`
	CompletedAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (resultRow) TableName() string {
	return "pipeline_results"
}

func rowFromResult(res domain.PipelineResult) resultRow {
	return resultRow{
		TaskID:        res.TaskID,
		LectureID:     res.LectureID,
		Status:        string(res.Status),
		Message:       res.Message,
		SourceKind:    string(res.SourceKind),
		Transcript:    res.Transcript,
		Summary:       res.Summary,
		Quiz:          res.Quiz,
		StudyPlan:     res.StudyPlan,
		RemainingDays: res.RemainingDays,
		Indexed:       res.Indexed,
		IndexError:    res.IndexError,
		IndexErrKind:  string(res.IndexErrKind),
		CompletedAt:   res.CompletedAt,
	}
}

func (r resultRow) toResult() domain.PipelineResult {
	return domain.PipelineResult{
		TaskID:        r.TaskID,
		LectureID:     r.LectureID,
		Status:        domain.Status(r.Status),
		Message:       r.Message,
		SourceKind:    domain.SourceKind(r.SourceKind),
		Transcript:    r.Transcript,
		Summary:       r.Summary,
		Quiz:          r.Quiz,
		StudyPlan:     r.StudyPlan,
		RemainingDays: r.RemainingDays,
		Indexed:       r.Indexed,
		IndexError:    r.IndexError,
		IndexErrKind:  domain.ErrorKind(r.IndexErrKind),
		CompletedAt:   r.CompletedAt,
	}
}

// SQLiteStore keeps result bundles in a single sqlite database.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&resultRow{}); err != nil {
		return nil, fmt.Errorf("migrate results: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts res by task id.
func (s *SQLiteStore) Save(ctx context.Context, res domain.PipelineResult) error {
	if res.TaskID == "" {
		return errors.New("save result: empty task id")
	}
	row := rowFromResult(res)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, taskID string) (domain.PipelineResult, error) {
	var row resultRow
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PipelineResult{}, ErrNotFound
	}
	if err != nil {
		return domain.PipelineResult{}, fmt.Errorf("load result: %w", err)
	}
	return row.toResult(), nil
}

func (s *SQLiteStore) Exists(ctx context.Context, taskID string) bool {
	var count int64
	if err := s.db.WithContext(ctx).Model(&resultRow{}).Where("task_id = ?", taskID).Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close() //nolint:wrapcheck
}

var _ Store = (*SQLiteStore)(nil)
