package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// jobRepo implements JobStore using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a new database-backed JobStore.
func NewJobRepository(db *gorm.DB) *jobRepo {
	return &jobRepo{db: db}
}

// Create creates a new job.
func (r *jobRepo) Create(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// Update applies upd inside a transaction holding a row lock, so concurrent
// writers for the same job serialize and the state rules see the latest row.
func (r *jobRepo) Update(ctx context.Context, id models.ULID, upd models.JobUpdate) error {
	if upd.IsZero() {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrJobNotFound
			}
			return fmt.Errorf("loading job: %w", err)
		}

		if err := upd.Apply(&job); err != nil {
			return err
		}

		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("updating job: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting job by ID: %w", err)
	}
	return &job, nil
}

// ListActive retrieves jobs that have not reached a terminal state.
func (r *jobRepo) ListActive(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{models.JobStatusStarting, models.JobStatusProcessing}).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	return jobs, nil
}

// DeleteFinishedBefore deletes terminal jobs completed before the given time.
func (r *jobRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?",
			[]models.JobStatus{models.JobStatusComplete, models.JobStatusFailed}, before).
		Delete(&models.Job{})

	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ping checks the database connection.
func (r *jobRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("getting sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Ensure jobRepo implements JobStore at compile time.
var _ JobStore = (*jobRepo)(nil)
