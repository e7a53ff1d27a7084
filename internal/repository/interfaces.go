// Package repository persists job state. All job state access goes through
// JobStore so the database and redis backends are interchangeable.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// JobStore defines operations for job state persistence.
//
// Implementations enforce the job state machine on every write: terminal
// jobs are never modified (models.ErrJobFinalized), status only moves
// forward (models.ErrInvalidTransition) and progress never decreases.
type JobStore interface {
	// Create stores a new job.
	Create(ctx context.Context, job *models.Job) error
	// Update applies a partial update to the job with the given ID.
	// Returns models.ErrJobNotFound if the job does not exist.
	Update(ctx context.Context, id models.ULID, upd models.JobUpdate) error
	// GetByID retrieves a job by ID. Returns nil if not found.
	GetByID(ctx context.Context, id models.ULID) (*models.Job, error)
	// ListActive returns jobs in the starting or processing state, oldest first.
	ListActive(ctx context.Context) ([]*models.Job, error)
	// DeleteFinishedBefore deletes terminal jobs completed before the given time.
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
