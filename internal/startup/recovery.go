// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/observability"
	"github.com/jmylchreest/transcodarr/internal/repository"
	"github.com/jmylchreest/transcodarr/internal/storage"
)

// InterruptedReason is recorded on jobs that were running when the previous
// process exited.
const InterruptedReason = "Server restarted before the job finished"

// RecoverInterruptedJobs marks every job left in the starting or processing
// state as failed. The in-memory supervisor state is lost on restart, so
// without this those jobs would never reach a terminal state.
//
// Returns the IDs of the recovered jobs.
func RecoverInterruptedJobs(ctx context.Context, logger *slog.Logger, store repository.JobStore) (recovered []models.ULID, err error) {
	defer observability.TimedOperationWithError(ctx, logger, "recover_interrupted_jobs", &err)()

	jobs, err := store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing interrupted jobs: %w", err)
	}

	for _, job := range jobs {
		logger.Warn("recovering interrupted job",
			"job_id", job.ID.String(),
			"status", job.Status,
			"input_kind", job.InputKind,
		)

		if uerr := store.Update(ctx, job.ID, models.FailedUpdate(InterruptedReason)); uerr != nil {
			if ctx.Err() != nil {
				return recovered, ctx.Err()
			}
			logger.Error("failed to recover interrupted job",
				"job_id", job.ID.String(),
				"error", uerr,
			)
			continue
		}
		recovered = append(recovered, job.ID)
	}

	return recovered, nil
}

// CleanupOrphanedFiles removes staged files left behind by a previous
// process: files belonging to the given interrupted jobs and hidden
// temporary files from writes that never completed. It must run before the
// pool accepts work, since no staged file is in use at that point.
//
// Returns the number of files removed.
func CleanupOrphanedFiles(logger *slog.Logger, dirs []*storage.Sandbox, interrupted []models.ULID) int {
	var removed int
	for _, dir := range dirs {
		entries, err := dir.List(".")
		if err != nil {
			logger.Warn("failed to read staging directory for cleanup",
				"path", dir.BaseDir(),
				"error", err,
			)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !isOrphan(entry.Name(), interrupted) {
				continue
			}
			if err := dir.Remove(entry.Name()); err != nil {
				logger.Warn("failed to remove orphaned file",
					"path", dir.BaseDir(),
					"file", entry.Name(),
					"error", err,
				)
				continue
			}
			logger.Info("removed orphaned file",
				"path", dir.BaseDir(),
				"file", entry.Name(),
			)
			removed++
		}
	}
	return removed
}

func isOrphan(name string, interrupted []models.ULID) bool {
	if strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp") {
		return true
	}
	for _, id := range interrupted {
		if strings.Contains(name, id.String()) {
			return true
		}
	}
	return false
}
