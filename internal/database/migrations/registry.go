package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// AllMigrations returns the job store schema history in order.
//   - 001: jobs table
//   - 002: composite index used by retention cleanup
func AllMigrations() []Migration {
	return []Migration{
		migration001Jobs(),
		migration002FinishedIndex(),
	}
}

func migration001Jobs() Migration {
	return Migration{
		Version:     "001",
		Description: "Create jobs table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Job{})
		},
	}
}

// finishedIndex speeds up DeleteFinishedBefore and startup recovery.
const finishedIndex = "idx_jobs_status_completed_at"

func migration002FinishedIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Index jobs by status and completion time",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.Job{}, finishedIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + finishedIndex + " ON jobs (status, completed_at)").Error
		},
	}
}
