package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/transcodarr/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return db
}

func TestAllMigrations_VersionsAreUniqueAndOrdered(t *testing.T) {
	migrations := AllMigrations()
	require.NotEmpty(t, migrations)

	seen := make(map[string]bool)
	prev := ""
	for _, m := range migrations {
		assert.False(t, seen[m.Version], "duplicate version %s", m.Version)
		assert.Greater(t, m.Version, prev)
		assert.NotEmpty(t, m.Description)
		assert.NotNil(t, m.Up)
		seen[m.Version] = true
		prev = m.Version
	}
}

func TestMigrator_Up(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := NewMigrator(db, nil, AllMigrations())

	require.NoError(t, m.Up(ctx))
	assert.True(t, db.Migrator().HasTable(&models.Job{}))
	assert.True(t, db.Migrator().HasIndex(&models.Job{}, finishedIndex))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Version)
		assert.NotNil(t, s.AppliedAt)
	}

	// Re-running is a no-op.
	require.NoError(t, m.Up(ctx))
	var count int64
	require.NoError(t, db.Model(&MigrationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(len(AllMigrations())), count)
}

func TestMigrator_StatusBeforeUp(t *testing.T) {
	db := setupTestDB(t)
	m := NewMigrator(db, nil, AllMigrations())

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, len(AllMigrations()))
	for _, s := range statuses {
		assert.False(t, s.Applied)
	}
}

func TestMigrator_FailedMigrationIsNotRecorded(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	bad := Migration{
		Version:     "900",
		Description: "broken",
		Up: func(tx *gorm.DB) error {
			return tx.Exec("THIS IS NOT SQL").Error
		},
	}
	m := NewMigrator(db, nil, append(AllMigrations(), bad))
	require.Error(t, m.Up(ctx))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	last := statuses[len(statuses)-1]
	assert.Equal(t, "900", last.Version)
	assert.False(t, last.Applied)
	assert.True(t, statuses[0].Applied)
}
