package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/repository"
	"github.com/jmylchreest/transcodarr/internal/storage"
	"github.com/jmylchreest/transcodarr/internal/transcode"
)

const validCommand = "ffmpeg -i input.mp4 -c copy output.mp4"

// fakeExecutor records submitted tasks without running them.
type fakeExecutor struct {
	mu        sync.Mutex
	tasks     []transcode.Task
	submitErr error
	running   map[models.ULID]bool
}

func (f *fakeExecutor) Submit(_ context.Context, task transcode.Task) (<-chan transcode.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.tasks = append(f.tasks, task)
	if f.running == nil {
		f.running = make(map[models.ULID]bool)
	}
	f.running[task.Job.ID] = true
	return make(chan transcode.Result, 1), nil
}

func (f *fakeExecutor) Cancel(id models.ULID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return false
	}
	delete(f.running, id)
	return true
}

type brokenStore struct {
	repository.JobStore
}

func (brokenStore) Create(context.Context, *models.Job) error {
	return errors.New("dial tcp: connection refused")
}

func setup(t *testing.T) (*JobService, repository.JobStore, *fakeExecutor, *storage.Staging) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Job{}))

	root := t.TempDir()
	staging, err := storage.NewStaging(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, err)

	store := repository.NewJobRepository(db)
	exec := &fakeExecutor{}
	return NewJobService(store, exec, staging, "ffmpeg"), store, exec, staging
}

func TestJobService_SubmitUpload(t *testing.T) {
	svc, store, exec, staging := setup(t)
	ctx := context.Background()

	sub, err := svc.SubmitUpload(ctx, UploadRequest{
		Filename:  "../../clip one.mov",
		Body:      strings.NewReader("video bytes"),
		Command:   validCommand,
		ProjectID: " proj-1 ",
		ClientID:  "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusStarting, sub.Job.Status)
	assert.Equal(t, "proj-1", sub.Job.ProjectID)
	assert.True(t, staging.Uploads().Contains(sub.Job.InputRef))
	assert.FileExists(t, sub.Job.InputRef)

	require.Len(t, exec.tasks, 1)
	src, ok := exec.tasks[0].Source.(transcode.LocalFile)
	require.True(t, ok)
	assert.True(t, src.RemoveOnExit)
	assert.Nil(t, exec.tasks[0].Bind)

	stored, err := store.GetByID(ctx, sub.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.InputKindFile, stored.InputKind)
	assert.Equal(t, validCommand, stored.Command)
}

func TestJobService_SubmitUpload_InvalidCommand(t *testing.T) {
	svc, _, exec, staging := setup(t)

	_, err := svc.SubmitUpload(context.Background(), UploadRequest{
		Filename: "clip.mp4",
		Body:     strings.NewReader("x"),
		Command:  "rm -rf / ; ffmpeg",
	})
	assert.ErrorIs(t, err, models.ErrInvalidCommand)
	assert.Empty(t, exec.tasks)

	entries, err := staging.Uploads().List(".")
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is staged for a rejected command")
}

func TestJobService_SubmitUpload_RejectedRemovesFile(t *testing.T) {
	svc, store, exec, staging := setup(t)
	exec.submitErr = transcode.ErrClientLimit

	_, err := svc.SubmitUpload(context.Background(), UploadRequest{
		Filename: "clip.mp4",
		Body:     strings.NewReader("x"),
		Command:  validCommand,
		ClientID: "greedy",
	})
	assert.ErrorIs(t, err, transcode.ErrClientLimit)

	entries, err := staging.Uploads().List(".")
	require.NoError(t, err)
	assert.Empty(t, entries)

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active, "rejected jobs are failed, not left starting")
}

func TestJobService_SubmitURL(t *testing.T) {
	svc, _, exec, _ := setup(t)
	bind, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := svc.SubmitURL(context.Background(), URLRequest{
		VideoURL: "https://cdn.example.com/v.mp4",
		Command:  validCommand,
		Bind:     bind,
	})
	require.NoError(t, err)
	assert.Equal(t, models.InputKindURL, sub.Job.InputKind)
	assert.Equal(t, "https://cdn.example.com/v.mp4", sub.Job.InputRef)

	require.Len(t, exec.tasks, 1)
	assert.Equal(t, transcode.RemoteURL{URL: "https://cdn.example.com/v.mp4"}, exec.tasks[0].Source)
	assert.Equal(t, bind, exec.tasks[0].Bind)
}

func TestJobService_SubmitURL_Validation(t *testing.T) {
	svc, _, _, _ := setup(t)

	for _, raw := range []string{"", "   ", "ftp://host/v.mp4", "/local/path.mp4", "http://"} {
		_, err := svc.SubmitURL(context.Background(), URLRequest{VideoURL: raw, Command: validCommand})
		var verr models.ErrValidation
		assert.True(t, errors.As(err, &verr), "url %q", raw)
	}
}

func TestJobService_StoreUnavailable(t *testing.T) {
	_, _, exec, staging := setup(t)
	svc := NewJobService(brokenStore{}, exec, staging, "")

	_, err := svc.SubmitURL(context.Background(), URLRequest{
		VideoURL: "https://cdn.example.com/v.mp4",
		Command:  validCommand,
	})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Empty(t, exec.tasks)
}

func TestJobService_GetByID(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.GetByID(ctx, models.NewULID())
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	sub, err := svc.SubmitURL(ctx, URLRequest{VideoURL: "http://h/v.mp4", Command: validCommand})
	require.NoError(t, err)

	job, err := svc.GetByID(ctx, sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Job.ID, job.ID)
}

func TestJobService_Cancel(t *testing.T) {
	svc, store, _, _ := setup(t)
	ctx := context.Background()

	sub, err := svc.SubmitURL(ctx, URLRequest{VideoURL: "http://h/v.mp4", Command: validCommand})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, sub.Job.ID))

	assert.ErrorIs(t, svc.Cancel(ctx, models.NewULID()), models.ErrJobNotFound)

	require.NoError(t, store.Update(ctx, sub.Job.ID, models.FailedUpdate("Job cancelled")))
	assert.ErrorIs(t, svc.Cancel(ctx, sub.Job.ID), models.ErrJobFinalized)
}

func TestJobService_CancelOrphan(t *testing.T) {
	svc, store, _, _ := setup(t)
	ctx := context.Background()

	job := &models.Job{
		Status:    models.JobStatusProcessing,
		InputKind: models.InputKindURL,
		InputRef:  "http://h/v.mp4",
		Command:   validCommand,
	}
	require.NoError(t, store.Create(ctx, job))

	assert.ErrorIs(t, svc.Cancel(ctx, job.ID), models.ErrInvalidTransition)
}
