// Package service implements the job operations exposed over HTTP and the
// CLI on top of the job store and the transcode pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/repository"
	"github.com/jmylchreest/transcodarr/internal/storage"
	"github.com/jmylchreest/transcodarr/internal/transcode"
)

// createTimeout bounds the initial job record write.
const createTimeout = 10 * time.Second

// Executor runs submitted tasks. *transcode.Pool implements it.
type Executor interface {
	Submit(ctx context.Context, task transcode.Task) (<-chan transcode.Result, error)
	Cancel(jobID models.ULID) bool
}

// UploadRequest describes a job whose input is an uploaded file.
type UploadRequest struct {
	Filename  string
	Body      io.Reader
	Command   string
	ProjectID string
	ClientID  string
}

// URLRequest describes a job whose input is streamed from a URL.
type URLRequest struct {
	VideoURL  string
	Command   string
	ProjectID string
	ClientID  string
	// Bind ties the job to the caller. A nil Bind lets the job run to
	// completion after the caller goes away.
	Bind context.Context
}

// Submission is an accepted job and the channel carrying its outcome.
type Submission struct {
	Job    *models.Job
	Result <-chan transcode.Result
}

// JobService provides high-level job management operations.
type JobService struct {
	store        repository.JobStore
	executor     Executor
	staging      *storage.Staging
	commandToken string
	logger       *slog.Logger
}

// NewJobService creates a new JobService.
func NewJobService(store repository.JobStore, executor Executor, staging *storage.Staging, commandToken string) *JobService {
	if commandToken == "" {
		commandToken = "ffmpeg"
	}
	return &JobService{
		store:        store,
		executor:     executor,
		staging:      staging,
		commandToken: commandToken,
		logger:       slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *JobService) WithLogger(logger *slog.Logger) *JobService {
	s.logger = logger
	return s
}

// SubmitUpload stages the uploaded body and starts a job on it. The staged
// file is removed when the job ends, and immediately if the job cannot be
// accepted.
func (s *JobService) SubmitUpload(ctx context.Context, req UploadRequest) (*Submission, error) {
	tmpl, err := ffmpeg.ParseTemplate(req.Command, s.commandToken)
	if err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, models.ErrValidation{Field: "video", Message: "no video file provided"}
	}

	job := s.newJob(models.InputKindFile, tmpl, req.ProjectID, req.ClientID)
	path, size, err := s.staging.StageUpload(job.ID, req.Filename, req.Body)
	if err != nil {
		return nil, fmt.Errorf("receiving upload: %w", err)
	}
	job.InputRef = path

	s.logger.Debug("upload staged",
		slog.String("job_id", job.ID.String()),
		slog.String("file", path),
		slog.Int64("bytes", size))

	sub, err := s.submit(ctx, job, tmpl, nil)
	if err != nil {
		if rmErr := s.staging.Remove(path); rmErr != nil {
			s.logger.Warn("removing rejected upload", slog.String("file", path), slog.Any("error", rmErr))
		}
		return nil, err
	}
	return sub, nil
}

// SubmitURL starts a job that streams its input from req.VideoURL.
func (s *JobService) SubmitURL(ctx context.Context, req URLRequest) (*Submission, error) {
	tmpl, err := ffmpeg.ParseTemplate(req.Command, s.commandToken)
	if err != nil {
		return nil, err
	}
	if err := validateVideoURL(req.VideoURL); err != nil {
		return nil, err
	}

	job := s.newJob(models.InputKindURL, tmpl, req.ProjectID, req.ClientID)
	job.InputRef = req.VideoURL

	return s.submit(ctx, job, tmpl, req.Bind)
}

func (s *JobService) newJob(kind models.InputKind, tmpl *ffmpeg.Template, projectID, clientID string) *models.Job {
	job := &models.Job{
		Status:    models.JobStatusStarting,
		InputKind: kind,
		Command:   tmpl.String(),
		ProjectID: strings.TrimSpace(projectID),
		ClientID:  clientID,
	}
	job.ID = models.NewULID()
	return job
}

// submit records the job and hands it to the executor. A job the executor
// refuses is failed in the store so it never lingers in starting.
func (s *JobService) submit(ctx context.Context, job *models.Job, tmpl *ffmpeg.Template, bind context.Context) (*Submission, error) {
	src, err := transcode.SourceForJob(job)
	if err != nil {
		return nil, err
	}

	createCtx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	if err := s.store.Create(createCtx, job); err != nil {
		var verr models.ErrValidation
		if errors.As(err, &verr) || errors.Is(err, models.ErrCommandRequired) || errors.Is(err, models.ErrInputRequired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	results, err := s.executor.Submit(ctx, transcode.Task{Job: job, Source: src, Template: tmpl, Bind: bind})
	if err != nil {
		s.logger.Warn("job rejected",
			slog.String("job_id", job.ID.String()),
			slog.String("client_id", job.ClientID),
			slog.String("reason", err.Error()))
		s.failRejected(ctx, job.ID, err)
		return nil, err
	}

	s.logger.Info("job accepted",
		slog.String("job_id", job.ID.String()),
		slog.String("input_kind", string(job.InputKind)),
		slog.String("project_id", job.ProjectID))

	return &Submission{Job: job, Result: results}, nil
}

func (s *JobService) failRejected(ctx context.Context, id models.ULID, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
	defer cancel()
	if err := s.store.Update(ctx, id, models.FailedUpdate("Job rejected: "+cause.Error())); err != nil {
		s.logger.Warn("recording rejected job", slog.String("job_id", id.String()), slog.Any("error", err))
	}
}

// GetByID retrieves a job by ID. Returns models.ErrJobNotFound if it does
// not exist.
func (s *JobService) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	if job == nil {
		return nil, models.ErrJobNotFound
	}
	return job, nil
}

// Cancel stops a queued or running job. Cancelling a finished job returns
// models.ErrJobFinalized.
func (s *JobService) Cancel(ctx context.Context, id models.ULID) error {
	if s.executor.Cancel(id) {
		s.logger.Info("job cancellation requested", slog.String("job_id", id.String()))
		return nil
	}
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.IsFinished() {
		return models.ErrJobFinalized
	}
	// Known to the store but not to this process: left over from a
	// previous run or owned by another instance.
	return fmt.Errorf("%w: job is not running on this server", models.ErrInvalidTransition)
}

// Ping checks the job store.
func (s *JobService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func validateVideoURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.ErrValidation{Field: "videoUrl", Message: "no video URL provided"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return models.ErrValidation{Field: "videoUrl", Message: "must be an absolute http or https URL"}
	}
	return nil
}
