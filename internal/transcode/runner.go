package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/transcodarr/internal/events"
	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/objectstore"
	"github.com/jmylchreest/transcodarr/internal/observability"
	"github.com/jmylchreest/transcodarr/internal/storage"
)

// Cancellation causes. The job's error log records the matching message.
var (
	ErrJobCancelled = errors.New("job cancelled")
	ErrJobTimeout   = errors.New("job timed out")
	ErrClientGone   = errors.New("client disconnected")
	ErrShuttingDown = errors.New("server shutting down")
	errNoOutput     = errors.New("FFmpeg produced no output")
)

// inputClosedGrace is how long a closed stdin may precede process exit
// before the feed counts as failed.
const inputClosedGrace = 2 * time.Second

// Uploader externalizes finished artifacts.
type Uploader interface {
	Upload(ctx context.Context, localPath, key, contentType string) (objectstore.Object, error)
	Delete(ctx context.Context, key string) error
}

// Task is one job handed to the runner.
type Task struct {
	Job      *models.Job
	Source   InputSource
	Template *ffmpeg.Template
	// Bind ties the job's lifetime to a caller context, such as a follow
	// mode request. Nil detaches the job from the caller.
	Bind context.Context
}

// Result is the terminal outcome of a task.
type Result struct {
	JobID     models.ULID
	Status    models.JobStatus
	Progress  int
	OutputURL string
	// Err wraps one of the models taxonomy errors when Status is failed.
	Err error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	FFmpegPath      string
	AssumedDuration time.Duration
	MaxErrorLog     int
	// Timeout bounds a job's wall-clock run time. Zero disables it.
	Timeout     time.Duration
	ProbeRemote bool
	// KeyPrefix is placed between the project namespace and the file name
	// of object keys.
	KeyPrefix string
}

// RunnerDeps are the collaborators of a Runner.
type RunnerDeps struct {
	Prober   *ffmpeg.Prober
	Feeder   *Feeder
	Staging  *storage.Staging
	Store    JobUpdater
	Uploader Uploader
	Events   events.Publisher
	Logger   *slog.Logger
}

// Runner supervises one subprocess per job and maps its lifecycle onto the
// job record: starting, processing, then complete or failed.
type Runner struct {
	cfg  RunnerConfig
	deps RunnerDeps
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig, deps RunnerDeps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if cfg.MaxErrorLog <= 0 {
		cfg.MaxErrorLog = 256 * 1024
	}
	return &Runner{cfg: cfg, deps: deps}
}

// execution is the per-job state of a single Run.
type execution struct {
	task    Task
	logger  *slog.Logger
	state   jobState
	rep     *reporter
	tail    *ffmpeg.TailBuffer
	tracker *Tracker
	// runtime is how long the transcoder ran; zero if it never started.
	runtime time.Duration

	mu      sync.Mutex
	failure error
}

// recordFailure keeps the first non-exit failure seen by a stream task.
func (ex *execution) recordFailure(err error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.failure == nil {
		ex.failure = err
	}
}

func (ex *execution) firstFailure() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.failure
}

// Run executes the task to a terminal state. It never returns before the
// subprocess has exited and staged files are removed.
func (r *Runner) Run(ctx context.Context, task Task) Result {
	ex := r.newExecution(ctx, task)
	defer ex.rep.stop()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.cfg.Timeout, ErrJobTimeout)
		defer cancel()
	}

	var outPath string
	defer func() { r.cleanup(ex, outPath) }()

	if ctx.Err() != nil {
		return ex.fail(ctx, models.ErrSubprocessFailed, r.cancelReason(context.Cause(ctx)))
	}

	duration := r.probe(ctx, task.Source)
	startedAt := time.Now()
	ex.rep.write(ctx, models.JobUpdate{StartedAt: &startedAt, SourceDuration: &duration})

	var err error
	outPath, err = r.deps.Staging.OutputPath(task.Job.ID, task.Source.Kind(), task.Source.Ref(), startedAt)
	if err != nil {
		return ex.fail(ctx, models.ErrSubprocessFailed, "Invalid output path: "+err.Error())
	}

	cmd := ffmpeg.NewCommandBuilder(r.cfg.FFmpegPath).
		HideBanner().
		Overwrite().
		FromTemplate(task.Template).
		Input(commandInput(task.Source)).
		Output(outPath).
		Build()

	_, isRemote := task.Source.(RemoteURL)
	proc, err := cmd.Start(ctx, ffmpeg.StartOptions{Stdin: isRemote})
	if err != nil {
		return ex.fail(ctx, models.ErrSubprocessFailed, "Failed to start FFmpeg: "+err.Error())
	}

	ex.logger.Info("transcode started",
		slog.Int("pid", proc.PID()),
		slog.Float64("source_duration", duration),
		slog.String("command", cmd.String()),
	)
	if ex.state.markProcessing() {
		ex.rep.write(ctx, models.ProcessingUpdate())
	}
	ex.tracker = NewTracker(duration, r.cfg.AssumedDuration.Seconds(), isRemote, ex.rep.progress)

	waitErr, scanErr := r.supervise(ctx, ex, proc)
	ex.runtime = proc.Runtime()

	if ferr := ex.firstFailure(); ferr != nil {
		kind := ferr
		if errors.Is(ferr, ErrInputClosed) {
			kind = fmt.Errorf("%w: %w", models.ErrSubprocessFailed, ferr)
		}
		return ex.fail(ctx, kind, ferr.Error())
	}
	if ctx.Err() != nil {
		return ex.fail(ctx, models.ErrSubprocessFailed, r.cancelReason(context.Cause(ctx)))
	}
	if waitErr != nil {
		ex.logger.Warn("transcoder exited with error", slog.Int("exit_code", ffmpeg.ExitCode(waitErr)))
		return ex.fail(ctx, fmt.Errorf("%w: %w", models.ErrSubprocessFailed, waitErr), "")
	}
	if scanErr != nil {
		return ex.fail(ctx, models.ErrSubprocessFailed, "Reading FFmpeg output failed: "+scanErr.Error())
	}
	if !r.deps.Staging.NonEmpty(outPath) {
		return ex.fail(ctx, fmt.Errorf("%w: %w", models.ErrSubprocessFailed, errNoOutput), errNoOutput.Error())
	}

	return r.publish(ctx, ex, outPath)
}

// supervise runs the stream tasks of a started process and joins them.
func (r *Runner) supervise(ctx context.Context, ex *execution, proc *ffmpeg.Process) (waitErr, scanErr error) {
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	exited := make(chan struct{})

	var g errgroup.Group

	g.Go(func() error {
		return ffmpeg.ScanStderr(proc.Stderr(), func(line string, elapsed float64, ok bool) {
			ex.tail.WriteLine(line)
			if ok {
				ex.tracker.ObserveElapsed(elapsed)
			}
		})
	})

	g.Go(func() error {
		waitErr = proc.Wait()
		close(exited)
		stopFeed()
		return nil
	})

	if remote, ok := ex.task.Source.(RemoteURL); ok {
		g.Go(func() error {
			_, err := r.deps.Feeder.Feed(feedCtx, remote.URL, proc.Stdin(), func(received, total int64) {
				ex.tracker.ObserveBytes(received, total)
			})
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ErrInputClosed):
				// A transcoder that stops reading early and exits is fine.
				select {
				case <-exited:
					ex.logger.Debug("input closed after transcoder exit", slog.String("error", err.Error()))
					return nil
				case <-time.After(inputClosedGrace):
				}
			case !errors.As(err, new(*FeedError)):
				// A bare context cause: stopFeed after the transcoder exited,
				// or the job itself was cancelled, which Run reports from ctx.
				return nil
			}
			ex.recordFailure(err)
			if kerr := proc.Kill(); kerr != nil {
				ex.logger.Warn("killing transcoder", slog.String("error", kerr.Error()))
			}
			return nil
		})
	}

	scanErr = g.Wait()
	return waitErr, scanErr
}

// publish uploads the artifact and completes the job.
func (r *Runner) publish(ctx context.Context, ex *execution, outPath string) Result {
	job := ex.task.Job
	key := objectstore.ObjectKey(job.ProjectID, r.cfg.KeyPrefix, filepath.Base(outPath))

	obj, err := r.deps.Uploader.Upload(ctx, outPath, key, contentTypeFor(outPath))
	if err != nil {
		reason := "Upload failed: " + strings.TrimPrefix(err.Error(), models.ErrUploadFailed.Error()+": ")
		return ex.fail(ctx, fmt.Errorf("%w: %w", models.ErrUploadFailed, err), reason)
	}

	if !ex.state.finalize() {
		if derr := r.deps.Uploader.Delete(context.WithoutCancel(ctx), obj.Key); derr != nil {
			ex.logger.Warn("removing orphaned artifact", slog.String("key", obj.Key), slog.String("error", derr.Error()))
		}
		return Result{JobID: job.ID, Err: models.ErrJobFinalized}
	}
	ex.rep.stop()
	ex.rep.write(ctx, models.CompleteUpdate(obj.Location, obj.URL, ex.tail.String()))

	ex.logger.Info("transcode complete",
		slog.String("key", obj.Key),
		slog.String("url", obj.URL),
		slog.Duration("runtime", ex.runtime),
	)
	return Result{
		JobID:     job.ID,
		Status:    models.JobStatusComplete,
		Progress:  models.CompleteProgress,
		OutputURL: obj.URL,
	}
}

// fail finalizes the job as failed. An empty reason records the stderr tail,
// falling back to a generic message.
func (ex *execution) fail(ctx context.Context, kind error, reason string) Result {
	job := ex.task.Job
	if !ex.state.finalize() {
		return Result{JobID: job.ID, Err: models.ErrJobFinalized}
	}
	ex.rep.stop()

	errorLog := reason
	if tail := ex.tail.String(); tail != "" {
		if errorLog == "" {
			errorLog = tail
		} else {
			errorLog += "\n" + tail
		}
	}
	upd := models.FailedUpdate(errorLog)
	ex.rep.write(ctx, upd)

	progress := 0
	if ex.tracker != nil {
		progress = ex.tracker.Percent()
	}
	ex.logger.Warn("transcode failed",
		slog.String("reason", firstLine(*upd.ErrorLog)),
		slog.Int("progress", progress),
		slog.Duration("runtime", ex.runtime),
	)
	return Result{
		JobID:    job.ID,
		Status:   models.JobStatusFailed,
		Progress: progress,
		Err:      failureError(kind, firstLine(*upd.ErrorLog)),
	}
}

// Abort fails a task that never started, for example one cancelled while
// waiting for a pool slot.
func (r *Runner) Abort(ctx context.Context, task Task, cause error) Result {
	ex := r.newExecution(ctx, task)
	defer r.cleanup(ex, "")
	return ex.fail(ctx, models.ErrSubprocessFailed, r.cancelReason(cause))
}

func (r *Runner) newExecution(ctx context.Context, task Task) *execution {
	logger := observability.WithJobID(r.deps.Logger, task.Job.ID.String()).
		With(slog.String("input_kind", string(task.Source.Kind())))
	ex := &execution{
		task:   task,
		logger: logger,
		rep:    newReporter(task.Job, r.deps.Store, r.deps.Events, logger),
		tail:   ffmpeg.NewTailBuffer(r.cfg.MaxErrorLog),
	}
	ex.rep.start(ctx)
	return ex
}

func (r *Runner) probe(ctx context.Context, src InputSource) float64 {
	if !r.deps.Prober.Available() {
		return 0
	}
	if src.Kind() == models.InputKindURL && !r.cfg.ProbeRemote {
		return 0
	}
	return r.deps.Prober.DurationOrUnknown(ctx, src.Ref())
}

// cleanup removes the staged output and, for uploads, the staged input.
func (r *Runner) cleanup(ex *execution, outPath string) {
	paths := []string{outPath}
	if f, ok := ex.task.Source.(LocalFile); ok && f.RemoveOnExit {
		paths = append(paths, f.Path)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := r.deps.Staging.Remove(p); err != nil {
			ex.logger.Warn("removing staged file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) cancelReason(cause error) string {
	switch {
	case errors.Is(cause, ErrJobTimeout):
		return fmt.Sprintf("Job timed out after %s", r.cfg.Timeout)
	case errors.Is(cause, ErrClientGone):
		return "Client disconnected"
	case errors.Is(cause, ErrShuttingDown):
		return "Server shutting down"
	case errors.Is(cause, ErrJobCancelled), errors.Is(cause, context.Canceled):
		return "Job cancelled"
	case cause == nil:
		return "Job cancelled"
	default:
		return cause.Error()
	}
}

var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".gif":  "image/gif",
}

func contentTypeFor(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ct, ok := videoContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// failureError attaches reason to kind unless kind already says it.
func failureError(kind error, reason string) error {
	if reason == "" || strings.Contains(kind.Error(), reason) {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, reason)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
