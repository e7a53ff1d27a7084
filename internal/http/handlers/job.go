package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/transcodarr/internal/events"
	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/observability"
	"github.com/jmylchreest/transcodarr/internal/service"
	"github.com/jmylchreest/transcodarr/internal/transcode"
)

const (
	// multipartMemory is the share of a multipart upload kept in memory;
	// the rest spills to temporary files.
	multipartMemory = 32 << 20
	maxJSONBody     = 1 << 20
)

var errMissingFields = models.ErrValidation{
	Field:   "body",
	Message: "Video URL, FFmpeg command, and project ID are required",
}

// JobHandler handles job submission and status endpoints.
type JobHandler struct {
	jobs          *service.JobService
	events        Subscriber
	maxUploadSize int64
	heartbeat     time.Duration
	logger        *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs *service.JobService, events Subscriber, maxUploadSize int64) *JobHandler {
	return &JobHandler{
		jobs:          jobs,
		events:        events,
		maxUploadSize: maxUploadSize,
		heartbeat:     defaultHeartbeat,
		logger:        slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (h *JobHandler) WithLogger(logger *slog.Logger) *JobHandler {
	h.logger = logger
	return h
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *JobHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeat = interval
}

// ProcessURLRequest is the body of the process-url endpoints. Fields are
// optional in the schema; complete() reports missing ones.
type ProcessURLRequest struct {
	VideoURL  string `json:"videoUrl" required:"false" doc:"HTTP(S) URL of the input video"`
	Command   string `json:"command" required:"false" doc:"Command template using input.mp4 and output.mp4 as placeholders" example:"ffmpeg -i input.mp4 -vf scale=1280:-2 output.mp4"`
	ProjectID string `json:"projectId" required:"false" doc:"Project namespace for the stored artifact"`
}

func (r ProcessURLRequest) complete() bool {
	return strings.TrimSpace(r.VideoURL) != "" &&
		strings.TrimSpace(r.Command) != "" &&
		strings.TrimSpace(r.ProjectID) != ""
}

// ProcessURLInput is the input for submitting a URL job.
type ProcessURLInput struct {
	Body ProcessURLRequest
}

// SubmitOutput is the output for accepted jobs.
type SubmitOutput struct {
	Body SubmitResponse
}

// JobIDInput identifies a job by path parameter.
type JobIDInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// GetJobOutput is the output for a job status query.
type GetJobOutput struct {
	Body JobStatusResponse
}

// CancelJobOutput is the output for a cancellation request.
type CancelJobOutput struct {
	Body struct {
		JobID   string `json:"jobId"`
		Message string `json:"message"`
	}
}

// OutputInput identifies a job's artifact.
type OutputInput struct {
	JobID string `path:"jobId" doc:"Job ID (ULID)"`
}

// OutputRedirect redirects to the stored artifact.
type OutputRedirect struct {
	Status   int
	Location string `header:"Location"`
}

// Register registers the JSON job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "processURL",
		Method:      "POST",
		Path:        "/process-url",
		Summary:     "Process a remote video",
		Description: "Streams the video at videoUrl through the command and stores the result. Returns immediately with the job ID.",
		Tags:        []string{"Jobs"},
	}, h.ProcessURL)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns a job's status, progress, error and output URL",
		Tags:        []string{"Jobs"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID:   "cancelJob",
		Method:        "DELETE",
		Path:          "/api/v1/jobs/{id}",
		Summary:       "Cancel job",
		Description:   "Kills the job's transcoder and aborts its download. The job is marked failed.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "getOutput",
		Method:      "GET",
		Path:        "/output/{jobId}",
		Summary:     "Get job output",
		Description: "Redirects to the stored artifact of a completed job",
		Tags:        []string{"Jobs"},
	}, h.Output)
}

// RegisterRoutes registers the streaming and multipart routes on a chi
// router. Huma does not stream request or response bodies.
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Post("/upload-and-process", h.handleUpload)
	router.Post("/process-url/follow", h.handleFollow)
	router.Get("/api/v1/jobs/{id}/events", h.handleJobEvents)
}

// ProcessURL submits a URL job.
func (h *JobHandler) ProcessURL(ctx context.Context, input *ProcessURLInput) (*SubmitOutput, error) {
	if !input.Body.complete() {
		return nil, toAPIError(errMissingFields)
	}

	sub, err := h.jobs.SubmitURL(ctx, service.URLRequest{
		VideoURL:  strings.TrimSpace(input.Body.VideoURL),
		Command:   input.Body.Command,
		ProjectID: input.Body.ProjectID,
		ClientID:  clientIDFrom(ctx),
	})
	if err != nil {
		return nil, toAPIError(err)
	}
	return &SubmitOutput{Body: SubmitResponse{JobID: sub.Job.ID.String(), Status: sub.Job.Status}}, nil
}

// GetByID returns a job's status.
func (h *JobHandler) GetByID(ctx context.Context, input *JobIDInput) (*GetJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job ID", err)
	}
	job, err := h.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, toAPIError(err)
	}
	return &GetJobOutput{Body: JobStatusFromModel(job)}, nil
}

// Cancel requests cancellation of a running job.
func (h *JobHandler) Cancel(ctx context.Context, input *JobIDInput) (*CancelJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job ID", err)
	}
	if err := h.jobs.Cancel(ctx, id); err != nil {
		return nil, toAPIError(err)
	}
	out := &CancelJobOutput{}
	out.Body.JobID = id.String()
	out.Body.Message = "Cancellation requested"
	return out, nil
}

// Output redirects to a completed job's artifact.
func (h *JobHandler) Output(ctx context.Context, input *OutputInput) (*OutputRedirect, error) {
	id, err := models.ParseULID(input.JobID)
	if err != nil {
		return nil, huma.Error404NotFound("Output file not found")
	}
	job, err := h.jobs.GetByID(ctx, id)
	if errors.Is(err, models.ErrJobNotFound) || (err == nil && job.VisibleOutputURL() == "") {
		return nil, huma.Error404NotFound("Output file not found")
	}
	if err != nil {
		return nil, toAPIError(err)
	}
	return &OutputRedirect{Status: http.StatusFound, Location: job.VisibleOutputURL()}, nil
}

// handleUpload accepts a multipart upload with a video file and a command.
func (h *JobHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Uploaded file is too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "No video file uploaded"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "No video file uploaded"})
		return
	}
	defer file.Close()

	sub, err := h.jobs.SubmitUpload(r.Context(), service.UploadRequest{
		Filename:  header.Filename,
		Body:      file,
		Command:   r.FormValue("command"),
		ProjectID: r.FormValue("projectId"),
		ClientID:  clientIDFrom(r.Context()),
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{JobID: sub.Job.ID.String(), Status: sub.Job.Status})
}

// handleFollow submits a URL job bound to the request and streams its
// progress. Closing the connection cancels the job.
func (h *JobHandler) handleFollow(w http.ResponseWriter, r *http.Request) {
	var req ProcessURLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON body"})
		return
	}
	if !req.complete() {
		writeAPIError(w, errMissingFields)
		return
	}

	ctx := r.Context()
	sub, err := h.jobs.SubmitURL(ctx, service.URLRequest{
		VideoURL:  strings.TrimSpace(req.VideoURL),
		Command:   req.Command,
		ProjectID: req.ProjectID,
		ClientID:  clientIDFrom(ctx),
		Bind:      ctx,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	jobID := sub.Job.ID.String()

	subscription := h.events.Subscribe(jobID)
	defer h.events.Unsubscribe(subscription.ID)

	stream, err := newSSEStream(w)
	if err != nil {
		return
	}
	if err := stream.event("accepted", SubmitResponse{JobID: jobID, Status: sub.Job.Status}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			observability.LoggerFromContext(ctx, h.logger).Info("follow client disconnected", slog.String("job_id", jobID))
			return
		case <-heartbeat.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
		case ev, ok := <-subscription.Events:
			if !ok {
				return
			}
			if err := stream.jobEvent(ev); err != nil || ev.IsTerminal() {
				return
			}
		case res := <-sub.Result:
			_ = stream.jobEvent(h.finalEvent(ctx, res))
			return
		}
	}
}

// finalEvent builds the terminal event for a finished job, preferring the
// stored record.
func (h *JobHandler) finalEvent(ctx context.Context, res transcode.Result) events.JobEvent {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if job, err := h.jobs.GetByID(ctx, res.JobID); err == nil && job.IsFinished() {
		return events.FromJob(job)
	}
	ev := events.JobEvent{
		JobID:     res.JobID.String(),
		Status:    res.Status,
		Progress:  res.Progress,
		OutputURL: res.OutputURL,
		Timestamp: time.Now(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

// handleJobEvents streams progress for an existing job until it finishes.
func (h *JobHandler) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid job ID"})
		return
	}
	ctx := r.Context()
	job, err := h.jobs.GetByID(ctx, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	subscription := h.events.Subscribe(id.String())
	defer h.events.Unsubscribe(subscription.ID)

	stream, err := newSSEStream(w)
	if err != nil {
		return
	}
	if job.IsFinished() {
		_ = stream.jobEvent(events.FromJob(job))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Jobs owned by another instance never publish here, so the
			// store is polled on each heartbeat.
			if job, err := h.jobs.GetByID(ctx, id); err == nil && job.IsFinished() {
				_ = stream.jobEvent(events.FromJob(job))
				return
			}
			if err := stream.heartbeat(); err != nil {
				return
			}
		case ev, ok := <-subscription.Events:
			if !ok {
				return
			}
			if err := stream.jobEvent(ev); err != nil || ev.IsTerminal() {
				return
			}
		}
	}
}
