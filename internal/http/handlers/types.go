// Package handlers provides HTTP API handlers for transcodarr.
package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/transcodarr/internal/events"
	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/transcode"
)

// ErrorResponse is the body written by the raw (non-huma) handlers.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitResponse is returned when a job is accepted.
type SubmitResponse struct {
	JobID  string           `json:"jobId" doc:"Job ID"`
	Status models.JobStatus `json:"status" doc:"Initial job status"`
}

// JobStatusResponse is the externally visible state of a job. The output
// URL is only present once the job is complete and the error only once it
// has failed.
type JobStatusResponse struct {
	JobID          string           `json:"jobId"`
	Status         models.JobStatus `json:"status"`
	Progress       int              `json:"progress"`
	Error          string           `json:"error,omitempty"`
	OutputURL      string           `json:"outputUrl,omitempty"`
	ProjectID      string           `json:"projectId,omitempty"`
	InputKind      models.InputKind `json:"inputKind"`
	SourceDuration float64          `json:"sourceDuration,omitempty" doc:"Probed input duration in seconds"`
	CreatedAt      time.Time        `json:"createdAt"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// JobStatusFromModel converts a stored job to its response.
func JobStatusFromModel(job *models.Job) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:          job.ID.String(),
		Status:         job.Status,
		Progress:       job.Progress,
		OutputURL:      job.VisibleOutputURL(),
		ProjectID:      job.ProjectID,
		InputKind:      job.InputKind,
		SourceDuration: job.SourceDuration,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status == models.JobStatusFailed {
		resp.Error = job.ErrorLog
	}
	return resp
}

// Subscriber is the part of events.Broadcaster used by the stream handlers.
type Subscriber interface {
	Subscribe(jobID string) *events.Subscriber
	Unsubscribe(id string)
}

// toAPIError maps the error taxonomy onto HTTP status codes.
func toAPIError(err error) error {
	var verr models.ErrValidation
	switch {
	case err == nil:
		return nil
	case errors.As(err, &verr):
		return huma.Error400BadRequest(verr.Message, err)
	case errors.Is(err, models.ErrInvalidCommand),
		errors.Is(err, models.ErrCommandRequired),
		errors.Is(err, models.ErrInputRequired):
		return huma.Error400BadRequest("Invalid FFmpeg command", err)
	case errors.Is(err, models.ErrJobNotFound):
		return huma.Error404NotFound("Job not found")
	case errors.Is(err, models.ErrJobFinalized):
		return huma.Error409Conflict("Job already finished")
	case errors.Is(err, models.ErrInvalidTransition):
		return huma.Error409Conflict("Job is not running on this server")
	case errors.Is(err, transcode.ErrClientLimit):
		return huma.Error429TooManyRequests("Too many concurrent jobs for this client")
	case errors.Is(err, transcode.ErrPoolClosed):
		return huma.Error503ServiceUnavailable("Server shutting down")
	case errors.Is(err, models.ErrStoreUnavailable):
		return huma.Error503ServiceUnavailable("Failed to create job")
	default:
		return huma.Error500InternalServerError("Internal server error", err)
	}
}

// statusFor returns the HTTP status toAPIError would produce.
func statusFor(err error) int {
	var se huma.StatusError
	if errors.As(toAPIError(err), &se) {
		return se.GetStatus()
	}
	return http.StatusInternalServerError
}

type clientIDKey struct{}

// ClientID is a middleware recording the caller's address for per-client
// job limits. It must run after chi's RealIP.
func ClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			id = host
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIDKey{}, id)))
	})
}

func clientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}
