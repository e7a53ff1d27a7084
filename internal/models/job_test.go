package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningJob() *Job {
	return &Job{
		Status:    JobStatusProcessing,
		Progress:  40,
		InputKind: InputKindURL,
		InputRef:  "https://example.com/in.mp4",
		Command:   "ffmpeg -i input.mp4 output.mp4",
	}
}

func TestJob_TableName(t *testing.T) {
	assert.Equal(t, "jobs", Job{}.TableName())
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusStarting, JobStatusProcessing, true},
		{JobStatusStarting, JobStatusFailed, true},
		{JobStatusStarting, JobStatusStarting, true},
		{JobStatusProcessing, JobStatusComplete, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusStarting, false},
		{JobStatusComplete, JobStatusFailed, false},
		{JobStatusFailed, JobStatusComplete, false},
		{JobStatusFailed, JobStatusProcessing, false},
		{JobStatusProcessing, JobStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJob_Validate(t *testing.T) {
	job := newRunningJob()
	require.NoError(t, job.Validate())

	job.Command = ""
	assert.ErrorIs(t, job.Validate(), ErrCommandRequired)

	job = newRunningJob()
	job.InputRef = ""
	assert.ErrorIs(t, job.Validate(), ErrInputRequired)

	job = newRunningJob()
	job.InputKind = "ftp"
	var verr ErrValidation
	assert.True(t, errors.As(job.Validate(), &verr))
	assert.Equal(t, "input_kind", verr.Field)
}

func TestJobUpdate_Apply_ProgressMonotonic(t *testing.T) {
	job := newRunningJob()

	require.NoError(t, ProgressUpdate(30).Apply(job))
	assert.Equal(t, 40, job.Progress, "lower progress must not overwrite")

	require.NoError(t, ProgressUpdate(75).Apply(job))
	assert.Equal(t, 75, job.Progress)

	require.NoError(t, ProgressUpdate(100).Apply(job))
	assert.Equal(t, MaxRunningProgress, job.Progress, "running jobs cap at 99")
}

func TestJobUpdate_Apply_Complete(t *testing.T) {
	job := newRunningJob()

	require.NoError(t, CompleteUpdate("p1/media/edited/out.mp4", "http://cdn/out.mp4", "").Apply(job))
	assert.Equal(t, JobStatusComplete, job.Status)
	assert.Equal(t, CompleteProgress, job.Progress)
	assert.Equal(t, "http://cdn/out.mp4", job.VisibleOutputURL())
	require.NotNil(t, job.CompletedAt)
	assert.WithinDuration(t, time.Now(), *job.CompletedAt, time.Minute)
	assert.WithinDuration(t, *job.CompletedAt, job.UpdatedAt, time.Second)
}

func TestJobUpdate_Apply_TerminalIsFinal(t *testing.T) {
	job := newRunningJob()
	require.NoError(t, FailedUpdate("boom").Apply(job))
	assert.Equal(t, "boom", job.ErrorLog)

	err := CompleteUpdate("k", "u", "").Apply(job)
	assert.ErrorIs(t, err, ErrJobFinalized)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Empty(t, job.VisibleOutputURL())

	assert.ErrorIs(t, ProgressUpdate(99).Apply(job), ErrJobFinalized)
}

func TestJobUpdate_Apply_RejectsBackwards(t *testing.T) {
	job := newRunningJob()
	status := JobStatusStarting
	err := JobUpdate{Status: &status}.Apply(job)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, JobStatusProcessing, job.Status)
}

func TestFailedUpdate_DefaultReason(t *testing.T) {
	u := FailedUpdate("")
	require.NotNil(t, u.ErrorLog)
	assert.Equal(t, "FFmpeg process failed", *u.ErrorLog)
}

func TestJobUpdate_IsZero(t *testing.T) {
	assert.True(t, JobUpdate{}.IsZero())
	assert.False(t, ProgressUpdate(1).IsZero())
}
