package models

import (
	"time"
)

// JobStatus represents the current status of a transcoding job.
type JobStatus string

const (
	// JobStatusStarting indicates the job is admitted and waiting for its subprocess.
	JobStatusStarting JobStatus = "starting"
	// JobStatusProcessing indicates the subprocess is running.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusComplete indicates the artifact was produced and uploaded.
	JobStatusComplete JobStatus = "complete"
	// JobStatusFailed indicates the job ended without a usable artifact.
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusStarting:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusComplete, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the state
// machine forward-only. Re-asserting the current non-terminal status is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// InputKind identifies where a job's input comes from.
type InputKind string

const (
	// InputKindFile is a file already staged on local disk.
	InputKindFile InputKind = "file"
	// InputKindURL is a remote URL streamed into the subprocess.
	InputKindURL InputKind = "url"
)

// Progress bounds.
const (
	MaxRunningProgress = 99
	CompleteProgress   = 100
)

// Job is the durable record of one transcoding run.
type Job struct {
	BaseModel

	Status   JobStatus `gorm:"not null;default:'starting';size:20;index" json:"status"`
	Progress int       `gorm:"not null;default:0" json:"progress"`

	// SourceDuration is the probed input duration in seconds; 0 means unknown.
	SourceDuration float64 `json:"source_duration"`

	InputKind InputKind `gorm:"not null;size:10" json:"input_kind"`
	InputRef  string    `gorm:"not null;size:2048" json:"input_ref"`
	Command   string    `gorm:"type:text;not null" json:"command"`

	ProjectID string `gorm:"size:255;index" json:"project_id,omitempty"`
	ClientID  string `gorm:"size:255;index" json:"client_id,omitempty"`

	// OutputPath and OutputURL are only populated once the job is complete.
	OutputPath string `gorm:"size:2048" json:"output_path,omitempty"`
	OutputURL  string `gorm:"size:2048" json:"output_url,omitempty"`

	// ErrorLog holds the bounded stderr tail or the failure reason.
	ErrorLog string `gorm:"type:text" json:"error_log,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// Validate checks that the job carries an input and a command.
func (j *Job) Validate() error {
	if j.Command == "" {
		return ErrCommandRequired
	}
	if j.InputRef == "" {
		return ErrInputRequired
	}
	if j.InputKind != InputKindFile && j.InputKind != InputKindURL {
		return ErrValidation{Field: "input_kind", Message: "must be 'file' or 'url'"}
	}
	return nil
}

// IsFinished reports whether the job reached a terminal status.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// VisibleOutputURL returns the output URL only when the job is complete.
func (j *Job) VisibleOutputURL() string {
	if j.Status != JobStatusComplete {
		return ""
	}
	return j.OutputURL
}

// JobUpdate is a partial mutation of a Job. Nil fields are left untouched.
type JobUpdate struct {
	Status         *JobStatus
	Progress       *int
	SourceDuration *float64
	OutputPath     *string
	OutputURL      *string
	ErrorLog       *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// IsZero reports whether the update changes nothing.
func (u JobUpdate) IsZero() bool {
	return u == JobUpdate{}
}

// Apply mutates j according to the store rules: terminal jobs are never
// changed, status only moves forward, and progress never decreases.
func (u JobUpdate) Apply(j *Job) error {
	if j.Status.IsTerminal() {
		return ErrJobFinalized
	}
	if u.Status != nil {
		if !j.Status.CanTransitionTo(*u.Status) {
			return ErrInvalidTransition
		}
		j.Status = *u.Status
	}
	if u.Progress != nil && *u.Progress > j.Progress {
		j.Progress = *u.Progress
	}
	if j.Status != JobStatusComplete && j.Progress > MaxRunningProgress {
		j.Progress = MaxRunningProgress
	}
	if u.SourceDuration != nil {
		j.SourceDuration = *u.SourceDuration
	}
	if u.OutputPath != nil {
		j.OutputPath = *u.OutputPath
	}
	if u.OutputURL != nil {
		j.OutputURL = *u.OutputURL
	}
	if u.ErrorLog != nil {
		j.ErrorLog = *u.ErrorLog
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	j.UpdatedAt = time.Now()
	return nil
}

// ProgressUpdate builds an update that only raises progress.
func ProgressUpdate(progress int) JobUpdate {
	return JobUpdate{Progress: &progress}
}

// ProcessingUpdate marks the subprocess as spawned.
func ProcessingUpdate() JobUpdate {
	status := JobStatusProcessing
	return JobUpdate{Status: &status}
}

// CompleteUpdate finalizes a successful job.
func CompleteUpdate(location, url, errorLog string) JobUpdate {
	status := JobStatusComplete
	progress := CompleteProgress
	now := time.Now()
	u := JobUpdate{
		Status:      &status,
		Progress:    &progress,
		OutputPath:  &location,
		OutputURL:   &url,
		CompletedAt: &now,
	}
	if errorLog != "" {
		u.ErrorLog = &errorLog
	}
	return u
}

// FailedUpdate finalizes an unsuccessful job. An empty reason is replaced so
// failed jobs always carry a diagnostic.
func FailedUpdate(reason string) JobUpdate {
	if reason == "" {
		reason = "FFmpeg process failed"
	}
	status := JobStatusFailed
	now := time.Now()
	return JobUpdate{
		Status:      &status,
		ErrorLog:    &reason,
		CompletedAt: &now,
	}
}
