// Package transcode supervises transcoding jobs: it feeds input to the
// subprocess, tracks progress, finalizes job state and bounds concurrency.
package transcode

import (
	"fmt"

	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
	"github.com/jmylchreest/transcodarr/internal/models"
)

// InputSource is where a job's input comes from. It is either a LocalFile
// or a RemoteURL.
type InputSource interface {
	Kind() models.InputKind
	Ref() string
	isInputSource()
}

// LocalFile is an input already staged on disk.
type LocalFile struct {
	Path string
	// RemoveOnExit deletes the file once the job ends, whatever the outcome.
	RemoveOnExit bool
}

// Kind implements InputSource.
func (LocalFile) Kind() models.InputKind { return models.InputKindFile }

// Ref implements InputSource.
func (f LocalFile) Ref() string { return f.Path }

func (LocalFile) isInputSource() {}

// RemoteURL is an input streamed from an HTTP(S) URL into the subprocess stdin.
type RemoteURL struct {
	URL string
}

// Kind implements InputSource.
func (RemoteURL) Kind() models.InputKind { return models.InputKindURL }

// Ref implements InputSource.
func (u RemoteURL) Ref() string { return u.URL }

func (RemoteURL) isInputSource() {}

// SourceForJob rebuilds the input source recorded on a job.
func SourceForJob(job *models.Job) (InputSource, error) {
	switch job.InputKind {
	case models.InputKindFile:
		return LocalFile{Path: job.InputRef, RemoveOnExit: true}, nil
	case models.InputKindURL:
		return RemoteURL{URL: job.InputRef}, nil
	default:
		return nil, fmt.Errorf("unknown input kind %q", job.InputKind)
	}
}

// commandInput returns the argument placed in the template's input slot.
func commandInput(src InputSource) string {
	switch s := src.(type) {
	case LocalFile:
		return s.Path
	case RemoteURL:
		return ffmpeg.StdinInput
	default:
		return ""
	}
}
