package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// DefaultOutputExt is used when the input carries no usable extension.
const DefaultOutputExt = ".mp4"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Staging owns the upload and output scratch directories. Each job writes
// only paths prefixed with its ID, so concurrent jobs never collide.
type Staging struct {
	uploads *Sandbox
	outputs *Sandbox
}

// NewStaging creates both staging directories.
func NewStaging(uploadDir, outputDir string) (*Staging, error) {
	uploads, err := NewSandbox(uploadDir)
	if err != nil {
		return nil, fmt.Errorf("upload staging: %w", err)
	}
	outputs, err := NewSandbox(outputDir)
	if err != nil {
		return nil, fmt.Errorf("output staging: %w", err)
	}
	return &Staging{uploads: uploads, outputs: outputs}, nil
}

// Uploads returns the upload staging sandbox.
func (s *Staging) Uploads() *Sandbox { return s.uploads }

// Outputs returns the output staging sandbox.
func (s *Staging) Outputs() *Sandbox { return s.outputs }

// StageUpload streams an uploaded file to <jobID>-<name> in the upload
// directory and returns its absolute path and size.
func (s *Staging) StageUpload(jobID models.ULID, filename string, r io.Reader) (string, int64, error) {
	name := jobID.String() + "-" + SanitizeFilename(filename)
	n, err := s.uploads.AtomicWriteReader(name, r)
	if err != nil {
		return "", n, fmt.Errorf("staging upload: %w", err)
	}
	path, err := s.uploads.ResolvePath(name)
	if err != nil {
		return "", n, err
	}
	return path, n, nil
}

// OutputPath returns the absolute staging path for a job's artifact.
// Streamed inputs are named <unix-ms>-<jobID>.mp4; uploaded inputs keep
// their extension as <unix-ms>-<jobID>-output<ext>.
func (s *Staging) OutputPath(jobID models.ULID, kind models.InputKind, inputRef string, now time.Time) (string, error) {
	var name string
	if kind == models.InputKindURL {
		name = fmt.Sprintf("%d-%s%s", now.UnixMilli(), jobID, DefaultOutputExt)
	} else {
		ext := strings.ToLower(filepath.Ext(inputRef))
		if ext == "" || unsafeNameChars.MatchString(ext[1:]) {
			ext = DefaultOutputExt
		}
		name = fmt.Sprintf("%d-%s-output%s", now.UnixMilli(), jobID, ext)
	}
	return s.outputs.ResolvePath(name)
}

// Remove deletes a staged file given its absolute path. Paths outside the
// staging directories are refused and missing files are ignored.
func (s *Staging) Remove(absPath string) error {
	if absPath == "" {
		return nil
	}
	for _, sb := range []*Sandbox{s.uploads, s.outputs} {
		if sb.Contains(absPath) {
			rel, err := filepath.Rel(sb.BaseDir(), absPath)
			if err != nil {
				return err
			}
			return sb.Remove(rel)
		}
	}
	return fmt.Errorf("%w: %s", ErrPathEscapes, absPath)
}

// NonEmpty reports whether a staged file exists and has content.
func (s *Staging) NonEmpty(absPath string) bool {
	info, err := os.Stat(absPath)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Dirs returns the staging directories scanned by the sweeper.
func (s *Staging) Dirs() []*Sandbox {
	return []*Sandbox{s.uploads, s.outputs}
}

// stripMarks folds accented letters to their base form.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// SanitizeFilename reduces a client-supplied name to a safe base name.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = stripMarks(base)
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, ".")
	if base == "" || base == "_" {
		return "upload" + DefaultOutputExt
	}
	return base
}
