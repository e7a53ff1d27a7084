package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// ProbeResult contains the ffprobe format and stream summary.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	NumStreams int    `json:"nb_streams"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"` // video, audio, subtitle, data
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

// DurationSeconds returns the container duration, or 0 when unknown.
func (r *ProbeResult) DurationSeconds() float64 {
	d, err := parseDuration(r.Format.Duration)
	if err != nil {
		return 0
	}
	return d
}

// GetStreamsByType returns all streams of a given type.
func (r *ProbeResult) GetStreamsByType(codecType string) []ProbeStream {
	var streams []ProbeStream
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			streams = append(streams, s)
		}
	}
	return streams
}

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewProber creates a new prober. An empty path disables probing.
func NewProber(ffprobePath string, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
		logger:      logger,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Available reports whether an ffprobe binary is configured.
func (p *Prober) Available() bool {
	return p != nil && p.ffprobePath != ""
}

// Duration returns the container duration of target in seconds.
// Failures wrap models.ErrProbeFailed.
func (p *Prober) Duration(ctx context.Context, target string) (float64, error) {
	if !p.Available() {
		return 0, fmt.Errorf("%w: ffprobe not available", models.ErrProbeFailed)
	}

	output, err := p.run(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		target,
	)
	if err != nil {
		return 0, err
	}

	d, err := parseDuration(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrProbeFailed, err)
	}
	return d, nil
}

// DurationOrUnknown is Duration with failures logged and reported as 0.
func (p *Prober) DurationOrUnknown(ctx context.Context, target string) float64 {
	d, err := p.Duration(ctx, target)
	if err != nil {
		p.logger.Warn("duration probe failed, progress will be estimated",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return d
}

// Probe returns the format and stream summary of target.
func (p *Prober) Probe(ctx context.Context, target string) (*ProbeResult, error) {
	if !p.Available() {
		return nil, fmt.Errorf("%w: ffprobe not available", models.ErrProbeFailed)
	}

	output, err := p.run(ctx,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		target,
	)
	if err != nil {
		return nil, err
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("%w: parsing ffprobe output: %w", models.ErrProbeFailed, err)
	}
	return &result, nil
}

func (p *Prober) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timeout after %v", models.ErrProbeFailed, p.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%w: %s", models.ErrProbeFailed, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%w: %w", models.ErrProbeFailed, err)
	}
	return output, nil
}

func parseDuration(s string) (float64, error) {
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("duration unavailable")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %v", d)
	}
	return d, nil
}
