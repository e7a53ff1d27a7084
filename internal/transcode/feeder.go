package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	neturl "net/url"
	"time"

	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/pkg/httpclient"
)

// ErrInputClosed is returned when the subprocess stops accepting input.
var ErrInputClosed = errors.New("subprocess input closed")

var (
	errConnectTimeout = errors.New("connect timeout")
	errIdleTimeout    = errors.New("idle timeout")
)

// Feeder defaults.
const (
	DefaultChunkSize      = 64 * 1024
	DefaultConnectTimeout = 30 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
)

// FeedError describes why streaming a remote input stopped. Its message is
// the human readable reason recorded on the job.
type FeedError struct {
	// Kind is models.ErrDownloadFailed, models.ErrDownloadTimeout or ErrInputClosed.
	Kind       error
	StatusCode int
	Timeout    time.Duration
	Err        error
}

func (e *FeedError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("Failed to fetch video: %d", e.StatusCode)
	case errors.Is(e.Kind, models.ErrDownloadTimeout):
		return fmt.Sprintf("Request timeout after %d seconds", int(e.Timeout.Seconds()))
	case errors.Is(e.Kind, ErrInputClosed):
		return "Stream error: " + errText(e.Err)
	default:
		return "Download error: " + errText(e.Err)
	}
}

// Unwrap exposes both the classification and the cause.
func (e *FeedError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// ByteFunc receives the running byte count and the expected total (-1 if unknown).
type ByteFunc func(received, total int64)

// FeederConfig configures a Feeder.
type FeederConfig struct {
	ChunkSize      int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	// MaxSize caps the bytes read from the remote input. Zero is unlimited.
	MaxSize int64
}

// Feeder streams a remote URL into a subprocess stdin through one fixed
// chunk buffer. Each chunk is written before the next read, so the slower
// side sets the pace and memory stays bounded by the chunk size.
type Feeder struct {
	client *httpclient.Client
	cfg    FeederConfig
	logger *slog.Logger
}

// NewFeeder creates a feeder. The client should have retries disabled.
func NewFeeder(client *httpclient.Client, cfg FeederConfig, logger *slog.Logger) *Feeder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{client: client, cfg: cfg, logger: logger}
}

// NewDownloadClient builds the HTTP client used for remote inputs: no
// retries, no overall timeout, breaker and connect limits from cfg.
func NewDownloadClient(cfg FeederConfig, circuitThreshold int, circuitTimeout time.Duration, userAgent string, logger *slog.Logger) *httpclient.Client {
	c := httpclient.DefaultConfig()
	c.RetryAttempts = 0
	c.Timeout = 0
	c.ConnectTimeout = cfg.ConnectTimeout
	c.ResponseHeaderTimeout = cfg.ConnectTimeout
	c.MaxResponseSize = cfg.MaxSize
	c.CircuitThreshold = circuitThreshold
	c.CircuitTimeout = circuitTimeout
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	if logger != nil {
		c.Logger = logger
	}
	return httpclient.New(c)
}

// Feed downloads url into stdin and closes stdin once the whole body has
// been written. It returns the number of bytes written. Failures are
// *FeedError values except when ctx itself is cancelled, in which case its
// cause is returned.
//
// On failure stdin is left open: closing it would hand the transcoder a clean
// end of input and let it finish a truncated output. The caller kills the
// process instead.
func (f *Feeder) Feed(ctx context.Context, url string, stdin io.WriteCloser, onBytes ByteFunc) (int64, error) {
	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	connectTimer := time.AfterFunc(f.cfg.ConnectTimeout, func() { cancel(errConnectTimeout) })
	resp, err := f.client.Get(fctx, url)
	connectTimer.Stop()
	if err != nil {
		return 0, f.classify(ctx, fctx, err, f.cfg.ConnectTimeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &FeedError{Kind: models.ErrDownloadFailed, StatusCode: resp.StatusCode}
	}

	total := resp.ContentLength
	buf := make([]byte, f.cfg.ChunkSize)
	idle := time.AfterFunc(f.cfg.IdleTimeout, func() { cancel(errIdleTimeout) })
	idle.Stop()
	defer idle.Stop()

	var received int64
	for {
		// The idle clock only runs while waiting on the network; time spent
		// blocked on a slow subprocess is not inactivity.
		idle.Reset(f.cfg.IdleTimeout)
		n, rerr := resp.Body.Read(buf)
		idle.Stop()

		if n > 0 {
			if _, werr := stdin.Write(buf[:n]); werr != nil {
				return received, &FeedError{Kind: ErrInputClosed, Err: werr}
			}
			received += int64(n)
			if onBytes != nil {
				onBytes(received, total)
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return received, f.classify(ctx, fctx, rerr, f.cfg.IdleTimeout)
		}
	}

	if err := stdin.Close(); err != nil {
		return received, &FeedError{Kind: ErrInputClosed, Err: err}
	}

	f.logger.Debug("input stream finished",
		slog.String("url", redactURL(url)),
		slog.Int64("bytes", received),
	)
	return received, nil
}

func (f *Feeder) classify(parent, fctx context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return context.Cause(parent)
	}
	switch cause := context.Cause(fctx); {
	case errors.Is(cause, errConnectTimeout):
		return &FeedError{Kind: models.ErrDownloadTimeout, Timeout: f.cfg.ConnectTimeout, Err: err}
	case errors.Is(cause, errIdleTimeout):
		return &FeedError{Kind: models.ErrDownloadTimeout, Timeout: f.cfg.IdleTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FeedError{Kind: models.ErrDownloadTimeout, Timeout: timeout, Err: err}
	}
	return &FeedError{Kind: models.ErrDownloadFailed, Err: err}
}

// redactURL drops credentials and query strings before logging.
func redactURL(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.Redacted()
}
