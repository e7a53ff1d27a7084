// Package httpclient is the outbound HTTP client shared by remote input
// downloads and the S3 object store: a circuit breaker per client, optional
// retries with backoff, and response decoding for gzip, deflate and brotli.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

const (
	DefaultConnectTimeout       = 30 * time.Second
	DefaultRetryDelay           = time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultBackoffMultiplier    = 2.0
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultCircuitHalfOpenMax   = 1
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "transcodarr/dev"
)

const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
)

// Config configures a Client.
type Config struct {
	// Timeout bounds a whole request including the body. Zero leaves
	// streamed bodies unbounded, which is what downloads want.
	Timeout time.Duration
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for headers after the request
	// is written.
	ResponseHeaderTimeout time.Duration

	// RetryAttempts is the number of extra attempts after the first.
	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent string
	Logger    *slog.Logger

	// EnableDecompression decodes Content-Encoding transparently.
	EnableDecompression bool
	// MaxResponseSize limits decoded body bytes. Zero is unlimited.
	MaxResponseSize int64

	// BaseClient replaces the client built from the timeouts above.
	BaseClient *http.Client
}

// DefaultConfig returns a client config with no retries and no overall timeout.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:        DefaultConnectTimeout,
		ResponseHeaderTimeout: DefaultConnectTimeout,
		RetryDelay:            DefaultRetryDelay,
		RetryMaxDelay:         DefaultRetryMaxDelay,
		BackoffMultiplier:     DefaultBackoffMultiplier,
		CircuitThreshold:      DefaultCircuitThreshold,
		CircuitTimeout:        DefaultCircuitTimeout,
		CircuitHalfOpenMax:    DefaultCircuitHalfOpenMax,
		UserAgent:             DefaultUserAgentHeader,
		Logger:                slog.Default(),
		EnableDecompression:   true,
	}
}

// Client wraps http.Client with a circuit breaker and retries.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New builds a client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	hc := cfg.BaseClient
	if hc == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				// decode handles compression so brotli is covered as well.
				DisableCompression: true,
			},
		}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
}

// Get issues a GET for url bound to ctx.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// Do sends req through the breaker, retrying transport errors and
// 429/502/503/504 up to RetryAttempts times. A request body is only safe to
// retry when req.GetBody is set. Exhausted attempts return ErrMaxRetries
// wrapping the last failure.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get(HeaderUserAgent) == "" && c.cfg.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.cfg.UserAgent)
	}
	if c.cfg.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	log := c.logger.With(slog.String("method", req.Method), slog.String("url", req.URL.Redacted()))
	delay := c.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			log.Debug("retrying request", slog.Int("attempt", attempt), slog.Duration("delay", delay))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = c.nextDelay(delay)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			log.Warn("circuit breaker open, skipping request", slog.String("state", c.breaker.State().String()))
			continue
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.breaker.RecordFailure()
			log.Warn("request failed",
				slog.Int("attempt", attempt),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		retryable := isRetryableStatus(resp.StatusCode)
		// 4xx other than 429 means the upstream answered; it is not a breaker failure.
		if retryable || resp.StatusCode >= 500 {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		if retryable && attempt < c.cfg.RetryAttempts {
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			log.Warn("retryable status code", slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt))
			resp.Body.Close()
			continue
		}

		log.Debug("request completed",
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", time.Since(start)),
			slog.Int64("content_length", resp.ContentLength),
		)
		c.decorate(resp)
		return resp, nil
	}

	if lastErr == nil {
		return nil, ErrMaxRetries
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// CircuitState reports the breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

func (c *Client) nextDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * c.cfg.BackoffMultiplier)
	if c.cfg.RetryMaxDelay > 0 && d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	return d
}

// decorate installs the decoding and size-limit readers on resp.Body. The
// limit applies to decoded bytes so a small compressed body cannot expand
// past it.
func (c *Client) decorate(resp *http.Response) {
	if c.cfg.EnableDecompression {
		resp.Body = c.decode(resp)
	}
	if c.cfg.MaxResponseSize > 0 {
		resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: c.cfg.MaxResponseSize}
	}
}

func (c *Client) decode(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))

	var r io.Reader
	switch encoding {
	case "", "identity":
		return resp.Body
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("invalid gzip body, passing through", slog.String("error", err.Error()))
			return resp.Body
		}
		r = gz
	case "deflate":
		r = flate.NewReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		c.logger.Debug("unknown content encoding, passing through", slog.String("encoding", encoding))
		return resp.Body
	}

	resp.Header.Del(HeaderContentEncoding)
	resp.ContentLength = -1
	return &decodedBody{Reader: r, raw: resp.Body}
}

type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return d.raw.Close()
}

// limitedBody fails with ErrResponseTooLarge once the limit is passed.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrResponseTooLarge
	}
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
