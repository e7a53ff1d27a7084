package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jmylchreest/transcodarr/internal/config"
	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/observability"
	"github.com/jmylchreest/transcodarr/pkg/httpclient"
)

const defaultS3RequestTimeout = 5 * time.Minute

// S3Store uploads artifacts to an S3-compatible bucket using SigV4 signed
// path-style requests.
type S3Store struct {
	cfg      config.S3Config
	endpoint *url.URL
	client   *httpclient.Client
	logger   *slog.Logger
}

// NewS3Store validates cfg and creates the store.
func NewS3Store(cfg config.S3Config, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if cfg.Bucket == "" || endpoint == "" {
		return nil, fmt.Errorf("s3 object store requires endpoint and bucket")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultS3RequestTimeout
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	base := &url.URL{Scheme: scheme, Host: endpoint}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parsing s3 endpoint: %w", err)
		}
		base = &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: parsed.Path}
	}
	if base.Host == "" {
		return nil, fmt.Errorf("s3 endpoint %q has no host", cfg.Endpoint)
	}

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Logger = logger
	clientCfg.EnableDecompression = false
	clientCfg.BaseClient = &http.Client{Timeout: cfg.RequestTimeout}

	return &S3Store{
		cfg:      cfg,
		endpoint: base,
		client:   httpclient.New(clientCfg),
		logger:   observability.WithComponent(logger, "s3_store"),
	}, nil
}

// Name implements Store.
func (s *S3Store) Name() string { return BackendS3 }

// Upload streams localPath to the bucket under key.
func (s *S3Store) Upload(ctx context.Context, localPath, key, contentType string) (Object, error) {
	key = strings.TrimLeft(key, "/")

	payloadHash, size, err := hashFile(localPath)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %w", models.ErrUploadFailed, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return Object{}, fmt.Errorf("%w: opening artifact: %w", models.ErrUploadFailed, err)
	}
	defer f.Close()

	target := s.objectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), f)
	if err != nil {
		return Object{}, fmt.Errorf("%w: creating request: %w", models.ErrUploadFailed, err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	s.signRequest(req, payloadHash, time.Now())

	resp, err := s.client.Do(req)
	if err != nil {
		return Object{}, fmt.Errorf("%w: uploading %s: %w", models.ErrUploadFailed, key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Object{}, fmt.Errorf("%w: uploading %s: unexpected status %d: %s",
			models.ErrUploadFailed, key, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.logger.Debug("uploaded object", slog.String("key", key), slog.Int64("size", size))
	return Object{
		Key:      key,
		URL:      s.publicURL(key),
		Location: "s3://" + s.cfg.Bucket + "/" + key,
	}, nil
}

// Delete removes an object from the bucket.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	target := s.objectURL(strings.TrimLeft(key, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	s.signRequest(req, emptyPayloadHash, time.Now())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("deleting object %s: unexpected status %d", key, resp.StatusCode)
}

func (s *S3Store) objectURL(key string) *url.URL {
	p := strings.TrimRight(s.endpoint.Path, "/") + "/" + s.cfg.Bucket
	if key != "" {
		p += "/" + key
	}
	u := *s.endpoint
	u.Path = p
	return &u
}

func (s *S3Store) publicURL(key string) string {
	if base := strings.TrimSpace(s.cfg.PublicEndpoint); base != "" {
		return joinURL(base, key)
	}
	return s.objectURL(key).String()
}

// signRequest adds AWS SigV4 headers. Without credentials the request is
// sent unsigned, which suits public-write development buckets.
func (s *S3Store) signRequest(req *http.Request, payloadHash string, now time.Time) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)

	accessKey := strings.TrimSpace(s.cfg.AccessKey)
	secretKey := strings.TrimSpace(s.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	region := strings.TrimSpace(s.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	now = now.UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signature := hmacSHA256Hex(deriveSigningKey(secretKey, dateStamp, region), stringToSign)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, scope, signedHeaders, signature,
	))
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}

	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(strings.Join(headerMap[key], ","))
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(keys, ";")
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func canonicalQuery(u *url.URL) string {
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var pairs []string
	for _, key := range keys {
		vals := values[key]
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(hmacSHA256(key, []byte(data)))
}

var emptyPayloadHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// hashFile returns the hex SHA-256 and size of a file without loading it
// into memory.
func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
