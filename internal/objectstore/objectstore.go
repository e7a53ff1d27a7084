// Package objectstore externalizes finished artifacts and reports where
// they can be fetched from.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/jmylchreest/transcodarr/internal/config"
	"github.com/jmylchreest/transcodarr/pkg/httpclient"
)

// Backend names.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// DefaultNamespace is used for object keys when a job has no project.
const DefaultNamespace = "uploads"

// Object describes an uploaded artifact.
type Object struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	Location string `json:"location"`
}

// Store uploads local files under a key. Upload failures wrap
// models.ErrUploadFailed.
type Store interface {
	Upload(ctx context.Context, localPath, key, contentType string) (Object, error)
	Delete(ctx context.Context, key string) error
	Name() string
}

// ObjectKey builds <namespace>/<prefix>/<fileName>, e.g.
// "proj-1/media/edited/1700000000000-01H....mp4".
func ObjectKey(projectID, prefix, fileName string) string {
	ns := strings.Trim(strings.TrimSpace(projectID), "/")
	if ns == "" {
		ns = DefaultNamespace
	}
	parts := []string{ns}
	if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, path.Base("/"+fileName))
	return strings.Join(parts, "/")
}

// New builds the configured store. The S3 client is registered with clients
// so its circuit breaker shows up in health reports.
func New(cfg config.ObjectStoreConfig, publishDir string, clients *httpclient.Registry, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalStore(publishDir, cfg.PublicBaseURL)
	case BackendS3:
		store, err := NewS3Store(cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		if clients != nil {
			clients.Register("objectstore", store.client)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

// joinURL appends an escaped key to a base URL.
func joinURL(base, key string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	escaped := strings.Join(segments, "/")
	if trimmedBase == "" {
		return "/" + escaped
	}
	return trimmedBase + "/" + escaped
}
