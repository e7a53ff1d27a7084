package objectstore

import (
	"context"
	"fmt"

	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/storage"
)

// LocalStore publishes artifacts into a directory served by the HTTP
// server under PublicBaseURL.
type LocalStore struct {
	sandbox       *storage.Sandbox
	publicBaseURL string
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir, publicBaseURL string) (*LocalStore, error) {
	sb, err := storage.NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating publish directory: %w", err)
	}
	return &LocalStore{sandbox: sb, publicBaseURL: publicBaseURL}, nil
}

// Name implements Store.
func (s *LocalStore) Name() string { return BackendLocal }

// Root returns the publish directory.
func (s *LocalStore) Root() string { return s.sandbox.BaseDir() }

// Upload moves localPath into the publish directory under key.
func (s *LocalStore) Upload(ctx context.Context, localPath, key, _ string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, fmt.Errorf("%w: %w", models.ErrUploadFailed, err)
	}
	if err := s.sandbox.AtomicPublish(localPath, key); err != nil {
		return Object{}, fmt.Errorf("%w: publishing %s: %w", models.ErrUploadFailed, key, err)
	}
	location, err := s.sandbox.ResolvePath(key)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %w", models.ErrUploadFailed, err)
	}
	return Object{
		Key:      key,
		URL:      joinURL(s.publicBaseURL, key),
		Location: location,
	}, nil
}

// Delete removes a published object.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	return s.sandbox.Remove(key)
}
