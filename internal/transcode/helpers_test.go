package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transcodarr/internal/events"
	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/objectstore"
	"github.com/jmylchreest/transcodarr/internal/storage"
	"github.com/jmylchreest/transcodarr/internal/testutil"
)

const testCommand = "ffmpeg -i input.mp4 -c copy output.mp4"

// logBuffer collects JSON log lines from concurrent writers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// lines returns the raw records whose message is msg.
func (b *logBuffer) lines(msg string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if strings.Contains(line, `"msg":"`+msg+`"`) {
			out = append(out, line)
		}
	}
	return out
}

// withLogs routes runner logs into buf.
func withLogs(buf *logBuffer) envOption {
	return func(_ *RunnerConfig, deps *RunnerDeps) {
		deps.Logger = slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}

// memStore applies updates with the same rules as the real stores.
type memStore struct {
	mu   sync.Mutex
	jobs map[models.ULID]*models.Job
	err  error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[models.ULID]*models.Job)}
}

func (s *memStore) add(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
}

func (s *memStore) Update(_ context.Context, id models.ULID, upd models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	return upd.Apply(job)
}

func (s *memStore) get(id models.ULID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

// recorder keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (r *recorder) Publish(_ context.Context, ev events.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []events.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.JobEvent(nil), r.events...)
}

type failingUploader struct{ deleted []string }

func (u *failingUploader) Upload(context.Context, string, string, string) (objectstore.Object, error) {
	return objectstore.Object{}, fmt.Errorf("%w: bucket unreachable", models.ErrUploadFailed)
}

func (u *failingUploader) Delete(_ context.Context, key string) error {
	u.deleted = append(u.deleted, key)
	return nil
}

type testEnv struct {
	staging    *storage.Staging
	store      *memStore
	events     *recorder
	publishDir string
	runner     *Runner
}

type envOption func(*RunnerConfig, *RunnerDeps)

func newTestEnv(t *testing.T, ffmpegScript string, opts ...envOption) *testEnv {
	t.Helper()
	root := t.TempDir()
	staging, err := storage.NewStaging(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, err)

	publishDir := filepath.Join(root, "publish")
	local, err := objectstore.NewLocalStore(publishDir, "http://files.test/")
	require.NoError(t, err)

	env := &testEnv{
		staging:    staging,
		store:      newMemStore(),
		events:     &recorder{},
		publishDir: publishDir,
	}

	cfg := RunnerConfig{
		FFmpegPath:      testutil.FakeBinary(t, "ffmpeg", ffmpegScript),
		AssumedDuration: 30 * time.Second,
		KeyPrefix:       "media/edited",
	}
	deps := RunnerDeps{
		Prober:   ffmpeg.NewProber(testutil.FakeBinary(t, "ffprobe", testutil.FFprobeScript("2.0")), nil),
		Feeder:   NewFeeder(NewDownloadClient(FeederConfig{}, 0, 0, "", nil), FeederConfig{}, nil),
		Staging:  staging,
		Store:    env.store,
		Uploader: local,
		Events:   env.events,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	env.runner = NewRunner(cfg, deps)
	return env
}

func (e *testEnv) fileTask(t *testing.T, content string) Task {
	t.Helper()
	job := &models.Job{
		Status:    models.JobStatusStarting,
		InputKind: models.InputKindFile,
		Command:   testCommand,
		ProjectID: "proj",
	}
	job.ID = models.NewULID()
	path, _, err := e.staging.StageUpload(job.ID, "clip.mp4", strings.NewReader(content))
	require.NoError(t, err)
	job.InputRef = path
	return e.task(t, job)
}

func (e *testEnv) urlTask(t *testing.T, url string) Task {
	t.Helper()
	job := &models.Job{
		Status:    models.JobStatusStarting,
		InputKind: models.InputKindURL,
		InputRef:  url,
		Command:   testCommand,
	}
	job.ID = models.NewULID()
	return e.task(t, job)
}

func (e *testEnv) task(t *testing.T, job *models.Job) Task {
	t.Helper()
	e.store.add(job)
	src, err := SourceForJob(job)
	require.NoError(t, err)
	tmpl, err := ffmpeg.ParseTemplate(job.Command, "ffmpeg")
	require.NoError(t, err)
	return Task{Job: job, Source: src, Template: tmpl}
}

// dirEntries lists the files left in dir.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
