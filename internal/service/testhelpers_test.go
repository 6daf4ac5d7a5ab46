package service

// In-memory реализации репозиториев для unit-тестов сервисного слоя.
// Повторяют контракты pgx-реализаций, включая семантику ErrNotFound
// и порядок выборки заданий.

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/mediahub/upload-module/internal/config"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/chunkstore"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/wal"
	"github.com/arturkryukov/mediahub/upload-module/internal/transcoder"
)

// --- memSessionRepo ---

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.UploadSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.UploadSession)}
}

func copySession(s *model.UploadSession) *model.UploadSession {
	c := *s
	c.ReceivedChunks = append([]int(nil), s.ReceivedChunks...)
	return &c
}

func (m *memSessionRepo) Create(_ context.Context, s *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *memSessionRepo) Get(_ context.Context, id string) (*model.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySession(s), nil
}

func (m *memSessionRepo) GetForUser(_ context.Context, id, userID string) (*model.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return copySession(s), nil
}

func (m *memSessionRepo) MarkChunkReceived(_ context.Context, id string, chunkIndex int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	for _, idx := range s.ReceivedChunks {
		if idx == chunkIndex {
			return false, nil
		}
	}
	s.ReceivedChunks = append(s.ReceivedChunks, chunkIndex)
	s.LastActivityAt = time.Now().UTC()
	s.UpdatedAt = s.LastActivityAt
	return true, nil
}

func (m *memSessionRepo) RemoveChunkRecord(_ context.Context, id string, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	out := s.ReceivedChunks[:0]
	for _, idx := range s.ReceivedChunks {
		if idx != chunkIndex {
			out = append(out, idx)
		}
	}
	s.ReceivedChunks = out
	return nil
}

func (m *memSessionRepo) ReplaceReceivedChunks(_ context.Context, id string, chunks []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.ReceivedChunks = append([]int(nil), chunks...)
	return nil
}

func (m *memSessionRepo) UpdateStatus(_ context.Context, id string, status model.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memSessionRepo) ListExpired(_ context.Context, now time.Time) ([]*model.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.UploadSession
	for _, s := range m.sessions {
		if s.Status == model.SessionUploading && s.ExpiresAt.Before(now) {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (m *memSessionRepo) ListTerminalOlderThan(_ context.Context, cutoff time.Time) ([]*model.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.UploadSession
	for _, s := range m.sessions {
		if s.Status.IsTerminal() && s.UpdatedAt.Before(cutoff) {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (m *memSessionRepo) ActiveChunkDirs(_ context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirs := make(map[string]bool)
	for _, s := range m.sessions {
		if s.Status == model.SessionUploading {
			dirs[s.ChunkDir] = true
		}
	}
	return dirs, nil
}

func (m *memSessionRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// --- memJobRepo ---

type memJobRepo struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*model.ConversionJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[int64]*model.ConversionJob)}
}

func copyJob(j *model.ConversionJob) *model.ConversionJob {
	c := *j
	return &c
}

func (m *memJobRepo) Enqueue(_ context.Context, videoID string, opts model.JobOptions, priority, maxRetries int) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.VideoID == videoID && (j.Status == model.JobPending || j.Status == model.JobProcessing) {
			return j.ID, false, nil
		}
	}
	m.nextID++
	now := time.Now().UTC()
	m.jobs[m.nextID] = &model.ConversionJob{
		ID:            m.nextID,
		VideoID:       videoID,
		Status:        model.JobPending,
		Priority:      priority,
		MaxRetries:    maxRetries,
		Options:       opts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	return m.nextID, true, nil
}

func (m *memJobRepo) Get(_ context.Context, id int64) (*model.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *memJobRepo) ClaimNext(_ context.Context, now time.Time) (*model.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*model.ConversionJob
	for _, j := range m.jobs {
		if j.Status == model.JobPending && !j.NextAttemptAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	j := candidates[0]
	j.Status = model.JobProcessing
	started := time.Now().UTC()
	j.StartedAt = &started
	return copyJob(j), nil
}

func (m *memJobRepo) MarkCompleted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobProcessing {
		return repository.ErrNotFound
	}
	j.Status = model.JobCompleted
	done := time.Now().UTC()
	j.CompletedAt = &done
	j.ErrorMessage = ""
	return nil
}

func (m *memJobRepo) Requeue(_ context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobProcessing {
		return repository.ErrNotFound
	}
	j.Status = model.JobPending
	j.RetryCount++
	j.ErrorMessage = errMsg
	j.NextAttemptAt = nextAttemptAt
	j.StartedAt = nil
	return nil
}

func (m *memJobRepo) MarkFailed(_ context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobProcessing {
		return repository.ErrNotFound
	}
	j.Status = model.JobFailed
	j.RetryCount++
	j.ErrorMessage = errMsg
	done := time.Now().UTC()
	j.CompletedAt = &done
	return nil
}

func (m *memJobRepo) ResetForRetry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobFailed {
		return repository.ErrJobNotRetryable
	}
	j.Status = model.JobPending
	j.RetryCount = 0
	j.ErrorMessage = ""
	j.NextAttemptAt = time.Now().UTC()
	j.StartedAt = nil
	j.CompletedAt = nil
	return nil
}

func (m *memJobRepo) RecoverProcessing(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, j := range m.jobs {
		if j.Status == model.JobProcessing {
			j.Status = model.JobPending
			j.StartedAt = nil
			j.NextAttemptAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

func (m *memJobRepo) DeleteCompletedKeep(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var completed []*model.ConversionJob
	for _, j := range m.jobs {
		if j.Status == model.JobCompleted {
			completed = append(completed, j)
		}
	}
	sort.Slice(completed, func(a, b int) bool {
		return completed[a].CompletedAt.After(*completed[b].CompletedAt)
	})
	deleted := 0
	for i := keep; i < len(completed); i++ {
		delete(m.jobs, completed[i].ID)
		deleted++
	}
	return deleted, nil
}

// --- memVideoRepo ---

type memVideoRepo struct {
	mu     sync.Mutex
	videos map[string]*model.Video
}

func newMemVideoRepo() *memVideoRepo {
	return &memVideoRepo{videos: make(map[string]*model.Video)}
}

func (m *memVideoRepo) Create(_ context.Context, v *model.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *v
	m.videos[v.ID] = &c
	return nil
}

func (m *memVideoRepo) Get(_ context.Context, id string) (*model.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (m *memVideoRepo) SetProcessing(_ context.Context, id string) error {
	return m.setStatus(id, model.VideoProcessing)
}

func (m *memVideoRepo) SetCompleted(_ context.Context, id, outputDir, thumbnailPath string, durationSec float64, width, height int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return repository.ErrNotFound
	}
	v.Status = model.VideoCompleted
	v.OutputDir = outputDir
	v.ThumbnailPath = thumbnailPath
	v.DurationSeconds = durationSec
	v.Width = width
	v.Height = height
	v.ErrorMessage = ""
	return nil
}

func (m *memVideoRepo) SetFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return repository.ErrNotFound
	}
	v.Status = model.VideoFailed
	v.ErrorMessage = errMsg
	return nil
}

func (m *memVideoRepo) setStatus(id string, status model.VideoStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return repository.ErrNotFound
	}
	v.Status = status
	return nil
}

// --- fakeTranscoder ---

type fakeTranscoder struct {
	mu       sync.Mutex
	calls    int
	failFor  int // первые failFor вызовов Convert возвращают ошибку
	cleanups int
}

func (f *fakeTranscoder) ExtractMetadata(_ context.Context, _ string) (*transcoder.Metadata, error) {
	return &transcoder.Metadata{DurationSeconds: 10, Width: 1920, Height: 1080, Codec: "h264"}, nil
}

func (f *fakeTranscoder) Convert(_ context.Context, _, outputDir string, _ model.JobOptions) (*transcoder.ConvertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFor {
		return nil, errFakeConvert
	}
	return &transcoder.ConvertResult{
		OutputDir: outputDir,
		Metadata:  transcoder.Metadata{DurationSeconds: 10, Width: 1920, Height: 1080},
	}, nil
}

func (f *fakeTranscoder) GenerateThumbnail(_ context.Context, _, _ string) error {
	return nil
}

func (f *fakeTranscoder) CleanupOutputs(_ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeTranscoder) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

var errFakeConvert = errors.New("имитация провала конвертации")

// --- общая обвязка ---

// testEnv — собранный сервисный слой на in-memory репозиториях.
type testEnv struct {
	cfg        *config.Config
	sessions   *memSessionRepo
	jobs       *memJobRepo
	videos     *memVideoRepo
	store      *chunkstore.ChunkStore
	walEngine  *wal.WAL
	sessionSvc *SessionService
	uploadSvc  *UploadService
	reconciler *Reconciler
	finalize   *FinalizeService
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ChunkDir:           t.TempDir(),
		MediaDir:           t.TempDir(),
		WALDir:             t.TempDir(),
		ChunkSizeMin:       4,
		ChunkSizeMax:       1 << 20,
		ChunkSizeDefault:   16,
		MaxFileSize:        1 << 30,
		SessionTTL:         time.Hour,
		SessionRetention:   24 * time.Hour,
		CleanupInterval:    time.Hour,
		TempFileTTL:        time.Hour,
		TranscodeTimeout:   time.Minute,
		QueueMaxConcurrent: 2,
		QueueMaxRetries:    2,
		QueuePollInterval:  10 * time.Millisecond,
		QueueKeepCompleted: 100,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := newTestConfig(t)
	logger := newTestLogger()

	store, err := chunkstore.New(cfg.ChunkDir)
	if err != nil {
		t.Fatalf("ошибка создания ChunkStore: %v", err)
	}
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		t.Fatalf("ошибка создания WAL: %v", err)
	}

	env := &testEnv{
		cfg:       cfg,
		sessions:  newMemSessionRepo(),
		jobs:      newMemJobRepo(),
		videos:    newMemVideoRepo(),
		store:     store,
		walEngine: walEngine,
	}
	env.sessionSvc = NewSessionService(cfg, env.sessions, store, logger)
	env.uploadSvc = NewUploadService(env.sessions, env.sessionSvc, store, logger)
	env.reconciler = NewReconciler(env.sessions, store, logger)
	env.finalize = NewFinalizeService(cfg, env.sessions, env.videos, env.jobs,
		env.sessionSvc, env.reconciler, store, walEngine, logger)
	return env
}

// createSession — сессия с указанными размерами для теста.
func (env *testEnv) createSession(t *testing.T, userID string, totalSize, chunkSize int64) *model.UploadSession {
	t.Helper()
	sess, serr := env.sessionSvc.Create(context.Background(), CreateParams{
		UserID:    userID,
		Filename:  "видео.mp4",
		TotalSize: totalSize,
		ChunkSize: chunkSize,
	})
	if serr != nil {
		t.Fatalf("ошибка создания сессии: %v", serr)
	}
	return sess
}
