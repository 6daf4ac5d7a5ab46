package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arturkryukov/mediahub/upload-module/internal/config"
	"github.com/arturkryukov/mediahub/upload-module/internal/database"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; контейнер останавливается в t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("mediahub_test"),
		postgres.WithUsername("mediahub"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	t.Setenv("UM_CHUNK_DIR", t.TempDir())
	t.Setenv("UM_MEDIA_DIR", t.TempDir())
	t.Setenv("UM_WAL_DIR", t.TempDir())
	t.Setenv("UM_DB_HOST", host)
	t.Setenv("UM_DB_PORT", port.Port())
	t.Setenv("UM_DB_NAME", "mediahub_test")
	t.Setenv("UM_DB_USER", "mediahub")
	t.Setenv("UM_DB_PASSWORD", "test-password")
	t.Setenv("UM_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newTestSession(userID string) *model.UploadSession {
	now := time.Now().UTC()
	return &model.UploadSession{
		ID:             uuid.New().String(),
		UserID:         userID,
		Filename:       "видео.mp4",
		TotalSize:      100,
		ChunkSize:      40,
		TotalChunks:    3,
		ReceivedChunks: []int{},
		ChunkDir:       "sessions/" + uuid.New().String(),
		Status:         model.SessionUploading,
		ExpiresAt:      now.Add(time.Hour),
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

// --- SessionRepository ---

func TestSessionRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(pool)

	sess := newTestSession("user-1")
	if err := repo.Create(ctx, sess); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	got, err := repo.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if got.Filename != sess.Filename || got.TotalChunks != 3 {
		t.Errorf("Get() вернул не то: %+v", got)
	}
	if len(got.ReceivedChunks) != 0 {
		t.Errorf("новая сессия должна быть без чанков: %v", got.ReceivedChunks)
	}

	// Чужая сессия неотличима от отсутствующей
	if _, err := repo.GetForUser(ctx, sess.ID, "user-2"); err != ErrNotFound {
		t.Errorf("чужая сессия: ожидался ErrNotFound, получили %v", err)
	}
	if _, err := repo.GetForUser(ctx, sess.ID, "user-1"); err != nil {
		t.Errorf("своя сессия: %v", err)
	}

	// Атомарная отметка чанка: повторная отметка — added=false
	added, err := repo.MarkChunkReceived(ctx, sess.ID, 1)
	if err != nil || !added {
		t.Fatalf("MarkChunkReceived(1): added=%v, err=%v", added, err)
	}
	added, err = repo.MarkChunkReceived(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("повторный MarkChunkReceived(1): %v", err)
	}
	if added {
		t.Error("повторная отметка того же чанка должна вернуть added=false")
	}

	got, _ = repo.Get(ctx, sess.ID)
	if len(got.ReceivedChunks) != 1 || got.ReceivedChunks[0] != 1 {
		t.Errorf("множество чанков: хотели [1], получили %v", got.ReceivedChunks)
	}

	// Ремонт устаревшей записи
	if err := repo.RemoveChunkRecord(ctx, sess.ID, 1); err != nil {
		t.Fatalf("RemoveChunkRecord() ошибка: %v", err)
	}
	got, _ = repo.Get(ctx, sess.ID)
	if len(got.ReceivedChunks) != 0 {
		t.Errorf("после ремонта множество должно быть пустым: %v", got.ReceivedChunks)
	}

	// Полная перезапись множества
	if err := repo.ReplaceReceivedChunks(ctx, sess.ID, []int{0, 2}); err != nil {
		t.Fatalf("ReplaceReceivedChunks() ошибка: %v", err)
	}
	got, _ = repo.Get(ctx, sess.ID)
	if len(got.ReceivedChunks) != 2 {
		t.Errorf("после перезаписи: хотели [0 2], получили %v", got.ReceivedChunks)
	}

	// Статус и жёсткое удаление
	if err := repo.UpdateStatus(ctx, sess.ID, model.SessionCancelled); err != nil {
		t.Fatalf("UpdateStatus() ошибка: %v", err)
	}
	if err := repo.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := repo.Get(ctx, sess.ID); err != ErrNotFound {
		t.Errorf("после Delete ожидался ErrNotFound, получили %v", err)
	}
}

func TestSessionRepository_ConcurrentMarkChunkReceived(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(pool)

	sess := newTestSession("user-1")
	sess.TotalChunks = 32
	if err := repo.Create(ctx, sess); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Конкурентная отметка разных индексов: ни одна не должна потеряться
	var wg sync.WaitGroup
	errs := make(chan error, sess.TotalChunks)
	for i := 0; i < sess.TotalChunks; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			added, err := repo.MarkChunkReceived(ctx, sess.ID, idx)
			if err != nil {
				errs <- err
				return
			}
			if !added {
				errs <- fmt.Errorf("чанк %d: added=false при первой отметке", idx)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("конкурентная отметка: %v", err)
	}

	got, err := repo.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if len(got.ReceivedChunks) != sess.TotalChunks {
		t.Errorf("потерянные отметки: хотели %d чанков, получили %d: %v",
			sess.TotalChunks, len(got.ReceivedChunks), got.ReceivedChunks)
	}
	seen := make(map[int]bool, len(got.ReceivedChunks))
	for _, idx := range got.ReceivedChunks {
		if seen[idx] {
			t.Errorf("чанк %d записан дважды", idx)
		}
		seen[idx] = true
	}
}

func TestSessionRepository_Sweeps(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(pool)

	// Просроченная активная сессия
	expired := newTestSession("user-1")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := repo.Create(ctx, expired); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Живая активная сессия
	alive := newTestSession("user-1")
	if err := repo.Create(ctx, alive); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	list, err := repo.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListExpired() ошибка: %v", err)
	}
	if len(list) != 1 || list[0].ID != expired.ID {
		t.Errorf("ListExpired: ожидалась одна просроченная сессия, получили %d", len(list))
	}

	// Терминальная сессия старше cutoff
	if err := repo.UpdateStatus(ctx, expired.ID, model.SessionExpired); err != nil {
		t.Fatalf("UpdateStatus() ошибка: %v", err)
	}
	old, err := repo.ListTerminalOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListTerminalOlderThan() ошибка: %v", err)
	}
	if len(old) != 1 || old[0].ID != expired.ID {
		t.Errorf("ListTerminalOlderThan: получили %d записей", len(old))
	}

	dirs, err := repo.ActiveChunkDirs(ctx)
	if err != nil {
		t.Fatalf("ActiveChunkDirs() ошибка: %v", err)
	}
	if !dirs[alive.ChunkDir] {
		t.Error("директория живой сессии должна числиться активной")
	}
	if dirs[expired.ChunkDir] {
		t.Error("директория терминальной сессии не должна числиться активной")
	}
}

// --- JobRepository ---

func createTestVideo(t *testing.T, pool *pgxpool.Pool, id string) {
	t.Helper()
	repo := NewVideoRepository(pool)
	err := repo.Create(context.Background(), &model.Video{
		ID:         id,
		UserID:     "user-1",
		Title:      "Тест " + id,
		SourcePath: "/media/sources/" + id + ".mp4",
		Status:     model.VideoUploaded,
	})
	if err != nil {
		t.Fatalf("регистрация видео: %v", err)
	}
}

func TestJobRepository_EnqueueIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(pool)

	videoID := uuid.New().String()
	createTestVideo(t, pool, videoID)

	jobID, created, err := repo.Enqueue(ctx, videoID, model.DefaultJobOptions(), 0, 3)
	if err != nil || !created {
		t.Fatalf("Enqueue(): jobID=%d, created=%v, err=%v", jobID, created, err)
	}

	// Повторная постановка не создаёт дубликат
	againID, created, err := repo.Enqueue(ctx, videoID, model.DefaultJobOptions(), 0, 3)
	if err != nil {
		t.Fatalf("повторный Enqueue(): %v", err)
	}
	if created || againID != jobID {
		t.Errorf("повторный Enqueue должен вернуть то же задание: created=%v, id=%d (ожидался %d)",
			created, againID, jobID)
	}

	job, err := repo.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if job.Status != model.JobPending || job.MaxRetries != 3 {
		t.Errorf("задание: %+v", job)
	}
	if job.Options.VideoCodec != "h264" {
		t.Errorf("параметры конвертации не сохранились: %+v", job.Options)
	}
}

func TestJobRepository_EnqueueConcurrent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(pool)

	videoID := uuid.New().String()
	createTestVideo(t, pool, videoID)

	// Гонка постановки: все вызовы должны сойтись на одном задании
	const workers = 8
	var (
		wg      sync.WaitGroup
		ids     [workers]int64
		created [workers]bool
		errs    [workers]error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], created[i], errs[i] = repo.Enqueue(ctx, videoID, model.DefaultJobOptions(), 0, 3)
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("конкурентный Enqueue(): %v", errs[i])
		}
		if created[i] {
			createdCount++
		}
		if ids[i] != ids[0] {
			t.Errorf("все вызовы должны вернуть одно задание: %d и %d", ids[0], ids[i])
		}
	}
	if createdCount != 1 {
		t.Errorf("создано заданий: хотели 1, получили %d", createdCount)
	}
}

func TestJobRepository_ClaimOrdering(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(pool)

	lowVideo := uuid.New().String()
	highVideo := uuid.New().String()
	createTestVideo(t, pool, lowVideo)
	createTestVideo(t, pool, highVideo)

	lowID, _, err := repo.Enqueue(ctx, lowVideo, model.DefaultJobOptions(), 0, 3)
	if err != nil {
		t.Fatalf("Enqueue(low): %v", err)
	}
	highID, _, err := repo.Enqueue(ctx, highVideo, model.DefaultJobOptions(), 10, 3)
	if err != nil {
		t.Fatalf("Enqueue(high): %v", err)
	}

	now := time.Now().UTC()

	first, err := repo.ClaimNext(ctx, now)
	if err != nil {
		t.Fatalf("ClaimNext() ошибка: %v", err)
	}
	if first.ID != highID {
		t.Errorf("первым забирается высокий приоритет: хотели %d, получили %d", highID, first.ID)
	}
	if first.Status != model.JobProcessing || first.StartedAt == nil {
		t.Errorf("забранное задание должно быть processing: %+v", first)
	}

	second, err := repo.ClaimNext(ctx, now)
	if err != nil {
		t.Fatalf("ClaimNext() ошибка: %v", err)
	}
	if second.ID != lowID {
		t.Errorf("вторым — низкий приоритет: хотели %d, получили %d", lowID, second.ID)
	}

	// Очередь пуста
	if _, err := repo.ClaimNext(ctx, now); err != ErrNotFound {
		t.Errorf("пустая очередь: ожидался ErrNotFound, получили %v", err)
	}
}

func TestJobRepository_RetryLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(pool)

	videoID := uuid.New().String()
	createTestVideo(t, pool, videoID)
	jobID, _, err := repo.Enqueue(ctx, videoID, model.DefaultJobOptions(), 0, 3)
	if err != nil {
		t.Fatalf("Enqueue(): %v", err)
	}

	// pending-задание нельзя повторить вручную
	if err := repo.ResetForRetry(ctx, jobID); err != ErrJobNotRetryable {
		t.Errorf("ResetForRetry(pending): ожидался ErrJobNotRetryable, получили %v", err)
	}

	now := time.Now().UTC()
	if _, err := repo.ClaimNext(ctx, now); err != nil {
		t.Fatalf("ClaimNext() ошибка: %v", err)
	}

	// Requeue с отложенной попыткой: задание невидимо до next_attempt_at
	if err := repo.Requeue(ctx, jobID, "временный сбой", now.Add(time.Hour)); err != nil {
		t.Fatalf("Requeue() ошибка: %v", err)
	}
	if _, err := repo.ClaimNext(ctx, now); err != ErrNotFound {
		t.Errorf("задание до next_attempt_at не должно забираться: %v", err)
	}
	if _, err := repo.ClaimNext(ctx, now.Add(2*time.Hour)); err != nil {
		t.Errorf("задание после next_attempt_at должно забираться: %v", err)
	}

	// Окончательный провал
	if err := repo.MarkFailed(ctx, jobID, "кодек не поддерживается"); err != nil {
		t.Fatalf("MarkFailed() ошибка: %v", err)
	}
	job, _ := repo.Get(ctx, jobID)
	if job.Status != model.JobFailed || job.RetryCount != 2 {
		t.Errorf("после MarkFailed: status=%s, retry_count=%d", job.Status, job.RetryCount)
	}
	if job.CompletedAt == nil {
		t.Error("у проваленного задания должен быть completed_at")
	}

	// Ручной повтор сбрасывает счётчик
	if err := repo.ResetForRetry(ctx, jobID); err != nil {
		t.Fatalf("ResetForRetry() ошибка: %v", err)
	}
	job, _ = repo.Get(ctx, jobID)
	if job.Status != model.JobPending || job.RetryCount != 0 {
		t.Errorf("после ResetForRetry: status=%s, retry_count=%d", job.Status, job.RetryCount)
	}
}

func TestJobRepository_RecoverProcessing(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(pool)

	videoID := uuid.New().String()
	createTestVideo(t, pool, videoID)
	jobID, _, err := repo.Enqueue(ctx, videoID, model.DefaultJobOptions(), 0, 3)
	if err != nil {
		t.Fatalf("Enqueue(): %v", err)
	}
	if _, err := repo.ClaimNext(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("ClaimNext() ошибка: %v", err)
	}

	// Имитация рестарта процесса с подвисшим processing-заданием
	recovered, err := repo.RecoverProcessing(ctx)
	if err != nil {
		t.Fatalf("RecoverProcessing() ошибка: %v", err)
	}
	if recovered != 1 {
		t.Errorf("восстановлено заданий: хотели 1, получили %d", recovered)
	}
	job, _ := repo.Get(ctx, jobID)
	if job.Status != model.JobPending {
		t.Errorf("восстановленное задание должно быть pending: %s", job.Status)
	}
}

func TestJobRepository_DeleteCompletedKeep(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(pool)

	for i := 0; i < 5; i++ {
		videoID := uuid.New().String()
		createTestVideo(t, pool, videoID)
		jobID, _, err := repo.Enqueue(ctx, videoID, model.DefaultJobOptions(), 0, 3)
		if err != nil {
			t.Fatalf("Enqueue(): %v", err)
		}
		if _, err := repo.ClaimNext(ctx, time.Now().UTC()); err != nil {
			t.Fatalf("ClaimNext() ошибка: %v", err)
		}
		if err := repo.MarkCompleted(ctx, jobID); err != nil {
			t.Fatalf("MarkCompleted() ошибка: %v", err)
		}
	}

	deleted, err := repo.DeleteCompletedKeep(ctx, 2)
	if err != nil {
		t.Fatalf("DeleteCompletedKeep() ошибка: %v", err)
	}
	if deleted != 3 {
		t.Errorf("удалено: хотели 3, получили %d", deleted)
	}
}

// --- VideoRepository ---

func TestVideoRepository_Lifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewVideoRepository(pool)

	videoID := uuid.New().String()
	createTestVideo(t, pool, videoID)

	if err := repo.SetProcessing(ctx, videoID); err != nil {
		t.Fatalf("SetProcessing() ошибка: %v", err)
	}

	err := repo.SetCompleted(ctx, videoID, "/media/converted/"+videoID,
		"/media/converted/"+videoID+"/thumbnail.jpg", 123.4, 1920, 1080)
	if err != nil {
		t.Fatalf("SetCompleted() ошибка: %v", err)
	}

	v, err := repo.Get(ctx, videoID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if v.Status != model.VideoCompleted || v.Width != 1920 || v.DurationSeconds != 123.4 {
		t.Errorf("видео после конвертации: %+v", v)
	}

	if err := repo.SetFailed(ctx, videoID, "ошибка кодека"); err != nil {
		t.Fatalf("SetFailed() ошибка: %v", err)
	}
	v, _ = repo.Get(ctx, videoID)
	if v.Status != model.VideoFailed || v.ErrorMessage == "" {
		t.Errorf("видео после провала: %+v", v)
	}

	if _, err := repo.Get(ctx, uuid.New().String()); err != ErrNotFound {
		t.Errorf("несуществующее видео: ожидался ErrNotFound, получили %v", err)
	}
}
