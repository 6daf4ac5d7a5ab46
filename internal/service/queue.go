// queue.go — планировщик очереди конвертации.
//
// Очередь хранится в таблице conversion_jobs и опрашивается с
// интервалом UM_QUEUE_POLL_INTERVAL. Задания забираются через
// FOR UPDATE SKIP LOCKED в порядке priority DESC, created_at ASC.
// Одновременно выполняется не более maxConcurrent заданий; провал
// возвращает задание в pending до исчерпания лимита повторов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/api/middleware"
	"github.com/arturkryukov/mediahub/upload-module/internal/config"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/transcoder"
)

// convertedSubdir — поддиректория MediaDir для результатов конвертации.
const convertedSubdir = "converted"

// QueueScheduler — фоновый планировщик заданий конвертации.
type QueueScheduler struct {
	cfg    *config.Config
	jobs   repository.JobRepository
	videos repository.VideoRepository
	tc     transcoder.Transcoder
	logger *slog.Logger

	mu            sync.Mutex
	maxConcurrent int
	active        int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueueScheduler создаёт планировщик очереди.
func NewQueueScheduler(
	cfg *config.Config,
	jobs repository.JobRepository,
	videos repository.VideoRepository,
	tc transcoder.Transcoder,
	logger *slog.Logger,
) *QueueScheduler {
	return &QueueScheduler{
		cfg:           cfg,
		jobs:          jobs,
		videos:        videos,
		tc:            tc,
		maxConcurrent: cfg.QueueMaxConcurrent,
		logger:        logger.With(slog.String("component", "queue_scheduler")),
	}
}

// Start запускает фоновый цикл опроса очереди.
// Вызывается один раз при старте приложения.
func (q *QueueScheduler) Start(ctx context.Context) {
	// Задания выполняются на родительском контексте: Stop отменяет
	// только опрос, уже запущенные конвертации дорабатывают до конца
	q.baseCtx = ctx
	qCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go q.run(qCtx)

	q.logger.Info("Планировщик очереди запущен",
		slog.String("poll_interval", q.cfg.QueuePollInterval.String()),
		slog.Int("max_concurrent", q.maxConcurrent),
	)
}

// Stop останавливает опрос и дожидается завершения выполняемых заданий.
func (q *QueueScheduler) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("Планировщик очереди остановлен")
}

// run — основной цикл опроса.
func (q *QueueScheduler) run(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.QueuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatch(ctx)
		}
	}
}

// dispatch забирает задания из очереди, пока есть свободные слоты.
func (q *QueueScheduler) dispatch(ctx context.Context) {
	for {
		if !q.tryAcquireSlot() {
			return
		}

		job, err := q.jobs.ClaimNext(ctx, time.Now().UTC())
		if err != nil {
			q.releaseSlot()
			if !errors.Is(err, repository.ErrNotFound) {
				q.logger.Error("Ошибка выборки задания",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer q.releaseSlot()
			defer q.recoverJob(q.baseCtx, job)
			q.process(q.baseCtx, job)
		}()
	}
}

// tryAcquireSlot резервирует слот выполнения, если лимит не достигнут.
func (q *QueueScheduler) tryAcquireSlot() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active >= q.maxConcurrent {
		return false
	}
	q.active++
	middleware.ConversionsActive.Set(float64(q.active))
	return true
}

// recoverJob перехватывает панику задания: строка не должна
// застрять в processing до перезапуска сервиса.
func (q *QueueScheduler) recoverJob(ctx context.Context, job *model.ConversionJob) {
	r := recover()
	if r == nil {
		return
	}

	q.logger.Error("Паника при обработке задания",
		slog.Int64("job_id", job.ID),
		slog.Any("panic", r),
	)

	msg := fmt.Sprintf("внутренняя ошибка: %v", r)
	if job.RetryCount < job.MaxRetries {
		nextAttempt := time.Now().UTC().Add(q.cfg.QueueRetryDelay)
		if err := q.jobs.Requeue(ctx, job.ID, msg, nextAttempt); err != nil {
			q.logger.Error("Ошибка возврата задания после паники",
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		middleware.JobsTotal.WithLabelValues("retried").Inc()
		return
	}
	if err := q.jobs.MarkFailed(ctx, job.ID, msg); err != nil {
		q.logger.Error("Ошибка провала задания после паники",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	middleware.JobsTotal.WithLabelValues("failed").Inc()
}

func (q *QueueScheduler) releaseSlot() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	middleware.ConversionsActive.Set(float64(q.active))
}

// SetMaxConcurrent меняет лимит одновременных заданий на лету.
// Значения меньше 1 поднимаются до 1. Уже выполняемые задания
// не прерываются: сокращение лимита действует на новые выборки.
func (q *QueueScheduler) SetMaxConcurrent(n int) int {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()

	q.logger.Info("Лимит одновременных заданий изменён", slog.Int("max_concurrent", n))
	return n
}

// MaxConcurrent возвращает текущий лимит одновременных заданий.
func (q *QueueScheduler) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// process выполняет одно задание конвертации.
func (q *QueueScheduler) process(ctx context.Context, job *model.ConversionJob) {
	logger := q.logger.With(
		slog.Int64("job_id", job.ID),
		slog.String("video_id", job.VideoID),
		slog.Int("retry_count", job.RetryCount),
	)
	logger.Info("Задание взято в обработку")

	video, err := q.videos.Get(ctx, job.VideoID)
	if err != nil {
		// Видео исчезло: повторять бессмысленно
		logger.Error("Видео задания не найдено", slog.String("error", err.Error()))
		if mErr := q.jobs.MarkFailed(ctx, job.ID, "видео не найдено"); mErr != nil {
			logger.Error("Ошибка провала задания", slog.String("error", mErr.Error()))
		}
		middleware.JobsTotal.WithLabelValues("failed").Inc()
		return
	}

	if err := q.videos.SetProcessing(ctx, video.ID); err != nil {
		logger.Warn("Ошибка перевода видео в processing", slog.String("error", err.Error()))
	}

	outputDir := filepath.Join(q.cfg.MediaDir, convertedSubdir, video.ID)

	tcCtx, cancel := context.WithTimeout(ctx, q.cfg.TranscodeTimeout)
	start := time.Now()
	result, err := q.tc.Convert(tcCtx, video.SourcePath, outputDir, job.Options)
	cancel()

	if err != nil {
		q.handleFailure(ctx, job, video, outputDir, err, logger)
		return
	}

	if err := q.videos.SetCompleted(ctx, video.ID, result.OutputDir, result.ThumbnailPath,
		result.Metadata.DurationSeconds, result.Metadata.Width, result.Metadata.Height); err != nil {
		q.handleFailure(ctx, job, video, outputDir,
			fmt.Errorf("запись результата: %w", err), logger)
		return
	}

	if err := q.jobs.MarkCompleted(ctx, job.ID); err != nil {
		logger.Error("Ошибка завершения задания", slog.String("error", err.Error()))
	}
	middleware.JobsTotal.WithLabelValues("completed").Inc()

	logger.Info("Задание выполнено",
		slog.Duration("duration", time.Since(start)),
		slog.String("output_dir", result.OutputDir),
	)
}

// handleFailure обрабатывает провал попытки: возврат в очередь либо
// окончательный провал при исчерпании лимита повторов.
func (q *QueueScheduler) handleFailure(ctx context.Context, job *model.ConversionJob, video *model.Video, outputDir string, convErr error, logger *slog.Logger) {
	// Частичные артефакты неудачной попытки удаляем
	if cleanErr := q.tc.CleanupOutputs(outputDir); cleanErr != nil {
		logger.Warn("Ошибка очистки артефактов", slog.String("error", cleanErr.Error()))
	}

	if job.RetryCount < job.MaxRetries {
		nextAttempt := time.Now().UTC().Add(q.cfg.QueueRetryDelay)
		if err := q.jobs.Requeue(ctx, job.ID, convErr.Error(), nextAttempt); err != nil {
			logger.Error("Ошибка возврата задания в очередь", slog.String("error", err.Error()))
			return
		}
		middleware.JobsTotal.WithLabelValues("retried").Inc()
		logger.Warn("Попытка провалена, задание возвращено в очередь",
			slog.String("error", convErr.Error()),
			slog.Int("attempts_left", job.MaxRetries-job.RetryCount),
		)
		return
	}

	if err := q.jobs.MarkFailed(ctx, job.ID, convErr.Error()); err != nil {
		logger.Error("Ошибка провала задания", slog.String("error", err.Error()))
	}
	if err := q.videos.SetFailed(ctx, video.ID, convErr.Error()); err != nil {
		logger.Error("Ошибка перевода видео в failed", slog.String("error", err.Error()))
	}
	middleware.JobsTotal.WithLabelValues("failed").Inc()

	logger.Error("Лимит повторов исчерпан, задание провалено",
		slog.String("error", convErr.Error()),
	)
}

// RetryFailedJob вручную возвращает провалившееся задание в очередь
// со сброшенным счётчиком попыток.
func (q *QueueScheduler) RetryFailedJob(ctx context.Context, jobID int64) *Error {
	err := q.jobs.ResetForRetry(ctx, jobID)
	if err == nil {
		q.logger.Info("Задание возвращено в очередь вручную", slog.Int64("job_id", jobID))
		return nil
	}

	if errors.Is(err, repository.ErrNotFound) {
		return &Error{
			StatusCode: 404,
			Code:       apierrors.CodeNotFound,
			Message:    fmt.Sprintf("Задание %d не найдено", jobID),
		}
	}
	if errors.Is(err, repository.ErrJobNotRetryable) {
		return &Error{
			StatusCode: 409,
			Code:       apierrors.CodeJobNotRetryable,
			Message:    fmt.Sprintf("Задание %d не в статусе failed", jobID),
		}
	}

	q.logger.Error("Ошибка ручного retry задания",
		slog.Int64("job_id", jobID),
		slog.String("error", err.Error()),
	)
	return internalError("Ошибка повторной постановки задания")
}

// CleanupCompletedJobs удаляет завершённые задания, кроме
// UM_QUEUE_KEEP_COMPLETED последних. Возвращает количество удалённых.
func (q *QueueScheduler) CleanupCompletedJobs(ctx context.Context) (int, error) {
	return q.jobs.DeleteCompletedKeep(ctx, q.cfg.QueueKeepCompleted)
}
