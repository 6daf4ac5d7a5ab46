// sweeper.go — фоновая очистка Upload Module.
//
// Sweeper выполняет независимые проходы:
//  1. Закрытие просроченных сессий (uploading + TTL истёк) и удаление их чанков
//  2. Жёсткое удаление терминальных сессий старше retention
//  3. Удаление осиротевших директорий чанков старше TTL сессии
//  4. Удаление temp-файлов незавершённых записей старше TTL
//  5. Очистка завершённых записей WAL
//  6. Очистка завершённых заданий очереди (хранится последние N)
//
// Ошибка одного прохода не прерывает остальные. Запускается как
// горутина с периодическим тикером (UM_CLEANUP_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/mediahub/upload-module/internal/config"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/chunkstore"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/wal"
)

// Prometheus метрики sweeper
var (
	// sweeperRunsTotal — количество запусков очистки.
	sweeperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_sweeper_runs_total",
		Help: "Общее количество запусков фоновой очистки",
	})

	// sweeperRemovedTotal — количество удалённых объектов по типам.
	sweeperRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "um_sweeper_removed_total",
			Help: "Общее количество объектов, удалённых фоновой очисткой",
		},
		[]string{"kind"},
	)

	// sweeperDurationSeconds — длительность выполнения очистки.
	sweeperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "um_sweeper_duration_seconds",
		Help:    "Длительность выполнения фоновой очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// ExpiredSessions — сессии, переведённые в expired
	ExpiredSessions int
	// PurgedSessions — жёстко удалённые терминальные сессии
	PurgedSessions int
	// OrphanDirs — удалённые осиротевшие директории чанков
	OrphanDirs int
	// TempFiles — удалённые temp-файлы
	TempFiles int
	// WALEntries — удалённые записи WAL
	WALEntries int
	// CompletedJobs — удалённые завершённые задания
	CompletedJobs int
	// Errors — количество ошибок при обработке
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Sweeper — сервис фоновой очистки.
type Sweeper struct {
	cfg       *config.Config
	sessions  repository.SessionRepository
	jobs      repository.JobRepository
	store     *chunkstore.ChunkStore
	walEngine *wal.WAL
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewSweeper создаёт сервис очистки.
func NewSweeper(
	cfg *config.Config,
	sessions repository.SessionRepository,
	jobs repository.JobRepository,
	store *chunkstore.ChunkStore,
	walEngine *wal.WAL,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		sessions:  sessions,
		jobs:      jobs,
		store:     store,
		walEngine: walEngine,
		logger:    logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
// Вызывается один раз при старте приложения.
func (sw *Sweeper) Start(ctx context.Context) {
	swCtx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel

	go sw.run(swCtx)

	sw.logger.Info("Sweeper запущен",
		slog.String("interval", sw.cfg.CleanupInterval.String()),
	)
}

// Stop останавливает фоновый процесс очистки.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.logger.Info("Sweeper остановлен")
}

// run — основной цикл фоновой горутины.
func (sw *Sweeper) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	sw.RunOnce(ctx)

	ticker := time.NewTicker(sw.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки. Если предыдущий цикл ещё
// выполняется, запуск пропускается: проходы не должны перекрываться.
func (sw *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	if !sw.mu.TryLock() {
		sw.logger.Debug("Предыдущий цикл очистки ещё выполняется, пропуск")
		return nil
	}
	defer sw.mu.Unlock()

	start := time.Now()
	now := start.UTC()
	result := &SweepResult{}

	sw.logger.Debug("Цикл очистки начат")

	result.ExpiredSessions = sw.expireSessions(ctx, now, result)
	result.PurgedSessions = sw.purgeTerminalSessions(ctx, now, result)
	result.OrphanDirs = sw.removeOrphanDirs(ctx, now, result)
	result.TempFiles = sw.sweepTempFiles(now, result)
	result.WALEntries = sw.cleanWAL(now, result)
	result.CompletedJobs = sw.cleanCompletedJobs(ctx, result)

	result.Duration = time.Since(start)

	sweeperRunsTotal.Inc()
	sweeperRemovedTotal.WithLabelValues("expired_sessions").Add(float64(result.ExpiredSessions))
	sweeperRemovedTotal.WithLabelValues("purged_sessions").Add(float64(result.PurgedSessions))
	sweeperRemovedTotal.WithLabelValues("orphan_dirs").Add(float64(result.OrphanDirs))
	sweeperRemovedTotal.WithLabelValues("temp_files").Add(float64(result.TempFiles))
	sweeperRemovedTotal.WithLabelValues("wal_entries").Add(float64(result.WALEntries))
	sweeperRemovedTotal.WithLabelValues("completed_jobs").Add(float64(result.CompletedJobs))
	sweeperDurationSeconds.Observe(result.Duration.Seconds())

	sw.logger.Info("Цикл очистки завершён",
		slog.Int("expired_sessions", result.ExpiredSessions),
		slog.Int("purged_sessions", result.PurgedSessions),
		slog.Int("orphan_dirs", result.OrphanDirs),
		slog.Int("temp_files", result.TempFiles),
		slog.Int("wal_entries", result.WALEntries),
		slog.Int("completed_jobs", result.CompletedJobs),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// expireSessions закрывает просроченные uploading-сессии и удаляет их чанки.
func (sw *Sweeper) expireSessions(ctx context.Context, now time.Time, result *SweepResult) int {
	expired, err := sw.sessions.ListExpired(ctx, now)
	if err != nil {
		sw.logger.Error("Ошибка выборки просроченных сессий", slog.String("error", err.Error()))
		result.Errors++
		return 0
	}

	count := 0
	for _, sess := range expired {
		if err := sw.sessions.UpdateStatus(ctx, sess.ID, model.SessionExpired); err != nil {
			sw.logger.Error("Ошибка закрытия просроченной сессии",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		if err := sw.store.RemoveSessionDir(sess.ChunkDir); err != nil {
			sw.logger.Error("Ошибка удаления чанков просроченной сессии",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
		}

		sw.logger.Debug("Сессия закрыта по истечении срока",
			slog.String("session_id", sess.ID),
			slog.Time("expires_at", sess.ExpiresAt),
		)
		count++
	}
	return count
}

// purgeTerminalSessions жёстко удаляет терминальные сессии старше retention.
func (sw *Sweeper) purgeTerminalSessions(ctx context.Context, now time.Time, result *SweepResult) int {
	cutoff := now.Add(-sw.cfg.SessionRetention)
	stale, err := sw.sessions.ListTerminalOlderThan(ctx, cutoff)
	if err != nil {
		sw.logger.Error("Ошибка выборки терминальных сессий", slog.String("error", err.Error()))
		result.Errors++
		return 0
	}

	count := 0
	for _, sess := range stale {
		// Чанки терминальной сессии обычно уже удалены, но проверяем
		if err := sw.store.RemoveSessionDir(sess.ChunkDir); err != nil {
			sw.logger.Error("Ошибка удаления директории сессии",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		if err := sw.sessions.Delete(ctx, sess.ID); err != nil {
			sw.logger.Error("Ошибка удаления записи сессии",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		count++
	}
	return count
}

// removeOrphanDirs удаляет директории чанков, не принадлежащие ни одной
// активной сессии. Директории моложе TTL сессии не трогаются: запись
// в БД могла ещё не появиться.
func (sw *Sweeper) removeOrphanDirs(ctx context.Context, now time.Time, result *SweepResult) int {
	active, err := sw.sessions.ActiveChunkDirs(ctx)
	if err != nil {
		sw.logger.Error("Ошибка выборки активных директорий", slog.String("error", err.Error()))
		result.Errors++
		return 0
	}

	dirs, err := sw.store.ListSessionDirs()
	if err != nil {
		sw.logger.Error("Ошибка сканирования хранилища чанков", slog.String("error", err.Error()))
		result.Errors++
		return 0
	}

	cutoff := now.Add(-sw.cfg.SessionTTL)
	count := 0
	for dir, modTime := range dirs {
		if active[dir] || modTime.After(cutoff) {
			continue
		}
		if err := sw.store.RemoveSessionDir(dir); err != nil {
			sw.logger.Error("Ошибка удаления осиротевшей директории",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		sw.logger.Debug("Осиротевшая директория удалена", slog.String("dir", dir))
		count++
	}
	return count
}

// sweepTempFiles удаляет temp-файлы незавершённых записей старше TTL.
func (sw *Sweeper) sweepTempFiles(now time.Time, result *SweepResult) int {
	removed, err := sw.store.SweepTempFiles(now.Add(-sw.cfg.TempFileTTL))
	if err != nil {
		sw.logger.Error("Ошибка очистки temp-файлов", slog.String("error", err.Error()))
		result.Errors++
	}
	return removed
}

// cleanWAL удаляет завершённые записи WAL старше retention.
func (sw *Sweeper) cleanWAL(now time.Time, result *SweepResult) int {
	cleaned, err := sw.walEngine.CleanFinished(now.Add(-sw.cfg.SessionRetention))
	if err != nil {
		sw.logger.Error("Ошибка очистки WAL", slog.String("error", err.Error()))
		result.Errors++
	}
	return cleaned
}

// cleanCompletedJobs удаляет завершённые задания, кроме последних N.
func (sw *Sweeper) cleanCompletedJobs(ctx context.Context, result *SweepResult) int {
	deleted, err := sw.jobs.DeleteCompletedKeep(ctx, sw.cfg.QueueKeepCompleted)
	if err != nil {
		sw.logger.Error("Ошибка очистки завершённых заданий", slog.String("error", err.Error()))
		result.Errors++
	}
	return deleted
}
