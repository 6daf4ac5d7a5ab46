// finalize.go — финализация сессии: сверка, сборка файла из чанков
// под merge-транзакцией WAL, регистрация видео-актива и постановка
// задания конвертации.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/api/middleware"
	"github.com/arturkryukov/mediahub/upload-module/internal/config"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/chunkstore"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/wal"
)

// sourceSubdir — поддиректория MediaDir для собранных исходников.
const sourceSubdir = "sources"

// FinalizeService — завершение сессии загрузки.
type FinalizeService struct {
	cfg        *config.Config
	sessions   repository.SessionRepository
	videos     repository.VideoRepository
	jobs       repository.JobRepository
	sessionSvc *SessionService
	reconciler *Reconciler
	store      *chunkstore.ChunkStore
	walEngine  *wal.WAL
	logger     *slog.Logger
}

// NewFinalizeService создаёт сервис финализации.
func NewFinalizeService(
	cfg *config.Config,
	sessions repository.SessionRepository,
	videos repository.VideoRepository,
	jobs repository.JobRepository,
	sessionSvc *SessionService,
	reconciler *Reconciler,
	store *chunkstore.ChunkStore,
	walEngine *wal.WAL,
	logger *slog.Logger,
) *FinalizeService {
	return &FinalizeService{
		cfg:        cfg,
		sessions:   sessions,
		videos:     videos,
		jobs:       jobs,
		sessionSvc: sessionSvc,
		reconciler: reconciler,
		store:      store,
		walEngine:  walEngine,
		logger:     logger.With(slog.String("component", "finalize_service")),
	}
}

// CompleteResult — результат финализации сессии.
type CompleteResult struct {
	// Video — зарегистрированный видео-актив
	Video *model.Video
	// JobID — идентификатор задания конвертации (0, если постановка не удалась)
	JobID int64
}

// Complete завершает сессию загрузки.
//
// Поток:
//  1. Чтение сессии, проверка статуса
//  2. Сверка последовательности чанков по диску; при расхождении —
//     приведение записи к диску и повторная сверка
//  3. WAL Begin (merge-транзакция)
//  4. Потоковая сборка файла из чанков
//  5. Проверка итогового размера против заявленного
//  6. Регистрация видео-актива, перевод сессии в completed
//  7. WAL Commit, асинхронное удаление чанков
//  8. Постановка задания конвертации (ошибка не фатальна)
func (f *FinalizeService) Complete(ctx context.Context, sessionID, userID, title string, opts *model.JobOptions) (*CompleteResult, *Error) {
	sess, serr := f.sessionSvc.Get(ctx, sessionID, userID)
	if serr != nil {
		return nil, serr
	}

	if sess.Status != model.SessionUploading {
		return nil, &Error{
			StatusCode: 409,
			Code:       apierrors.CodeSessionNotActive,
			Message:    fmt.Sprintf("Сессия в статусе %s не может быть финализирована", sess.Status),
		}
	}

	// Сверка по диску. Расхождение записи с диском чиним и проверяем снова:
	// итоговое решение принимается только по фактическим файлам.
	missing, err := f.reconciler.ValidateSequence(sess)
	if err != nil {
		f.logger.Error("Ошибка сверки чанков",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, internalError("Ошибка сверки чанков")
	}
	if len(missing) > 0 || len(sess.ReceivedChunks) != sess.TotalChunks {
		if _, err := f.reconciler.SyncActualState(ctx, sess); err != nil {
			f.logger.Error("Ошибка приведения записи к диску",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			return nil, internalError("Ошибка сверки чанков")
		}
		f.sessionSvc.Invalidate(sessionID)

		missing, err = f.reconciler.ValidateSequence(sess)
		if err != nil {
			return nil, internalError("Ошибка сверки чанков")
		}
	}
	if len(missing) > 0 {
		middleware.OperationsTotal.WithLabelValues("finalize", "incomplete").Inc()
		return nil, &Error{
			StatusCode: 409,
			Code:       apierrors.CodeChunkValidationFailed,
			Message:    fmt.Sprintf("Отсутствуют чанки: %s", formatIndices(missing)),
		}
	}

	// Путь собранного файла
	srcDir := filepath.Join(f.cfg.MediaDir, sourceSubdir)
	if err := os.MkdirAll(srcDir, 0o750); err != nil {
		return nil, internalError("Ошибка подготовки директории медиафайлов")
	}
	dstPath := filepath.Join(srcDir, chunkstore.GenerateArtifactName(sess.Filename))

	// Сборка под merge-транзакцией: упавший посередине процесс
	// не оставит частичный файл после рестарта
	walEntry, err := f.walEngine.Begin(wal.OpMerge, sessionID, dstPath)
	if err != nil {
		f.logger.Error("Ошибка создания merge-транзакции",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, internalError("Внутренняя ошибка при создании транзакции")
	}

	rollback := func() {
		_ = os.Remove(dstPath)
		if rbErr := f.walEngine.Rollback(walEntry.TransactionID); rbErr != nil {
			f.logger.Error("Ошибка отката merge-транзакции",
				slog.String("tx_id", walEntry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
	}

	size, err := f.store.MergeTo(dstPath, sess.ChunkDir, sess.TotalChunks)
	if err != nil {
		rollback()
		f.logger.Error("Ошибка сборки файла",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		middleware.OperationsTotal.WithLabelValues("finalize", "error").Inc()
		return nil, internalError("Ошибка сборки файла из чанков")
	}

	if size != sess.TotalSize {
		rollback()
		middleware.OperationsTotal.WithLabelValues("finalize", "size_mismatch").Inc()
		return nil, &Error{
			StatusCode: 400,
			Code:       apierrors.CodeFileSizeMismatch,
			Message: fmt.Sprintf("Размер собранного файла %d байт не совпадает с заявленным %d",
				size, sess.TotalSize),
		}
	}

	// Регистрация видео-актива
	if title == "" {
		title = sess.Filename
	}
	video := &model.Video{
		ID:         uuid.New().String(),
		UserID:     userID,
		Title:      title,
		SourcePath: dstPath,
		Status:     model.VideoUploaded,
	}
	if err := f.videos.Create(ctx, video); err != nil {
		rollback()
		f.logger.Error("Ошибка регистрации видео",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, internalError("Ошибка регистрации видео")
	}

	if err := f.sessions.UpdateStatus(ctx, sessionID, model.SessionCompleted); err != nil {
		// Файл собран и видео зарегистрировано; запись сессии доберёт sweeper
		f.logger.Error("Ошибка перевода сессии в completed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	f.sessionSvc.Invalidate(sessionID)

	if err := f.walEngine.Commit(walEntry.TransactionID); err != nil {
		// Данные сохранены, коммит WAL — best effort
		f.logger.Error("Ошибка коммита merge-транзакции",
			slog.String("tx_id", walEntry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	// Чанки больше не нужны: удаляем асинхронно, sweeper — подстраховка
	chunkDir := sess.ChunkDir
	go func() {
		if err := f.store.RemoveSessionDir(chunkDir); err != nil {
			f.logger.Warn("Ошибка удаления чанков завершённой сессии",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}()

	// Постановка задания конвертации. Ошибка не фатальна: файл загружен,
	// конвертацию можно поставить повторно
	jobOpts := model.DefaultJobOptions()
	if opts != nil {
		jobOpts = *opts
	}
	jobID, created, err := f.jobs.Enqueue(ctx, video.ID, jobOpts, 0, f.cfg.QueueMaxRetries)
	if err != nil {
		f.logger.Error("Ошибка постановки задания конвертации",
			slog.String("video_id", video.ID),
			slog.String("error", err.Error()),
		)
		jobID = 0
	} else if !created {
		f.logger.Debug("Активное задание для видео уже существует",
			slog.String("video_id", video.ID),
			slog.Int64("job_id", jobID),
		)
	}

	middleware.OperationsTotal.WithLabelValues("finalize", "success").Inc()

	f.logger.Info("Сессия финализирована",
		slog.String("session_id", sessionID),
		slog.String("video_id", video.ID),
		slog.String("source_path", dstPath),
		slog.Int64("size", size),
		slog.Int64("job_id", jobID),
		slog.Duration("session_age", time.Since(sess.CreatedAt)),
	)

	return &CompleteResult{Video: video, JobID: jobID}, nil
}

// formatIndices форматирует список индексов для сообщения об ошибке.
// Длинные списки усекаются.
func formatIndices(indices []int) string {
	const maxShown = 20
	var sb strings.Builder
	for i, idx := range indices {
		if i == maxShown {
			fmt.Fprintf(&sb, " и ещё %d", len(indices)-maxShown)
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", idx)
	}
	return sb.String()
}
