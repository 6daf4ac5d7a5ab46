// session.go — сервис управления сессиями чанковой загрузки.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/api/middleware"
	"github.com/arturkryukov/mediahub/upload-module/internal/config"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/chunkstore"
)

// Параметры LRU-кэша сессий: кэш снимает нагрузку с БД на горячем
// пути приёма чанков; каждая мутация сессии инвалидирует запись.
const (
	sessionCacheSize = 1024
	sessionCacheTTL  = 30 * time.Second
)

// SessionService — создание, чтение и отмена сессий загрузки.
type SessionService struct {
	cfg      *config.Config
	sessions repository.SessionRepository
	store    *chunkstore.ChunkStore
	cache    *expirable.LRU[string, *model.UploadSession]
	logger   *slog.Logger
}

// NewSessionService создаёт сервис сессий.
func NewSessionService(
	cfg *config.Config,
	sessions repository.SessionRepository,
	store *chunkstore.ChunkStore,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		cache:    expirable.NewLRU[string, *model.UploadSession](sessionCacheSize, nil, sessionCacheTTL),
		logger:   logger.With(slog.String("component", "session_service")),
	}
}

// CreateParams — параметры создания сессии загрузки.
type CreateParams struct {
	// UserID — владелец сессии (sub из JWT)
	UserID string
	// Filename — оригинальное имя загружаемого файла
	Filename string
	// TotalSize — заявленный размер файла в байтах
	TotalSize int64
	// ChunkSize — размер чанка; 0 — использовать размер по умолчанию
	ChunkSize int64
}

// Create создаёт новую сессию загрузки.
//
// Валидация:
//   - Filename непустой
//   - 0 < TotalSize <= UM_MAX_FILE_SIZE
//   - ChunkSize в диапазоне [UM_CHUNK_SIZE_MIN, UM_CHUNK_SIZE_MAX]
func (s *SessionService) Create(ctx context.Context, params CreateParams) (*model.UploadSession, *Error) {
	if params.Filename == "" {
		return nil, &Error{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    "Имя файла не задано",
		}
	}
	if params.TotalSize <= 0 {
		return nil, &Error{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Некорректный размер файла: %d", params.TotalSize),
		}
	}
	if params.TotalSize > s.cfg.MaxFileSize {
		return nil, &Error{
			StatusCode: 413,
			Code:       apierrors.CodeFileTooLarge,
			Message: fmt.Sprintf("Размер файла %d байт превышает максимум %d байт",
				params.TotalSize, s.cfg.MaxFileSize),
		}
	}

	chunkSize := params.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.cfg.ChunkSizeDefault
	}
	if chunkSize < s.cfg.ChunkSizeMin || chunkSize > s.cfg.ChunkSizeMax {
		return nil, &Error{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message: fmt.Sprintf("Размер чанка %d вне диапазона [%d, %d]",
				chunkSize, s.cfg.ChunkSizeMin, s.cfg.ChunkSizeMax),
		}
	}

	totalChunks := int((params.TotalSize + chunkSize - 1) / chunkSize)

	sessionID := uuid.New().String()
	chunkDir, err := s.store.CreateSessionDir(sessionID)
	if err != nil {
		s.logger.Error("Ошибка создания директории чанков",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, internalError("Ошибка создания хранилища сессии")
	}

	now := time.Now().UTC()
	sess := &model.UploadSession{
		ID:             sessionID,
		UserID:         params.UserID,
		Filename:       params.Filename,
		TotalSize:      params.TotalSize,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		ReceivedChunks: []int{},
		ChunkDir:       chunkDir,
		Status:         model.SessionUploading,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
		LastActivityAt: now,
		CreatedAt:      now,
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		// Запись не создана — директорию убираем сразу, не ждём sweeper
		_ = s.store.RemoveSessionDir(chunkDir)
		s.logger.Error("Ошибка сохранения сессии",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, internalError("Ошибка создания сессии")
	}

	middleware.OperationsTotal.WithLabelValues("session_create", "success").Inc()

	s.logger.Info("Сессия загрузки создана",
		slog.String("session_id", sessionID),
		slog.String("user_id", params.UserID),
		slog.String("filename", params.Filename),
		slog.Int64("total_size", params.TotalSize),
		slog.Int64("chunk_size", chunkSize),
		slog.Int("total_chunks", totalChunks),
	)

	return sess, nil
}

// Get возвращает сессию пользователя. Чужая или отсутствующая сессия
// неразличимы: в обоих случаях 404.
func (s *SessionService) Get(ctx context.Context, id, userID string) (*model.UploadSession, *Error) {
	if sess, ok := s.cache.Get(id); ok {
		if sess.UserID != userID {
			return nil, sessionNotFound(id)
		}
		return sess, nil
	}

	sess, err := s.sessions.GetForUser(ctx, id, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, sessionNotFound(id)
		}
		s.logger.Error("Ошибка чтения сессии",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return nil, internalError("Ошибка чтения сессии")
	}

	s.cache.Add(id, sess)
	return sess, nil
}

// Invalidate сбрасывает кэшированную запись сессии. Вызывается после
// любой мутации (приём чанка, финализация, отмена).
func (s *SessionService) Invalidate(id string) {
	s.cache.Remove(id)
}

// Cancel отменяет сессию загрузки и удаляет её чанки.
// Отмена уже отменённой сессии — no-op. Отмена завершённой или
// просроченной сессии — ошибка SESSION_NOT_ACTIVE.
func (s *SessionService) Cancel(ctx context.Context, id, userID string) *Error {
	sess, serr := s.Get(ctx, id, userID)
	if serr != nil {
		return serr
	}

	switch sess.Status {
	case model.SessionCancelled:
		return nil
	case model.SessionCompleted, model.SessionExpired:
		return &Error{
			StatusCode: 409,
			Code:       apierrors.CodeSessionNotActive,
			Message:    fmt.Sprintf("Сессия в статусе %s не может быть отменена", sess.Status),
		}
	}

	if err := s.sessions.UpdateStatus(ctx, id, model.SessionCancelled); err != nil {
		s.logger.Error("Ошибка отмены сессии",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return internalError("Ошибка отмены сессии")
	}
	s.Invalidate(id)

	// Чанки удаляем best effort: осиротевшую директорию доберёт sweeper
	if err := s.store.RemoveSessionDir(sess.ChunkDir); err != nil {
		s.logger.Warn("Ошибка удаления чанков отменённой сессии",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}

	middleware.OperationsTotal.WithLabelValues("session_cancel", "success").Inc()

	s.logger.Info("Сессия отменена",
		slog.String("session_id", id),
		slog.String("user_id", userID),
	)
	return nil
}

// sessionNotFound — стандартная 404 для сессии.
func sessionNotFound(id string) *Error {
	return &Error{
		StatusCode: 404,
		Code:       apierrors.CodeNotFound,
		Message:    fmt.Sprintf("Сессия %s не найдена", id),
	}
}

// internalError — стандартная 500.
func internalError(msg string) *Error {
	return &Error{
		StatusCode: 500,
		Code:       apierrors.CodeInternalError,
		Message:    msg,
	}
}
