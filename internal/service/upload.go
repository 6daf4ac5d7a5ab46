// upload.go — приём чанков загрузки.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/api/middleware"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/chunkstore"
)

// UploadService — сервис приёма чанков.
type UploadService struct {
	sessions   repository.SessionRepository
	sessionSvc *SessionService
	store      *chunkstore.ChunkStore
	logger     *slog.Logger
}

// NewUploadService создаёт сервис приёма чанков.
func NewUploadService(
	sessions repository.SessionRepository,
	sessionSvc *SessionService,
	store *chunkstore.ChunkStore,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		sessions:   sessions,
		sessionSvc: sessionSvc,
		store:      store,
		logger:     logger.With(slog.String("component", "upload_service")),
	}
}

// ChunkResult — результат приёма одного чанка.
type ChunkResult struct {
	// ChunkIndex — индекс принятого чанка
	ChunkIndex int
	// Received — количество полученных чанков после приёма
	Received int
	// Total — общее количество чанков сессии
	Total int
	// AlreadyUploaded — чанк уже был получен ранее, запись не выполнялась
	AlreadyUploaded bool
	// Code — нефатальный код результата (CHUNK_ALREADY_UPLOADED для дубликата)
	Code string
}

// UploadChunk принимает один чанк сессии.
//
// Поток:
//  1. Чтение сессии, проверка статуса и срока жизни
//  2. Проверка индекса: [0, TotalChunks)
//  3. Дубликат: запись есть И файл на диске есть — success без перезаписи.
//     Запись есть, файла нет — устаревшая запись: чиним (удаляем запись)
//     и принимаем чанк заново
//  4. Запись на диск (temp → fsync → rename)
//  5. Проверка фактического размера против ожидаемого
//  6. Атомарная отметка в множестве полученных чанков
func (u *UploadService) UploadChunk(ctx context.Context, sessionID, userID string, chunkIndex int, reader io.Reader) (*ChunkResult, *Error) {
	sess, serr := u.sessionSvc.Get(ctx, sessionID, userID)
	if serr != nil {
		return nil, serr
	}

	if sess.Status != model.SessionUploading {
		return nil, &Error{
			StatusCode: 409,
			Code:       apierrors.CodeSessionNotActive,
			Message:    fmt.Sprintf("Сессия в статусе %s не принимает чанки", sess.Status),
		}
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return nil, &Error{
			StatusCode: 409,
			Code:       apierrors.CodeSessionNotActive,
			Message:    "Срок жизни сессии истёк",
		}
	}

	if chunkIndex < 0 || chunkIndex >= sess.TotalChunks {
		return nil, &Error{
			StatusCode: 400,
			Code:       apierrors.CodeInvalidRange,
			Message: fmt.Sprintf("Индекс чанка %d вне диапазона [0, %d)",
				chunkIndex, sess.TotalChunks),
		}
	}

	// Обработка дубликата: диск — источник истины
	baseReceived := len(sess.ReceivedChunks)
	if sess.HasChunk(chunkIndex) {
		if u.store.ChunkExists(sess.ChunkDir, chunkIndex) {
			middleware.OperationsTotal.WithLabelValues("chunk_upload", "duplicate").Inc()
			return &ChunkResult{
				ChunkIndex:      chunkIndex,
				Received:        len(sess.ReceivedChunks),
				Total:           sess.TotalChunks,
				AlreadyUploaded: true,
				Code:            apierrors.CodeChunkAlreadyUploaded,
			}, nil
		}

		// Устаревшая запись: файл потерян, запись чиним и принимаем заново
		u.logger.Warn("Запись о чанке без файла на диске, ремонт",
			slog.String("session_id", sessionID),
			slog.Int("chunk_index", chunkIndex),
		)
		if err := u.sessions.RemoveChunkRecord(ctx, sessionID, chunkIndex); err != nil {
			u.logger.Error("Ошибка ремонта записи чанка",
				slog.String("session_id", sessionID),
				slog.Int("chunk_index", chunkIndex),
				slog.String("error", err.Error()),
			)
			return nil, internalError("Ошибка обработки чанка")
		}
		u.sessionSvc.Invalidate(sessionID)
		baseReceived--
	}

	expectedSize := sess.ExpectedChunkSize(chunkIndex)

	// Принимаем не больше ожидаемого +1 байт: лишний байт означает
	// чанк неверного размера
	size, err := u.store.WriteChunk(sess.ChunkDir, chunkIndex, io.LimitReader(reader, expectedSize+1))
	if err != nil {
		u.logger.Error("Ошибка записи чанка",
			slog.String("session_id", sessionID),
			slog.Int("chunk_index", chunkIndex),
			slog.String("error", err.Error()),
		)
		middleware.OperationsTotal.WithLabelValues("chunk_upload", "error").Inc()
		return nil, internalError("Ошибка записи чанка на диск")
	}

	if size != expectedSize {
		_ = u.store.RemoveChunk(sess.ChunkDir, chunkIndex)
		middleware.OperationsTotal.WithLabelValues("chunk_upload", "invalid_size").Inc()
		return nil, &Error{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message: fmt.Sprintf("Размер чанка %d: получено %d байт, ожидается %d",
				chunkIndex, size, expectedSize),
		}
	}

	added, err := u.sessions.MarkChunkReceived(ctx, sessionID, chunkIndex)
	if err != nil {
		u.logger.Error("Ошибка отметки чанка",
			slog.String("session_id", sessionID),
			slog.Int("chunk_index", chunkIndex),
			slog.String("error", err.Error()),
		)
		return nil, internalError("Ошибка отметки чанка")
	}
	u.sessionSvc.Invalidate(sessionID)

	received := baseReceived
	if added {
		received++
	}

	middleware.OperationsTotal.WithLabelValues("chunk_upload", "success").Inc()
	middleware.ChunkBytesReceived.Add(float64(size))

	u.logger.Debug("Чанк принят",
		slog.String("session_id", sessionID),
		slog.Int("chunk_index", chunkIndex),
		slog.Int64("size", size),
		slog.Int("received", received),
		slog.Int("total", sess.TotalChunks),
	)

	return &ChunkResult{
		ChunkIndex: chunkIndex,
		Received:   received,
		Total:      sess.TotalChunks,
	}, nil
}
