// uploads.go — обработчики сессий чанковой загрузки.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/api/middleware"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/service"
)

// UploadsHandler — endpoints /api/v1/uploads.
type UploadsHandler struct {
	sessions   *service.SessionService
	uploads    *service.UploadService
	finalize   *service.FinalizeService
	reconciler *service.Reconciler
	logger     *slog.Logger
}

// NewUploadsHandler создаёт обработчик загрузок.
func NewUploadsHandler(
	sessions *service.SessionService,
	uploads *service.UploadService,
	finalize *service.FinalizeService,
	reconciler *service.Reconciler,
	logger *slog.Logger,
) *UploadsHandler {
	return &UploadsHandler{
		sessions:   sessions,
		uploads:    uploads,
		finalize:   finalize,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "uploads_handler")),
	}
}

// createSessionRequest — тело POST /api/v1/uploads.
type createSessionRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
}

// sessionResponse — ответ на создание сессии.
type sessionResponse struct {
	SessionID   string    `json:"session_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CreateSession обрабатывает POST /api/v1/uploads.
func (h *UploadsHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, serr := h.sessions.Create(r.Context(), service.CreateParams{
		UserID:    middleware.SubjectFromContext(r.Context()),
		Filename:  req.Filename,
		TotalSize: req.TotalSize,
		ChunkSize: req.ChunkSize,
	})
	if serr != nil {
		writeServiceError(w, serr)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:   sess.ID,
		ChunkSize:   sess.ChunkSize,
		TotalChunks: sess.TotalChunks,
		ExpiresAt:   sess.ExpiresAt,
	})
}

// chunkUploadResponse — ответ на приём чанка. Code заполняется
// нефатальным кодом CHUNK_ALREADY_UPLOADED для дубликата.
type chunkUploadResponse struct {
	ChunkIndex      int    `json:"chunk_index"`
	Received        int    `json:"received"`
	Total           int    `json:"total"`
	AlreadyUploaded bool   `json:"already_uploaded,omitempty"`
	Code            string `json:"code,omitempty"`
}

// UploadChunk обрабатывает PUT /api/v1/uploads/{id}/chunks/{index}.
// Тело запроса — сырые байты чанка.
func (h *UploadsHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный индекс чанка: "+chi.URLParam(r, "index"))
		return
	}

	result, serr := h.uploads.UploadChunk(r.Context(), sessionID,
		middleware.SubjectFromContext(r.Context()), index, r.Body)
	if serr != nil {
		writeServiceError(w, serr)
		return
	}

	writeJSON(w, http.StatusOK, chunkUploadResponse{
		ChunkIndex:      result.ChunkIndex,
		Received:        result.Received,
		Total:           result.Total,
		AlreadyUploaded: result.AlreadyUploaded,
		Code:            result.Code,
	})
}

// completeRequest — тело POST /api/v1/uploads/{id}/complete.
type completeRequest struct {
	Title   string            `json:"title,omitempty"`
	Options *model.JobOptions `json:"options,omitempty"`
}

// completeResponse — ответ на финализацию.
type completeResponse struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	JobID   int64  `json:"job_id,omitempty"`
}

// CompleteSession обрабатывает POST /api/v1/uploads/{id}/complete.
func (h *UploadsHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, serr := h.finalize.Complete(r.Context(), chi.URLParam(r, "id"),
		middleware.SubjectFromContext(r.Context()), req.Title, req.Options)
	if serr != nil {
		writeServiceError(w, serr)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		VideoID: result.Video.ID,
		Title:   result.Video.Title,
		Status:  string(result.Video.Status),
		JobID:   result.JobID,
	})
}

// CancelSession обрабатывает DELETE /api/v1/uploads/{id}.
func (h *UploadsHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	serr := h.sessions.Cancel(r.Context(), chi.URLParam(r, "id"),
		middleware.SubjectFromContext(r.Context()))
	if serr != nil {
		writeServiceError(w, serr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// progressResponse — ответ на запрос прогресса. Содержит всё
// необходимое клиенту для возобновления загрузки.
type progressResponse struct {
	SessionID     string    `json:"session_id"`
	Status        string    `json:"status"`
	Received      int       `json:"received"`
	TotalChunks   int       `json:"total_chunks"`
	ChunkSize     int64     `json:"chunk_size"`
	TotalSize     int64     `json:"total_size"`
	MissingChunks []int     `json:"missing_chunks"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// GetProgress обрабатывает GET /api/v1/uploads/{id}/progress.
// Недостающие чанки определяются по фактическому состоянию диска.
func (h *UploadsHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	sess, serr := h.sessions.Get(r.Context(), chi.URLParam(r, "id"),
		middleware.SubjectFromContext(r.Context()))
	if serr != nil {
		writeServiceError(w, serr)
		return
	}

	missing, err := h.reconciler.ValidateSequence(sess)
	if err != nil {
		h.logger.Error("Ошибка сверки чанков по диску",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения состояния сессии")
		return
	}
	if missing == nil {
		missing = []int{}
	}

	writeJSON(w, http.StatusOK, progressResponse{
		SessionID:     sess.ID,
		Status:        string(sess.Status),
		Received:      sess.TotalChunks - len(missing),
		TotalChunks:   sess.TotalChunks,
		ChunkSize:     sess.ChunkSize,
		TotalSize:     sess.TotalSize,
		MissingChunks: missing,
		ExpiresAt:     sess.ExpiresAt,
	})
}
