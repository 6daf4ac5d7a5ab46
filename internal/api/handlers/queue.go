// queue.go — обработчики управления очередью конвертации.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/service"
)

// QueueHandler — endpoints /api/v1/queue.
type QueueHandler struct {
	queue  *service.QueueScheduler
	jobs   repository.JobRepository
	logger *slog.Logger
}

// NewQueueHandler создаёт обработчик очереди.
func NewQueueHandler(queue *service.QueueScheduler, jobs repository.JobRepository, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		queue:  queue,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "queue_handler")),
	}
}

// jobResponse — представление задания конвертации.
type jobResponse struct {
	ID           int64      `json:"id"`
	VideoID      string     `json:"video_id"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func jobView(j *model.ConversionJob) jobResponse {
	return jobResponse{
		ID:           j.ID,
		VideoID:      j.VideoID,
		Status:       string(j.Status),
		Priority:     j.Priority,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// parseJobID извлекает идентификатор задания из URL.
func parseJobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор задания: "+chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

// GetJob обрабатывает GET /api/v1/queue/jobs/{id}.
func (h *QueueHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, fmt.Sprintf("Задание %d не найдено", id))
			return
		}
		h.logger.Error("Ошибка чтения задания",
			slog.Int64("job_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения задания")
		return
	}

	writeJSON(w, http.StatusOK, jobView(job))
}

// RetryJob обрабатывает POST /api/v1/queue/jobs/{id}/retry.
// Повтор допустим только для заданий в статусе failed.
func (h *QueueHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if serr := h.queue.RetryFailedJob(r.Context(), id); serr != nil {
		writeServiceError(w, serr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id,
		"status": string(model.JobPending),
	})
}

// maxConcurrentBody — тело и ответ endpoint'а лимита конкурентности.
type maxConcurrentBody struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// GetMaxConcurrent обрабатывает GET /api/v1/queue/max-concurrent.
func (h *QueueHandler) GetMaxConcurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, maxConcurrentBody{MaxConcurrent: h.queue.MaxConcurrent()})
}

// SetMaxConcurrent обрабатывает PUT /api/v1/queue/max-concurrent.
// Применяется на лету: выполняющиеся задания не прерываются, новые
// слоты выдаются по обновлённому лимиту.
func (h *QueueHandler) SetMaxConcurrent(w http.ResponseWriter, r *http.Request) {
	var req maxConcurrentBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxConcurrent < 1 {
		apierrors.ValidationError(w,
			fmt.Sprintf("Лимит конкурентности должен быть не меньше 1: %d", req.MaxConcurrent))
		return
	}

	applied := h.queue.SetMaxConcurrent(req.MaxConcurrent)
	h.logger.Info("Лимит конкурентности очереди изменён", slog.Int("max_concurrent", applied))

	writeJSON(w, http.StatusOK, maxConcurrentBody{MaxConcurrent: applied})
}

// CleanupJobs обрабатывает POST /api/v1/queue/cleanup: удаляет старые
// завершённые задания, оставляя последние UM_QUEUE_KEEP_COMPLETED.
func (h *QueueHandler) CleanupJobs(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.queue.CleanupCompletedJobs(r.Context())
	if err != nil {
		h.logger.Error("Ошибка очистки завершённых заданий", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка очистки завершённых заданий")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
