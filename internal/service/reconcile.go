// reconcile.go — сверка записанного множества чанков с фактическим
// состоянием диска. Диск — источник истины: запись в БД может отстать
// (потерянный файл) или опередить (файл без отметки после ремонта).
package service

import (
	"context"
	"log/slog"

	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/chunkstore"
)

// Reconciler — сверка чанков сессии с диском.
type Reconciler struct {
	sessions repository.SessionRepository
	store    *chunkstore.ChunkStore
	logger   *slog.Logger
}

// NewReconciler создаёт сервис сверки.
func NewReconciler(
	sessions repository.SessionRepository,
	store *chunkstore.ChunkStore,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		sessions: sessions,
		store:    store,
		logger:   logger.With(slog.String("component", "reconciler")),
	}
}

// ValidateSequence проверяет по диску, что присутствуют все чанки
// [0, TotalChunks). Возвращает отсортированный список отсутствующих
// индексов; пустой список означает полную последовательность.
func (r *Reconciler) ValidateSequence(sess *model.UploadSession) ([]int, error) {
	onDisk, err := r.store.ListChunkIndices(sess.ChunkDir)
	if err != nil {
		return nil, err
	}

	present := make(map[int]bool, len(onDisk))
	for _, idx := range onDisk {
		present[idx] = true
	}

	var missing []int
	for i := 0; i < sess.TotalChunks; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// SyncActualState приводит записанное множество полученных чанков
// к фактическому состоянию диска. Индексы вне диапазона сессии
// игнорируются. Возвращает новое множество.
func (r *Reconciler) SyncActualState(ctx context.Context, sess *model.UploadSession) ([]int, error) {
	onDisk, err := r.store.ListChunkIndices(sess.ChunkDir)
	if err != nil {
		return nil, err
	}

	actual := make([]int, 0, len(onDisk))
	for _, idx := range onDisk {
		if idx >= 0 && idx < sess.TotalChunks {
			actual = append(actual, idx)
		}
	}

	if err := r.sessions.ReplaceReceivedChunks(ctx, sess.ID, actual); err != nil {
		return nil, err
	}

	if len(actual) != len(sess.ReceivedChunks) {
		r.logger.Warn("Множество чанков приведено к состоянию диска",
			slog.String("session_id", sess.ID),
			slog.Int("recorded", len(sess.ReceivedChunks)),
			slog.Int("actual", len(actual)),
		)
	}

	sess.ReceivedChunks = actual
	return actual, nil
}
