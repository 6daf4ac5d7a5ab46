package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
)

// sessionColumns — список столбцов таблицы upload_sessions для SELECT-запросов.
const sessionColumns = `id, user_id, filename, total_size, chunk_size, total_chunks,
	received_chunks, chunk_dir, status, expires_at, last_activity_at, created_at, updated_at`

// SessionRepository — доступ к сессиям чанковой загрузки.
type SessionRepository interface {
	// Create сохраняет новую сессию.
	Create(ctx context.Context, s *model.UploadSession) error
	// Get возвращает сессию по ID или ErrNotFound.
	Get(ctx context.Context, id string) (*model.UploadSession, error)
	// GetForUser возвращает сессию по ID, если она принадлежит userID.
	// Чужая или отсутствующая сессия — ErrNotFound (не раскрываем существование).
	GetForUser(ctx context.Context, id, userID string) (*model.UploadSession, error)
	// MarkChunkReceived атомарно добавляет индекс в множество полученных чанков.
	// Безопасен при конкурентных вызовах: set-union одним UPDATE, не read-modify-write.
	// Возвращает false, если индекс уже присутствовал.
	MarkChunkReceived(ctx context.Context, id string, chunkIndex int) (bool, error)
	// RemoveChunkRecord удаляет индекс из множества полученных чанков
	// (ремонт при потерянном файле чанка).
	RemoveChunkRecord(ctx context.Context, id string, chunkIndex int) error
	// ReplaceReceivedChunks перезаписывает множество полученных чанков целиком
	// (SyncActualState: приведение записи к фактическому состоянию диска).
	ReplaceReceivedChunks(ctx context.Context, id string, chunks []int) error
	// UpdateStatus переводит сессию в новый статус.
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error
	// ListExpired возвращает не-терминальные сессии с истёкшим expires_at.
	ListExpired(ctx context.Context, now time.Time) ([]*model.UploadSession, error)
	// ListTerminalOlderThan возвращает терминальные сессии, изменённые раньше cutoff.
	ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*model.UploadSession, error)
	// ActiveChunkDirs возвращает chunk_dir всех сессий в статусе uploading.
	ActiveChunkDirs(ctx context.Context) (map[string]bool, error)
	// Delete жёстко удаляет сессию.
	Delete(ctx context.Context, id string) error
}

// sessionRepo — реализация SessionRepository через pgx.
type sessionRepo struct {
	db DBTX
}

// NewSessionRepository создаёт репозиторий сессий.
func NewSessionRepository(db DBTX) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, s *model.UploadSession) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO upload_sessions
			(id, user_id, filename, total_size, chunk_size, total_chunks,
			 received_chunks, chunk_dir, status, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, '{}', $7, $8, $9, now())`,
		s.ID, s.UserID, s.Filename, s.TotalSize, s.ChunkSize, s.TotalChunks,
		s.ChunkDir, s.Status, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("создание сессии %s: %w", s.ID, err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*model.UploadSession, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *sessionRepo) GetForUser(ctx context.Context, id, userID string) (*model.UploadSession, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 AND user_id = $2`,
		id, userID)
	return scanSession(row)
}

// MarkChunkReceived выполняет атомарный set-union: один UPDATE с условием
// NOT (idx = ANY(received_chunks)). Row-level lock PostgreSQL сериализует
// конкурентные добавления — потерянных обновлений не бывает.
func (r *sessionRepo) MarkChunkReceived(ctx context.Context, id string, chunkIndex int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE upload_sessions
		SET received_chunks = array_append(received_chunks, $2),
		    last_activity_at = now(),
		    updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(received_chunks))`,
		id, chunkIndex,
	)
	if err != nil {
		return false, fmt.Errorf("отметка чанка %d сессии %s: %w", chunkIndex, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *sessionRepo) RemoveChunkRecord(ctx context.Context, id string, chunkIndex int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE upload_sessions
		SET received_chunks = array_remove(received_chunks, $2),
		    updated_at = now()
		WHERE id = $1`,
		id, chunkIndex,
	)
	if err != nil {
		return fmt.Errorf("удаление записи чанка %d сессии %s: %w", chunkIndex, id, err)
	}
	return nil
}

func (r *sessionRepo) ReplaceReceivedChunks(ctx context.Context, id string, chunks []int) error {
	if chunks == nil {
		chunks = []int{}
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE upload_sessions
		SET received_chunks = $2,
		    updated_at = now()
		WHERE id = $1`,
		id, chunks,
	)
	if err != nil {
		return fmt.Errorf("перезапись множества чанков сессии %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE upload_sessions
		SET status = $2, updated_at = now()
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("смена статуса сессии %s на %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.UploadSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM upload_sessions
		WHERE status = 'uploading' AND expires_at < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("выборка просроченных сессий: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *sessionRepo) ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*model.UploadSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM upload_sessions
		WHERE status IN ('completed', 'cancelled', 'expired') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("выборка терминальных сессий: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *sessionRepo) ActiveChunkDirs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.Query(ctx,
		`SELECT chunk_dir FROM upload_sessions WHERE status = 'uploading'`)
	if err != nil {
		return nil, fmt.Errorf("выборка активных директорий чанков: %w", err)
	}
	defer rows.Close()

	dirs := make(map[string]bool)
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, fmt.Errorf("чтение chunk_dir: %w", err)
		}
		dirs[dir] = true
	}
	return dirs, rows.Err()
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("удаление сессии %s: %w", id, err)
	}
	return nil
}

// scanSession читает одну сессию из pgx.Row.
func scanSession(row pgx.Row) (*model.UploadSession, error) {
	var s model.UploadSession
	err := row.Scan(
		&s.ID, &s.UserID, &s.Filename, &s.TotalSize, &s.ChunkSize, &s.TotalChunks,
		&s.ReceivedChunks, &s.ChunkDir, &s.Status, &s.ExpiresAt, &s.LastActivityAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение сессии: %w", err)
	}
	return &s, nil
}

// scanSessions читает все сессии из pgx.Rows.
func scanSessions(rows pgx.Rows) ([]*model.UploadSession, error) {
	var result []*model.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
