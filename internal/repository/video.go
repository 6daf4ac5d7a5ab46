package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
)

// videoColumns — список столбцов таблицы videos для SELECT-запросов.
const videoColumns = `id, user_id, title, source_path, output_dir, thumbnail_path,
	duration_seconds, width, height, status, error_message, created_at, updated_at`

// VideoRepository — доступ к видео-активам.
type VideoRepository interface {
	// Create регистрирует новый видео-актив.
	Create(ctx context.Context, v *model.Video) error
	// Get возвращает видео по ID или ErrNotFound.
	Get(ctx context.Context, id string) (*model.Video, error)
	// SetProcessing переводит видео в processing.
	SetProcessing(ctx context.Context, id string) error
	// SetCompleted записывает результат конвертации и переводит видео в completed.
	SetCompleted(ctx context.Context, id, outputDir, thumbnailPath string, durationSec float64, width, height int) error
	// SetFailed переводит видео в failed с текстом ошибки.
	SetFailed(ctx context.Context, id, errMsg string) error
}

// videoRepo — реализация VideoRepository через pgx.
type videoRepo struct {
	db DBTX
}

// NewVideoRepository создаёт репозиторий видео.
func NewVideoRepository(db DBTX) VideoRepository {
	return &videoRepo{db: db}
}

func (r *videoRepo) Create(ctx context.Context, v *model.Video) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO videos (id, user_id, title, source_path, status)
		VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.UserID, v.Title, v.SourcePath, v.Status,
	)
	if err != nil {
		return fmt.Errorf("создание видео %s: %w", v.ID, err)
	}
	return nil
}

func (r *videoRepo) Get(ctx context.Context, id string) (*model.Video, error) {
	var v model.Video
	err := r.db.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = $1`, id,
	).Scan(
		&v.ID, &v.UserID, &v.Title, &v.SourcePath, &v.OutputDir, &v.ThumbnailPath,
		&v.DurationSeconds, &v.Width, &v.Height, &v.Status, &v.ErrorMessage,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение видео %s: %w", id, err)
	}
	return &v, nil
}

func (r *videoRepo) SetProcessing(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, `
		UPDATE videos SET status = 'processing', updated_at = now() WHERE id = $1`)
}

func (r *videoRepo) SetCompleted(ctx context.Context, id, outputDir, thumbnailPath string, durationSec float64, width, height int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE videos
		SET status = 'completed', output_dir = $2, thumbnail_path = $3,
		    duration_seconds = $4, width = $5, height = $6,
		    error_message = '', updated_at = now()
		WHERE id = $1`,
		id, outputDir, thumbnailPath, durationSec, width, height,
	)
	if err != nil {
		return fmt.Errorf("завершение видео %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *videoRepo) SetFailed(ctx context.Context, id, errMsg string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE videos
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("провал видео %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *videoRepo) updateStatus(ctx context.Context, id, query string) error {
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("обновление статуса видео %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
