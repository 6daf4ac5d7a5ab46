package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
)

// jobColumns — список столбцов таблицы conversion_jobs для SELECT-запросов.
const jobColumns = `id, video_id, status, priority, retry_count, max_retries,
	options, error_message, next_attempt_at, created_at, started_at, completed_at`

// ErrJobNotRetryable — задание не в статусе failed, ручной retry невозможен.
var ErrJobNotRetryable = errors.New("задание не в статусе failed")

// JobRepository — доступ к очереди заданий конвертации.
type JobRepository interface {
	// Enqueue идемпотентно ставит задание в очередь. Если для videoID уже
	// существует задание в статусе pending/processing, возвращает его ID
	// и created=false, не создавая дубликат.
	Enqueue(ctx context.Context, videoID string, opts model.JobOptions, priority, maxRetries int) (jobID int64, created bool, err error)
	// Get возвращает задание по ID или ErrNotFound.
	Get(ctx context.Context, id int64) (*model.ConversionJob, error)
	// ClaimNext атомарно забирает следующее pending-задание (priority DESC,
	// created_at ASC) с наступившим next_attempt_at и переводит его
	// в processing. Возвращает ErrNotFound, если очередь пуста.
	ClaimNext(ctx context.Context, now time.Time) (*model.ConversionJob, error)
	// MarkCompleted переводит задание в completed.
	MarkCompleted(ctx context.Context, id int64) error
	// Requeue возвращает провалившееся задание в pending: retry_count+1,
	// запись ошибки, next_attempt_at = время следующей попытки.
	Requeue(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error
	// MarkFailed окончательно проваливает задание: retry_count+1, статус failed.
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// ResetForRetry сбрасывает failed-задание в pending с retry_count = 0.
	// Для задания в другом статусе возвращает ErrJobNotRetryable.
	ResetForRetry(ctx context.Context, id int64) error
	// RecoverProcessing возвращает подвисшие processing-задания в pending.
	// Вызывается один раз при старте процесса (crash recovery).
	RecoverProcessing(ctx context.Context) (int, error)
	// DeleteCompletedKeep удаляет completed-задания, кроме keep последних
	// по времени завершения. Возвращает количество удалённых.
	DeleteCompletedKeep(ctx context.Context, keep int) (int, error)
}

// jobRepo — реализация JobRepository через pgx.
type jobRepo struct {
	db DBTX
}

// NewJobRepository создаёт репозиторий заданий.
func NewJobRepository(db DBTX) JobRepository {
	return &jobRepo{db: db}
}

// Enqueue выполняет проверку активного задания и вставку в одной транзакции.
// Частичный уникальный индекс idx_conversion_jobs_active_video — подстраховка
// от гонки между двумя конкурентными Enqueue.
func (r *jobRepo) Enqueue(ctx context.Context, videoID string, opts model.JobOptions, priority, maxRetries int) (int64, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("начало транзакции enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback после commit — no-op

	var existingID int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM conversion_jobs
		WHERE video_id = $1 AND status IN ('pending', 'processing')
		LIMIT 1`,
		videoID,
	).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("поиск активного задания для видео %s: %w", videoID, err)
	}

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return 0, false, fmt.Errorf("сериализация параметров задания: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO conversion_jobs (video_id, status, priority, max_retries, options)
		VALUES ($1, 'pending', $2, $3, $4)
		RETURNING id`,
		videoID, priority, maxRetries, optsJSON,
	).Scan(&id)
	if err != nil {
		// Гонка двух Enqueue: проигравший упирается в уникальный индекс
		// и возвращает задание победителя
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			_ = tx.Rollback(ctx)
			err = r.db.QueryRow(ctx, `
				SELECT id FROM conversion_jobs
				WHERE video_id = $1 AND status IN ('pending', 'processing')
				LIMIT 1`,
				videoID,
			).Scan(&existingID)
			if err != nil {
				return 0, false, fmt.Errorf("поиск активного задания для видео %s: %w", videoID, err)
			}
			return existingID, false, nil
		}
		return 0, false, fmt.Errorf("вставка задания для видео %s: %w", videoID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit enqueue: %w", err)
	}
	return id, true, nil
}

func (r *jobRepo) Get(ctx context.Context, id int64) (*model.ConversionJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimNext использует FOR UPDATE SKIP LOCKED: даже при нескольких процессах
// одно задание не будет забрано дважды.
func (r *jobRepo) ClaimNext(ctx context.Context, now time.Time) (*model.ConversionJob, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE conversion_jobs
		SET status = 'processing', started_at = now()
		WHERE id = (
			SELECT id FROM conversion_jobs
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now,
	)
	return scanJob(row)
}

func (r *jobRepo) MarkCompleted(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = 'completed', completed_at = now(), error_message = ''
		WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("завершение задания %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobRepo) Requeue(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = 'pending', retry_count = retry_count + 1,
		    error_message = $2, next_attempt_at = $3, started_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, errMsg, nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("возврат задания %d в очередь: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = 'failed', retry_count = retry_count + 1,
		    error_message = $2, completed_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("провал задания %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobRepo) ResetForRetry(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = 'pending', retry_count = 0, error_message = '',
		    next_attempt_at = now(), started_at = NULL, completed_at = NULL
		WHERE id = $1 AND status = 'failed'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("сброс задания %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Либо задания нет, либо оно не в статусе failed
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobNotRetryable
	}
	return nil
}

func (r *jobRepo) RecoverProcessing(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversion_jobs
		SET status = 'pending', started_at = NULL, next_attempt_at = now()
		WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("восстановление processing-заданий: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRepo) DeleteCompletedKeep(ctx context.Context, keep int) (int, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM conversion_jobs
		WHERE status = 'completed' AND id NOT IN (
			SELECT id FROM conversion_jobs
			WHERE status = 'completed'
			ORDER BY completed_at DESC
			LIMIT $1
		)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("очистка завершённых заданий: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanJob читает одно задание из pgx.Row.
func scanJob(row pgx.Row) (*model.ConversionJob, error) {
	var (
		j        model.ConversionJob
		optsJSON []byte
	)
	err := row.Scan(
		&j.ID, &j.VideoID, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&optsJSON, &j.ErrorMessage, &j.NextAttemptAt, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение задания: %w", err)
	}
	if len(optsJSON) > 0 {
		if err := json.Unmarshal(optsJSON, &j.Options); err != nil {
			return nil, fmt.Errorf("десериализация параметров задания %d: %w", j.ID, err)
		}
	}
	return &j, nil
}
