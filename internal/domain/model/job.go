package model

import (
	"time"
)

// JobStatus — статус задания конвертации.
type JobStatus string

const (
	// JobPending — задание ожидает выполнения
	JobPending JobStatus = "pending"
	// JobProcessing — задание выполняется транскодером
	JobProcessing JobStatus = "processing"
	// JobCompleted — задание успешно завершено
	JobCompleted JobStatus = "completed"
	// JobFailed — задание окончательно провалено (retry-лимит исчерпан)
	JobFailed JobStatus = "failed"
)

// JobOptions — типизированные параметры задания конвертации.
// Сериализуются в jsonb только на границе репозитория.
type JobOptions struct {
	// VideoCodec — целевой видеокодек (по умолчанию h264)
	VideoCodec string `json:"video_codec,omitempty"`
	// AudioCodec — целевой аудиокодек (по умолчанию aac)
	AudioCodec string `json:"audio_codec,omitempty"`
	// Resolutions — целевые вертикальные разрешения (например 1080, 720, 480)
	Resolutions []int `json:"resolutions,omitempty"`
	// GenerateThumbnail — создавать ли превью-кадр
	GenerateThumbnail bool `json:"generate_thumbnail,omitempty"`
}

// DefaultJobOptions возвращает параметры конвертации по умолчанию.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		VideoCodec:        "h264",
		AudioCodec:        "aac",
		Resolutions:       []int{1080, 720, 480},
		GenerateThumbnail: true,
	}
}

// ConversionJob — задание очереди конвертации.
// Инвариант: для одного VideoID в любой момент существует не более
// одного задания со статусом pending или processing.
type ConversionJob struct {
	// ID — монотонный идентификатор задания (bigserial)
	ID int64
	// VideoID — идентификатор целевого видео-актива
	VideoID string
	// Status — текущий статус задания
	Status JobStatus
	// Priority — приоритет (больше — раньше)
	Priority int
	// RetryCount — количество выполненных попыток
	RetryCount int
	// MaxRetries — лимит попыток до перехода в failed
	MaxRetries int
	// Options — параметры конвертации
	Options JobOptions
	// ErrorMessage — текст последней ошибки (для диагностики)
	ErrorMessage string
	// NextAttemptAt — время, раньше которого планировщик не возьмёт задание
	NextAttemptAt time.Time
	// CreatedAt — время постановки в очередь
	CreatedAt time.Time
	// StartedAt — время начала последней попытки
	StartedAt *time.Time
	// CompletedAt — время завершения (completed/failed)
	CompletedAt *time.Time
}
