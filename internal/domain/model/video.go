package model

import (
	"time"
)

// VideoStatus — статус обработки видео-актива.
// Зеркалирует исход задания конвертации.
type VideoStatus string

const (
	// VideoUploaded — файл собран из чанков, ожидает конвертации
	VideoUploaded VideoStatus = "uploaded"
	// VideoProcessing — конвертация выполняется
	VideoProcessing VideoStatus = "processing"
	// VideoCompleted — конвертация успешно завершена
	VideoCompleted VideoStatus = "completed"
	// VideoFailed — конвертация окончательно провалена
	VideoFailed VideoStatus = "failed"
)

// Video — медиа-актив, созданный при финализации загрузки.
type Video struct {
	// ID — идентификатор видео (UUID v4)
	ID string
	// UserID — владелец (sub из JWT)
	UserID string
	// Title — название, переданное при финализации
	Title string
	// SourcePath — путь собранного исходного файла
	SourcePath string
	// OutputDir — директория артефактов транскодера
	OutputDir string
	// ThumbnailPath — путь превью-кадра (пустой, если не создавался)
	ThumbnailPath string
	// DurationSeconds — длительность из метаданных транскодера
	DurationSeconds float64
	// Width, Height — разрешение исходника
	Width  int
	Height int
	// Status — статус обработки
	Status VideoStatus
	// ErrorMessage — текст ошибки конвертации (для диагностики)
	ErrorMessage string
	// CreatedAt — время регистрации актива
	CreatedAt time.Time
	// UpdatedAt — время последнего изменения
	UpdatedAt time.Time
}
