// Пакет transcoder — конвертация видео через внешний ffmpeg/ffprobe.
package transcoder

import (
	"context"

	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
)

// Metadata — технические параметры исходного видео.
type Metadata struct {
	// DurationSeconds — длительность в секундах
	DurationSeconds float64
	// Width и Height — разрешение исходного видео
	Width  int
	Height int
	// Codec — видеокодек исходника
	Codec string
}

// ConvertResult — результат успешной конвертации.
type ConvertResult struct {
	// OutputDir — директория с перекодированными вариантами
	OutputDir string
	// ThumbnailPath — путь к превью (пустой, если превью не запрашивалось)
	ThumbnailPath string
	// Metadata — параметры исходного видео
	Metadata Metadata
}

// Transcoder — конвертация видео-активов.
type Transcoder interface {
	// ExtractMetadata читает технические параметры видео через ffprobe.
	ExtractMetadata(ctx context.Context, sourcePath string) (*Metadata, error)

	// Convert перекодирует видео согласно опциям задачи.
	// Для каждого запрошенного разрешения создаётся отдельный файл
	// в outputDir. Уважает отмену контекста.
	Convert(ctx context.Context, sourcePath, outputDir string, opts model.JobOptions) (*ConvertResult, error)

	// GenerateThumbnail извлекает кадр превью из видео.
	GenerateThumbnail(ctx context.Context, sourcePath, thumbnailPath string) error

	// CleanupOutputs удаляет результаты неудачной конвертации.
	CleanupOutputs(outputDir string) error
}
