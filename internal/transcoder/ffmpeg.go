package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
)

// thumbnailOffset — позиция кадра для превью (секунды от начала).
const thumbnailOffset = "3"

// FFmpegTranscoder — реализация Transcoder через внешние ffmpeg/ffprobe.
type FFmpegTranscoder struct {
	// ffmpegPath — путь к бинарнику ffmpeg (UM_FFMPEG_PATH)
	ffmpegPath string
	// ffprobePath — путь к бинарнику ffprobe, выводится из ffmpegPath
	ffprobePath string
	// logger — логгер
	logger *slog.Logger
}

// NewFFmpeg создаёт транскодер. Проверяет доступность бинарников.
func NewFFmpeg(ffmpegPath string, logger *slog.Logger) (*FFmpegTranscoder, error) {
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg не найден по пути %s: %w", ffmpegPath, err)
	}

	ffprobePath := filepath.Join(filepath.Dir(resolved), "ffprobe")
	if _, err := exec.LookPath(ffprobePath); err != nil {
		// Пробуем ffprobe из PATH
		ffprobePath, err = exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("ffprobe не найден: %w", err)
		}
	}

	return &FFmpegTranscoder{
		ffmpegPath:  resolved,
		ffprobePath: ffprobePath,
		logger:      logger.With(slog.String("component", "transcoder")),
	}, nil
}

// probeOutput — структура JSON-вывода ffprobe.
type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (t *FFmpegTranscoder) ExtractMetadata(ctx context.Context, sourcePath string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams", "-show_format",
		sourcePath,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe для %s: %w", sourcePath, err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("разбор вывода ffprobe: %w", err)
	}

	meta := &Metadata{}
	if probe.Format.Duration != "" {
		meta.DurationSeconds, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	}
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			meta.Width = s.Width
			meta.Height = s.Height
			meta.Codec = s.CodecName
			break
		}
	}
	if meta.Width == 0 || meta.Height == 0 {
		return nil, fmt.Errorf("в файле %s не найден видеопоток", sourcePath)
	}

	return meta, nil
}

func (t *FFmpegTranscoder) Convert(ctx context.Context, sourcePath, outputDir string, opts model.JobOptions) (*ConvertResult, error) {
	meta, err := t.ExtractMetadata(ctx, sourcePath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("создание выходной директории %s: %w", outputDir, err)
	}

	result := &ConvertResult{
		OutputDir: outputDir,
		Metadata:  *meta,
	}

	for _, height := range opts.Resolutions {
		// Не апскейлим: варианты выше исходника пропускаются
		if height > meta.Height {
			t.logger.Debug("Разрешение выше исходного, пропускаем",
				slog.Int("target_height", height),
				slog.Int("source_height", meta.Height),
			)
			continue
		}

		outPath := filepath.Join(outputDir, fmt.Sprintf("%dp.mp4", height))
		args := buildConvertArgs(sourcePath, outPath, height, opts)

		t.logger.Info("Запуск конвертации варианта",
			slog.String("source", sourcePath),
			slog.Int("height", height),
		)

		cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("конвертация прервана: %w", ctx.Err())
			}
			return nil, fmt.Errorf("ffmpeg для варианта %dp: %w: %s",
				height, err, lastLines(stderr.String(), 3))
		}
	}

	if opts.GenerateThumbnail {
		thumbPath := filepath.Join(outputDir, "thumbnail.jpg")
		if err := t.GenerateThumbnail(ctx, sourcePath, thumbPath); err != nil {
			return nil, err
		}
		result.ThumbnailPath = thumbPath
	}

	return result, nil
}

func (t *FFmpegTranscoder) GenerateThumbnail(ctx context.Context, sourcePath, thumbnailPath string) error {
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-y",
		"-ss", thumbnailOffset,
		"-i", sourcePath,
		"-frames:v", "1",
		"-vf", "scale=640:-2",
		"-q:v", "3",
		thumbnailPath,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("генерация превью прервана: %w", ctx.Err())
		}
		return fmt.Errorf("генерация превью: %w: %s", err, lastLines(stderr.String(), 3))
	}
	return nil
}

func (t *FFmpegTranscoder) CleanupOutputs(outputDir string) error {
	if outputDir == "" {
		return nil
	}
	if err := os.RemoveAll(outputDir); err != nil {
		return fmt.Errorf("удаление результатов конвертации %s: %w", outputDir, err)
	}
	return nil
}

// encoderName отображает имя кодека из параметров задания в имя
// энкодера ffmpeg. Неизвестные значения передаются как есть.
func encoderName(codec string) string {
	switch codec {
	case "", "h264":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	default:
		return codec
	}
}

// buildConvertArgs собирает аргументы ffmpeg для одного варианта разрешения.
func buildConvertArgs(sourcePath, outPath string, height int, opts model.JobOptions) []string {
	videoCodec := encoderName(opts.VideoCodec)
	audioCodec := opts.AudioCodec
	if audioCodec == "" {
		audioCodec = "aac"
	}

	return []string{
		"-y",
		"-i", sourcePath,
		"-c:v", videoCodec,
		"-c:a", audioCodec,
		"-vf", fmt.Sprintf("scale=-2:%d:flags=lanczos", height),
		"-preset", "medium",
		"-movflags", "+faststart",
		outPath,
	}
}

// lastLines возвращает последние n непустых строк вывода ffmpeg.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var tail []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			tail = append(tail, strings.TrimSpace(l))
		}
	}
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	return strings.Join(tail, " | ")
}
