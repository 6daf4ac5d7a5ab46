// Пакет config — загрузка и валидация конфигурации Upload Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Upload Module.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к корневой директории чанков (поддиректория на сессию)
	ChunkDir string
	// Путь к директории собранных медиафайлов и артефактов транскодера
	MediaDir string
	// Путь к директории WAL merge-транзакций
	WALDir string

	// Минимальный размер чанка в байтах
	ChunkSizeMin int64
	// Максимальный размер чанка в байтах
	ChunkSizeMax int64
	// Размер чанка по умолчанию в байтах
	ChunkSizeDefault int64
	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Время жизни сессии загрузки
	SessionTTL time.Duration
	// Срок хранения терминальных сессий до жёсткого удаления
	SessionRetention time.Duration

	// Интервал запуска Cleanup Sweeper
	CleanupInterval time.Duration
	// Возраст temp-файлов, после которого они удаляются
	TempFileTTL time.Duration

	// Таймаут одного вызова транскодера
	TranscodeTimeout time.Duration
	// Максимум одновременно выполняемых заданий конвертации
	QueueMaxConcurrent int
	// Лимит повторов задания до перехода в failed
	QueueMaxRetries int
	// Задержка перед повторной попыткой провалившегося задания (0 — немедленно)
	QueueRetryDelay time.Duration
	// Интервал опроса очереди планировщиком
	QueuePollInterval time.Duration
	// Количество завершённых заданий, сохраняемых для наблюдаемости
	QueueKeepCompleted int

	// Путь к бинарнику ffmpeg (ffprobe ищется рядом, затем в PATH)
	FFmpegPath string

	// Параметры подключения PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// URL JWKS endpoint для валидации JWT (пустой — запуск без аутентификации)
	JWKSUrl string
	// Путь к CA-сертификату для TLS JWKS endpoint (опционально)
	JWKSCACert string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// UM_PORT — порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("UM_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("UM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("UM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// UM_CHUNK_DIR — обязательный
	cfg.ChunkDir, err = getEnvRequired("UM_CHUNK_DIR")
	if err != nil {
		return nil, err
	}

	// UM_MEDIA_DIR — обязательный
	cfg.MediaDir, err = getEnvRequired("UM_MEDIA_DIR")
	if err != nil {
		return nil, err
	}

	// UM_WAL_DIR — обязательный
	cfg.WALDir, err = getEnvRequired("UM_WAL_DIR")
	if err != nil {
		return nil, err
	}

	// UM_CHUNK_SIZE_MIN — минимальный размер чанка (по умолчанию 1 MB)
	cfg.ChunkSizeMin, err = getEnvInt64("UM_CHUNK_SIZE_MIN", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("UM_CHUNK_SIZE_MIN: %w", err)
	}

	// UM_CHUNK_SIZE_MAX — максимальный размер чанка (по умолчанию 50 MB)
	cfg.ChunkSizeMax, err = getEnvInt64("UM_CHUNK_SIZE_MAX", 50<<20)
	if err != nil {
		return nil, fmt.Errorf("UM_CHUNK_SIZE_MAX: %w", err)
	}
	if cfg.ChunkSizeMin <= 0 || cfg.ChunkSizeMax < cfg.ChunkSizeMin {
		return nil, fmt.Errorf("UM_CHUNK_SIZE_MAX: значение %d должно быть >= UM_CHUNK_SIZE_MIN (%d)",
			cfg.ChunkSizeMax, cfg.ChunkSizeMin)
	}

	// UM_CHUNK_SIZE_DEFAULT — размер чанка по умолчанию (по умолчанию 5 MB)
	cfg.ChunkSizeDefault, err = getEnvInt64("UM_CHUNK_SIZE_DEFAULT", 5<<20)
	if err != nil {
		return nil, fmt.Errorf("UM_CHUNK_SIZE_DEFAULT: %w", err)
	}
	if cfg.ChunkSizeDefault < cfg.ChunkSizeMin || cfg.ChunkSizeDefault > cfg.ChunkSizeMax {
		return nil, fmt.Errorf("UM_CHUNK_SIZE_DEFAULT: значение %d вне диапазона [%d, %d]",
			cfg.ChunkSizeDefault, cfg.ChunkSizeMin, cfg.ChunkSizeMax)
	}

	// UM_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 10 GB)
	cfg.MaxFileSize, err = getEnvInt64("UM_MAX_FILE_SIZE", 10<<30)
	if err != nil {
		return nil, fmt.Errorf("UM_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize < cfg.ChunkSizeMax {
		return nil, fmt.Errorf("UM_MAX_FILE_SIZE: значение %d должно быть >= UM_CHUNK_SIZE_MAX (%d)",
			cfg.MaxFileSize, cfg.ChunkSizeMax)
	}

	// UM_SESSION_TTL — время жизни сессии (по умолчанию 24h)
	cfg.SessionTTL, err = getEnvDuration("UM_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UM_SESSION_TTL: %w", err)
	}

	// UM_SESSION_RETENTION — хранение терминальных сессий (по умолчанию 168h = 7 дней)
	cfg.SessionRetention, err = getEnvDuration("UM_SESSION_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UM_SESSION_RETENTION: %w", err)
	}

	// UM_CLEANUP_INTERVAL — интервал Cleanup Sweeper (по умолчанию 1h)
	cfg.CleanupInterval, err = getEnvDuration("UM_CLEANUP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UM_CLEANUP_INTERVAL: %w", err)
	}

	// UM_TEMP_FILE_TTL — возраст удаляемых temp-файлов (по умолчанию 1h)
	cfg.TempFileTTL, err = getEnvDuration("UM_TEMP_FILE_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UM_TEMP_FILE_TTL: %w", err)
	}

	// UM_TRANSCODE_TIMEOUT — таймаут вызова транскодера (по умолчанию 30m)
	cfg.TranscodeTimeout, err = getEnvDuration("UM_TRANSCODE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("UM_TRANSCODE_TIMEOUT: %w", err)
	}

	// UM_QUEUE_MAX_CONCURRENT — одновременные задания (по умолчанию 2)
	cfg.QueueMaxConcurrent, err = getEnvInt("UM_QUEUE_MAX_CONCURRENT", 2)
	if err != nil {
		return nil, fmt.Errorf("UM_QUEUE_MAX_CONCURRENT: %w", err)
	}
	if cfg.QueueMaxConcurrent < 1 {
		return nil, fmt.Errorf("UM_QUEUE_MAX_CONCURRENT: значение должно быть >= 1")
	}

	// UM_QUEUE_MAX_RETRIES — лимит повторов задания (по умолчанию 3)
	cfg.QueueMaxRetries, err = getEnvInt("UM_QUEUE_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("UM_QUEUE_MAX_RETRIES: %w", err)
	}
	if cfg.QueueMaxRetries < 0 {
		return nil, fmt.Errorf("UM_QUEUE_MAX_RETRIES: значение должно быть >= 0")
	}

	// UM_QUEUE_RETRY_DELAY — задержка перед повтором (по умолчанию 0 — немедленно)
	cfg.QueueRetryDelay, err = getEnvDuration("UM_QUEUE_RETRY_DELAY", 0)
	if err != nil {
		return nil, fmt.Errorf("UM_QUEUE_RETRY_DELAY: %w", err)
	}

	// UM_QUEUE_POLL_INTERVAL — интервал опроса очереди (по умолчанию 1s)
	cfg.QueuePollInterval, err = getEnvDuration("UM_QUEUE_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("UM_QUEUE_POLL_INTERVAL: %w", err)
	}

	// UM_QUEUE_KEEP_COMPLETED — хранимые завершённые задания (по умолчанию 100)
	cfg.QueueKeepCompleted, err = getEnvInt("UM_QUEUE_KEEP_COMPLETED", 100)
	if err != nil {
		return nil, fmt.Errorf("UM_QUEUE_KEEP_COMPLETED: %w", err)
	}
	if cfg.QueueKeepCompleted < 0 {
		return nil, fmt.Errorf("UM_QUEUE_KEEP_COMPLETED: значение должно быть >= 0")
	}

	// UM_FFMPEG_PATH — путь к бинарнику ffmpeg (по умолчанию из PATH)
	cfg.FFmpegPath = getEnvDefault("UM_FFMPEG_PATH", "ffmpeg")

	// Параметры PostgreSQL
	cfg.DBHost, err = getEnvRequired("UM_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("UM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("UM_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("UM_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("UM_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("UM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("UM_DB_SSL_MODE", "disable")

	// UM_JWKS_URL — опциональный (пустой — без аутентификации, для разработки)
	cfg.JWKSUrl = getEnvDefault("UM_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("UM_JWKS_CA_CERT", "")

	// UM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("UM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("UM_LOG_LEVEL: %w", err)
	}

	// UM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("UM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("UM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// UM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 10s)
	cfg.ShutdownTimeout, err = getEnvDuration("UM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 24h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("недопустимое значение %q, допустимые: debug, info, warn, error", level)
	}
}
