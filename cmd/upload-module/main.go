// Точка входа Upload Module — сервиса чанковой загрузки видео
// с очередью конвертации.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/arturkryukov/mediahub/upload-module/internal/api/handlers"
	"github.com/arturkryukov/mediahub/upload-module/internal/api/middleware"
	"github.com/arturkryukov/mediahub/upload-module/internal/config"
	"github.com/arturkryukov/mediahub/upload-module/internal/database"
	"github.com/arturkryukov/mediahub/upload-module/internal/repository"
	"github.com/arturkryukov/mediahub/upload-module/internal/server"
	"github.com/arturkryukov/mediahub/upload-module/internal/service"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/chunkstore"
	"github.com/arturkryukov/mediahub/upload-module/internal/storage/wal"
	"github.com/arturkryukov/mediahub/upload-module/internal/transcoder"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Upload Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("chunk_dir", cfg.ChunkDir),
		slog.String("media_dir", cfg.MediaDir),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. PostgreSQL: подключение и миграции
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к БД", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	sessions := repository.NewSessionRepository(pool)
	videos := repository.NewVideoRepository(pool)
	jobs := repository.NewJobRepository(pool)

	// 2. Хранилище чанков
	store, err := chunkstore.New(cfg.ChunkDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища чанков", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. WAL merge-транзакций + recovery: частично собранные файлы
	// удаляются, чанки остаются — клиент повторит финализацию
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rolledBack, err := walEngine.RecoverPending()
	if err != nil {
		logger.Error("Ошибка восстановления WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if rolledBack > 0 {
		logger.Warn("Откачены незавершённые merge-транзакции", slog.Int("count", rolledBack))
	}

	// Подвисшие processing-задания возвращаются в очередь
	recovered, err := jobs.RecoverProcessing(ctx)
	if err != nil {
		logger.Error("Ошибка восстановления заданий", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Warn("Возвращены в очередь прерванные задания", slog.Int("count", recovered))
	}

	// 4. Транскодер
	tc, err := transcoder.NewFFmpeg(cfg.FFmpegPath, logger)
	if err != nil {
		logger.Error("Ошибка инициализации транскодера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Сервисы
	sessionSvc := service.NewSessionService(cfg, sessions, store, logger)
	uploadSvc := service.NewUploadService(sessions, sessionSvc, store, logger)
	reconciler := service.NewReconciler(sessions, store, logger)
	finalizeSvc := service.NewFinalizeService(cfg, sessions, videos, jobs,
		sessionSvc, reconciler, store, walEngine, logger)
	queueSvc := service.NewQueueScheduler(cfg, jobs, videos, tc, logger)
	sweeper := service.NewSweeper(cfg, sessions, jobs, store, walEngine, logger)

	// 6. Фоновые процессы
	queueSvc.Start(ctx)
	defer queueSvc.Stop()
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 7. Аутентификация: без UM_JWKS_URL запускаемся в dev-режиме
	var auth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		auth, err = middleware.NewJWTAuth(cfg.JWKSUrl, cfg.JWKSCACert, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("UM_JWKS_URL не задан: запуск без аутентификации")
	}

	// 8. Handlers и HTTP-сервер
	uploadsHandler := handlers.NewUploadsHandler(sessionSvc, uploadSvc, finalizeSvc, reconciler, logger)
	queueHandler := handlers.NewQueueHandler(queueSvc, jobs, logger)
	healthHandler := handlers.NewHealthHandler(cfg, database.NewReadinessChecker(pool))

	srv := server.New(cfg, logger, uploadsHandler, queueHandler, healthHandler, auth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Upload Module остановлен")
}
