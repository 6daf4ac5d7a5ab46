// Пакет server — HTTP-сервер Upload Module с graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturkryukov/mediahub/upload-module/internal/api/handlers"
	"github.com/arturkryukov/mediahub/upload-module/internal/api/middleware"
	"github.com/arturkryukov/mediahub/upload-module/internal/config"
)

// Server — HTTP-сервер Upload Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
// auth == nil — запуск без аутентификации (локальная разработка);
// идентификатор пользователя в этом режиме берётся из заголовка
// X-User-Id.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	uploads *handlers.UploadsHandler,
	queue *handlers.QueueHandler,
	health *handlers.HealthHandler,
	auth *middleware.JWTAuth,
) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Служебные endpoints без аутентификации
	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware())
		} else {
			r.Use(devIdentity)
		}

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", uploads.CreateSession)
			r.Put("/{id}/chunks/{index}", uploads.UploadChunk)
			r.Post("/{id}/complete", uploads.CompleteSession)
			r.Delete("/{id}", uploads.CancelSession)
			r.Get("/{id}/progress", uploads.GetProgress)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/jobs/{id}", queue.GetJob)
			r.Post("/jobs/{id}/retry", queue.RetryJob)
			r.Get("/max-concurrent", queue.GetMaxConcurrent)
			r.Put("/max-concurrent", queue.SetMaxConcurrent)
			r.Post("/cleanup", queue.CleanupJobs)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// devIdentity подставляет идентификатор пользователя из заголовка
// X-User-Id при запуске без JWT. Только для локальной разработки.
func devIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			userID = "dev"
		}
		ctx := middleware.WithSubject(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Run запускает сервер и блокируется до SIGINT/SIGTERM или ошибки.
// Завершается graceful shutdown с таймаутом из конфигурации.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
