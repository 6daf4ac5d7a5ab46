// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/arturkryukov/mediahub/upload-module/internal/config"
)

const statusFail = "fail"

// DBReadinessChecker — проверка готовности базы данных.
type DBReadinessChecker interface {
	CheckReady() (status string, message string)
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	version  string
	chunkDir string
	mediaDir string
	db       DBReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(cfg *config.Config, db DBReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version:  config.Version,
		chunkDir: cfg.ChunkDir,
		mediaDir: cfg.MediaDir,
		db:       db,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-module",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет PostgreSQL и запись в директории чанков и медиафайлов.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	checks := map[string]map[string]string{
		"database":  h.checkDatabase(),
		"chunk_dir": checkWritable(h.chunkDir),
		"media_dir": checkWritable(h.mediaDir),
	}
	for _, check := range checks {
		if check["status"] != "ok" {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"checks":    checks,
	})
}

func (h *HealthHandler) checkDatabase() map[string]string {
	if h.db == nil {
		return map[string]string{"status": statusFail, "message": "проверка БД не настроена"}
	}
	status, message := h.db.CheckReady()
	return map[string]string{"status": status, "message": message}
}

// checkWritable проверяет запись в директорию созданием probe-файла.
func checkWritable(dir string) map[string]string {
	probe := filepath.Join(dir, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return map[string]string{
			"status":  statusFail,
			"message": fmt.Sprintf("директория недоступна для записи: %v", err),
		}
	}
	_ = os.Remove(probe)
	return map[string]string{"status": "ok", "message": dir}
}
