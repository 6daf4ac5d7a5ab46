package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WAL — файловый журнал merge-транзакций.
// Гарантирует, что упавшая посреди сборки финализация не оставит
// частично собранный файл видимым после рестарта.
type WAL struct {
	// dir — директория хранения файлов журнала (UM_WAL_DIR)
	dir string
	// mu — мьютекс для потокобезопасности
	mu sync.Mutex
	// logger — логгер
	logger *slog.Logger
}

// New создаёт новый журнал. Проверяет и создаёт директорию,
// если она не существует, и её доступность на запись.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория WAL %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// Begin создаёт новую запись журнала со статусом pending.
// Возвращает Entry с уникальным TransactionID (UUID v4).
func (w *WAL) Begin(op OperationType, sessionID, outputPath string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &Entry{
		TransactionID: uuid.New().String(),
		Operation:     op,
		Status:        StatusPending,
		SessionID:     sessionID,
		OutputPath:    outputPath,
		StartedAt:     time.Now().UTC(),
	}

	if err := w.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать запись журнала: %w", err)
	}

	w.logger.Debug("Merge-транзакция начата",
		slog.String("tx_id", entry.TransactionID),
		slog.String("session_id", entry.SessionID),
		slog.String("output_path", entry.OutputPath),
	)

	return entry, nil
}

// Commit помечает транзакцию как успешно завершённую.
func (w *WAL) Commit(txID string) error {
	return w.finish(txID, StatusCommitted)
}

// Rollback помечает транзакцию как отменённую.
func (w *WAL) Rollback(txID string) error {
	return w.finish(txID, StatusRolledBack)
}

// finish переводит pending-транзакцию в терминальный статус.
func (w *WAL) finish(txID string, status TransactionStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.readEntry(txID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать запись журнала %s: %w", txID, err)
	}

	if entry.Status != StatusPending {
		return fmt.Errorf("запись журнала %s имеет статус %s, ожидается %s",
			txID, entry.Status, StatusPending)
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now

	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("не удалось обновить запись журнала %s: %w", txID, err)
	}

	w.logger.Debug("Merge-транзакция завершена",
		slog.String("tx_id", txID),
		slog.String("session_id", entry.SessionID),
		slog.String("status", string(status)),
		slog.Duration("duration", now.Sub(entry.StartedAt)),
	)

	return nil
}

// RecoverPending находит все pending-записи журнала и откатывает их:
// удаляет частично собранный файл (и его temp-вариант) и помечает
// транзакцию как rolled_back. Чанки сессии не трогаются — клиент
// может повторить финализацию. Вызывается один раз при старте.
// Возвращает количество откаченных транзакций.
func (w *WAL) RecoverPending() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return 0, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	recovered := 0
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, readErr := w.readEntry(txID)
		if readErr != nil {
			w.logger.Warn("Не удалось прочитать запись журнала при восстановлении",
				slog.String("path", path),
				slog.String("error", readErr.Error()),
			)
			continue
		}

		if entry.Status != StatusPending {
			continue
		}

		w.logger.Warn("Обнаружена незавершённая merge-транзакция, откатываем",
			slog.String("tx_id", entry.TransactionID),
			slog.String("session_id", entry.SessionID),
			slog.Time("started_at", entry.StartedAt),
		)

		// Удаляем частичный результат сборки
		if entry.OutputPath != "" {
			if rmErr := os.Remove(entry.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
				w.logger.Error("Не удалось удалить частичный результат сборки",
					slog.String("path", entry.OutputPath),
					slog.String("error", rmErr.Error()),
				)
			}
			os.Remove(entry.OutputPath + ".tmp")
		}

		now := time.Now().UTC()
		entry.Status = StatusRolledBack
		entry.CompletedAt = &now
		if wrErr := w.writeEntry(entry); wrErr != nil {
			w.logger.Error("Не удалось записать откат транзакции",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", wrErr.Error()),
			)
			continue
		}
		recovered++
	}

	return recovered, nil
}

// CleanFinished удаляет все завершённые (committed/rolled_back) записи
// старше cutoff. Вызывается Cleanup Sweeper-ом. Возвращает количество
// удалённых записей.
func (w *WAL) CleanFinished(cutoff time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return 0, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	cleaned := 0
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, readErr := w.readEntry(txID)
		if readErr != nil {
			continue
		}

		if entry.Status == StatusPending {
			continue
		}
		if entry.CompletedAt != nil && entry.CompletedAt.After(cutoff) {
			continue
		}

		if rmErr := os.Remove(path); rmErr != nil {
			w.logger.Warn("Не удалось удалить завершённую запись журнала",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
			continue
		}
		cleaned++
	}

	return cleaned, nil
}

// writeEntry атомарно записывает запись журнала на диск.
// Паттерн: temp файл → fsync → atomic rename.
func (w *WAL) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := filepath.Join(w.dir, walFileName(entry.TransactionID))
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// readEntry читает запись журнала из файла.
func (w *WAL) readEntry(txID string) (*Entry, error) {
	path := filepath.Join(w.dir, walFileName(txID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}

	return &entry, nil
}

// Dir возвращает путь к директории журнала.
func (w *WAL) Dir() string {
	return w.dir
}
