// Пакет chunkstore — операции с чанками загрузки на диске.
// Каждой сессии соответствует поддиректория в корне хранилища;
// каждому полученному чанку — файл chunk_{index:06d}.part.
// Запись выполняется по паттерну: temp файл → fsync → atomic rename.
package chunkstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempSuffix — суффикс временных файлов незавершённой записи.
const TempSuffix = ".tmp"

// chunkPrefix и chunkSuffix — формат имени файла чанка: chunk_000042.part.
const (
	chunkPrefix = "chunk_"
	chunkSuffix = ".part"
)

// ChunkStore — управление файлами чанков на диске.
type ChunkStore struct {
	// root — корневая директория хранения чанков (UM_CHUNK_DIR)
	root string
}

// New создаёт новый ChunkStore. Проверяет и создаёт корневую
// директорию, если она не существует.
func New(root string) (*ChunkStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать корневую директорию чанков %s: %w", root, err)
	}
	return &ChunkStore{root: root}, nil
}

// Root возвращает путь к корневой директории чанков.
func (cs *ChunkStore) Root() string {
	return cs.root
}

// FullPath возвращает абсолютный путь для относительной директории сессии.
func (cs *ChunkStore) FullPath(chunkDir string) string {
	return filepath.Join(cs.root, chunkDir)
}

// CreateSessionDir создаёт директорию чанков для сессии.
// Возвращает относительное имя директории (равное ID сессии).
func (cs *ChunkStore) CreateSessionDir(sessionID string) (string, error) {
	dir := filepath.Join(cs.root, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать директорию сессии %s: %w", sessionID, err)
	}
	return sessionID, nil
}

// chunkFileName возвращает имя файла чанка с сортируемым индексом.
func chunkFileName(index int) string {
	return fmt.Sprintf("%s%06d%s", chunkPrefix, index, chunkSuffix)
}

// chunkPath возвращает абсолютный путь файла чанка.
func (cs *ChunkStore) chunkPath(chunkDir string, index int) string {
	return filepath.Join(cs.root, chunkDir, chunkFileName(index))
}

// WriteChunk записывает данные чанка из reader на диск.
// Паттерн: temp файл → fsync → atomic rename.
// При ошибке temp файл удаляется. Возвращает количество записанных байт.
func (cs *ChunkStore) WriteChunk(chunkDir string, index int, reader io.Reader) (int64, error) {
	targetPath := cs.chunkPath(chunkDir, index)
	tmpPath := targetPath + TempSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла чанка %d: %w", index, err)
	}

	size, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи чанка %d: %w", index, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync чанка %d: %w", index, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла чанка %d: %w", index, err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования чанка %d: %w", index, err)
	}

	return size, nil
}

// ChunkExists проверяет наличие файла чанка на диске.
func (cs *ChunkStore) ChunkExists(chunkDir string, index int) bool {
	_, err := os.Stat(cs.chunkPath(chunkDir, index))
	return err == nil
}

// ChunkSize возвращает размер файла чанка.
func (cs *ChunkStore) ChunkSize(chunkDir string, index int) (int64, error) {
	info, err := os.Stat(cs.chunkPath(chunkDir, index))
	if err != nil {
		return 0, fmt.Errorf("ошибка получения размера чанка %d: %w", index, err)
	}
	return info.Size(), nil
}

// RemoveChunk удаляет файл чанка. Возвращает nil, если файла уже нет.
func (cs *ChunkStore) RemoveChunk(chunkDir string, index int) error {
	err := os.Remove(cs.chunkPath(chunkDir, index))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления чанка %d: %w", index, err)
	}
	return nil
}

// ListChunkIndices сканирует директорию сессии и возвращает отсортированные
// индексы фактически присутствующих чанков. Temp-файлы игнорируются.
func (cs *ChunkStore) ListChunkIndices(chunkDir string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(cs.root, chunkDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения директории сессии %s: %w", chunkDir, err)
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		numPart := strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkSuffix)
		idx, parseErr := strconv.Atoi(numPart)
		if parseErr != nil {
			continue
		}
		indices = append(indices, idx)
	}

	sort.Ints(indices)
	return indices, nil
}

// MergeTo последовательно конкатенирует чанки [0, totalChunks) в файл dstPath.
// Streaming: чанки копируются по одному, файл целиком в память не читается.
// Паттерн: temp файл → fsync → atomic rename. Возвращает итоговый размер.
func (cs *ChunkStore) MergeTo(dstPath, chunkDir string, totalChunks int) (int64, error) {
	tmpPath := dstPath + TempSuffix

	dst, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла сборки: %w", err)
	}

	cleanup := func() {
		dst.Close()
		os.Remove(tmpPath)
	}

	var total int64
	for i := 0; i < totalChunks; i++ {
		src, openErr := os.Open(cs.chunkPath(chunkDir, i))
		if openErr != nil {
			cleanup()
			return 0, fmt.Errorf("ошибка открытия чанка %d при сборке: %w", i, openErr)
		}

		n, copyErr := io.Copy(dst, src)
		src.Close()
		if copyErr != nil {
			cleanup()
			return 0, fmt.Errorf("ошибка копирования чанка %d при сборке: %w", i, copyErr)
		}
		total += n
	}

	if err := dst.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("ошибка fsync собранного файла: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия собранного файла: %w", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования собранного файла: %w", err)
	}

	return total, nil
}

// RemoveSessionDir рекурсивно удаляет директорию чанков сессии.
func (cs *ChunkStore) RemoveSessionDir(chunkDir string) error {
	if chunkDir == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(cs.root, chunkDir)); err != nil {
		return fmt.Errorf("ошибка удаления директории сессии %s: %w", chunkDir, err)
	}
	return nil
}

// ListSessionDirs возвращает имена всех поддиректорий корня с временем
// последней модификации. Используется Cleanup Sweeper-ом для поиска
// осиротевших директорий.
func (cs *ChunkStore) ListSessionDirs() (map[string]time.Time, error) {
	entries, err := os.ReadDir(cs.root)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения корневой директории чанков: %w", err)
	}

	dirs := make(map[string]time.Time)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		dirs[entry.Name()] = info.ModTime()
	}
	return dirs, nil
}

// SweepTempFiles удаляет temp-файлы старше cutoff во всём дереве хранилища.
// Возвращает количество удалённых файлов.
func (cs *ChunkStore) SweepTempFiles(cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(cs.root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // недоступные элементы пропускаем
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), TempSuffix) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("ошибка обхода хранилища чанков: %w", err)
	}
	return removed, nil
}

// GenerateArtifactName генерирует имя собранного файла.
// Формат: {name}_{timestamp}_{uuid8}{ext}.
// Пример: vacation_20260830150405_a1b2c3d4.mp4
func GenerateArtifactName(originalFilename string) string {
	ext := filepath.Ext(originalFilename)
	name := sanitize(strings.TrimSuffix(originalFilename, ext))

	// Усечение по рунам: кириллица в имени не должна резаться посреди символа
	if r := []rune(name); len(r) > 50 {
		name = string(r[:50])
	}

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]

	return fmt.Sprintf("%s_%s_%s%s", name, ts, uid, ext)
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "upload"
	}
	return result.String()
}
