// Пакет model — доменные типы Upload Module: сессии загрузки,
// задания конвертации и видео-активы.
package model

import (
	"time"
)

// SessionStatus — статус сессии чанковой загрузки.
type SessionStatus string

const (
	// SessionUploading — сессия активна, чанки принимаются
	SessionUploading SessionStatus = "uploading"
	// SessionCompleted — все чанки получены, файл собран
	SessionCompleted SessionStatus = "completed"
	// SessionCancelled — сессия отменена клиентом
	SessionCancelled SessionStatus = "cancelled"
	// SessionExpired — сессия просрочена и закрыта Cleanup Sweeper-ом
	SessionExpired SessionStatus = "expired"
)

// IsTerminal возвращает true для конечных статусов сессии.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionExpired
}

// UploadSession — durable-запись одной чанковой загрузки.
// Инвариант: 0 <= len(ReceivedChunks) <= TotalChunks,
// все индексы в диапазоне [0, TotalChunks).
type UploadSession struct {
	// ID — идентификатор сессии (UUID v4)
	ID string
	// UserID — владелец сессии (sub из JWT)
	UserID string
	// Filename — оригинальное имя загружаемого файла
	Filename string
	// TotalSize — заявленный размер файла в байтах
	TotalSize int64
	// ChunkSize — размер чанка в байтах (последний чанк может быть короче)
	ChunkSize int64
	// TotalChunks — ceil(TotalSize / ChunkSize)
	TotalChunks int
	// ReceivedChunks — множество полученных индексов чанков.
	// Растёт монотонно; уменьшается только при ручной сверке (SyncActualState).
	ReceivedChunks []int
	// ChunkDir — относительный путь директории чанков в chunk-хранилище
	ChunkDir string
	// Status — текущий статус сессии
	Status SessionStatus
	// ExpiresAt — время истечения сессии (created_at + session TTL)
	ExpiresAt time.Time
	// LastActivityAt — время последнего принятого чанка
	LastActivityAt time.Time
	// CreatedAt — время создания сессии
	CreatedAt time.Time
	// UpdatedAt — время последнего изменения записи
	UpdatedAt time.Time
}

// HasChunk возвращает true, если индекс присутствует в множестве полученных.
func (s *UploadSession) HasChunk(index int) bool {
	for _, idx := range s.ReceivedChunks {
		if idx == index {
			return true
		}
	}
	return false
}

// IsComplete возвращает true, если количество полученных чанков
// равно ожидаемому. Авторитетная проверка — ValidateSequence по диску,
// это лишь быстрый предикат по записанному множеству.
func (s *UploadSession) IsComplete() bool {
	return len(s.ReceivedChunks) == s.TotalChunks
}

// ExpectedChunkSize возвращает ожидаемый размер чанка с данным индексом.
// Последний чанк может быть короче ChunkSize.
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		rem := s.TotalSize - int64(s.TotalChunks-1)*s.ChunkSize
		if rem > 0 {
			return rem
		}
	}
	return s.ChunkSize
}
