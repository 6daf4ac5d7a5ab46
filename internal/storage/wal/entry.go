// Пакет wal — файловый журнал merge-транзакций финализации.
// Перед сборкой файла из чанков создаётся запись pending; после
// регистрации актива запись коммитится. Обнаруженная при старте
// pending-запись означает падение посреди финализации: её частичный
// результат удаляется, чанки остаются для повторной попытки.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в UM_WAL_DIR.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в журнал.
type OperationType string

const (
	// OpMerge — сборка файла сессии из чанков
	OpMerge OperationType = "merge"
)

// TransactionStatus — статус транзакции журнала.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — транзакция успешно завершена
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — транзакция отменена
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись журнала. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	// TransactionID — уникальный идентификатор транзакции (UUID v4)
	TransactionID string `json:"transaction_id"`

	// Operation — тип операции
	Operation OperationType `json:"operation"`

	// Status — текущий статус транзакции
	Status TransactionStatus `json:"status"`

	// SessionID — сессия, для которой выполняется сборка
	SessionID string `json:"session_id"`

	// OutputPath — абсолютный путь собираемого файла.
	// При восстановлении pending-транзакции файл по этому пути удаляется.
	OutputPath string `json:"output_path"`

	// StartedAt — время начала транзакции (UTC)
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время завершения транзакции (UTC).
	// nil для pending транзакций.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла журнала для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
