// Пакет service — бизнес-логика Upload Module: сессии чанковой
// загрузки, приём чанков, финализация, очередь конвертации и фоновая
// очистка.
package service

import (
	"fmt"
)

// Error — ошибка сервисного слоя с HTTP-кодом и машиночитаемым кодом.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
