// Пакет handlers — HTTP-обработчики Upload Module.
// Обработчики разбирают запрос, вызывают сервисный слой и
// сериализуют ответ; бизнес-логика живёт в internal/service.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/service"
)

// maxJSONBodySize — лимит тела JSON-запросов (чанки идут сырым телом
// и этим лимитом не ограничены).
const maxJSONBodySize = 1 << 20

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError транслирует ошибку сервисного слоя в HTTP-ответ.
func writeServiceError(w http.ResponseWriter, serr *service.Error) {
	apierrors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
}

// decodeJSON разбирает тело запроса в out. Возвращает false и пишет
// 400, если тело не является корректным JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodySize)).Decode(out)
	if err != nil && !errors.Is(err, io.EOF) {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return false
	}
	return true
}
