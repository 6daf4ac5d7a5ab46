// Пакет errors — конструкторы стандартных ошибок API Upload Module.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // конфликт имени со stdlib допустим: пакет внутренний

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок Upload Module.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInvalidRange          = "INVALID_RANGE"
	CodeFileTooLarge          = "FILE_TOO_LARGE"
	CodeChunkAlreadyUploaded  = "CHUNK_ALREADY_UPLOADED"
	CodeChunkValidationFailed = "CHUNK_VALIDATION_FAILED"
	CodeFileSizeMismatch      = "FILE_SIZE_MISMATCH"
	CodeSessionNotActive      = "SESSION_NOT_ACTIVE"
	CodeJobNotRetryable       = "JOB_NOT_RETRYABLE"
	CodeInternalError         = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError — 400 Bad Request с кодом VALIDATION_ERROR.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 Not Found.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 Unauthorized.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// InternalError — 500 Internal Server Error.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
