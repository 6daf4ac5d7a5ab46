// Пакет uploadclient — клиент чанковой загрузки Upload Module.
// Разбивает файл на чанки и заливает их с ограниченной конкурентностью,
// линейными повторами, паузой/возобновлением и потоком событий прогресса.
package uploadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Параметры клиента по умолчанию.
const (
	DefaultConcurrency = 4
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Second
)

// Options — параметры клиента загрузки.
type Options struct {
	// BaseURL — адрес Upload Module, например http://localhost:8020
	BaseURL string
	// Token — Bearer token (пустой — без заголовка Authorization)
	Token string
	// Concurrency — максимум одновременно заливаемых чанков
	Concurrency int
	// MaxRetries — лимит повторов одного чанка
	MaxRetries int
	// RetryDelay — базовая задержка повтора; растёт линейно с номером попытки
	RetryDelay time.Duration
	// ChunkSize — размер чанка; 0 — решает сервер
	ChunkSize int64
	// HTTPClient — HTTP-клиент; nil — http.DefaultClient
	HTTPClient *http.Client
	// Logger — логгер; nil — slog.Default()
	Logger *slog.Logger
}

// Client — клиент Upload Module.
type Client struct {
	baseURL     string
	token       string
	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	chunkSize   int64
	httpClient  *http.Client
	logger      *slog.Logger
}

// New создаёт клиент загрузки.
func New(opts Options) *Client {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:     opts.BaseURL,
		token:       opts.Token,
		concurrency: opts.Concurrency,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		chunkSize:   opts.ChunkSize,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger.With(slog.String("component", "upload_client")),
	}
}

// sessionInfo — ответ сервера на создание сессии.
type sessionInfo struct {
	SessionID   string `json:"session_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// chunkResponse — ответ сервера на приём чанка.
type chunkResponse struct {
	ChunkIndex      int  `json:"chunk_index"`
	Received        int  `json:"received"`
	Total           int  `json:"total"`
	AlreadyUploaded bool `json:"already_uploaded,omitempty"`
}

// progressInfo — ответ сервера на запрос прогресса сессии.
type progressInfo struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	Received      int    `json:"received"`
	TotalChunks   int    `json:"total_chunks"`
	ChunkSize     int64  `json:"chunk_size"`
	TotalSize     int64  `json:"total_size"`
	MissingChunks []int  `json:"missing_chunks"`
}

// completeResponse — ответ сервера на финализацию.
type completeResponse struct {
	VideoID string `json:"video_id"`
	JobID   int64  `json:"job_id,omitempty"`
}

// apiError — тело ответа сервера с ошибкой.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// createSession создаёт сессию загрузки на сервере.
func (c *Client) createSession(ctx context.Context, filename string, totalSize int64) (*sessionInfo, error) {
	body, _ := json.Marshal(map[string]any{
		"filename":   filename,
		"total_size": totalSize,
		"chunk_size": c.chunkSize,
	})

	var info sessionInfo
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads", bytes.NewReader(body), &info); err != nil {
		return nil, fmt.Errorf("создание сессии: %w", err)
	}
	return &info, nil
}

// putChunk заливает один чанк.
func (c *Client) putChunk(ctx context.Context, sessionID string, index int, data []byte) (*chunkResponse, error) {
	path := fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", sessionID, index)
	var resp chunkResponse
	if err := c.do(ctx, http.MethodPut, path, "application/octet-stream",
		bytes.NewReader(data), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// getProgress возвращает состояние сессии для возобновления.
func (c *Client) getProgress(ctx context.Context, sessionID string) (*progressInfo, error) {
	var info progressInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/uploads/"+sessionID+"/progress",
		nil, &info); err != nil {
		return nil, fmt.Errorf("чтение прогресса сессии: %w", err)
	}
	return &info, nil
}

// completeSession финализирует сессию.
func (c *Client) completeSession(ctx context.Context, sessionID, title string) (*completeResponse, error) {
	body, _ := json.Marshal(map[string]any{"title": title})
	var resp completeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads/"+sessionID+"/complete",
		bytes.NewReader(body), &resp); err != nil {
		return nil, fmt.Errorf("финализация сессии: %w", err)
	}
	return &resp, nil
}

// cancelSession отменяет сессию на сервере.
func (c *Client) cancelSession(ctx context.Context, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/api/v1/uploads/"+sessionID, nil, nil); err != nil {
		return fmt.Errorf("отмена сессии: %w", err)
	}
	return nil
}

// doJSON выполняет запрос с JSON-телом и декодирует JSON-ответ в out
// (если не nil). Статусы вне 2xx превращаются в ошибку с кодом сервера.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	return c.do(ctx, method, path, "application/json", body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if decErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr); decErr == nil && apiErr.Error.Code != "" {
			return &ServerError{
				StatusCode: resp.StatusCode,
				Code:       apiErr.Error.Code,
				Message:    apiErr.Error.Message,
			}
		}
		return &ServerError{StatusCode: resp.StatusCode, Code: "HTTP_ERROR",
			Message: resp.Status}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ServerError — ошибка, возвращённая сервером.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// retryable возвращает true для ошибок, которые имеет смысл повторять:
// сетевые сбои и 5xx. Ошибки 4xx повторами не чинятся.
func retryable(err error) bool {
	if srvErr, ok := err.(*ServerError); ok {
		return srvErr.StatusCode >= 500
	}
	return true
}
