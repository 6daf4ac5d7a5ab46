// upload.go — управление одной загрузкой: планировщик чанков с
// ограниченной конкурентностью, пауза/возобновление, отмена и события
// прогресса.
package uploadclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EventType — тип события прогресса загрузки.
type EventType string

const (
	// EventChunkStarted — заливка чанка начата
	EventChunkStarted EventType = "chunk_started"
	// EventChunkUploaded — чанк принят сервером
	EventChunkUploaded EventType = "chunk_uploaded"
	// EventChunkFailed — повторы чанка исчерпаны; остальные чанки продолжаются
	EventChunkFailed EventType = "chunk_failed"
	// EventPaused — загрузка приостановлена
	EventPaused EventType = "paused"
	// EventResumed — загрузка возобновлена
	EventResumed EventType = "resumed"
	// EventCompleted — загрузка завершена и финализирована
	EventCompleted EventType = "completed"
	// EventFailed — загрузка провалена
	EventFailed EventType = "failed"
	// EventCancelled — загрузка отменена
	EventCancelled EventType = "cancelled"
)

// ProgressEvent — событие прогресса загрузки. События одного чанка
// приходят в порядке chunk_started → chunk_uploaded|chunk_failed.
type ProgressEvent struct {
	Type       EventType
	ChunkIndex int
	Received   int
	Total      int
	Bytes      int64
	TotalBytes int64
	// BytesPerSecond — мгновенная скорость с начала загрузки
	BytesPerSecond float64
	// ETASeconds — оценка оставшегося времени по текущей скорости
	ETASeconds float64
	Err        error
}

// Result — результат успешной загрузки.
type Result struct {
	// VideoID — идентификатор зарегистрированного видео
	VideoID string
	// JobID — идентификатор задания конвертации (0 — постановка не удалась)
	JobID int64
}

// ErrIncomplete — завершились не все чанки; финализация не вызывалась.
var ErrIncomplete = errors.New("получены не все чанки")

// Upload — одна выполняющаяся загрузка.
type Upload struct {
	client      *Client
	sessionID   string
	title       string
	file        *os.File
	totalSize   int64
	chunkSize   int64
	totalChunks int
	startedAt   time.Time

	rootCtx context.Context
	events  chan ProgressEvent
	queue   chan int
	wg      sync.WaitGroup
	done    chan struct{}

	mu            sync.Mutex
	cond          *sync.Cond
	paused        bool
	cancelled     bool
	stopped       bool
	finished      bool
	received      int
	uploadedBytes int64
	failedChunks  map[int]error
	failErr       error
	genCtx        context.Context
	genCancel     context.CancelFunc

	result *Result
}

// Upload запускает загрузку файла с нуля: создаёт сессию и заливает
// все чанки. События читаются из Events(), итог — из Wait().
func (c *Client) Upload(ctx context.Context, filePath, title string) (*Upload, error) {
	f, size, err := openForUpload(filePath)
	if err != nil {
		return nil, err
	}

	sess, err := c.createSession(ctx, filepath.Base(filePath), size)
	if err != nil {
		f.Close()
		return nil, err
	}

	pending := make([]int, sess.TotalChunks)
	for i := range pending {
		pending[i] = i
	}

	return c.startUpload(ctx, f, filePath, title, size, sess.SessionID,
		sess.ChunkSize, sess.TotalChunks, pending)
}

// ResumeUpload продолжает существующую сессию: запрашивает у сервера
// список недостающих чанков и заливает только их. Уже полученные
// чанки не перечитываются и не перезаливаются.
func (c *Client) ResumeUpload(ctx context.Context, sessionID, filePath, title string) (*Upload, error) {
	f, size, err := openForUpload(filePath)
	if err != nil {
		return nil, err
	}

	prog, err := c.getProgress(ctx, sessionID)
	if err != nil {
		f.Close()
		return nil, err
	}
	if prog.Status != "uploading" {
		f.Close()
		return nil, fmt.Errorf("сессия %s в статусе %s не принимает чанки", sessionID, prog.Status)
	}
	if prog.TotalSize != size {
		f.Close()
		return nil, fmt.Errorf("размер файла %d не совпадает с сессией (%d)", size, prog.TotalSize)
	}

	pending := append([]int(nil), prog.MissingChunks...)
	sort.Ints(pending)

	return c.startUpload(ctx, f, filePath, title, size, sessionID,
		prog.ChunkSize, prog.TotalChunks, pending)
}

func openForUpload(filePath string) (*os.File, int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("открытие файла: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("чтение атрибутов файла: %w", err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, 0, errors.New("пустой файл не загружается")
	}
	return f, info.Size(), nil
}

// startUpload собирает Upload и запускает воркеров над списком
// недостающих чанков.
func (c *Client) startUpload(
	ctx context.Context,
	f *os.File,
	filePath, title string,
	totalSize int64,
	sessionID string,
	chunkSize int64,
	totalChunks int,
	pending []int,
) (*Upload, error) {
	if title == "" {
		title = filepath.Base(filePath)
	}

	u := &Upload{
		client:       c,
		sessionID:    sessionID,
		title:        title,
		file:         f,
		totalSize:    totalSize,
		chunkSize:    chunkSize,
		totalChunks:  totalChunks,
		startedAt:    time.Now(),
		rootCtx:      ctx,
		events:       make(chan ProgressEvent, 2*totalChunks+8),
		queue:        make(chan int, len(pending)),
		done:         make(chan struct{}),
		received:     totalChunks - len(pending),
		failedChunks: make(map[int]error),
	}
	u.cond = sync.NewCond(&u.mu)
	u.genCtx, u.genCancel = context.WithCancel(ctx)

	// Прогресс по байтам стартует с уже подтверждённых чанков
	u.uploadedBytes = totalSize
	for _, idx := range pending {
		u.uploadedBytes -= u.expectedSize(idx)
	}

	for _, idx := range pending {
		u.queue <- idx
	}
	close(u.queue)

	workers := c.concurrency
	if workers > len(pending) {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	go u.finish()

	c.logger.Info("Загрузка начата",
		slog.String("session_id", u.sessionID),
		slog.String("file", filePath),
		slog.Int64("total_size", u.totalSize),
		slog.Int("total_chunks", u.totalChunks),
		slog.Int("pending_chunks", len(pending)),
		slog.Int("workers", workers),
	)

	return u, nil
}

// SessionID возвращает идентификатор серверной сессии.
func (u *Upload) SessionID() string {
	return u.sessionID
}

// Events возвращает канал событий прогресса. Канал закрывается после
// завершения загрузки (успех, провал или отмена).
func (u *Upload) Events() <-chan ProgressEvent {
	return u.events
}

// Wait блокируется до завершения загрузки и возвращает результат.
func (u *Upload) Wait() (*Result, error) {
	<-u.done
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancelled {
		return nil, context.Canceled
	}
	if u.failErr != nil {
		return nil, u.failErr
	}
	return u.result, nil
}

// Pause приостанавливает загрузку: новые чанки не планируются,
// выполняющиеся запросы прерываются. Прерванные чанки не расходуют
// бюджет повторов и будут залиты заново после Resume.
func (u *Upload) Pause() {
	u.mu.Lock()
	if u.paused || u.stopped || u.finished {
		u.mu.Unlock()
		return
	}
	u.paused = true
	u.genCancel()
	u.mu.Unlock()

	u.emit(ProgressEvent{Type: EventPaused})
	u.client.logger.Info("Загрузка приостановлена", slog.String("session_id", u.sessionID))
}

// Resume возобновляет приостановленную загрузку.
func (u *Upload) Resume() {
	u.mu.Lock()
	if !u.paused || u.stopped || u.finished {
		u.mu.Unlock()
		return
	}
	u.paused = false
	u.genCtx, u.genCancel = context.WithCancel(u.rootCtx)
	u.cond.Broadcast()
	u.mu.Unlock()

	u.emit(ProgressEvent{Type: EventResumed})
	u.client.logger.Info("Загрузка возобновлена", slog.String("session_id", u.sessionID))
}

// Cancel отменяет загрузку: запросы прерываются, сессия отменяется
// на сервере (чанки удаляет сервер).
func (u *Upload) Cancel() {
	u.mu.Lock()
	if u.cancelled || u.finished {
		u.mu.Unlock()
		return
	}
	u.cancelled = true
	u.stopped = true
	u.genCancel()
	u.cond.Broadcast()
	u.mu.Unlock()

	// Отмена на сервере не зависит от rootCtx: он мог быть уже отменён
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := u.client.cancelSession(ctx, u.sessionID); err != nil {
		u.client.logger.Warn("Ошибка отмены сессии на сервере",
			slog.String("session_id", u.sessionID),
			slog.String("error", err.Error()),
		)
	}

	u.client.logger.Info("Загрузка отменена", slog.String("session_id", u.sessionID))
}

// worker берёт чанки из очереди. Провал одного чанка не останавливает
// остальные: ошибка запоминается, воркер переходит к следующему.
func (u *Upload) worker() {
	defer u.wg.Done()
	for idx := range u.queue {
		if !u.uploadChunk(idx) {
			return
		}
	}
}

// uploadChunk заливает один чанк до успеха либо исчерпания повторов.
// Возвращает false только при глобальной остановке (отмена, rootCtx).
func (u *Upload) uploadChunk(idx int) bool {
	if !u.awaitRunnable() {
		return false
	}
	u.emit(ProgressEvent{Type: EventChunkStarted, ChunkIndex: idx, Total: u.totalChunks})

	data, err := u.readChunk(idx)
	if err != nil {
		u.chunkFailed(idx, fmt.Errorf("чтение чанка %d: %w", idx, err))
		return true
	}

	attempt := 0
	for {
		if !u.awaitRunnable() {
			return false
		}
		gctx := u.generation()

		resp, err := u.client.putChunk(gctx, u.sessionID, idx, data)
		if err == nil {
			u.markUploaded(idx, resp, int64(len(data)))
			return true
		}

		// Прерывание паузой: повтор без расхода бюджета
		if gctx.Err() != nil {
			if u.rootCtx.Err() != nil {
				u.abort(u.rootCtx.Err())
				return false
			}
			continue
		}

		if !retryable(err) || attempt >= u.client.maxRetries {
			u.chunkFailed(idx, fmt.Errorf("чанк %d: %w", idx, err))
			return true
		}

		attempt++
		u.client.logger.Warn("Ошибка заливки чанка, повтор",
			slog.String("session_id", u.sessionID),
			slog.Int("chunk_index", idx),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		// Линейная задержка: attempt × базовая
		select {
		case <-time.After(time.Duration(attempt) * u.client.retryDelay):
		case <-u.rootCtx.Done():
			u.abort(u.rootCtx.Err())
			return false
		}
	}
}

// expectedSize возвращает размер чанка с данным индексом
// (последний может быть короче).
func (u *Upload) expectedSize(idx int) int64 {
	offset := int64(idx) * u.chunkSize
	if rem := u.totalSize - offset; rem < u.chunkSize {
		return rem
	}
	return u.chunkSize
}

// readChunk читает данные чанка из файла. *os.File.ReadAt безопасен
// при конкурентных вызовах.
func (u *Upload) readChunk(idx int) ([]byte, error) {
	buf := make([]byte, u.expectedSize(idx))
	if _, err := u.file.ReadAt(buf, int64(idx)*u.chunkSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// awaitRunnable блокируется, пока загрузка на паузе.
// Возвращает false при глобальной остановке.
func (u *Upload) awaitRunnable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for u.paused && !u.stopped {
		u.cond.Wait()
	}
	return !u.stopped
}

// generation возвращает контекст текущего поколения. Пауза отменяет
// поколение, Resume создаёт новое.
func (u *Upload) generation() context.Context {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.genCtx
}

// markUploaded фиксирует принятый чанк и считает скорость/ETA.
func (u *Upload) markUploaded(idx int, resp *chunkResponse, size int64) {
	u.mu.Lock()
	u.received++
	u.uploadedBytes += size
	received := u.received
	bytes := u.uploadedBytes
	u.mu.Unlock()

	if resp.AlreadyUploaded {
		u.client.logger.Debug("Чанк уже был на сервере",
			slog.String("session_id", u.sessionID),
			slog.Int("chunk_index", idx),
		)
	}

	var speed, eta float64
	if elapsed := time.Since(u.startedAt).Seconds(); elapsed > 0 {
		speed = float64(bytes) / elapsed
		if speed > 0 {
			eta = float64(u.totalSize-bytes) / speed
		}
	}

	u.emit(ProgressEvent{
		Type:           EventChunkUploaded,
		ChunkIndex:     idx,
		Received:       received,
		Total:          u.totalChunks,
		Bytes:          bytes,
		TotalBytes:     u.totalSize,
		BytesPerSecond: speed,
		ETASeconds:     eta,
	})
}

// chunkFailed запоминает окончательный провал одного чанка.
// Остальные чанки продолжают заливаться.
func (u *Upload) chunkFailed(idx int, err error) {
	u.mu.Lock()
	u.failedChunks[idx] = err
	if u.failErr == nil {
		u.failErr = err
	}
	u.mu.Unlock()

	u.client.logger.Error("Чанк провален окончательно",
		slog.String("session_id", u.sessionID),
		slog.Int("chunk_index", idx),
		slog.String("error", err.Error()),
	)
	u.emit(ProgressEvent{Type: EventChunkFailed, ChunkIndex: idx, Total: u.totalChunks, Err: err})
}

// abort глобально останавливает загрузку (отмена rootCtx).
func (u *Upload) abort(err error) {
	u.mu.Lock()
	if !u.stopped {
		u.stopped = true
		if u.failErr == nil {
			u.failErr = err
		}
		u.genCancel()
		u.cond.Broadcast()
	}
	u.mu.Unlock()
}

// finish дожидается воркеров и финализирует загрузку.
func (u *Upload) finish() {
	u.wg.Wait()
	u.file.Close()
	defer u.shutdown()

	u.mu.Lock()
	cancelled := u.cancelled
	failed := len(u.failedChunks)
	failErr := u.failErr
	received := u.received
	u.mu.Unlock()

	switch {
	case cancelled:
		u.emit(ProgressEvent{Type: EventCancelled})
		return
	case failErr != nil:
		if failed > 0 {
			failErr = fmt.Errorf("провалено чанков: %d: %w", failed, failErr)
			u.setFailErr(failErr)
		}
		u.emit(ProgressEvent{Type: EventFailed, Err: failErr})
		return
	case received != u.totalChunks:
		// Страховка: финализация вызывается только при полном наборе
		err := fmt.Errorf("%w: %d из %d", ErrIncomplete, received, u.totalChunks)
		u.setFailErr(err)
		u.emit(ProgressEvent{Type: EventFailed, Err: err})
		return
	}

	resp, err := u.client.completeSession(u.rootCtx, u.sessionID, u.title)
	if err != nil {
		u.setFailErr(err)
		u.emit(ProgressEvent{Type: EventFailed, Err: err})
		return
	}

	u.mu.Lock()
	u.result = &Result{VideoID: resp.VideoID, JobID: resp.JobID}
	u.mu.Unlock()

	u.emit(ProgressEvent{
		Type:       EventCompleted,
		Received:   received,
		Total:      u.totalChunks,
		Bytes:      u.totalSize,
		TotalBytes: u.totalSize,
	})

	u.client.logger.Info("Загрузка завершена",
		slog.String("session_id", u.sessionID),
		slog.String("video_id", resp.VideoID),
		slog.Int64("job_id", resp.JobID),
	)
}

func (u *Upload) setFailErr(err error) {
	u.mu.Lock()
	u.failErr = err
	u.mu.Unlock()
}

// shutdown помечает загрузку завершённой и закрывает каналы.
// После него emit становится no-op.
func (u *Upload) shutdown() {
	u.mu.Lock()
	u.finished = true
	u.mu.Unlock()
	close(u.events)
	close(u.done)
}

// emit отправляет событие без блокировки: если потребитель не успевает
// читать, событие отбрасывается.
func (u *Upload) emit(ev ProgressEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finished {
		return
	}
	select {
	case u.events <- ev:
	default:
	}
}
