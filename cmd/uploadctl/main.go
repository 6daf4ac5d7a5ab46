// uploadctl — консольный клиент чанковой загрузки Upload Module.
//
// Пример:
//
//	uploadctl -server http://localhost:8020 -file видео.mp4 -title "Отпуск"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arturkryukov/mediahub/upload-module/internal/uploadclient"
)

func main() {
	var (
		serverURL   = flag.String("server", "http://localhost:8020", "адрес Upload Module")
		token       = flag.String("token", os.Getenv("UM_TOKEN"), "Bearer token (или переменная UM_TOKEN)")
		filePath    = flag.String("file", "", "путь к загружаемому файлу")
		title       = flag.String("title", "", "название видео (по умолчанию имя файла)")
		concurrency = flag.Int("concurrency", uploadclient.DefaultConcurrency, "одновременно заливаемых чанков")
		chunkSize   = flag.Int64("chunk-size", 0, "размер чанка в байтах (0 — выбирает сервер)")
		retries     = flag.Int("retries", uploadclient.DefaultMaxRetries, "лимит повторов чанка")
		sessionID   = flag.String("session", "", "идентификатор сессии для возобновления")
		quiet       = flag.Bool("quiet", false, "не печатать прогресс")
	)
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Не задан файл: укажите -file")
		flag.Usage()
		os.Exit(2)
	}

	logLevel := slog.LevelWarn
	if *quiet {
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	client := uploadclient.New(uploadclient.Options{
		BaseURL:     *serverURL,
		Token:       *token,
		Concurrency: *concurrency,
		MaxRetries:  *retries,
		ChunkSize:   *chunkSize,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		upload *uploadclient.Upload
		err    error
	)
	if *sessionID != "" {
		upload, err = client.ResumeUpload(ctx, *sessionID, *filePath, *title)
	} else {
		upload, err = client.Upload(ctx, *filePath, *title)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка запуска загрузки: %v\n", err)
		os.Exit(1)
	}

	if !*quiet {
		fmt.Printf("Сессия %s: загрузка %s\n", upload.SessionID(), *filePath)
	}

	// Ctrl+C отменяет загрузку и сессию на сервере
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nПрерывание: отмена загрузки...")
		upload.Cancel()
	}()

	start := time.Now()
	for ev := range upload.Events() {
		if *quiet {
			continue
		}
		switch ev.Type {
		case uploadclient.EventChunkUploaded:
			fmt.Printf("\rЧанки: %d/%d (%.1f%%)  %s/с  ETA %s   ",
				ev.Received, ev.Total,
				float64(ev.Bytes)/float64(ev.TotalBytes)*100,
				formatBytes(ev.BytesPerSecond),
				(time.Duration(ev.ETASeconds * float64(time.Second))).Round(time.Second),
			)
		case uploadclient.EventChunkFailed:
			fmt.Printf("\nЧанк %d провален: %v\n", ev.ChunkIndex, ev.Err)
		case uploadclient.EventPaused:
			fmt.Println("\nПауза")
		case uploadclient.EventResumed:
			fmt.Println("Возобновление")
		}
	}

	result, err := upload.Wait()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nЗагрузка не удалась: %v\n", err)
		os.Exit(1)
	}

	if !*quiet {
		fmt.Println()
	}
	fmt.Printf("Готово за %s\nvideo_id: %s\njob_id:   %d\n",
		time.Since(start).Round(time.Millisecond), result.VideoID, result.JobID)
}

// formatBytes печатает байты в человекочитаемом виде.
func formatBytes(n float64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f ГиБ", n/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f МиБ", n/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f КиБ", n/(1<<10))
	default:
		return fmt.Sprintf("%.0f Б", n)
	}
}
