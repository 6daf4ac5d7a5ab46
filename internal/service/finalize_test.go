package service

import (
	"bytes"
	"context"
	"os"
	"testing"

	apierrors "github.com/arturkryukov/mediahub/upload-module/internal/api/errors"
	"github.com/arturkryukov/mediahub/upload-module/internal/domain/model"
)

// uploadAll заливает все чанки сессии содержимым payload.
func uploadAll(t *testing.T, env *testEnv, sess *model.UploadSession, payload []byte) {
	t.Helper()
	for i := 0; i < sess.TotalChunks; i++ {
		start := int64(i) * sess.ChunkSize
		end := start + sess.ExpectedChunkSize(i)
		_, serr := env.uploadSvc.UploadChunk(context.Background(), sess.ID, sess.UserID, i,
			bytes.NewReader(payload[start:end]))
		if serr != nil {
			t.Fatalf("ошибка приёма чанка %d: %v", i, serr)
		}
	}
}

func TestComplete_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	sess := env.createSession(t, "user-1", int64(len(payload)), 4)
	uploadAll(t, env, sess, payload)

	res, serr := env.finalize.Complete(ctx, sess.ID, "user-1", "Мой ролик", nil)
	if serr != nil {
		t.Fatalf("ошибка финализации: %v", serr)
	}

	got, err := os.ReadFile(res.Video.SourcePath)
	if err != nil {
		t.Fatalf("ошибка чтения собранного файла: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("содержимое собранного файла не совпадает:\nхотели %q\nполучили %q", payload, got)
	}

	if res.Video.Title != "Мой ролик" {
		t.Errorf("название: хотели %q, получили %q", "Мой ролик", res.Video.Title)
	}
	if res.Video.Status != model.VideoUploaded {
		t.Errorf("статус видео: хотели %s, получили %s", model.VideoUploaded, res.Video.Status)
	}

	// Сессия переведена в completed
	gotSess, _ := env.sessions.Get(ctx, sess.ID)
	if gotSess.Status != model.SessionCompleted {
		t.Errorf("статус сессии: хотели %s, получили %s", model.SessionCompleted, gotSess.Status)
	}

	// Задание конвертации поставлено
	if res.JobID == 0 {
		t.Fatal("задание конвертации должно быть поставлено")
	}
	job, err := env.jobs.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("ошибка чтения задания: %v", err)
	}
	if job.VideoID != res.Video.ID {
		t.Errorf("задание привязано к видео %s, ожидалось %s", job.VideoID, res.Video.ID)
	}
	if job.Status != model.JobPending {
		t.Errorf("статус задания: хотели %s, получили %s", model.JobPending, job.Status)
	}
}

func TestComplete_MissingChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	sess := env.createSession(t, "user-1", 10, 4)
	// Заливаем только чанки 0 и 2
	for _, i := range []int{0, 2} {
		start := int64(i) * sess.ChunkSize
		end := start + sess.ExpectedChunkSize(i)
		if _, serr := env.uploadSvc.UploadChunk(ctx, sess.ID, "user-1", i,
			bytes.NewReader(payload[start:end])); serr != nil {
			t.Fatalf("ошибка приёма чанка %d: %v", i, serr)
		}
	}

	_, serr := env.finalize.Complete(ctx, sess.ID, "user-1", "", nil)
	if serr == nil {
		t.Fatal("финализация неполной сессии должна отклоняться")
	}
	if serr.Code != apierrors.CodeChunkValidationFailed {
		t.Errorf("код: хотели %s, получили %s", apierrors.CodeChunkValidationFailed, serr.Code)
	}

	// Сессия остаётся активной, загрузку можно продолжить
	gotSess, _ := env.sessions.Get(ctx, sess.ID)
	if gotSess.Status != model.SessionUploading {
		t.Errorf("статус: хотели %s, получили %s", model.SessionUploading, gotSess.Status)
	}
}

func TestComplete_RecordAheadOfDisk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	sess := env.createSession(t, "user-1", 10, 4)
	uploadAll(t, env, sess, payload)

	// Имитация потери файла: запись полная, одного файла нет
	if err := env.store.RemoveChunk(sess.ChunkDir, 1); err != nil {
		t.Fatalf("ошибка удаления чанка: %v", err)
	}
	env.sessionSvc.Invalidate(sess.ID)

	_, serr := env.finalize.Complete(ctx, sess.ID, "user-1", "", nil)
	if serr == nil {
		t.Fatal("решение о финализации принимается по диску, а не по записи")
	}
	if serr.Code != apierrors.CodeChunkValidationFailed {
		t.Errorf("код: хотели %s, получили %s", apierrors.CodeChunkValidationFailed, serr.Code)
	}

	// Запись приведена к состоянию диска
	gotSess, _ := env.sessions.Get(ctx, sess.ID)
	if len(gotSess.ReceivedChunks) != sess.TotalChunks-1 {
		t.Errorf("множество чанков после сверки: хотели %d, получили %d",
			sess.TotalChunks-1, len(gotSess.ReceivedChunks))
	}
}

func TestComplete_SizeMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	sess := env.createSession(t, "user-1", 10, 4)
	uploadAll(t, env, sess, payload)

	// Подменяем чанк 2 файлом неверного размера прямо на диске
	if _, err := env.store.WriteChunk(sess.ChunkDir, 2, bytes.NewReader([]byte("слишком длинный хвост"))); err != nil {
		t.Fatalf("ошибка подмены чанка: %v", err)
	}

	_, serr := env.finalize.Complete(ctx, sess.ID, "user-1", "", nil)
	if serr == nil {
		t.Fatal("расхождение итогового размера должно отклоняться")
	}
	if serr.Code != apierrors.CodeFileSizeMismatch {
		t.Errorf("код: хотели %s, получили %s", apierrors.CodeFileSizeMismatch, serr.Code)
	}

	// Частичный результат сборки удалён
	entries, _ := os.ReadDir(env.cfg.MediaDir)
	for _, e := range entries {
		if e.Name() == sourceSubdir {
			srcEntries, _ := os.ReadDir(env.cfg.MediaDir + "/" + sourceSubdir)
			if len(srcEntries) != 0 {
				t.Errorf("после отклонённой сборки не должно остаться файлов: %v", srcEntries)
			}
		}
	}
}

func TestComplete_NotActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	sess := env.createSession(t, "user-1", 10, 4)
	uploadAll(t, env, sess, payload)

	if _, serr := env.finalize.Complete(ctx, sess.ID, "user-1", "", nil); serr != nil {
		t.Fatalf("ошибка финализации: %v", serr)
	}

	// Повторная финализация — 409
	_, serr := env.finalize.Complete(ctx, sess.ID, "user-1", "", nil)
	if serr == nil {
		t.Fatal("повторная финализация должна отклоняться")
	}
	if serr.Code != apierrors.CodeSessionNotActive {
		t.Errorf("код: хотели %s, получили %s", apierrors.CodeSessionNotActive, serr.Code)
	}
}

func TestComplete_EnqueueIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	sess := env.createSession(t, "user-1", 10, 4)
	uploadAll(t, env, sess, payload)

	res, serr := env.finalize.Complete(ctx, sess.ID, "user-1", "", nil)
	if serr != nil {
		t.Fatalf("ошибка финализации: %v", serr)
	}

	// Повторная постановка для того же видео возвращает существующее задание
	jobID, created, err := env.jobs.Enqueue(ctx, res.Video.ID, model.DefaultJobOptions(), 0, 3)
	if err != nil {
		t.Fatalf("ошибка повторной постановки: %v", err)
	}
	if created {
		t.Error("повторная постановка не должна создавать дубликат")
	}
	if jobID != res.JobID {
		t.Errorf("идентификатор задания: хотели %d, получили %d", res.JobID, jobID)
	}
}
