package service

import (
	"bytes"
	"context"
	"testing"
)

func TestValidateSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createSession(t, "user-1", 10, 4)
	for _, i := range []int{0, 2} {
		data := make([]byte, sess.ExpectedChunkSize(i))
		if _, serr := env.uploadSvc.UploadChunk(ctx, sess.ID, "user-1", i, bytes.NewReader(data)); serr != nil {
			t.Fatalf("ошибка приёма чанка %d: %v", i, serr)
		}
	}

	fresh, _ := env.sessions.Get(ctx, sess.ID)
	missing, err := env.reconciler.ValidateSequence(fresh)
	if err != nil {
		t.Fatalf("ошибка сверки: %v", err)
	}
	if len(missing) != 1 || missing[0] != 1 {
		t.Errorf("отсутствующие чанки: хотели [1], получили %v", missing)
	}
}

func TestSyncActualState_IgnoresOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.createSession(t, "user-1", 10, 4)
	if _, serr := env.uploadSvc.UploadChunk(ctx, sess.ID, "user-1", 0, bytes.NewReader([]byte("abcd"))); serr != nil {
		t.Fatalf("ошибка приёма чанка: %v", serr)
	}

	// Посторонний файл с индексом вне диапазона сессии
	if _, err := env.store.WriteChunk(sess.ChunkDir, 99, bytes.NewReader([]byte("мусор"))); err != nil {
		t.Fatalf("ошибка записи постороннего чанка: %v", err)
	}

	fresh, _ := env.sessions.Get(ctx, sess.ID)
	actual, err := env.reconciler.SyncActualState(ctx, fresh)
	if err != nil {
		t.Fatalf("ошибка приведения: %v", err)
	}
	if len(actual) != 1 || actual[0] != 0 {
		t.Errorf("множество после приведения: хотели [0], получили %v", actual)
	}
}
