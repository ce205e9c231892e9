package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(onExpire func(s *UploadSession)) *Registry {
	return NewRegistry(testLogger(), onExpire)
}

// TestRegistry_PutGet проверяет регистрацию и чтение копии сессии.
func TestRegistry_PutGet(t *testing.T) {
	r := newTestRegistry(nil)
	r.Put(newTestSession(StateCreated))

	got, err := r.Get("sess-1")
	if err != nil {
		t.Fatalf("ошибка получения сессии: %v", err)
	}
	if got.ID != "sess-1" || got.State != StateCreated {
		t.Errorf("неожиданная сессия: %+v", got)
	}

	// Get возвращает копию: изменения не видны реестру
	got.ReceivedOffset = 500
	again, _ := r.Get("sess-1")
	if again.ReceivedOffset != 0 {
		t.Error("изменение копии не должно затрагивать реестр")
	}
}

// TestRegistry_GetNotFound проверяет ошибку для незарегистрированной сессии.
func TestRegistry_GetNotFound(t *testing.T) {
	r := newTestRegistry(nil)

	_, err := r.Get("нет-такой")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

// TestRegistry_WithLock проверяет, что изменения под блокировкой видны
// следующим вызовам.
func TestRegistry_WithLock(t *testing.T) {
	r := newTestRegistry(nil)
	r.Put(newTestSession(StateCreated))

	err := r.WithLock("sess-1", func(s *UploadSession) error {
		s.ReceivedOffset = 100
		return s.TransitionTo(StateUploading)
	})
	if err != nil {
		t.Fatalf("ошибка WithLock: %v", err)
	}

	got, _ := r.Get("sess-1")
	if got.ReceivedOffset != 100 || got.State != StateUploading {
		t.Errorf("изменения не сохранились: %+v", got)
	}
}

// TestRegistry_WithLock_Serialized проверяет сериализацию операций
// одной сессии: конкурентные инкременты не теряются.
func TestRegistry_WithLock_Serialized(t *testing.T) {
	r := newTestRegistry(nil)
	r.Put(newTestSession(StateCreated))

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_ = r.WithLock("sess-1", func(s *UploadSession) error {
				s.ReceivedOffset++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := r.Get("sess-1")
	if got.ReceivedOffset != goroutines {
		t.Errorf("потеряны инкременты: ожидалось %d, получено %d", goroutines, got.ReceivedOffset)
	}
}

// TestRegistry_Remove проверяет удаление сессии.
func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(nil)
	r.Put(newTestSession(StateCreated))

	r.Remove("sess-1")
	if _, err := r.Get("sess-1"); err == nil {
		t.Error("сессия должна отсутствовать после удаления")
	}
	if r.Count() != 0 {
		t.Errorf("ожидался пустой реестр, размер %d", r.Count())
	}
}

// TestRegistry_SweepOnce проверяет пометку истёкших сессий, вызов
// callback'а очистки и удаление терминальных из реестра.
func TestRegistry_SweepOnce(t *testing.T) {
	var cleaned []string
	r := newTestRegistry(func(s *UploadSession) {
		cleaned = append(cleaned, s.ID)
	})

	now := time.Now().UTC()

	expired := newTestSession(StateUploading)
	expired.ID = "sess-expired"
	expired.ExpiresAt = now.Add(-time.Minute)
	r.Put(expired)

	alive := newTestSession(StateUploading)
	alive.ID = "sess-alive"
	alive.ExpiresAt = now.Add(time.Hour)
	r.Put(alive)

	count := r.SweepOnce(now)
	if count != 1 {
		t.Errorf("ожидалась 1 истёкшая сессия, получено %d", count)
	}
	if len(cleaned) != 1 || cleaned[0] != "sess-expired" {
		t.Errorf("callback очистки вызван неверно: %v", cleaned)
	}

	// Истёкшая удалена из реестра, живая осталась
	if _, err := r.Get("sess-expired"); err == nil {
		t.Error("истёкшая сессия должна быть удалена из реестра")
	}
	if _, err := r.Get("sess-alive"); err != nil {
		t.Errorf("живая сессия не должна удаляться: %v", err)
	}
}

// TestRegistry_SweepOnce_Idempotent проверяет повторный проход:
// уже обработанные сессии не считаются повторно.
func TestRegistry_SweepOnce_Idempotent(t *testing.T) {
	r := newTestRegistry(nil)

	now := time.Now().UTC()
	s := newTestSession(StateCreated)
	s.ExpiresAt = now.Add(-time.Minute)
	r.Put(s)

	if count := r.SweepOnce(now); count != 1 {
		t.Fatalf("первый проход: ожидалась 1 сессия, получено %d", count)
	}
	if count := r.SweepOnce(now); count != 0 {
		t.Errorf("повторный проход: ожидалось 0, получено %d", count)
	}
}
