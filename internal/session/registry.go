// registry.go — потокобезопасный реестр upload-сессий.
//
// Явная инжектируемая таблица (а не глобальная map):
// keyed store + per-key mutex + фоновая очистка истёкших сессий.
// Per-key блокировка гарантирует, что chunk-операции одной сессии
// сериализованы, а разные сессии обрабатываются полностью параллельно.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound возвращается при обращении к несуществующей сессии.
type ErrNotFound struct {
	SessionID string
}

func (e *ErrNotFound) Error() string {
	return "сессия " + e.SessionID + " не найдена"
}

// entry — сессия вместе с её мьютексом.
type entry struct {
	mu      sync.Mutex
	session *UploadSession
}

// Registry — реестр активных upload-сессий.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger

	// onExpire вызывается sweep'ом для каждой помеченной expired сессии
	// (удаление частичных байт). Может быть nil.
	onExpire func(s *UploadSession)

	cancel context.CancelFunc
}

// NewRegistry создаёт пустой реестр сессий.
// onExpire — callback для очистки частичных данных истёкшей сессии,
// вызывается вне per-key блокировки.
func NewRegistry(logger *slog.Logger, onExpire func(s *UploadSession)) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		logger:   logger.With(slog.String("component", "session_registry")),
		onExpire: onExpire,
	}
}

// Put регистрирует новую сессию.
func (r *Registry) Put(s *UploadSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.ID] = &entry{session: s}
}

// Get возвращает копию сессии по ID (для статусных запросов).
// Возвращает ErrNotFound, если сессия не зарегистрирована.
func (r *Registry) Get(sessionID string) (*UploadSession, error) {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{SessionID: sessionID}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	copied := *e.session
	return &copied, nil
}

// WithLock выполняет fn под эксклюзивной блокировкой сессии.
// fn получает живой указатель на сессию: смещение и состояние можно
// менять напрямую, изменения видны следующим вызовам.
// Это единственный способ модифицировать сессию.
func (r *Registry) WithLock(sessionID string, fn func(s *UploadSession) error) error {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return &ErrNotFound{SessionID: sessionID}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Remove удаляет сессию из реестра.
// Вызывается после достижения терминального состояния.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Count возвращает количество зарегистрированных сессий.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StartSweeper запускает фоновую горутину, периодически помечающую
// истёкшие сессии как expired и удаляющую терминальные из реестра.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				r.SweepOnce(time.Now().UTC())
			}
		}
	}()

	r.logger.Info("Очистка сессий запущена",
		slog.String("interval", interval.String()),
	)
}

// StopSweeper останавливает фоновую очистку.
func (r *Registry) StopSweeper() {
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("Очистка сессий остановлена")
}

// SweepOnce выполняет один проход очистки:
// истёкшие сессии переводятся в expired (с вызовом onExpire),
// терминальные удаляются из реестра.
// Возвращает количество помеченных expired сессий.
func (r *Registry) SweepOnce(now time.Time) int {
	// Снимок ключей: пометка идёт под per-key блокировкой,
	// глобальная блокировка держится только на копировании ключей.
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	expired := 0
	for _, id := range ids {
		var toCleanup *UploadSession

		err := r.WithLock(id, func(s *UploadSession) error {
			if s.IsTerminal() {
				return nil
			}
			if !s.IsExpired(now) {
				return nil
			}
			if err := s.TransitionTo(StateExpired); err != nil {
				return err
			}
			copied := *s
			toCleanup = &copied
			return nil
		})
		if err != nil {
			continue
		}

		if toCleanup != nil {
			expired++
			r.logger.Info("Сессия истекла",
				slog.String("session_id", toCleanup.ID),
				slog.Int64("received_offset", toCleanup.ReceivedOffset),
				slog.Int64("declared_size", toCleanup.DeclaredSize),
			)
			if r.onExpire != nil {
				r.onExpire(toCleanup)
			}
		}

		// Терминальные сессии убираем из реестра
		if s, getErr := r.Get(id); getErr == nil && s.IsTerminal() {
			r.Remove(id)
		}
	}

	return expired
}
