package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/config"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/domain/model"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/repository"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/session"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/blobstore"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/storage/sniff"
)

// fakeRepo — in-memory реализация AttachmentRepository для тестов сервисов.
type fakeRepo struct {
	mu         sync.Mutex
	items      map[string]*model.Attachment
	failCreate bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{items: make(map[string]*model.Attachment)}
}

func (f *fakeRepo) Create(_ context.Context, a *model.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return errors.New("хранилище метаданных недоступно")
	}
	copied := *a
	f.items[a.ID] = &copied
	return nil
}

func (f *fakeRepo) FindByIDAndOwner(_ context.Context, id, ownerID string) (*model.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[id]
	if !ok || a.OwnerID != ownerID {
		return nil, repository.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeRepo) Delete(_ context.Context, id, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[id]
	if !ok || a.OwnerID != ownerID {
		return repository.ErrNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeRepo) DeleteByParent(_ context.Context, parentID, ownerID string) ([]*model.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted []*model.Attachment
	for id, a := range f.items {
		if a.ParentID == parentID && a.OwnerID == ownerID {
			copied := *a
			deleted = append(deleted, &copied)
			delete(f.items, id)
		}
	}
	return deleted, nil
}

func (f *fakeRepo) ListByParent(_ context.Context, parentID, ownerID string) ([]*model.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Attachment
	for _, a := range f.items {
		if a.ParentID == parentID && a.OwnerID == ownerID {
			copied := *a
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *fakeRepo) ListAll(_ context.Context) ([]*model.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]*model.Attachment, 0, len(f.items))
	for _, a := range f.items {
		copied := *a
		result = append(result, &copied)
	}
	return result, nil
}

func (f *fakeRepo) SetThumbnailPath(_ context.Context, id, thumbnailPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.ThumbnailPath = thumbnailPath
	a.HasThumbnail = thumbnailPath != ""
	return nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

var _ repository.AttachmentRepository = (*fakeRepo)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv — собранный стенд сервисного слоя.
type testEnv struct {
	cfg       *config.Config
	store     *blobstore.BlobStore
	repo      *fakeRepo
	registry  *session.Registry
	uploadSvc *UploadService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DataDir:         t.TempDir(),
		MaxFileSize:     1024 * 1024,
		DirectThreshold: 64,
		AllowedTypes:    []string{"image/png", "image/jpeg", "application/pdf", "text/plain"},
		SessionTTL:      time.Hour,
		StorageRetries:  3,
	}

	store, err := blobstore.New(cfg.DataDir)
	if err != nil {
		t.Fatalf("ошибка создания BlobStore: %v", err)
	}

	repo := newFakeRepo()
	validator := sniff.New(cfg.MaxFileSize, cfg.AllowedTypes)

	env := &testEnv{cfg: cfg, store: store, repo: repo}
	env.registry = session.NewRegistry(testLogger(), func(s *session.UploadSession) {
		env.uploadSvc.OnSessionExpire(s)
	})
	env.uploadSvc = NewUploadService(cfg, store, validator, env.registry, repo, nil, testLogger())
	return env
}

// blobCount возвращает количество файлов в хранилище (без staging).
func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	count := 0
	if err := e.store.Walk(func(string) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("ошибка обхода хранилища: %v", err)
	}
	return count
}
