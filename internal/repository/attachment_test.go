package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arturkryukov/taskdesk/attachment-service/internal/config"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/database"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/domain/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool с автоматической очисткой.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("taskdesk_test"),
		postgres.WithUsername("taskdesk"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("AS_DATA_DIR", t.TempDir())
	os.Setenv("AS_DB_HOST", host)
	os.Setenv("AS_DB_PORT", port.Port())
	os.Setenv("AS_DB_NAME", "taskdesk_test")
	os.Setenv("AS_DB_USER", "taskdesk")
	os.Setenv("AS_DB_PASSWORD", "test-password")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testAttachment(ownerID, parentID string) *model.Attachment {
	return &model.Attachment{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		ParentID:    parentID,
		DisplayName: "report.pdf",
		StoredName:  uuid.New().String(),
		MimeType:    "application/pdf",
		SizeBytes:   12345,
		Checksum:    "deadbeef",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestAttachmentCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewAttachmentRepository(pool)

	att := testAttachment("user-1", "task-1")
	if err := repo.Create(ctx, att); err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}

	// Чтение владельцем
	got, err := repo.FindByIDAndOwner(ctx, att.ID, "user-1")
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.DisplayName != att.DisplayName || got.SizeBytes != att.SizeBytes || got.Checksum != att.Checksum {
		t.Errorf("прочитанное вложение не совпадает: %+v", got)
	}
	if got.HasThumbnail {
		t.Error("миниатюры ещё нет")
	}

	// Чужой владелец — NOT_FOUND
	if _, err := repo.FindByIDAndOwner(ctx, att.ID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}

	// Миниатюра
	if err := repo.SetThumbnailPath(ctx, att.ID, "user-1/task-1/thumbs/x.jpg"); err != nil {
		t.Fatalf("ошибка обновления миниатюры: %v", err)
	}
	got, _ = repo.FindByIDAndOwner(ctx, att.ID, "user-1")
	if !got.HasThumbnail || got.ThumbnailPath != "user-1/task-1/thumbs/x.jpg" {
		t.Errorf("миниатюра не записана: %+v", got)
	}

	// Удаление
	if err := repo.Delete(ctx, att.ID, "user-1"); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if _, err := repo.FindByIDAndOwner(ctx, att.ID, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("вложение должно отсутствовать после удаления: %v", err)
	}
	if err := repo.Delete(ctx, att.ID, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление должно возвращать ErrNotFound: %v", err)
	}
}

func TestAttachmentUniqueStoredName(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewAttachmentRepository(pool)

	att := testAttachment("user-1", "task-1")
	if err := repo.Create(ctx, att); err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}

	dup := testAttachment("user-1", "task-1")
	dup.StoredName = att.StoredName
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("дубликат stored_name должен возвращать ErrConflict: %v", err)
	}
}

func TestAttachmentListAndPurge(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewAttachmentRepository(pool)

	for i := 0; i < 3; i++ {
		if err := repo.Create(ctx, testAttachment("user-1", "task-cascade")); err != nil {
			t.Fatalf("ошибка создания: %v", err)
		}
	}
	other := testAttachment("user-2", "task-cascade")
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}

	// Список по родителю видит только своих
	atts, err := repo.ListByParent(ctx, "task-cascade", "user-1")
	if err != nil {
		t.Fatalf("ошибка списка: %v", err)
	}
	if len(atts) != 3 {
		t.Errorf("ожидалось 3 вложения, получено %d", len(atts))
	}

	// Каскадное удаление возвращает удалённые записи
	deleted, err := repo.DeleteByParent(ctx, "task-cascade", "user-1")
	if err != nil {
		t.Fatalf("ошибка каскадного удаления: %v", err)
	}
	if len(deleted) != 3 {
		t.Errorf("ожидалось 3 удалённых, получено %d", len(deleted))
	}

	// Чужое вложение того же родителя не затронуто
	if _, err := repo.FindByIDAndOwner(ctx, other.ID, "user-2"); err != nil {
		t.Errorf("чужое вложение не должно удаляться: %v", err)
	}

	// Повторный вызов — пустой результат, не ошибка
	deleted, err = repo.DeleteByParent(ctx, "task-cascade", "user-1")
	if err != nil || len(deleted) != 0 {
		t.Errorf("повторная очистка: %d, %v", len(deleted), err)
	}
}
