package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apierrors "github.com/arturkryukov/taskdesk/attachment-service/internal/api/errors"
	"github.com/arturkryukov/taskdesk/attachment-service/internal/session"
)

// pdfContent возвращает минимальное PDF-содержимое заданной длины.
func pdfContent(size int) []byte {
	header := []byte("%PDF-1.7\n")
	body := bytes.Repeat([]byte("x"), size-len(header))
	return append(header, body...)
}

// TestInitiate_Direct проверяет прямую загрузку: файл до порога принимается
// и финализируется в одном запросе.
func TestInitiate_Direct(t *testing.T) {
	env := newTestEnv(t)

	content := pdfContent(40)
	result, svcErr := env.uploadSvc.Initiate(context.Background(), InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "report.pdf",
		DeclaredSize: int64(len(content)),
		File:         bytes.NewReader(content),
		HasFile:      true,
	})
	if svcErr != nil {
		t.Fatalf("ошибка прямой загрузки: %v", svcErr)
	}
	if result.Attachment == nil {
		t.Fatal("прямая загрузка должна сразу вернуть Attachment")
	}
	if result.Session != nil {
		t.Error("прямая загрузка не должна создавать сессию")
	}

	att := result.Attachment
	if att.MimeType != "application/pdf" {
		t.Errorf("тип определён неверно: %s", att.MimeType)
	}
	if att.SizeBytes != int64(len(content)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(content), att.SizeBytes)
	}

	expected := sha256.Sum256(content)
	if att.Checksum != hex.EncodeToString(expected[:]) {
		t.Error("контрольная сумма не совпадает с содержимым")
	}

	// Байты на диске идентичны исходным
	rel := env.store.Path(att.OwnerID, att.ParentID, att.StoredName)
	data, err := os.ReadFile(env.store.FullPath(rel))
	if err != nil {
		t.Fatalf("файл вложения отсутствует: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("содержимое на диске не совпадает с загруженным")
	}

	// Метаданные записаны
	if env.repo.count() != 1 {
		t.Errorf("ожидалась 1 запись метаданных, получено %d", env.repo.count())
	}
}

// TestInitiate_DirectSizeMismatch проверяет отклонение при расхождении
// фактического и заявленного размера: ни байт не должно сохраниться.
func TestInitiate_DirectSizeMismatch(t *testing.T) {
	env := newTestEnv(t)

	content := pdfContent(40)
	_, svcErr := env.uploadSvc.Initiate(context.Background(), InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "report.pdf",
		DeclaredSize: 50, // больше фактических 40
		File:         bytes.NewReader(content),
		HasFile:      true,
	})
	if svcErr == nil {
		t.Fatal("ожидалась ошибка валидации")
	}
	if svcErr.Code != apierrors.CodeValidationError {
		t.Errorf("ожидался код VALIDATION_ERROR, получен %s", svcErr.Code)
	}
	if env.repo.count() != 0 {
		t.Error("метаданные не должны создаваться при отклонении")
	}
	if env.blobCount(t) != 0 {
		t.Error("файлы не должны оставаться при отклонении")
	}
}

// TestInitiate_RejectsBeforePersist проверяет отклонение по заявленному
// размеру до приёма байт.
func TestInitiate_RejectsBeforePersist(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		size int64
		code string
	}{
		{"пустой файл", 0, apierrors.CodeEmptyFile},
		{"превышение лимита", env.cfg.MaxFileSize + 1, apierrors.CodeFileTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, svcErr := env.uploadSvc.Initiate(context.Background(), InitiateParams{
				OwnerID:      "user-1",
				ParentID:     "task-1",
				DisplayName:  "file.bin",
				DeclaredSize: tc.size,
			})
			if svcErr == nil {
				t.Fatal("ожидалась ошибка")
			}
			if svcErr.Code != tc.code {
				t.Errorf("ожидался код %s, получен %s", tc.code, svcErr.Code)
			}
		})
	}
}

// TestInitiate_DisallowedContent проверяет финализационную валидацию:
// содержимое с неразрешённой сигнатурой отклоняется, файл не сохраняется.
func TestInitiate_DisallowedContent(t *testing.T) {
	env := newTestEnv(t)

	// ELF-заголовок: тип распознаётся, но не входит в список разрешённых
	content := append([]byte{0x7F, 'E', 'L', 'F', 0x02, 0x01, 0x01, 0x00}, bytes.Repeat([]byte{0}, 32)...)
	_, svcErr := env.uploadSvc.Initiate(context.Background(), InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "photo.png", // имя лжёт, решает содержимое
		DeclaredSize: int64(len(content)),
		File:         bytes.NewReader(content),
		HasFile:      true,
	})
	if svcErr == nil {
		t.Fatal("ожидалась ошибка валидации типа")
	}
	if svcErr.Code != apierrors.CodeDisallowedType {
		t.Errorf("ожидался код DISALLOWED_TYPE, получен %s", svcErr.Code)
	}
	if env.repo.count() != 0 || env.blobCount(t) != 0 {
		t.Error("отклонённое содержимое не должно сохраняться")
	}
}

// TestInitiate_InvalidParent проверяет отбраковку parent_id с traversal.
func TestInitiate_InvalidParent(t *testing.T) {
	env := newTestEnv(t)

	for _, parent := range []string{"", "..", "../etc", "a/b"} {
		_, svcErr := env.uploadSvc.Initiate(context.Background(), InitiateParams{
			OwnerID:      "user-1",
			ParentID:     parent,
			DisplayName:  "file.txt",
			DeclaredSize: 10,
		})
		if svcErr == nil || svcErr.Code != apierrors.CodeValidationError {
			t.Errorf("parent_id %q должен отклоняться", parent)
		}
	}
}

// TestResumable_FullFlow проверяет полный цикл возобновляемой загрузки:
// сессия, chunks, финализация, байт-в-байт идентичное содержимое.
func TestResumable_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := pdfContent(200) // выше порога 64
	result, svcErr := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	if svcErr != nil {
		t.Fatalf("ошибка инициации: %v", svcErr)
	}
	if result.Session == nil {
		t.Fatal("ожидалась возобновляемая сессия")
	}
	sess := result.Session
	if sess.State != session.StateCreated {
		t.Errorf("начальное состояние: ожидалось created, получено %s", sess.State)
	}

	// Три chunk'а по 80/80/40 байт
	var offset int64
	var final *ChunkResult
	for _, end := range []int{80, 160, 200} {
		chunk := content[offset:end]
		res, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sess.ID, offset, bytes.NewReader(chunk))
		if svcErr != nil {
			t.Fatalf("ошибка chunk со смещением %d: %v", offset, svcErr)
		}
		offset = res.ReceivedOffset
		final = res
	}

	if final.State != session.StateCompleted {
		t.Fatalf("ожидалось состояние completed, получено %s", final.State)
	}
	if final.Attachment == nil {
		t.Fatal("завершающий chunk должен вернуть Attachment")
	}

	att := final.Attachment
	rel := env.store.Path(att.OwnerID, att.ParentID, att.StoredName)
	data, err := os.ReadFile(env.store.FullPath(rel))
	if err != nil {
		t.Fatalf("файл вложения отсутствует: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("собранное содержимое не совпадает с исходным")
	}

	// Сессия убрана из реестра
	if _, svcErr := env.uploadSvc.GetSession("user-1", sess.ID); svcErr == nil {
		t.Error("завершённая сессия должна быть убрана из реестра")
	}
}

// TestResumable_OffsetConflict проверяет протокол смещений: chunk с
// неактуальным смещением получает CONFLICT с авторитетным смещением,
// после чего клиент возобновляет передачу корректно.
func TestResumable_OffsetConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := pdfContent(200)
	result, _ := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	sessID := result.Session.ID

	if _, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, bytes.NewReader(content[:80])); svcErr != nil {
		t.Fatalf("ошибка первого chunk: %v", svcErr)
	}

	// Повтор того же chunk после обрыва соединения: смещение устарело
	_, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, bytes.NewReader(content[:80]))
	if svcErr == nil {
		t.Fatal("ожидался CONFLICT")
	}
	if svcErr.Code != apierrors.CodeConflict {
		t.Fatalf("ожидался код CONFLICT, получен %s", svcErr.Code)
	}
	if svcErr.CurrentOffset == nil || *svcErr.CurrentOffset != 80 {
		t.Fatalf("ответ должен нести авторитетное смещение 80: %+v", svcErr.CurrentOffset)
	}

	// Возобновление с авторитетного смещения
	res, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, *svcErr.CurrentOffset, bytes.NewReader(content[80:]))
	if svcErr != nil {
		t.Fatalf("ошибка возобновления: %v", svcErr)
	}
	if res.State != session.StateCompleted {
		t.Errorf("ожидалось завершение, получено %s", res.State)
	}
	if !bytes.Equal(mustReadAttachment(t, env, res), content) {
		t.Error("собранное содержимое не совпадает с исходным")
	}
}

// TestResumable_ConcurrentChunks проверяет сериализацию конкурентных
// chunks одной сессии: ровно один успешен, второй получает CONFLICT.
func TestResumable_ConcurrentChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := pdfContent(200)
	result, _ := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	sessID := result.Session.ID

	var wg sync.WaitGroup
	results := make([]*Error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, bytes.NewReader(content[:80]))
		}(i)
	}
	wg.Wait()

	success, conflict := 0, 0
	for _, e := range results {
		switch {
		case e == nil:
			success++
		case e.Code == apierrors.CodeConflict:
			conflict++
		default:
			t.Errorf("неожиданная ошибка: %v", e)
		}
	}
	if success != 1 || conflict != 1 {
		t.Errorf("ожидался 1 успех и 1 CONFLICT, получено %d/%d", success, conflict)
	}

	// Смещение продвинулось ровно на один chunk
	sess, svcErr := env.uploadSvc.GetSession("user-1", sessID)
	if svcErr != nil {
		t.Fatalf("ошибка получения сессии: %v", svcErr)
	}
	if sess.ReceivedOffset != 80 {
		t.Errorf("смещение: ожидалось 80, получено %d", sess.ReceivedOffset)
	}
}

// TestResumable_FinalizeValidationFailure проверяет отклонение на
// финализации: собранный файл с запрещённой сигнатурой прерывает сессию,
// Attachment не создаётся, staging удаляется.
func TestResumable_FinalizeValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// ELF: чанки принимаются (тип проверяется только на финализации)
	content := append([]byte{0x7F, 'E', 'L', 'F', 0x02, 0x01, 0x01, 0x00}, bytes.Repeat([]byte{0}, 192)...)
	result, _ := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "data.bin",
		DeclaredSize: int64(len(content)),
	})
	sessID := result.Session.ID

	if _, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, bytes.NewReader(content[:100])); svcErr != nil {
		t.Fatalf("промежуточный chunk должен приниматься: %v", svcErr)
	}

	_, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 100, bytes.NewReader(content[100:]))
	if svcErr == nil {
		t.Fatal("финализация должна отклонить запрещённый тип")
	}
	if svcErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("ожидался статус 422, получен %d", svcErr.StatusCode)
	}

	if env.repo.count() != 0 {
		t.Error("Attachment не должен создаваться при отклонении")
	}
	if size, _ := env.store.PartialSize(sessID); size != 0 {
		t.Error("staging должен удаляться при отклонении")
	}

	// Сессия в терминальном aborted: новые chunks получают CONFLICT
	_, svcErr = env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, strings.NewReader("ещё"))
	if svcErr == nil || svcErr.Code != apierrors.CodeConflict {
		t.Errorf("chunk в прерванную сессию должен получать CONFLICT, получено %v", svcErr)
	}
}

// TestDirect_MetadataFailureCompensation проверяет компенсацию:
// при сбое записи метаданных перенесённый файл удаляется.
func TestDirect_MetadataFailureCompensation(t *testing.T) {
	env := newTestEnv(t)
	env.repo.failCreate = true

	content := pdfContent(40)
	_, svcErr := env.uploadSvc.Initiate(context.Background(), InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "report.pdf",
		DeclaredSize: int64(len(content)),
		File:         bytes.NewReader(content),
		HasFile:      true,
	})
	if svcErr == nil {
		t.Fatal("ожидалась ошибка при сбое метаданных")
	}
	if svcErr.Code != apierrors.CodeInternalError {
		t.Errorf("ожидался код INTERNAL_ERROR, получен %s", svcErr.Code)
	}
	if env.blobCount(t) != 0 {
		t.Error("файл должен быть удалён компенсирующе")
	}
	assertStagingEmpty(t, env)
}

// TestDirect_PromoteFailureCleansStaging проверяет, что при сбое переноса
// на постоянный адрес staging-файл прямой загрузки не остаётся на диске.
func TestDirect_PromoteFailureCleansStaging(t *testing.T) {
	env := newTestEnv(t)

	// Обычный файл на месте директории владельца: MkdirAll при переносе падает
	if err := os.WriteFile(filepath.Join(env.cfg.DataDir, "user-1"), []byte("x"), 0o600); err != nil {
		t.Fatalf("ошибка подготовки: %v", err)
	}

	content := pdfContent(40)
	_, svcErr := env.uploadSvc.Initiate(context.Background(), InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "report.pdf",
		DeclaredSize: int64(len(content)),
		File:         bytes.NewReader(content),
		HasFile:      true,
	})
	if svcErr == nil || svcErr.Code != apierrors.CodeStorageError {
		t.Fatalf("ожидался код STORAGE_ERROR, получено %v", svcErr)
	}
	assertStagingEmpty(t, env)
}

// TestResumable_MetadataFailureAborts проверяет финализацию сессии при
// сбое записи метаданных: файл удалён компенсирующе, сессия прервана,
// повтор последнего chunk отвечает конфликтом, а не зависает навсегда.
func TestResumable_MetadataFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := pdfContent(100)
	result, svcErr := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	if svcErr != nil {
		t.Fatalf("ошибка инициации: %v", svcErr)
	}
	sessID := result.Session.ID

	if _, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, bytes.NewReader(content[:60])); svcErr != nil {
		t.Fatalf("ошибка первого chunk: %v", svcErr)
	}

	env.repo.failCreate = true
	_, svcErr = env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 60, bytes.NewReader(content[60:]))
	if svcErr == nil || svcErr.Code != apierrors.CodeInternalError {
		t.Fatalf("ожидался код INTERNAL_ERROR, получено %v", svcErr)
	}

	sess, err := env.registry.Get(sessID)
	if err != nil {
		t.Fatalf("сессия должна остаться в реестре до sweeper'а: %v", err)
	}
	if sess.State != session.StateAborted {
		t.Errorf("ожидалось состояние aborted, получено %s", sess.State)
	}
	if env.blobCount(t) != 0 {
		t.Error("файл должен быть удалён компенсирующе")
	}
	assertStagingEmpty(t, env)

	// Метаданные восстановились, но staging уже поглощён финализацией:
	// клиент получает конфликт терминальной сессии и начинает заново
	env.repo.failCreate = false
	_, svcErr = env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 60, bytes.NewReader(content[60:]))
	if svcErr == nil || svcErr.Code != apierrors.CodeConflict {
		t.Errorf("ожидался код CONFLICT для прерванной сессии, получено %v", svcErr)
	}
}

// assertStagingEmpty проверяет, что staging-директория не содержит файлов.
func assertStagingEmpty(t *testing.T, env *testEnv) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(env.cfg.DataDir, "partial"))
	if err != nil {
		t.Fatalf("ошибка чтения staging-директории: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("staging-директория должна быть пуста, найдено файлов: %d", len(entries))
	}
}

// TestResumable_Expired проверяет отклонение chunk в истёкшую сессию
// в момент захвата блокировки, до прохода sweeper'а.
func TestResumable_Expired(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.SessionTTL = -time.Minute // дедлайн в прошлом сразу

	content := pdfContent(200)
	result, _ := env.uploadSvc.Initiate(context.Background(), InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	sessID := result.Session.ID

	_, svcErr := env.uploadSvc.AppendChunk(context.Background(), "user-1", sessID, 0, bytes.NewReader(content[:80]))
	if svcErr == nil {
		t.Fatal("ожидалась ошибка истечения")
	}
	if svcErr.StatusCode != http.StatusGone || svcErr.Code != apierrors.CodeSessionExpired {
		t.Errorf("ожидался 410 SESSION_EXPIRED, получено %d %s", svcErr.StatusCode, svcErr.Code)
	}
}

// TestAbort проверяет прерывание сессии клиентом: staging удаляется,
// сессия исчезает из реестра.
func TestAbort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := pdfContent(200)
	result, _ := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	sessID := result.Session.ID

	if _, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, bytes.NewReader(content[:80])); svcErr != nil {
		t.Fatalf("ошибка chunk: %v", svcErr)
	}

	if svcErr := env.uploadSvc.Abort("user-1", sessID); svcErr != nil {
		t.Fatalf("ошибка прерывания: %v", svcErr)
	}

	if size, _ := env.store.PartialSize(sessID); size != 0 {
		t.Error("staging должен удаляться при прерывании")
	}
	if _, svcErr := env.uploadSvc.GetSession("user-1", sessID); svcErr == nil {
		t.Error("прерванная сессия должна быть убрана из реестра")
	}
}

// TestSession_OwnerIsolation проверяет, что чужая сессия неотличима
// от несуществующей.
func TestSession_OwnerIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := pdfContent(200)
	result, _ := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	sessID := result.Session.ID

	if _, svcErr := env.uploadSvc.GetSession("user-2", sessID); svcErr == nil || svcErr.StatusCode != http.StatusNotFound {
		t.Error("чужая сессия должна выглядеть несуществующей")
	}
	if _, svcErr := env.uploadSvc.AppendChunk(ctx, "user-2", sessID, 0, bytes.NewReader(content[:80])); svcErr == nil || svcErr.StatusCode != http.StatusNotFound {
		t.Error("chunk в чужую сессию должен получать NOT_FOUND")
	}
	if svcErr := env.uploadSvc.Abort("user-2", sessID); svcErr == nil || svcErr.StatusCode != http.StatusNotFound {
		t.Error("прерывание чужой сессии должно получать NOT_FOUND")
	}
}

// TestSweeper_CleansPartials проверяет, что sweeper удаляет staging
// истёкших сессий через callback.
func TestSweeper_CleansPartials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := pdfContent(200)
	result, _ := env.uploadSvc.Initiate(ctx, InitiateParams{
		OwnerID:      "user-1",
		ParentID:     "task-1",
		DisplayName:  "big.pdf",
		DeclaredSize: int64(len(content)),
	})
	sessID := result.Session.ID

	if _, svcErr := env.uploadSvc.AppendChunk(ctx, "user-1", sessID, 0, bytes.NewReader(content[:80])); svcErr != nil {
		t.Fatalf("ошибка chunk: %v", svcErr)
	}

	// Проход sweeper'а после дедлайна
	expired := env.registry.SweepOnce(time.Now().UTC().Add(2 * env.cfg.SessionTTL))
	if expired != 1 {
		t.Fatalf("ожидалась 1 истёкшая сессия, получено %d", expired)
	}
	if size, _ := env.store.PartialSize(sessID); size != 0 {
		t.Error("staging истёкшей сессии должен удаляться")
	}
}

// mustReadAttachment читает байты вложения из результата завершённой загрузки.
func mustReadAttachment(t *testing.T, env *testEnv, res *ChunkResult) []byte {
	t.Helper()
	att := res.Attachment
	rel := env.store.Path(att.OwnerID, att.ParentID, att.StoredName)
	data, err := os.ReadFile(env.store.FullPath(rel))
	if err != nil {
		t.Fatalf("файл вложения отсутствует: %v", err)
	}
	return data
}
