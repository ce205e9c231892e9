// Пакет blobstore — операции с физическими байтами вложений на диске.
//
// Адресация детерминирована и сегрегирована по владельцу:
//
//	{data_dir}/{owner_id}/{parent_id}/{stored_name}          — основные байты
//	{data_dir}/{owner_id}/{parent_id}/thumbs/{stored_name}.jpg — миниатюры
//	{data_dir}/partial/{session_id}.part                     — staging докачки
//
// Запись атомарна: temp файл в той же партиции → fsync → rename,
// после сбоя по финальному пути никогда не видно частично записанного файла.
// Удаление идемпотентно.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// partialDir — поддиректория staging для chunk'ов возобновляемых сессий
	partialDir = "partial"
	// thumbsDir — поддиректория миниатюр внутри партиции родителя
	thumbsDir = "thumbs"
	// thumbExt — миниатюры всегда кодируются в JPEG
	thumbExt = ".jpg"
)

// BlobStore — управление физическими файлами вложений.
type BlobStore struct {
	dataDir string
}

// WriteResult — результат записи файла.
type WriteResult struct {
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 хэш содержимого
	Checksum string
}

// New создаёт BlobStore. Создаёт корневую директорию и staging-директорию,
// если они не существуют.
func New(dataDir string) (*BlobStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, partialDir), 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать staging-директорию: %w", err)
	}
	return &BlobStore{dataDir: dataDir}, nil
}

// DataDir возвращает путь к корневой директории данных.
func (bs *BlobStore) DataDir() string {
	return bs.dataDir
}

// Path возвращает относительный путь основных байт вложения.
// Схема: {owner}/{parent}/{stored_name} — данные владельцев физически
// сегрегированы, коллизии исключены уникальностью stored_name.
func (bs *BlobStore) Path(ownerID, parentID, storedName string) string {
	return filepath.Join(ownerID, parentID, storedName)
}

// ThumbPath возвращает относительный путь миниатюры вложения.
func (bs *BlobStore) ThumbPath(ownerID, parentID, storedName string) string {
	return filepath.Join(ownerID, parentID, thumbsDir, storedName+thumbExt)
}

// FullPath возвращает абсолютный путь на диске для относительного пути.
func (bs *BlobStore) FullPath(rel string) string {
	return filepath.Join(bs.dataDir, rel)
}

// ValidSegment проверяет, что строка безопасна как сегмент пути:
// только буквы, цифры, дефис и подчёркивание. Защита от traversal
// для идентификаторов, приходящих извне (parent_id).
func ValidSegment(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// Write атомарно записывает данные из reader по относительному пути
// с подсчётом SHA-256 на лету.
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (bs *BlobStore) Write(rel string, reader io.Reader) (*WriteResult, error) {
	fullPath := bs.FullPath(rel)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию партиции: %w", err)
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &WriteResult{
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает файл для чтения.
// Вызывающий код обязан закрыть файл.
func (bs *BlobStore) Open(rel string) (*os.File, error) {
	f, err := os.Open(bs.FullPath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("файл не найден: %w", err)
		}
		return nil, fmt.Errorf("ошибка открытия файла: %w", err)
	}
	return f, nil
}

// Delete удаляет файл. Идемпотентно: отсутствие файла не ошибка.
func (bs *BlobStore) Delete(rel string) error {
	err := os.Remove(bs.FullPath(rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	return nil
}

// Exists проверяет существование файла.
func (bs *BlobStore) Exists(rel string) bool {
	_, err := os.Stat(bs.FullPath(rel))
	return err == nil
}

// Size возвращает размер файла.
func (bs *BlobStore) Size(rel string) (int64, error) {
	info, err := os.Stat(bs.FullPath(rel))
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о файле: %w", err)
	}
	return info.Size(), nil
}

// Checksum вычисляет SHA-256 существующего файла.
// Используется при финализации возобновляемой загрузки.
func (bs *BlobStore) Checksum(rel string) (string, error) {
	f, err := os.Open(bs.FullPath(rel))
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// --- Staging возобновляемых сессий ---

// PartialPath возвращает относительный путь staging-файла сессии.
func (bs *BlobStore) PartialPath(sessionID string) string {
	return filepath.Join(partialDir, sessionID+".part")
}

// AppendPartial дописывает chunk в staging-файл сессии.
// offset — ожидаемый текущий размер staging-файла; несовпадение означает
// рассинхронизацию реестра и диска и возвращается как ошибка.
// Возвращает количество записанных байт.
func (bs *BlobStore) AppendPartial(sessionID string, offset int64, reader io.Reader) (int64, error) {
	fullPath := bs.FullPath(bs.PartialPath(sessionID))

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("ошибка открытия staging-файла: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("ошибка stat staging-файла: %w", err)
	}
	if info.Size() != offset {
		return 0, fmt.Errorf("staging-файл сессии %s рассинхронизирован: размер %d, ожидалось %d",
			sessionID, info.Size(), offset)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("ошибка позиционирования: %w", err)
	}

	written, err := io.Copy(f, reader)
	if err != nil {
		// Обрезаем до прежнего смещения: частично записанный chunk
		// не должен сдвинуть смещение сессии.
		_ = f.Truncate(offset)
		return 0, fmt.Errorf("ошибка записи chunk: %w", err)
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("ошибка fsync staging-файла: %w", err)
	}

	return written, nil
}

// PartialSize возвращает текущий размер staging-файла сессии.
// Для несуществующего файла возвращает 0.
func (bs *BlobStore) PartialSize(sessionID string) (int64, error) {
	info, err := os.Stat(bs.FullPath(bs.PartialPath(sessionID)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка stat staging-файла: %w", err)
	}
	return info.Size(), nil
}

// Promote перемещает собранный staging-файл сессии на постоянный адрес.
// Rename атомарен: staging и данные живут в одной партиции (data_dir).
func (bs *BlobStore) Promote(sessionID, rel string) error {
	fullPath := bs.FullPath(rel)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию партиции: %w", err)
	}
	if err := os.Rename(bs.FullPath(bs.PartialPath(sessionID)), fullPath); err != nil {
		return fmt.Errorf("ошибка перемещения staging-файла: %w", err)
	}
	return nil
}

// DeletePartial удаляет staging-файл сессии. Идемпотентно.
func (bs *BlobStore) DeletePartial(sessionID string) error {
	err := os.Remove(bs.FullPath(bs.PartialPath(sessionID)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления staging-файла: %w", err)
	}
	return nil
}

// Walk обходит все файлы вложений (включая миниатюры), исключая staging.
// Temp файлы атомарной записи в обход попадают: временный файл упавшей
// записи не числится в метаданных и подбирается сверкой как сирота.
// fn получает относительный путь.
func (bs *BlobStore) Walk(fn func(rel string) error) error {
	return filepath.WalkDir(bs.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Staging пропускаем целиком: частичные файлы принадлежат сессиям
			if path == filepath.Join(bs.dataDir, partialDir) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(bs.dataDir, path)
		if relErr != nil {
			return relErr
		}
		return fn(rel)
	})
}
