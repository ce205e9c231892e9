// Пакет sniff — валидация содержимого файлов.
//
// Тип определяется исключительно по содержимому (magic bytes) через
// gabriel-vasile/mimetype; для текстовых данных без сигнатуры библиотека
// выполняет строгую проверку кодировки (UTF-8/UTF-16). Расширение и
// заявленный клиентом MIME-тип на решение принять/отклонить не влияют.
//
// Все функции чистые: никакого состояния кроме конфигурации валидатора.
package sniff

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Ошибки валидации.
var (
	// ErrEmptyFile — файл нулевой длины.
	ErrEmptyFile = errors.New("файл пустой")
	// ErrFileTooLarge — размер превышает настроенный максимум.
	ErrFileTooLarge = errors.New("файл превышает максимальный размер")
	// ErrUnknownSignature — содержимое не соответствует ни одной известной сигнатуре.
	ErrUnknownSignature = errors.New("тип файла не распознан по содержимому")
	// ErrDisallowedType — тип распознан, но отсутствует в списке разрешённых.
	ErrDisallowedType = errors.New("тип файла запрещён")
)

// octetStream — корневой тип детектора: возвращается, когда ни одна
// сигнатура не совпала и содержимое не является валидным текстом.
const octetStream = "application/octet-stream"

// DetectedType — результат определения типа.
type DetectedType struct {
	// MIME — определённый MIME-тип без параметров (например, "image/png")
	MIME string
	// Extension — каноническое расширение для типа (с точкой, ".png")
	Extension string
}

// IsImage возвращает true для изображений.
func (d *DetectedType) IsImage() bool {
	return strings.HasPrefix(d.MIME, "image/")
}

// Validator — проверка размера и типа файла по настроенным правилам.
type Validator struct {
	maxSize int64
	allowed map[string]bool
}

// New создаёт валидатор.
// maxSize — максимальный размер файла в байтах.
// allowedTypes — список разрешённых MIME-типов (без параметров).
func New(maxSize int64, allowedTypes []string) *Validator {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[stripParams(t)] = true
	}
	return &Validator{
		maxSize: maxSize,
		allowed: allowed,
	}
}

// MaxSize возвращает настроенный максимальный размер файла.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// ValidateSize проверяет размер файла.
// Отклоняет пустой файл и файл больше максимума.
func (v *Validator) ValidateSize(sizeBytes int64) error {
	if sizeBytes <= 0 {
		return ErrEmptyFile
	}
	if sizeBytes > v.maxSize {
		return fmt.Errorf("%w: %d байт при максимуме %d байт", ErrFileTooLarge, sizeBytes, v.maxSize)
	}
	return nil
}

// Detect определяет тип по ведущим байтам буфера и сверяет его
// со списком разрешённых типов.
// ErrUnknownSignature — сигнатура не распознана.
// ErrDisallowedType — тип распознан, но не разрешён.
func (v *Validator) Detect(buf []byte) (*DetectedType, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyFile
	}
	return v.check(mimetype.Detect(buf))
}

// DetectReader определяет тип по началу потока.
// Читает только заголовок (детектору достаточно первых ~3 КБ);
// используется при финализации против собранного файла.
func (v *Validator) DetectReader(r io.Reader) (*DetectedType, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения данных для определения типа: %w", err)
	}
	return v.check(mt)
}

// check сверяет определённый тип со списком разрешённых.
// Разрешение по иерархии: тип принимается, если сам тип или один из его
// родителей (например, application/zip для docx) присутствует в списке.
func (v *Validator) check(mt *mimetype.MIME) (*DetectedType, error) {
	detected := stripParams(mt.String())
	if detected == octetStream {
		return nil, ErrUnknownSignature
	}

	for m := mt; m != nil; m = m.Parent() {
		candidate := stripParams(m.String())
		if candidate == octetStream {
			break
		}
		if v.allowed[candidate] {
			return &DetectedType{
				MIME:      detected,
				Extension: mt.Extension(),
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrDisallowedType, detected)
}

// stripParams убирает параметры MIME-типа.
// "text/plain; charset=utf-8" → "text/plain"
func stripParams(mime string) string {
	if idx := strings.Index(mime, ";"); idx != -1 {
		return strings.TrimSpace(mime[:idx])
	}
	return mime
}
