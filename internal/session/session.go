// Пакет session — возобновляемые upload-сессии.
//
// UploadSession — эфемерное состояние докачиваемой загрузки: живёт только
// в реестре (Registry), не персистится. Переходы состояний однонаправленные:
//
//	created → uploading → completed
//	created|uploading → aborted
//	created|uploading → expired
//
// Сессия с истёкшим ExpiresAt считается expired независимо от
// сохранённого состояния.
package session

import (
	"fmt"
	"time"
)

// State — состояние upload-сессии.
type State string

const (
	// StateCreated — сессия создана, ни одного chunk не получено
	StateCreated State = "created"
	// StateUploading — получен хотя бы один chunk
	StateUploading State = "uploading"
	// StateCompleted — загрузка завершена, Attachment создан (терминальное)
	StateCompleted State = "completed"
	// StateAborted — отменена клиентом или отклонена валидацией (терминальное)
	StateAborted State = "aborted"
	// StateExpired — истёк срок жизни (терминальное)
	StateExpired State = "expired"
)

// validTransitions — матрица допустимых переходов.
// Терминальные состояния не имеют исходящих переходов.
var validTransitions = map[State]map[State]bool{
	StateCreated:   {StateUploading: true, StateAborted: true, StateExpired: true},
	StateUploading: {StateCompleted: true, StateAborted: true, StateExpired: true},
	StateCompleted: {},
	StateAborted:   {},
	StateExpired:   {},
}

// UploadSession — состояние одной возобновляемой загрузки.
// Доступ к полям сериализуется реестром (per-key lock),
// сама структура не потокобезопасна.
type UploadSession struct {
	// ID — идентификатор сессии (UUID v4)
	ID string

	// OwnerID — владелец (sub из JWT), проверяется на каждой операции
	OwnerID string

	// ParentID — родительская сущность будущего вложения
	ParentID string

	// DisplayName — имя файла, заявленное клиентом
	DisplayName string

	// DeclaredSize — полный размер файла, заявленный при инициации
	DeclaredSize int64

	// ReceivedOffset — количество принятых байт. Монотонно неубывающий.
	ReceivedOffset int64

	// ExpiresAt — дедлайн сессии. После него сессия expired
	// независимо от сохранённого State.
	ExpiresAt time.Time

	// State — текущее состояние
	State State

	// CreatedAt — время создания сессии
	CreatedAt time.Time
}

// TransitionError — недопустимый переход между состояниями.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("недопустимый переход сессии %s → %s", e.From, e.To)
}

// TransitionTo переводит сессию в состояние target.
// Возвращает TransitionError, если переход не разрешён матрицей.
func (s *UploadSession) TransitionTo(target State) error {
	allowed, ok := validTransitions[s.State]
	if !ok || !allowed[target] {
		return &TransitionError{From: s.State, To: target}
	}
	s.State = target
	return nil
}

// IsTerminal возвращает true для терминальных состояний.
func (s *UploadSession) IsTerminal() bool {
	return len(validTransitions[s.State]) == 0
}

// IsExpired проверяет, истёк ли срок жизни сессии.
// Состояние expired или любой прошедший дедлайн.
func (s *UploadSession) IsExpired(now time.Time) bool {
	if s.State == StateExpired {
		return true
	}
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Remaining возвращает количество байт, которые осталось принять.
func (s *UploadSession) Remaining() int64 {
	return s.DeclaredSize - s.ReceivedOffset
}
