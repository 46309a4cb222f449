package history

import (
	"fmt"
	"strings"
	"time"
)

// Kind separates the two independently stored session families.
type Kind string

const (
	KindTutoring Kind = "tutoria"
	KindGeneral  Kind = "general"
)

// ParseKind accepts the persisted names plus their English spelling. Empty means general.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "general":
		return KindGeneral, nil
	case "tutoria", "tutoría", "tutoring":
		return KindTutoring, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

func (k Kind) valid() bool { return k == KindTutoring || k == KindGeneral }

// Role is who authored a transcript entry.
type Role string

const (
	RoleStudent Role = "estudiante"
	RoleSystem  Role = "sistema"
)

// MessageType tags what a transcript entry is for.
type MessageType string

const (
	TypeQuestion MessageType = "pregunta"
	TypeAnswer   MessageType = "respuesta"
	TypeExample  MessageType = "ejemplo"
)

// ParseMessageType accepts the persisted names plus their English spelling. Empty means question.
func ParseMessageType(s string) (MessageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pregunta", "question":
		return TypeQuestion, nil
	case "respuesta", "answer":
		return TypeAnswer, nil
	case "ejemplo", "example":
		return TypeExample, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrInvalid, s)
	}
}

// Message is one immutable transcript entry.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"rol"`
	Content   string      `json:"contenido"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"tipo"`
}

func (m Message) validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalid)
	}
	if m.Role != RoleStudent && m.Role != RoleSystem {
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: message content is required", ErrInvalid)
	}
	return nil
}

// Session is a student's conversation: an append-only transcript plus timing.
type Session struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"tipo"`
	StudentID       int64     `json:"estudiante_id"`
	CourseID        *int64    `json:"curso_id,omitempty"`
	TopicID         *int64    `json:"tema_id,omitempty"`
	Messages        []Message `json:"mensajes"`
	DurationMinutes int       `json:"duracion_minutos"`
	StartedAt       time.Time `json:"fecha_inicio"`
	EndedAt         time.Time `json:"fecha_fin"`
}

// NewSession carries the caller supplied fields of a session.
type NewSession struct {
	StudentID int64
	CourseID  *int64
	TopicID   *int64
}

// Patch is an explicit session update. Nil fields are left alone.
type Patch struct {
	End      *time.Time
	Duration *int
}

// Filter narrows List. Zero fields do not filter.
type Filter struct {
	StudentID int64
	CourseID  int64
	TopicID   int64
	From      time.Time
	To        time.Time
}

// Page selects a window of a listing; numbering starts at 1.
type Page struct {
	Page  int
	Limit int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

// SessionPage is one page of a List result.
type SessionPage struct {
	Sessions   []Session `json:"data"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"totalPages"`
}

func newPage(sessions []Session, total int, p Page) *SessionPage {
	if sessions == nil {
		sessions = []Session{}
	}
	return &SessionPage{
		Sessions:   sessions,
		Total:      total,
		Page:       p.Page,
		Limit:      p.Limit,
		TotalPages: (total + p.Limit - 1) / p.Limit,
	}
}

// DurationMinutes is the whole number of minutes between start and end, never negative.
func DurationMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

func normalizeTime(t time.Time) time.Time { return t.UTC().Round(0) }

func newSession(id string, kind Kind, in NewSession, now time.Time) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if in.StudentID <= 0 {
		return nil, fmt.Errorf("%w: student id must be positive", ErrInvalid)
	}
	s := &Session{
		ID:        id,
		Kind:      kind,
		StudentID: in.StudentID,
		CourseID:  in.CourseID,
		Messages:  []Message{},
		StartedAt: now,
		EndedAt:   now,
	}
	if kind == KindTutoring {
		s.TopicID = in.TopicID
	}
	return s, nil
}

// appendMessages pushes msgs and refreshes end time and duration.
func (s *Session) appendMessages(now time.Time, msgs []Message) {
	for _, m := range msgs {
		m.Timestamp = normalizeTime(m.Timestamp)
		s.Messages = append(s.Messages, m)
	}
	if now.After(s.EndedAt) {
		s.EndedAt = now
	}
	s.DurationMinutes = DurationMinutes(s.StartedAt, s.EndedAt)
}

// apply performs an explicit update. The end instant never moves backwards.
func (s *Session) apply(p Patch) error {
	if p.End != nil && p.End.Before(s.EndedAt) {
		return fmt.Errorf("%w: end %s precedes current end %s", ErrInvalid, p.End.Format(time.RFC3339), s.EndedAt.Format(time.RFC3339))
	}
	if p.Duration != nil && *p.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalid)
	}
	if p.End != nil {
		s.EndedAt = normalizeTime(*p.End)
	}
	switch {
	case p.Duration != nil:
		s.DurationMinutes = *p.Duration
	case p.End != nil:
		s.DurationMinutes = DurationMinutes(s.StartedAt, s.EndedAt)
	}
	return nil
}

func (f Filter) matches(s *Session) bool {
	if f.StudentID != 0 && s.StudentID != f.StudentID {
		return false
	}
	if f.CourseID != 0 && (s.CourseID == nil || *s.CourseID != f.CourseID) {
		return false
	}
	if f.TopicID != 0 && (s.TopicID == nil || *s.TopicID != f.TopicID) {
		return false
	}
	if !f.From.IsZero() && s.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.StartedAt.After(f.To) {
		return false
	}
	return true
}

func (s *Session) clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	if s.CourseID != nil {
		v := *s.CourseID
		c.CourseID = &v
	}
	if s.TopicID != nil {
		v := *s.TopicID
		c.TopicID = &v
	}
	return &c
}
