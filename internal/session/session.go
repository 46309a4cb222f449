// Package session decides when a student's conversation continues and when a
// new one starts.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comigor/tutorchat/internal/history"
	"github.com/comigor/tutorchat/internal/logger"
)

// ReuseWindow is how long after its last activity a session is still resumed.
const ReuseWindow = time.Hour

var ErrValidation = errors.New("validation failed")

// Manager wraps a history.Store with the session lifecycle rules.
type Manager struct {
	store history.Store
	now   func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now for the reuse decision.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store history.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validateStudent(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: student id must be a positive integer", ErrValidation)
	}
	return nil
}

func (m *Manager) Create(ctx context.Context, kind history.Kind, in history.NewSession) (*history.Session, error) {
	if err := validateStudent(in.StudentID); err != nil {
		return nil, err
	}
	s, err := m.store.Create(ctx, kind, in)
	if err != nil {
		return nil, err
	}
	logger.L.Info("session created", "kind", kind, "session_id", s.ID, "student_id", s.StudentID)
	return s, nil
}

// GetOrCreate resumes the student's most recent session of kind when it ended
// less than ReuseWindow ago, and otherwise starts a new one. A resumed session
// is returned as stored; in's course and topic are only used for a new one.
func (m *Manager) GetOrCreate(ctx context.Context, kind history.Kind, in history.NewSession) (*history.Session, error) {
	if err := validateStudent(in.StudentID); err != nil {
		return nil, err
	}
	last, err := m.store.MostRecent(ctx, kind, in.StudentID)
	switch {
	case err == nil:
		if m.now().Sub(last.EndedAt) < ReuseWindow {
			logger.L.Debug("session resumed", "kind", kind, "session_id", last.ID, "student_id", last.StudentID)
			return last, nil
		}
	case !errors.Is(err, history.ErrNotFound):
		return nil, err
	}
	return m.Create(ctx, kind, in)
}

func (m *Manager) Get(ctx context.Context, kind history.Kind, id string) (*history.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	return m.store.Get(ctx, kind, id)
}

// List pages through sessions, newest first. Zero page and limit mean 1 and 10.
func (m *Manager) List(ctx context.Context, kind history.Kind, f history.Filter, p history.Page) (*history.SessionPage, error) {
	if p.Page < 0 || p.Limit < 0 {
		return nil, fmt.Errorf("%w: page and limit must not be negative", ErrValidation)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: date range ends before it starts", ErrValidation)
	}
	return m.store.List(ctx, kind, f, p)
}

func (m *Manager) Update(ctx context.Context, kind history.Kind, id string, p history.Patch) (*history.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if p.Duration != nil && *p.Duration < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrValidation)
	}
	return m.store.Update(ctx, kind, id, p)
}

// LastActive returns the student's session with the latest start.
func (m *Manager) LastActive(ctx context.Context, kind history.Kind, studentID int64) (*history.Session, error) {
	if err := validateStudent(studentID); err != nil {
		return nil, err
	}
	return m.store.MostRecent(ctx, kind, studentID)
}

// Append adds msgs to the session as one unit.
func (m *Manager) Append(ctx context.Context, kind history.Kind, id string, msgs ...history.Message) (*history.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	return m.store.Append(ctx, kind, id, msgs...)
}
