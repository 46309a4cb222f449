package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	session *Session
	seq     int
}

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[Kind]map[string]*memoryEntry
	seq      int
	now      func() time.Time
	newID    func() string
}

func newMemoryStore(o options) *memoryStore {
	return &memoryStore{
		sessions: map[Kind]map[string]*memoryEntry{
			KindTutoring: {},
			KindGeneral:  {},
		},
		now:   o.now,
		newID: o.newID,
	}
}

func (m *memoryStore) Create(_ context.Context, kind Kind, in NewSession) (*Session, error) {
	s, err := newSession(m.newID(), kind, in, normalizeTime(m.now()))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.sessions[kind][s.ID] = &memoryEntry{session: s, seq: m.seq}
	return s.clone(), nil
}

func (m *memoryStore) Get(_ context.Context, kind Kind, id string) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.session.clone(), nil
}

func (m *memoryStore) Append(_ context.Context, kind Kind, id string, msgs ...Message) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	for _, msg := range msgs {
		if err := msg.validate(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	e.session.appendMessages(normalizeTime(m.now()), msgs)
	return e.session.clone(), nil
}

func (m *memoryStore) List(_ context.Context, kind Kind, f Filter, p Page) (*SessionPage, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	p = p.normalize()

	m.mu.RLock()
	var matched []*memoryEntry
	for _, e := range m.sessions[kind] {
		if f.matches(e.session) {
			matched = append(matched, e)
		}
	}
	sortEntries(matched)
	out := make([]Session, 0, p.Limit)
	for i := p.offset(); i < len(matched) && len(out) < p.Limit; i++ {
		out = append(out, *matched[i].session.clone())
	}
	m.mu.RUnlock()

	return newPage(out, len(matched), p), nil
}

func (m *memoryStore) Update(_ context.Context, kind Kind, id string, p Patch) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := e.session.clone()
	if err := updated.apply(p); err != nil {
		return nil, err
	}
	e.session = updated
	return updated.clone(), nil
}

func (m *memoryStore) MostRecent(_ context.Context, kind Kind, studentID int64) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *memoryEntry
	for _, e := range m.sessions[kind] {
		if e.session.StudentID != studentID {
			continue
		}
		if latest == nil || newer(e, latest) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.session.clone(), nil
}

func (m *memoryStore) Close() error { return nil }

// newer orders by start descending, then by creation order descending.
func newer(a, b *memoryEntry) bool {
	if !a.session.StartedAt.Equal(b.session.StartedAt) {
		return a.session.StartedAt.After(b.session.StartedAt)
	}
	return a.seq > b.seq
}

func sortEntries(es []*memoryEntry) {
	sort.Slice(es, func(i, j int) bool { return newer(es[i], es[j]) })
}
