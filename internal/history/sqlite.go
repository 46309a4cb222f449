package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    student_id INTEGER NOT NULL,
    course_id INTEGER,
    topic_id INTEGER,
    duration_minutes INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    ended_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_student ON sessions (kind, student_id, started_at);
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    type TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq);
`

const sessionColumns = `id, kind, student_id, course_id, topic_id, duration_minutes, started_at, ended_at`

// sqliteStore keeps times as unix nanoseconds.
type sqliteStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

func newSQLiteStore(ctx context.Context, o options) (*sqliteStore, error) {
	if o.sqlitePath == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", ErrInvalidConfig)
	}
	db, err := sql.Open("sqlite", "file:"+o.sqlitePath+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps transactions simple.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, now: o.now, newID: o.newID}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s              Session
		course, topic  sql.NullInt64
		started, ended int64
	)
	if err := row.Scan(&s.ID, &s.Kind, &s.StudentID, &course, &topic, &s.DurationMinutes, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if course.Valid {
		s.CourseID = &course.Int64
	}
	if topic.Valid {
		s.TopicID = &topic.Int64
	}
	s.StartedAt = fromNanos(started)
	s.EndedAt = fromNanos(ended)
	s.Messages = []Message{}
	return &s, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullable(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) load(ctx context.Context, q querier, kind Kind, id string) (*Session, error) {
	sess, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND kind = ?;`, id, string(kind)))
	if err != nil {
		return nil, err
	}
	if err := s.loadMessages(ctx, q, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *sqliteStore) loadMessages(ctx context.Context, q querier, sess *Session) error {
	rows, err := q.QueryContext(ctx, `SELECT id, role, content, type, created_at FROM messages WHERE session_id = ? ORDER BY seq ASC;`, sess.ID)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Type, &ts); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromNanos(ts)
		sess.Messages = append(sess.Messages, m)
	}
	return rows.Err()
}

func (s *sqliteStore) Create(ctx context.Context, kind Kind, in NewSession) (*Session, error) {
	sess, err := newSession(s.newID(), kind, in, normalizeTime(s.now()))
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?);`,
		sess.ID, string(sess.Kind), sess.StudentID, nullable(sess.CourseID), nullable(sess.TopicID),
		sess.DurationMinutes, sess.StartedAt.UnixNano(), sess.EndedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *sqliteStore) Get(ctx context.Context, kind Kind, id string) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return s.load(ctx, s.db, kind, id)
}

func (s *sqliteStore) Append(ctx context.Context, kind Kind, id string, msgs ...Message) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	for _, m := range msgs {
		if err := m.validate(); err != nil {
			return nil, err
		}
	}

	var out *Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.load(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		sess.appendMessages(normalizeTime(s.now()), msgs)
		for _, m := range sess.Messages[len(sess.Messages)-len(msgs):] {
			if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, content, type, created_at) VALUES (?,?,?,?,?,?);`,
				m.ID, sess.ID, string(m.Role), m.Content, string(m.Type), m.Timestamp.UnixNano()); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, duration_minutes = ? WHERE id = ?;`,
			sess.EndedAt.UnixNano(), sess.DurationMinutes, sess.ID); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) List(ctx context.Context, kind Kind, f Filter, p Page) (*SessionPage, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	p = p.normalize()

	where := []string{"kind = ?"}
	args := []any{string(kind)}
	if f.StudentID != 0 {
		where = append(where, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if f.CourseID != 0 {
		where = append(where, "course_id = ?")
		args = append(args, f.CourseID)
	}
	if f.TopicID != 0 {
		where = append(where, "topic_id = ?")
		args = append(args, f.TopicID)
	}
	if !f.From.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, f.To.UnixNano())
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE `+cond+`;`, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+cond+
		` ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?;`, append(args, p.Limit, p.offset())...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(sessions))
	for _, sess := range sessions {
		if err := s.loadMessages(ctx, s.db, sess); err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return newPage(out, total, p), nil
}

func (s *sqliteStore) Update(ctx context.Context, kind Kind, id string, p Patch) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	var out *Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.load(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if err := sess.apply(p); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, duration_minutes = ? WHERE id = ?;`,
			sess.EndedAt.UnixNano(), sess.DurationMinutes, sess.ID); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) MostRecent(ctx context.Context, kind Kind, studentID int64) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE kind = ? AND student_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1;`,
		string(kind), studentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest session: %w", err)
	}
	return s.load(ctx, s.db, kind, id)
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
