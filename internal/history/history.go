// Package history persists chat sessions and their transcripts.
//
// Tutoring and general sessions live side by side but never mix: every Store
// method is scoped to one Kind. Transcripts are append-only.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/comigor/tutorchat/internal/logger"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrInvalid       = errors.New("invalid session data")
	ErrInvalidKind   = errors.New("invalid session kind")
	ErrInvalidDriver = errors.New("invalid store driver")
	ErrInvalidConfig = errors.New("invalid store configuration")
)

// Store is the session persistence contract shared by all drivers.
type Store interface {
	Create(ctx context.Context, kind Kind, in NewSession) (*Session, error)
	Get(ctx context.Context, kind Kind, id string) (*Session, error)
	// Append adds msgs in order as a single unit and advances the session end.
	Append(ctx context.Context, kind Kind, id string, msgs ...Message) (*Session, error)
	List(ctx context.Context, kind Kind, f Filter, p Page) (*SessionPage, error)
	Update(ctx context.Context, kind Kind, id string, p Patch) (*Session, error)
	// MostRecent returns the student's session with the latest start.
	MostRecent(ctx context.Context, kind Kind, studentID int64) (*Session, error)
	Close() error
}

// Driver names a Store backend.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
	DriverMemory Driver = "memory"
)

type options struct {
	now        func() time.Time
	newID      func() string
	sqlitePath string
	redis      redis.UniversalClient
	redisAddr  string
	redisPass  string
	redisDB    int
	keyPrefix  string
}

// Option configures NewStore.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator replaces the uuid session id source.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

func WithSQLitePath(path string) Option {
	return func(o *options) { o.sqlitePath = path }
}

// WithRedisClient uses an existing client. The store closes it on Close.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redis = c }
}

func WithRedisAddr(addr, password string, db int) Option {
	return func(o *options) {
		o.redisAddr = addr
		o.redisPass = password
		o.redisDB = db
	}
}

// WithKeyPrefix namespaces redis keys. Defaults to "chat"; an empty prefix keeps the default.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// NewStore builds the Store for driver. When the sqlite database cannot be
// opened the memory store is returned instead and a warning is logged.
func NewStore(ctx context.Context, driver Driver, opts ...Option) (Store, error) {
	o := options{
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		sqlitePath: "chat.db",
		keyPrefix:  "chat",
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch driver {
	case DriverSQLite, "":
		st, err := newSQLiteStore(ctx, o)
		if err != nil {
			logger.L.Warn("sqlite store unavailable; using in-memory sessions", "path", o.sqlitePath, "error", err)
			return newMemoryStore(o), nil
		}
		logger.L.Info("sqlite session store initialized", "path", o.sqlitePath)
		return st, nil
	case DriverRedis:
		return newRedisStore(ctx, o)
	case DriverMemory:
		return newMemoryStore(o), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, driver)
	}
}
