package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds optimistic-lock retries on a contended session key.
const maxWatchRetries = 5

// redisStore keeps each session as a JSON document and indexes them in
// sorted sets scored by start time in microseconds: one per kind and one per
// kind and student.
type redisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	newID  func() string
}

func newRedisStore(ctx context.Context, o options) (*redisStore, error) {
	client := o.redis
	if client == nil {
		if o.redisAddr == "" {
			return nil, fmt.Errorf("%w: redis address is empty", ErrInvalidConfig)
		}
		client = redis.NewClient(&redis.Options{
			Addr:     o.redisAddr,
			Password: o.redisPass,
			DB:       o.redisDB,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisStore{client: client, prefix: o.keyPrefix, now: o.now, newID: o.newID}, nil
}

func (s *redisStore) sessionKey(kind Kind, id string) string {
	return s.prefix + ":" + string(kind) + ":session:" + id
}

func (s *redisStore) kindIndex(kind Kind) string {
	return s.prefix + ":" + string(kind) + ":sessions"
}

func (s *redisStore) studentIndex(kind Kind, studentID int64) string {
	return s.prefix + ":" + string(kind) + ":student:" + strconv.FormatInt(studentID, 10)
}

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func (s *redisStore) Create(ctx context.Context, kind Kind, in NewSession) (*Session, error) {
	sess, err := newSession(s.newID(), kind, in, normalizeTime(s.now()))
	if err != nil {
		return nil, err
	}
	val, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(kind, sess.ID), val, 0)
		pipe.ZAdd(ctx, s.kindIndex(kind), redis.Z{Score: score(sess.StartedAt), Member: sess.ID})
		pipe.ZAdd(ctx, s.studentIndex(kind, sess.StudentID), redis.Z{Score: score(sess.StartedAt), Member: sess.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

func decodeSession(val []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return &sess, nil
}

func (s *redisStore) Get(ctx context.Context, kind Kind, id string) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	val, err := s.client.Get(ctx, s.sessionKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(val)
}

// mutate applies fn to the stored session under WATCH and writes it back in
// a MULTI/EXEC block, retrying when another writer got there first.
func (s *redisStore) mutate(ctx context.Context, kind Kind, id string, fn func(*Session) error) (*Session, error) {
	key := s.sessionKey(kind, id)
	var out *Session
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			sess, err := decodeSession(val)
			if err != nil {
				return err
			}
			if err := fn(sess); err != nil {
				return err
			}
			newVal, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newVal, 0)
				return nil
			})
			if err == nil {
				out = sess
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update session %s: %w", id, redis.TxFailedErr)
}

func (s *redisStore) Append(ctx context.Context, kind Kind, id string, msgs ...Message) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	for _, m := range msgs {
		if err := m.validate(); err != nil {
			return nil, err
		}
	}
	return s.mutate(ctx, kind, id, func(sess *Session) error {
		sess.appendMessages(normalizeTime(s.now()), msgs)
		return nil
	})
}

func (s *redisStore) Update(ctx context.Context, kind Kind, id string, p Patch) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return s.mutate(ctx, kind, id, func(sess *Session) error {
		return sess.apply(p)
	})
}

func (s *redisStore) List(ctx context.Context, kind Kind, f Filter, p Page) (*SessionPage, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	p = p.normalize()

	index := s.kindIndex(kind)
	if f.StudentID != 0 {
		index = s.studentIndex(kind, f.StudentID)
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !f.From.IsZero() {
		rng.Min = strconv.FormatInt(f.From.UnixMicro(), 10)
	}
	if !f.To.IsZero() {
		rng.Max = strconv.FormatInt(f.To.UnixMicro(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, index, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if len(ids) == 0 {
		return newPage(nil, 0, p), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(kind, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}

	var matched []Session
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sess, err := decodeSession([]byte(str))
		if err != nil {
			return nil, err
		}
		if f.matches(sess) {
			matched = append(matched, *sess)
		}
	}

	var out []Session
	if off := p.offset(); off < len(matched) {
		end := min(off+p.Limit, len(matched))
		out = matched[off:end]
	}
	return newPage(out, len(matched), p), nil
}

func (s *redisStore) MostRecent(ctx context.Context, kind Kind, studentID int64) (*Session, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	ids, err := s.client.ZRevRange(ctx, s.studentIndex(kind, studentID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read student index: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, kind, ids[0])
}

func (s *redisStore) Close() error { return s.client.Close() }
