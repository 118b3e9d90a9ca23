package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"
)

const (
	entryFieldPrefix = "entry:"
	updatedAtField   = "updated_at"
)

// RedisStore keeps one hash per widget (entry:<name> -> source) and a set of
// widget ids as the index.
type RedisStore struct {
	client *backend.Client
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedis(address, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisFromClient(client, opts...)
}

func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "netrender:widget:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(widgetID string) string { return s.prefix + widgetID }
func (s *RedisStore) indexKey() string           { return s.prefix + "index" }

// Ping checks connectivity; used once at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveEntry(ctx context.Context, widgetID, entry, source string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(widgetID),
		entryFieldPrefix+entry, source,
		updatedAtField, s.now().UTC().Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, s.indexKey(), widgetID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving widget %s: %w", widgetID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, widgetID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(widgetID))
	pipe.SRem(ctx, s.indexKey(), widgetID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting widget %s: %w", widgetID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, widgetID string) (*Widget, error) {
	fields, err := s.client.HGetAll(ctx, s.key(widgetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading widget %s: %w", widgetID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeWidget(widgetID, fields), nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]Widget, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing widgets: %w", err)
	}

	out := make([]Widget, 0, len(ids))
	for _, id := range ids {
		w, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index entry without data; drop it lazily.
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	sortWidgets(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeWidget(id string, fields map[string]string) *Widget {
	w := &Widget{ID: id, Entries: make(map[string]string)}
	for k, v := range fields {
		switch {
		case strings.HasPrefix(k, entryFieldPrefix):
			w.Entries[strings.TrimPrefix(k, entryFieldPrefix)] = v
		case k == updatedAtField:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				w.UpdatedAt = ts
			}
		}
	}
	return w
}
