// Package redisstore keeps idempotency records in Redis, relying on SETNX for
// the atomic gate and on key TTLs for expiry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dedupd/internal/domain"
	"dedupd/internal/storage"

	redis "github.com/redis/go-redis/v9"
)

const (
	keySeparator  = ":"
	DefaultPrefix = "dedupd"
	minTTL        = time.Second
)

type Store struct {
	client *redis.Client
	prefix string
	table  string
}

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Table    string
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewStoreWithClient(client, cfg.Prefix, cfg.Table), nil
}

func NewStoreWithClient(client *redis.Client, prefix, table string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, table: table}
}

// key format: {prefix}:{table}:{identityKey}, table omitted when empty.
func (s *Store) key(identityKey string) string {
	parts := []string{s.prefix}
	if s.table != "" {
		parts = append(parts, s.table)
	}
	parts = append(parts, identityKey)
	return strings.Join(parts, keySeparator)
}

func (s *Store) TryInsert(ctx context.Context, rec domain.PersistedRecord) (storage.InsertResult, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, storage.Wrap("insert", rec.IdentityKey, err)
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl < minTTL {
		ttl = minTTL
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.IdentityKey), body, ttl).Result()
	if err != nil {
		return 0, storage.Wrap("insert", rec.IdentityKey, err)
	}
	if !ok {
		return storage.AlreadyExists, nil
	}
	return storage.Inserted, nil
}

func (s *Store) DeleteByKey(ctx context.Context, identityKey string) error {
	return storage.Wrap("delete", identityKey, s.client.Del(ctx, s.key(identityKey)).Err())
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, identityKey string) (domain.PersistedRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.key(identityKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PersistedRecord{}, false, nil
	}
	if err != nil {
		return domain.PersistedRecord{}, false, storage.Wrap("get", identityKey, err)
	}
	var rec domain.PersistedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.PersistedRecord{}, false, storage.Wrap("get", identityKey, err)
	}
	return rec, true, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
