package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"matchchat/internal/models"
)

const (
	tokenKey    = "token"
	identityKey = "userData"
)

// Store is the persisted client state: the bearer token and the signed-in
// identity. Missing values are reported as "" or nil without an error.
type Store interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	Identity(ctx context.Context) (*models.Identity, error)
	SetIdentity(ctx context.Context, identity models.Identity) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps state in process memory for the lifetime of the client.
type MemoryStore struct {
	cache *cache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
}

func (s *MemoryStore) Token(ctx context.Context) (string, error) {
	if x, found := s.cache.Get(tokenKey); found {
		return x.(string), nil
	}
	return "", nil
}

func (s *MemoryStore) SetToken(ctx context.Context, token string) error {
	s.cache.Set(tokenKey, token, cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Identity(ctx context.Context) (*models.Identity, error) {
	if x, found := s.cache.Get(identityKey); found {
		identity := x.(models.Identity)
		return &identity, nil
	}
	return nil, nil
}

func (s *MemoryStore) SetIdentity(ctx context.Context, identity models.Identity) error {
	s.cache.Set(identityKey, identity, cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.cache.Delete(tokenKey)
	s.cache.Delete(identityKey)
	return nil
}

// RedisStore keeps state in Redis so several client processes on one device
// share a sign-in.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Token(ctx context.Context) (string, error) {
	token, err := s.rdb.Get(ctx, s.prefix+tokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

func (s *RedisStore) SetToken(ctx context.Context, token string) error {
	if err := s.rdb.Set(ctx, s.prefix+tokenKey, token, 0).Err(); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

func (s *RedisStore) Identity(ctx context.Context) (*models.Identity, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+identityKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var identity models.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &identity, nil
}

func (s *RedisStore) SetIdentity(ctx context.Context, identity models.Identity) error {
	raw, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.prefix+identityKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.prefix+tokenKey, s.prefix+identityKey).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
