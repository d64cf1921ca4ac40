// Package caching provides the CachingService abstraction used to cache
// catalogue reads, backed by Redis when configured and a no-op otherwise.
package caching

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachingService is a minimal get/set/delete cache abstraction.
type CachingService interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisCachingService backs CachingService with go-redis.
type RedisCachingService struct {
	client *redis.Client
}

// NewRedisCachingService wraps an existing redis client.
func NewRedisCachingService(client *redis.Client) *RedisCachingService {
	return &RedisCachingService{client: client}
}

func (s *RedisCachingService) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisCachingService) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisCachingService) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisCachingService) IsReady(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCachingService) Name() string { return "Caching[redis]" }

// NullCachingService is a no-op cache, used when Redis isn't configured.
type NullCachingService struct{}

func NewNullCachingService() *NullCachingService { return &NullCachingService{} }

func (NullCachingService) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (NullCachingService) Set(context.Context, string, string, time.Duration) error { return nil }
func (NullCachingService) Delete(context.Context, string) error { return nil }
