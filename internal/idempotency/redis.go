package idempotency

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "custody:idem:"

// RedisConfig holds connection parameters for the shared idempotency store.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	Prefix     string
	TTL        time.Duration
}

type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and pings before returning.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisFromClient(rdb, cfg.Prefix, cfg.TTL), nil
}

func NewRedisFromClient(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) CheckOrReserve(ctx context.Context, key string) (Reservation, error) {
	full := r.prefix + key
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.rdb.SetNX(ctx, full, "", r.ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("redis: reserve %s: %w", key, err)
		}
		if ok {
			return Reservation{FirstSeen: true}, nil
		}
		hash, err := r.rdb.Get(ctx, full).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET; try to take it.
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("redis: read %s: %w", key, err)
		}
		return Reservation{FirstSeen: false, ExistingTxHash: hash}, nil
	}
	return Reservation{FirstSeen: false}, nil
}

// Record overwrites the value only while the key exists, keeping its TTL.
func (r *Redis) Record(ctx context.Context, key, txHash string) error {
	err := r.rdb.SetArgs(ctx, r.prefix+key, txHash, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: record %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
