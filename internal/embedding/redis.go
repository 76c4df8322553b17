package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisCache stores vectors in Redis as little-endian float32 blobs.
type RedisCache struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache backed by a redigo connection pool.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(2*time.Second),
				redis.DialWriteTimeout(2*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return &RedisCache{pool: pool, prefix: "kwgroup:emb:", ttl: ttl}
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

// Close releases pooled connections.
func (r *RedisCache) Close() error {
	return r.pool.Close()
}

// GetMany implements Cache.
func (r *RedisCache) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = r.prefix + k
	}
	blobs, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, b := range blobs {
		if b == nil {
			continue
		}
		v, err := decodeVector(b)
		if err != nil {
			continue
		}
		out[keys[i]] = v
	}
	return out, nil
}

// PutMany implements Cache.
func (r *RedisCache) PutMany(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	for k, v := range entries {
		if err := conn.Send("SET", r.setArgs(k, v)...); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("redis flush: %w", err)
	}
	for range entries {
		if _, err := conn.Receive(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

// setArgs builds SET arguments. The TTL is sent in milliseconds so
// sub-second values still expire instead of being rejected.
func (r *RedisCache) setArgs(key string, v []float32) []interface{} {
	args := []interface{}{r.prefix + key, encodeVector(v)}
	if r.ttl > 0 {
		args = append(args, "PX", max(r.ttl.Milliseconds(), 1))
	}
	return args
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
