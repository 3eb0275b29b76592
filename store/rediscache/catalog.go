// Package rediscache decorates a booking.Catalog with a Redis read-through
// cache for search queries.
//
// The catalog is read-only, so entries only expire by TTL. Redis errors never
// fail a search: they are logged and the query falls through to the
// underlying catalog.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/flight-engine/booking"
)

const keyPrefix = "flights:search:"

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr: "localhost:6379",
		TTL:  5 * time.Minute,
	}
}

// NewClient connects and pings.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Catalog caches DirectFlights and ConnectingFlights results.
type Catalog struct {
	next   booking.Catalog
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCatalog(next booking.Catalog, client *redis.Client, ttl time.Duration, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{next: next, client: client, ttl: ttl, logger: logger}
}

// Flight is not cached; it is a primary-key lookup.
func (c *Catalog) Flight(ctx context.Context, fid int64) (booking.Flight, error) {
	return c.next.Flight(ctx, fid)
}

func (c *Catalog) DirectFlights(ctx context.Context, origin, dest string, day, limit int) ([]booking.Flight, error) {
	key := generateKey("direct", origin, dest, day, limit)

	var cached []booking.Flight
	if c.get(ctx, key, &cached) {
		return cached, nil
	}

	flights, err := c.next.DirectFlights(ctx, origin, dest, day, limit)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, flights)
	return flights, nil
}

func (c *Catalog) ConnectingFlights(ctx context.Context, origin, dest string, day, limit int) ([][2]booking.Flight, error) {
	key := generateKey("connecting", origin, dest, day, limit)

	var cached [][2]booking.Flight
	if c.get(ctx, key, &cached) {
		return cached, nil
	}

	pairs, err := c.next.ConnectingFlights(ctx, origin, dest, day, limit)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, pairs)
	return pairs, nil
}

// Invalidate drops every cached search. Call it after changing the catalog.
func (c *Catalog) Invalidate(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Catalog) get(ctx context.Context, key string, dst any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("catalog cache read failed, falling back to database",
				zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("catalog cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Catalog) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func generateKey(kind, origin, dest string, day, limit int) string {
	keyData := struct {
		Kind   string
		Origin string
		Dest   string
		Day    int
		Limit  int
	}{kind, origin, dest, day, limit}

	data, _ := json.Marshal(keyData)
	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:])
}
