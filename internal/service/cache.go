package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// VehicleCache 基于 Redis 的登记数据缓存
type VehicleCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewVehicleCache 连接 Redis，url 可以是 redis:// 地址或 host:port
func NewVehicleCache(ctx context.Context, url string, ttl time.Duration) (*VehicleCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &VehicleCache{rdb: rdb, ttl: ttl}, nil
}

// cacheKey 缓存键
func cacheKey(plate string) string {
	return "plate:" + strings.ToUpper(strings.TrimSpace(plate))
}

// Get 读取缓存
func (c *VehicleCache) Get(ctx context.Context, plate string) (json.RawMessage, bool, error) {
	data, err := c.rdb.Get(ctx, cacheKey(plate)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached plate: %w", err)
	}
	return json.RawMessage(data), true, nil
}

// Set 写入缓存
func (c *VehicleCache) Set(ctx context.Context, plate string, data json.RawMessage) error {
	if err := c.rdb.Set(ctx, cacheKey(plate), []byte(data), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache plate: %w", err)
	}
	return nil
}

// Close 关闭连接
func (c *VehicleCache) Close() error {
	return c.rdb.Close()
}
