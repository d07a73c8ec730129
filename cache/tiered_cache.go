package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger().WithField("module", "cache")

// TieredCache is a cache implementation combining a local in memory cache with an optional remote redis cache
type TieredCache struct {
	remoteRedisCache *redis.Client
	localGoCache     *gocache.Cache
	remoteTimeout    time.Duration
}

// NewTieredCache creates a tiered cache, an empty redisAddress creates a local only cache
func NewTieredCache(redisAddress string) (*TieredCache, error) {
	cache := &TieredCache{
		localGoCache:  gocache.New(time.Hour, time.Minute),
		remoteTimeout: time.Second,
	}

	if redisAddress == "" {
		return cache, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	rdc := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})

	if err := rdc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error initializing tiered cache: %w", err)
	}
	cache.remoteRedisCache = rdc

	return cache, nil
}

// Set stores the json representation of value in both tiers
func (cache *TieredCache) Set(key string, value interface{}, expiration time.Duration) error {
	valueMarshal, err := json.Marshal(value)
	if err != nil {
		return err
	}
	cache.localGoCache.Set(key, valueMarshal, expiration)

	if cache.remoteRedisCache == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cache.remoteTimeout)
	defer cancel()

	return cache.remoteRedisCache.Set(ctx, key, valueMarshal, expiration).Err()
}

// GetWithLocalTimeout decodes the cached value into returnValue. Values found in the remote
// cache are kept in the local cache for localExpiration. It reports whether the key was found.
func (cache *TieredCache) GetWithLocalTimeout(key string, localExpiration time.Duration, returnValue interface{}) (bool, error) {
	// try to retrieve the key from the local cache
	wanted, found := cache.localGoCache.Get(key)
	if found {
		return true, json.Unmarshal(wanted.([]byte), returnValue)
	}

	if cache.remoteRedisCache == nil {
		return false, nil
	}

	// retrieve the key from the remote cache
	ctx, cancel := context.WithTimeout(context.Background(), cache.remoteTimeout)
	defer cancel()

	value, err := cache.remoteRedisCache.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = json.Unmarshal(value, returnValue)
	if err != nil {
		return false, err
	}
	logger.Debugf("retrieved %v from redis cache", key)

	cache.localGoCache.Set(key, value, localExpiration)
	return true, nil
}

// Close closes the remote cache connection
func (cache *TieredCache) Close() error {
	if cache.remoteRedisCache == nil {
		return nil
	}
	return cache.remoteRedisCache.Close()
}
