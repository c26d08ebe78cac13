package lib

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisClient *redis.Client

func GetRedisClient() *redis.Client {
	if redisClient != nil {
		return redisClient
	}
	redisHost := os.Getenv("REDIS_HOST")
	opt, err := redis.ParseURL(redisHost)
	if err != nil {
		log.Printf("[redis] Error parsing connection string: %s\n", err.Error())
		return nil
	}
	rdb := redis.NewClient(opt)
	redisClient = rdb
	return rdb
}

// NewRedisClient replaces the redis instance, used by tests.
func NewRedisClient(c *redis.Client) *redis.Client {
	redisClient = c
	return redisClient
}

const snapshotTTL = 10 * time.Minute

func gameSnapshotKey(gameId uint) string {
	return fmt.Sprintf("game:%d:snapshot", gameId)
}

// CacheGameSnapshot stores a hot copy of a game cache row. Best effort:
// failures are logged, the Postgres cache table remains the fallback.
func CacheGameSnapshot(ctx context.Context, gameId uint, snapshot any) {
	rd := GetRedisClient()
	if rd == nil {
		return
	}
	value, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("[redis] Error serializing game %d snapshot: %s\n", gameId, err.Error())
		return
	}
	if err := rd.Set(ctx, gameSnapshotKey(gameId), value, snapshotTTL).Err(); err != nil {
		log.Printf("[redis] Error caching game %d snapshot: %s\n", gameId, err.Error())
	}
}

// GetGameSnapshot loads a cached game row into dest. Returns false on miss.
func GetGameSnapshot(ctx context.Context, gameId uint, dest any) bool {
	rd := GetRedisClient()
	if rd == nil {
		return false
	}
	value, err := rd.Get(ctx, gameSnapshotKey(gameId)).Result()
	if err == redis.Nil {
		return false
	} else if err != nil {
		log.Printf("[redis] Error reading game %d snapshot: %s\n", gameId, err.Error())
		return false
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		log.Printf("[redis] Error decoding game %d snapshot: %s\n", gameId, err.Error())
		return false
	}
	return true
}

// InvalidateGameSnapshot drops the hot copy after a push-sync update.
func InvalidateGameSnapshot(ctx context.Context, gameId uint) {
	rd := GetRedisClient()
	if rd == nil {
		return
	}
	if err := rd.Del(ctx, gameSnapshotKey(gameId)).Err(); err != nil {
		log.Printf("[redis] Error invalidating game %d snapshot: %s\n", gameId, err.Error())
	}
}
