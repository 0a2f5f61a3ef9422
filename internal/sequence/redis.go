package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes every Hi-Lo counter key in Redis.
const DefaultKeyPrefix = "marten:hilo:"

// setFloorScript raises a counter to ARGV[1] if it is lower and returns the
// resulting value. Runs atomically on the server.
var setFloorScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
	redis.call("SET", KEYS[1], floor)
	return floor
end
return cur
`)

// RedisClient is the subset of go-redis used by Redis. *redis.Client,
// *redis.ClusterClient and *redis.Ring all satisfy it.
type RedisClient interface {
	redis.Scripter
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
}

// Redis keeps Hi-Lo counters in Redis. AdvanceBy is a single INCRBY, which
// Redis executes atomically for every client of the server.
type Redis struct {
	client RedisClient
	prefix string
}

// NewRedis creates a Redis sequence source using client.
// An empty prefix selects DefaultKeyPrefix.
func NewRedis(client RedisClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to the Redis server at addr and verifies it answers.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedis(client, ""), client, nil
}

func (r *Redis) key(docType string) string {
	return r.prefix + docType
}

// AdvanceBy atomically adds n to the counter for docType and returns the new value.
func (r *Redis) AdvanceBy(ctx context.Context, docType string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("advance %s: block size must be positive, got %d", docType, n)
	}
	hi, err := r.client.IncrBy(ctx, r.key(docType), n).Result()
	if err != nil {
		return 0, fmt.Errorf("advance %s: %w", docType, err)
	}
	return hi, nil
}

// SetFloor raises the counter for docType to at least floor.
func (r *Redis) SetFloor(ctx context.Context, docType string, floor int64) (int64, error) {
	if floor < 0 {
		return 0, fmt.Errorf("set floor %s: floor must not be negative, got %d", docType, floor)
	}
	hi, err := setFloorScript.Run(ctx, r.client, []string{r.key(docType)}, floor).Int64()
	if err != nil {
		return 0, fmt.Errorf("set floor %s: %w", docType, err)
	}
	return hi, nil
}
