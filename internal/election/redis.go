package election

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// stateTTL bounds how long a published role/term survives an unclean
// shutdown before an external observer should treat the device as gone.
const stateTTL = 30 * time.Second

// redisState is the JSON value stored at the per-device key.
type redisState struct {
	DeviceID string `json:"device_id"`
	Role     Role   `json:"role"`
	Term     uint64 `json:"term"`
}

// RedisPublisher is a SharedStatePublisher that writes this device's
// role/term to Redis with a TTL, so a monitoring dashboard or a second
// store segment sharing infrastructure can observe cross-device role state
// without joining the UDP broadcast domain. It publishes only: unlike the
// teacher's standby.RedisLockProvider this never contends for ownership,
// so there is no Lua check-and-extend on write, only a plain SET EX; the
// Lua compare-and-delete pattern is reused for Release below, invoked on
// graceful shutdown so a stale key doesn't outlive its TTL unnecessarily.
type RedisPublisher struct {
	client  *redis.Client
	storeID string
}

// NewRedisPublisher connects to redisURL and verifies it is reachable.
func NewRedisPublisher(redisURL, storeID string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("connected to redis for shared election state", "store_id", storeID)
	return &RedisPublisher{client: client, storeID: storeID}, nil
}

func (p *RedisPublisher) key(deviceID string) string {
	return "titansync:election:" + p.storeID + ":" + deviceID
}

// Publish implements SharedStatePublisher.
func (p *RedisPublisher) Publish(ctx context.Context, deviceID string, role Role, term uint64) error {
	data, err := json.Marshal(redisState{DeviceID: deviceID, Role: role, Term: term})
	if err != nil {
		return err
	}
	return p.client.Set(ctx, p.key(deviceID), data, stateTTL).Err()
}

// Release removes deviceID's published state on graceful shutdown, using
// the teacher's check-and-delete Lua script so a concurrent republish from
// the same device is never clobbered by a late-arriving release.
func (p *RedisPublisher) Release(ctx context.Context, deviceID string, expectTerm uint64) error {
	script := redis.NewScript(`
		local v = redis.call("GET", KEYS[1])
		if not v then return 0 end
		local decoded = cjson.decode(v)
		if decoded.term == tonumber(ARGV[1]) then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	_, err := script.Run(ctx, p.client, []string{p.key(deviceID)}, expectTerm).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
