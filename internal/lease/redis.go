package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "secretary:lease"

// RedisManager serializes writers across processes sharing one Redis. Tokens
// come from a per-resource counter so they grow monotonically.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisManager{client: client, prefix: prefix}
}

func (m *RedisManager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return Lease{}, false, err
	}
	ttl = ttlOrDefault(ttl)

	token, err := m.client.Incr(ctx, m.key("seq", resource)).Uint64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease incr token: %w", err)
	}
	acquired, err := m.client.SetNX(ctx, m.key("hold", resource), holderValue(owner, token), ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease setnx: %w", err)
	}
	if !acquired {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (m *RedisManager) Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return Lease{}, false, err
	}
	if token == 0 {
		return Lease{}, false, errors.New("token is required")
	}
	ttl = ttlOrDefault(ttl)

	renewed, err := renewScript.Run(ctx, m.client, []string{m.key("hold", resource)}, holderValue(owner, token), ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("lease renew: %w", err)
	}
	if renewed == 0 {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (m *RedisManager) Release(ctx context.Context, resource, owner string, token uint64) error {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return err
	}
	if token == 0 {
		return errors.New("token is required")
	}
	_, err = releaseScript.Run(ctx, m.client, []string{m.key("hold", resource)}, holderValue(owner, token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

func (m *RedisManager) key(kind, resource string) string {
	return m.prefix + ":" + kind + ":" + resource
}

func holderValue(owner string, token uint64) string {
	return fmt.Sprintf("%s|%d", owner, token)
}

// Both scripts only touch the key when it still carries the caller's holder value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
