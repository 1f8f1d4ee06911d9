package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "secretary:idempotency"

type Redis struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
}

func NewRedis(client redis.Cmdable, prefix string, retention time.Duration) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Redis{client: client, prefix: prefix, retention: retention}
}

func (s *Redis) Get(ctx context.Context, key string) (Response, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+":resp:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("idempotency get: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode idempotent response: %w", err)
	}
	return resp, true, nil
}

func (s *Redis) Save(ctx context.Context, key string, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+":resp:"+key, raw, s.retention).Err(); err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}
