package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bodegonbc/bodegon-pos/internal/redisx"
)

type RedisDedup struct {
	Redis   *redis.Client
	Service string
}

func (d *RedisDedup) First(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf(redisx.KeyDedup, d.Service, eventID)
	return d.Redis.SetNX(ctx, key, "1", redisx.TTLDedup).Result()
}

func (d *RedisDedup) Forget(ctx context.Context, eventID string) error {
	return d.Redis.Del(ctx, fmt.Sprintf(redisx.KeyDedup, d.Service, eventID)).Err()
}

// RedisFeed keeps the latest staff notifications, newest first.
type RedisFeed struct {
	Redis *redis.Client
}

func (f *RedisFeed) Push(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = f.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, redisx.KeyStaffNotifications, b)
		p.LTrim(ctx, redisx.KeyStaffNotifications, 0, redisx.MaxStaffNotifications-1)
		return nil
	})
	return err
}

func (f *RedisFeed) Recent(ctx context.Context, n int64) ([]Notification, error) {
	if n <= 0 || n > redisx.MaxStaffNotifications {
		n = redisx.MaxStaffNotifications
	}
	raw, err := f.Redis.LRange(ctx, redisx.KeyStaffNotifications, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(raw))
	for _, s := range raw {
		var nt Notification
		if err := json.Unmarshal([]byte(s), &nt); err != nil {
			continue
		}
		out = append(out, nt)
	}
	return out, nil
}
