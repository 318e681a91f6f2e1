package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// SessionLock guards one checkout per session across API instances, so a
// repeated click cannot create a second order while the first is in flight.
type SessionLock struct {
	Redis *redis.Client
	TTL   time.Duration
}

// Acquire returns a release func, or ok=false when another attempt holds the lock.
func (l *SessionLock) Acquire(ctx context.Context, session string) (release func(), ok bool, err error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = TTLCheckoutLock
	}
	key := fmt.Sprintf(KeyCheckoutLock, session)
	token := uuid.NewString()
	ok, err = l.Redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		// the request context may already be done; release on a fresh one
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.Redis, []string{key}, token).Err()
	}, true, nil
}
