package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while ARGV[1] still holds it, so a
// lapsed lock taken by another owner is never extended.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a best-effort leadership lease. The holder renews it on every
// acquisition; other owners succeed only after it lapses.
type Lock struct {
	client *redis.Client
	key    string
	owner  string
}

func NewLock(client *redis.Client, key, owner string) *Lock {
	return &Lock{client: client, key: key, owner: owner}
}

func (l *Lock) Owner() string {
	return l.owner
}

// TryAcquire takes the lease for ttl, or renews it when this owner already holds it.
func (l *Lock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", l.key, err)
	}
	return renewed == 1, nil
}
