package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker extends the local lock table across processes sharing one
// networked status store. The local table is taken first so workers in the
// same process queue up without polling redis. A held key is renewed every
// third of its ttl until Unlock.
type RedisLocker struct {
	client *redis.Client
	local  *LockTable
	prefix string
	ttl    time.Duration
	poll   time.Duration

	mu   sync.Mutex
	held map[string]*redisLease
}

type redisLease struct {
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisLocker connects to the redis instance at rawURL (redis://host:port/db).
func NewRedisLocker(rawURL, prefix string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid lock redis url: %w", err)
	}
	return &RedisLocker{
		client: redis.NewClient(opt),
		local:  NewLockTable(),
		prefix: prefix,
		ttl:    5 * time.Minute,
		poll:   50 * time.Millisecond,
		held:   make(map[string]*redisLease),
	}, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) error {
	if err := l.local.Lock(ctx, key); err != nil {
		return err
	}

	token := uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
		if err != nil {
			l.local.Unlock(key)
			return fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			l.hold(key, token)
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			l.local.Unlock(key)
			return ctx.Err()
		}
	}
}

func (l *RedisLocker) hold(key, token string) {
	ctx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{token: token, cancel: cancel, done: make(chan struct{})}
	l.mu.Lock()
	l.held[key] = lease
	l.mu.Unlock()
	go l.renew(ctx, key, lease)
}

// renew keeps the lease alive while the key still carries our token.
func (l *RedisLocker) renew(ctx context.Context, key string, lease *redisLease) {
	defer close(lease.done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.client, []string{l.prefix + key}, lease.token, l.ttl.Milliseconds()).Int()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

func (l *RedisLocker) Unlock(key string) {
	l.mu.Lock()
	lease, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if ok {
		lease.cancel()
		<-lease.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = unlockScript.Run(ctx, l.client, []string{l.prefix + key}, lease.token).Err()
		cancel()
	}
	l.local.Unlock(key)
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
