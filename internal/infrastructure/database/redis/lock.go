package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

var (
	ErrLockNotAcquired = errors.New(errors.ErrCodeConflict, "failed to acquire lock")
	ErrLockNotHeld     = errors.New(errors.ErrCodeConflict, "lock not held by this owner")
)

// NoteLock serializes processing of one note across worker replicas: the
// consumer takes the lock before running the pipeline so a redelivered or
// duplicated message cannot code the same note twice concurrently.
type NoteLock interface {
	TryLock(ctx context.Context) (bool, error)
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// LockFactory mints note locks over a shared client.
type LockFactory struct {
	client *Client
	logger logging.Logger
	prefix string
}

type LockOption func(*lockConfig)

func WithLockTTL(ttl time.Duration) LockOption {
	return func(c *lockConfig) { c.ttl = ttl }
}

func WithRetryDelay(delay time.Duration) LockOption {
	return func(c *lockConfig) { c.retryDelay = delay }
}

func WithRetryCount(count int) LockOption {
	return func(c *lockConfig) { c.retryCount = count }
}

type lockConfig struct {
	ttl        time.Duration
	retryDelay time.Duration
	retryCount int
}

func NewLockFactory(client *Client, log logging.Logger) *LockFactory {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &LockFactory{
		client: client,
		logger: log.Named("lock"),
		prefix: "medcode:lock:note:",
	}
}

// ForNote returns the lock guarding one note, identified by its hash.
func (f *LockFactory) ForNote(noteHash string, opts ...LockOption) NoteLock {
	cfg := lockConfig{
		ttl:        60 * time.Second,
		retryDelay: 100 * time.Millisecond,
		retryCount: 50,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &noteLock{
		client: f.client,
		key:    f.prefix + noteHash,
		value:  uuid.New().String(),
		config: cfg,
		logger: f.logger,
	}
}

type noteLock struct {
	client *Client
	key    string
	value  string
	config lockConfig
	logger logging.Logger
}

// unlockScript deletes the key only when this owner still holds it.
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

func (l *noteLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.config.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeCacheError, "acquiring note lock")
	}
	return ok, nil
}

func (l *noteLock) Lock(ctx context.Context) error {
	for i := 0; i < l.config.retryCount; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.retryDelay):
		}
	}
	return ErrLockNotAcquired
}

func (l *noteLock) Unlock(ctx context.Context) error {
	res, err := unlockScript.Run(ctx, l.client.Underlying(), []string{l.key}, l.value).Result()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "releasing note lock")
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *noteLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, l.client.Underlying(), []string{l.key}, l.value, ttl.Milliseconds()).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeCacheError, "extending note lock")
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}
