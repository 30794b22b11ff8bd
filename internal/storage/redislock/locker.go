// Package redislock реализует распределённую блокировку заказа на Redis (SET NX PX + Lua-освобождение).
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
	defaultPrefix     = "ordersaga:lock:"
	releaseTimeout    = 2 * time.Second
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Client: подмножество go-redis клиента, нужное блокировке.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Locker выдаёт блокировки по ключу заказа.
type Locker struct {
	client     Client
	ttl        time.Duration
	retryDelay time.Duration
	prefix     string
	logger     *log.Entry
}

// Option настраивает Locker.
type Option func(*Locker)

// WithTTL задаёт время жизни блокировки; защищает от вечной блокировки упавшего процесса.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay задаёт паузу между попытками захвата.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// WithPrefix задаёт префикс ключей.
func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New создаёт Locker поверх клиента go-redis.
func New(client Client, opts ...Option) *Locker {
	l := &Locker{
		client:     client,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		prefix:     defaultPrefix,
		logger:     log.WithField("component", "redis-lock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock ждёт освобождения ключа до отмены ctx. Возвращённая функция освобождает блокировку.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, key, ctxErr)
			}
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(redisKey, token) }, nil
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Locker) release(redisKey, token string) {
	// Освобождаем даже при отменённом контексте операции.
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.WithError(err).WithField("key", redisKey).Warn("failed to release redis lock")
		return
	}
	if deleted == 0 {
		l.logger.WithField("key", redisKey).Warn("redis lock expired before release")
	}
}

// Ping проверяет доступность Redis (для readiness).
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
