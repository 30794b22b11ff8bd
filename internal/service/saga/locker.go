package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// Locker сериализует обработку одного заказа.
// Lock блокируется до захвата или окончания ctx и возвращает функцию освобождения.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LocalLocker: in-process блокировка по ключу. Записи удаляются, когда ключ никому не нужен.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker создаёт пустой LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*lockEntry)}
}

// Lock захватывает блокировку key.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(key, entry)
		})
	}, nil
}

func (l *LocalLocker) release(key string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

var _ Locker = (*LocalLocker)(nil)
