package turno

import (
	"context"
	"sync"

	redisclient "github.com/hackgods/turnos/internal/redis"
)

// LocalLocker is the in-process Locker used when Redis is not configured.
// It only serializes work inside one replica.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()

	return fn(ctx)
}

var _ redisclient.Locker = (*LocalLocker)(nil)
