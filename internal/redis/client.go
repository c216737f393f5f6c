package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options holds what the lock needs from a connection. Locks are short
// lived, so the pool stays small and timeouts stay tight.
type Options struct {
	Addr     string
	Username string
	Password string
}

// Connect returns a client that already answered a PING.
func Connect(ctx context.Context, o Options) (*redis.Client, error) {
	if o.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Username:     o.Username,
		Password:     o.Password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     5,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", o.Addr, err)
	}
	return rdb, nil
}
