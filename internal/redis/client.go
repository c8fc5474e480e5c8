package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// withDefaults fills the settings a deployment URL rarely carries. Check-in
// blocks on the ticket script, so reads and writes stay tightly bounded.
func withDefaults(o *redis.Options) *redis.Options {
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "clinic-queue"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = time.Second
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 16
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = 2
	}
	return &opts
}

// Connect returns a client only once Redis answers a ping. Options usually
// come from redis.ParseURL, so TLS and the database index are preserved.
func Connect(ctx context.Context, o *redis.Options) (*redis.Client, error) {
	rdb := redis.NewClient(withDefaults(o))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", o.Addr, err)
	}
	return rdb, nil
}
