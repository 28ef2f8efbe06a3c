package audit

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// BacklogCounter tracks the in-memory backlog count: intents in
// {pending, processing, ready_for_global_commit, failed_retriable}.
// Enqueue fast-checks this counter before falling back to an
// authoritative store count.
type BacklogCounter interface {
	Add(delta int64) int64
	Load() int64
}

// localCounter is the default single-process counter.
type localCounter struct{ n int64 }

func NewLocalCounter() BacklogCounter { return &localCounter{} }

func (c *localCounter) Add(delta int64) int64 { return atomic.AddInt64(&c.n, delta) }
func (c *localCounter) Load() int64           { return atomic.LoadInt64(&c.n) }

// redisCounter shares the backlog counter across Core processes as a
// plain INCRBY-backed Redis counter.
type redisCounter struct {
	client *redis.Client
	key    string
}

func NewRedisCounter(client *redis.Client, key string) BacklogCounter {
	return &redisCounter{client: client, key: key}
}

func (c *redisCounter) Add(delta int64) int64 {
	n, err := c.client.IncrBy(context.Background(), c.key, delta).Result()
	if err != nil {
		return 0
	}
	return n
}

func (c *redisCounter) Load() int64 {
	n, err := c.client.Get(context.Background(), c.key).Int64()
	if err != nil {
		return 0
	}
	return n
}
