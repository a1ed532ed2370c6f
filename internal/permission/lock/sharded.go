// Package lock provides the per-permission critical section used by the
// outbox: a sharded in-process lock for single-instance deployments and a
// Redis lock when several instances share one store.
package lock

import (
	"context"
	"hash/fnv"
	"time"

	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
)

const (
	numShards = 128
	// defaultAcquireTimeout bounds the wait when the caller's context has no
	// deadline.
	defaultAcquireTimeout = 5 * time.Second
)

// ShardedLocker distributes keys over a fixed set of shards by FNV-1a hash.
// Two keys in the same shard serialize each other; distinct shards proceed
// in parallel.
type ShardedLocker struct {
	shards  [numShards]chan struct{}
	timeout time.Duration
}

type ShardedOption func(*ShardedLocker)

func WithAcquireTimeout(d time.Duration) ShardedOption {
	return func(l *ShardedLocker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func NewSharded(opts ...ShardedOption) *ShardedLocker {
	l := &ShardedLocker{timeout: defaultAcquireTimeout}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until key's shard is free, the context ends, or the acquire
// timeout elapses. The returned func releases the shard.
func (l *ShardedLocker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "lock aborted: context cancelled")
	}

	wait := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	shard := l.shards[shardFor(key)]
	select {
	case shard <- struct{}{}:
	case <-wait.Done():
		return nil, dErrors.Wrap(sentinel.ErrLockTimeout, dErrors.CodeTimeout, "permission lock not acquired")
	}

	// The caller may have been cancelled while the slot was being granted.
	if err := ctx.Err(); err != nil {
		<-shard
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "lock aborted: context cancelled")
	}

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		<-shard
	}, nil
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}
