package runlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// DefaultLeaseExpiry bounds how long a crashed holder keeps the lease.
const DefaultLeaseExpiry = 2 * time.Minute

// RedisLease is a Lease backed by a Redlock mutex. While held it is
// extended every third of its expiry.
type RedisLease struct {
	rs     *redsync.Redsync
	key    string
	expiry time.Duration
	logger *slog.Logger
}

// NewRedisLease creates a lease on key.
func NewRedisLease(client goredislib.UniversalClient, key string, expiry time.Duration, logger *slog.Logger) *RedisLease {
	if expiry <= 0 {
		expiry = DefaultLeaseExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLease{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    key,
		expiry: expiry,
		logger: logger,
	}
}

// Acquire takes the lease with a single attempt.
func (l *RedisLease) Acquire(ctx context.Context) (func(context.Context) error, error) {
	mutex := l.rs.NewMutex(l.key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) ||
			strings.Contains(err.Error(), "lock already taken") {
			l.logger.Debug("run lease held elsewhere", "key", l.key)
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("failed to acquire run lease %s: %w", l.key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.expiry / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if ok, err := mutex.Extend(); err != nil || !ok {
					l.logger.Warn("failed to extend run lease", "key", l.key, "error", err)
				}
			}
		}
	}()

	return func(ctx context.Context) error {
		close(stop)
		<-done
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to release run lease %s: %w", l.key, err)
		}
		if !ok {
			return fmt.Errorf("run lease %s was not held", l.key)
		}
		return nil
	}, nil
}
