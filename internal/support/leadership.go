package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	renewalTimeout       = 5 * time.Second
	minRenewalInterval   = time.Second
	renewalFraction      = 3
)

var (
	leaderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// LeaderLock is a Redis lock that lets exactly one process across a fleet run
// sync cycles for a given base list.
type LeaderLock struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
	Logger *log.Logger
}

// Run blocks until ctx is done. Whenever the lock is held, run is invoked with
// a context that is cancelled once leadership is lost; after run returns the
// lock is released and re-contended.
func (l *LeaderLock) Run(ctx context.Context, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if l.Client == nil || l.Key == "" {
		return errors.New("support: leader lock needs a redis client and key")
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		session, err := l.acquire(ctx, ttl, logger)
		if err != nil {
			return err
		}

		logger.Info("Leader lock acquired", "key", l.Key)
		run(session.ctx)
		session.close()
		logger.Info("Leader lock released", "key", l.Key)

		if err := sleepCtx(ctx, leadershipRetryDelay); err != nil {
			return err
		}
	}
}

type leaderSession struct {
	lock      *LeaderLock
	value     string
	ttl       time.Duration
	logger    *log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
}

// acquire polls SETNX until the key is ours or ctx ends.
func (l *LeaderLock) acquire(ctx context.Context, ttl time.Duration, logger *log.Logger) (*leaderSession, error) {
	value := generateLeaderID()

	for {
		ok, err := l.Client.SetNX(ctx, l.Key, value, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			logger.Warn("Leader lock: setnx failed", "key", l.Key, "error", err)
		case ok:
			sessionCtx, cancel := context.WithCancel(ctx)
			s := &leaderSession{
				lock:      l,
				value:     value,
				ttl:       ttl,
				logger:    logger,
				ctx:       sessionCtx,
				cancel:    cancel,
				stopRenew: make(chan struct{}),
			}
			go s.renewLoop()
			return s, nil
		}

		if err := sleepCtx(ctx, leadershipRetryDelay); err != nil {
			return nil, err
		}
	}
}

func (s *leaderSession) close() {
	s.closeOnce.Do(func() {
		close(s.stopRenew)
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
		defer cancel()
		_, err := releaseScript.Run(ctx, s.lock.Client, []string{s.lock.Key}, s.value).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn("Leader lock: release failed", "key", s.lock.Key, "error", err)
		}
	})
}

func (s *leaderSession) renewLoop() {
	ticker := time.NewTicker(renewalInterval(s.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-s.stopRenew:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.renew(); err != nil {
				s.logger.Warn("Leader lock: renewal failed", "key", s.lock.Key, "error", err)
				s.cancel()
				return
			}
		}
	}
}

func (s *leaderSession) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, s.lock.Client, []string{s.lock.Key}, s.value, s.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func renewalInterval(ttl time.Duration) time.Duration {
	return max(ttl/renewalFraction, minRenewalInterval)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func generateLeaderID() string {
	host, _ := os.Hostname()
	counter := leaderCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}
