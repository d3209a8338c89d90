// Package runtime schedules recurring sync cycles for the daemon.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"prefixsync/internal/support"
	"prefixsync/internal/syncer"
)

const syncLockKeyPrefix = "prefixsync:leader:sync:"

// Cycler is the part of syncer.Orchestrator the routine needs.
type Cycler interface {
	Run(ctx context.Context) *syncer.Result
}

type SyncRoutine struct {
	Cycler   Cycler
	BaseName string
	Interval time.Duration
	// Redis enables the leader lock. Without it every instance syncs.
	Redis  *redis.Client
	Logger *log.Logger
}

func SyncLockKey(base string) string {
	return syncLockKeyPrefix + base
}

// Start runs one cycle immediately and then every Interval until ctx is done.
func (r *SyncRoutine) Start(ctx context.Context) error {
	if r.Cycler == nil {
		return errors.New("runtime: sync routine needs a cycler")
	}
	if r.Interval <= 0 {
		return errors.New("runtime: sync interval must be positive")
	}
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("scheduler")

	if r.Redis == nil {
		logger.Info("Sync routine started", "interval", r.Interval, "leader_lock", false)
		r.loop(ctx, logger)
		return ctx.Err()
	}

	lock := &support.LeaderLock{
		Client: r.Redis,
		Key:    SyncLockKey(r.BaseName),
		TTL:    support.DefaultLeadershipTTL,
		Logger: logger,
	}
	logger.Info("Sync routine started", "interval", r.Interval, "leader_lock", lock.Key)
	err := lock.Run(ctx, func(leaderCtx context.Context) {
		r.loop(leaderCtx, logger)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (r *SyncRoutine) loop(ctx context.Context, logger *log.Logger) {
	r.runOnce(ctx, logger)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			r.runOnce(ctx, logger)
		}
	}
}

func (r *SyncRoutine) runOnce(ctx context.Context, logger *log.Logger) {
	res := r.Cycler.Run(ctx)
	logger.Debug("Scheduled cycle done", "status", res.Status, "next_in", r.Interval)
}
