package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "prefixsync:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// InstanceKey is the heartbeat key of instance id serving base.
func InstanceKey(base, id string) string {
	return InstanceHeartbeatKeyPrefix + base + ":" + id
}

type keyScanner interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// StartInstanceHeartbeat refreshes a short-lived key naming this instance and
// the base list it serves until ctx is done. After each beat observe, when
// set, receives the number of live instances serving base.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, base string, interval, ttl time.Duration, observe func(active int)) {
	key := InstanceKey(base, instanceID)

	beat := func() {
		if err := client.SetEx(ctx, key, instanceID, ttl).Err(); err != nil {
			if ctx.Err() == nil {
				log.Error("Failed to update instance heartbeat", "key", key, "error", err)
			}
			return
		}
		if observe == nil {
			return
		}
		active, err := CountActiveInstances(ctx, client, base)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Failed to count active instances", "base", base, "error", err)
			}
			return
		}
		observe(active)
	}

	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = client.Del(cleanup, key).Err()
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// CountActiveInstances reports how many prefixsync daemons serving base are alive.
func CountActiveInstances(ctx context.Context, client keyScanner, base string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	pattern := InstanceKey(base, "*")
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
