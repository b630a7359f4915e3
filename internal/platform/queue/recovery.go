package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/sandrun/internal/domain"
)

// recoveryConsumer owns entries reclaimed from crashed workers.
const recoveryConsumer = "recovery-agent"

// Refresh re-claims every entry this queue handed out and has not yet
// acknowledged, resetting its idle time. Entries that sit in a worker's
// buffer or run for a long time therefore never look abandoned to Recover.
// It returns how many entries were refreshed.
func (r *RedisQueue) Refresh(ctx context.Context) (int, error) {
	ids := r.pending()
	if len(ids) == 0 {
		return 0, nil
	}

	claimed, err := r.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   r.opts.Stream,
		Group:    r.opts.Group,
		Consumer: r.consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("refresh in-flight entries: %w", err)
	}

	// Entries no longer pending were acknowledged elsewhere.
	if len(claimed) < len(ids) {
		kept := make(map[string]struct{}, len(claimed))
		for _, id := range claimed {
			kept[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := kept[id]; !ok {
				r.untrack(id)
			}
		}
	}
	return len(claimed), nil
}

// StartKeepAlive calls Refresh every interval until ctx is done. The
// interval must be well below the recovery age.
func (r *RedisQueue) StartKeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Keep-alive failed", "error", err)
			}
		}
	}
}

// StartRecoveryRoutine polls the Pending Entry List for jobs idle longer
// than maxAge (their worker died mid-job; live workers keep theirs fresh
// with StartKeepAlive), claims them and hands them to out
// for another attempt. It returns when ctx is done.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxAge time.Duration, out chan<- domain.Job) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting Redis recovery routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Recover(ctx, maxAge, out); err != nil && ctx.Err() == nil {
				slog.Error("Recovery routine failed", "error", err)
			}
		}
	}
}

// Recover runs one XAUTOCLAIM sweep and returns how many jobs were redelivered.
func (r *RedisQueue) Recover(ctx context.Context, maxAge time.Duration, out chan<- domain.Job) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}

	n := 0
	start := "0-0"
	for {
		// We claim batches of 10
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.opts.Stream,
			Group:    r.opts.Group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return n, err
		}

		for _, msg := range messages {
			job, ok := r.decode(ctx, msg)
			if !ok {
				continue
			}
			slog.Warn("Stale job reclaimed", "msgID", msg.ID, "jobID", job.ID)
			select {
			case out <- job:
				n++
			case <-ctx.Done():
				return n, ctx.Err()
			}
		}

		if next == "0-0" || len(messages) == 0 {
			return n, nil
		}
		start = next
	}
}
