package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/dontdude/sandrun/internal/metrics"
)

// Reap removes managed containers older than maxAge. These are leftovers of
// a crashed process; a live job never holds a container that long.
func (c *Client) Reap(ctx context.Context, maxAge time.Duration) (int, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", err)
	}

	removed := 0
	now := time.Now()
	for _, ctr := range list {
		if !stale(ctr.Created, maxAge, now) {
			continue
		}
		if err := remove(ctx, c.cli, ctr.ID); err != nil {
			slog.Warn("Failed to reap container", "containerID", short(ctr.ID), "jobID", ctr.Labels[LabelJob], "error", err)
			metrics.CleanupFailures.WithLabelValues("reaper").Inc()
			continue
		}
		slog.Info("Reaped orphaned container", "containerID", short(ctr.ID), "jobID", ctr.Labels[LabelJob])
		removed++
	}
	return removed, nil
}

// StartReaper reaps once immediately and then every interval until ctx ends.
func (c *Client) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting container reaper", "interval", interval, "maxAge", maxAge)

	for {
		if _, err := c.Reap(ctx, maxAge); err != nil && ctx.Err() == nil {
			slog.Error("Reaper run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func stale(created int64, maxAge time.Duration, now time.Time) bool {
	return now.Sub(time.Unix(created, 0)) >= maxAge
}
