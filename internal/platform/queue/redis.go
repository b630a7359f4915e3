package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/sandrun/internal/domain"
)

// Options names the Redis keys the queue works on.
type Options struct {
	Stream      string
	Group       string
	LogsChannel string
}

// RedisQueue implements domain.JobQueue using Redis Streams for jobs and
// Pub/Sub for results.
type RedisQueue struct {
	client   *redis.Client
	opts     Options
	consumer string
	block    time.Duration

	// inflight holds stream IDs handed out but not yet acknowledged.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue connects to addr and returns a queue adapter.
func NewRedisQueue(ctx context.Context, addr string, opts Options) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return newQueue(rdb, opts), nil
}

func newQueue(rdb *redis.Client, opts Options) *RedisQueue {
	// Generate a unique consumer name (e.g: hostname-pid)
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return &RedisQueue{
		client:   rdb,
		opts:     opts,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		block:    2 * time.Second,
		inflight: make(map[string]struct{}),
	}
}

// Close releases the connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish enqueues a job to the Redis stream using XADD (Producer).
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]any{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// ensureGroup creates the consumer group (and the stream) if missing.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.opts.Stream, r.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs read with XREADGROUP (Consumer).
// The channel is closed once ctx is done.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Job)

	go func() {
		defer close(outCh)

		for ctx.Err() == nil {
			// Block briefly so ctx is rechecked.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.opts.Group,
				Consumer: r.consumer,
				Streams:  []string{r.opts.Stream, ">"}, // ">" means new messages
				Count:    1,
				Block:    r.block,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Error("Redis read error", "error", err)
				sleep(ctx, time.Second) // Backoff
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, ok := r.decode(ctx, msg)
					if !ok {
						continue
					}
					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

// decode extracts a job from a stream entry. Undecodable entries are
// acknowledged so they never come back through recovery.
func (r *RedisQueue) decode(ctx context.Context, msg redis.XMessage) (domain.Job, bool) {
	var job domain.Job

	val, ok := msg.Values["job"].(string)
	if !ok {
		slog.Error("Invalid message format", "msgID", msg.ID)
		r.drop(ctx, msg.ID)
		return job, false
	}
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		slog.Error("Failed to unmarshal job", "msgID", msg.ID, "error", err)
		r.drop(ctx, msg.ID)
		return job, false
	}

	// Keep the stream ID so we can ACK later.
	job.RawID = msg.ID
	r.track(msg.ID)
	return job, true
}

func (r *RedisQueue) drop(ctx context.Context, rawID string) {
	if err := r.Acknowledge(ctx, rawID); err != nil {
		slog.Warn("Failed to ack malformed entry", "msgID", rawID, "error", err)
	}
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	r.untrack(rawID)
	return r.client.XAck(ctx, r.opts.Stream, r.opts.Group, rawID).Err()
}

func (r *RedisQueue) track(rawID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[rawID] = struct{}{}
}

func (r *RedisQueue) untrack(rawID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, rawID)
}

func (r *RedisQueue) pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast publishes a finished job's result on the logs channel.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return r.client.Publish(ctx, r.opts.LogsChannel, data).Err()
}

// SubscribeLogs subscribes to the logs channel and streams results to a Go
// channel until ctx is done.
func (r *RedisQueue) SubscribeLogs(ctx context.Context) (<-chan domain.JobResult, error) {
	pubsub := r.client.Subscribe(ctx, r.opts.LogsChannel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.JobResult)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.JobResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					slog.Error("Failed to unmarshal result", "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
