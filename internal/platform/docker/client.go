package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/client"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/metrics"
	"github.com/dontdude/sandrun/internal/sandbox"
)

const pingTimeout = 5 * time.Second

// Client wraps the official Docker SDK client.
// A single instance is shared by every job; the SDK client is safe for
// concurrent use.
type Client struct {
	cli *client.Client
}

// Check if Client implements sandbox.Backend
var _ sandbox.Backend = (*Client)(nil)

// NewClient initializes a Docker client and verifies the daemon answers a
// Ping, so the service refuses to start in a broken state.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}

	slog.Info("Docker Client initialized successfully")
	return &Client{cli: cli}, nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Name() string { return "docker" }

// WorkDir is the fixed mount point of every workspace.
func (c *Client) WorkDir(string) string { return MountDir }

// Provision creates a container bound to the job's workspace. For the
// direct shape the output (and stdin, if any) is attached before start so
// nothing written by a short-lived program is lost to auto-removal.
func (c *Client) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	start := time.Now()

	resp, err := c.cli.ContainerCreate(ctx, containerConfig(spec), hostConfig(spec), nil, nil, containerName(spec.JobID))
	if err != nil {
		return nil, domain.Wrap(domain.ErrProvision, "failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("Container created with warning", "jobID", spec.JobID, "warning", w)
	}

	env := &environment{cli: c.cli, id: resp.ID, spec: spec}
	if spec.Shape == sandbox.ShapeDirect {
		if err := env.attach(ctx); err != nil {
			tctx, cancel := teardownContext(ctx)
			defer cancel()
			if terr := env.Teardown(tctx); terr != nil {
				slog.Warn("Failed to tear down unattached container", "jobID", spec.JobID, "containerID", short(resp.ID), "error", terr)
				metrics.CleanupFailures.WithLabelValues("environment").Inc()
			}
			return nil, domain.Wrap(domain.ErrProvision, "failed to attach container: %w", err)
		}
	}

	metrics.ProvisionDuration.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())
	slog.Debug("Container created", "jobID", spec.JobID, "containerID", short(resp.ID), "shape", spec.Shape)
	return env, nil
}

// EnsureImage pulls ref unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, err := c.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	slog.Info("Pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, pullOptions())
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the response body to ensure the pull completes properly.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	slog.Info("Pulled image", "image", ref)
	return nil
}

// EnsureImages pre-pulls every image. Failures are logged so one missing
// image does not block the others.
func (c *Client) EnsureImages(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := c.EnsureImage(ctx, ref); err != nil {
			slog.Error("Error pre-pulling image", "image", ref, "error", err)
		}
	}
	slog.Info("Image pre-pull finished", "count", len(refs))
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
