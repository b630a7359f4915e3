package docker

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/dontdude/sandrun/internal/sandbox"
)

// MountDir is where the job's workspace appears inside the container.
const MountDir = "/app"

// Labels put on every container this service creates, so orphans can be
// found after a crash.
const (
	LabelManaged = "sandrun.managed"
	LabelJob     = "sandrun.job"
)

const teardownTimeout = 30 * time.Second

// idleCommand keeps an exec-shape container alive until it is stopped.
var idleCommand = []string{"tail", "-f", "/dev/null"}

func containerName(jobID string) string {
	return "sandrun-" + jobID
}

func containerConfig(spec sandbox.Spec) *container.Config {
	cfg := &container.Config{
		Image:      spec.Image,
		WorkingDir: MountDir,
		Tty:        false,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelJob:     spec.JobID,
		},
	}

	switch spec.Shape {
	case sandbox.ShapeDirect:
		cfg.Cmd = spec.Command
		cfg.AttachStdout = true
		cfg.AttachStderr = true
		if spec.Stdin != "" {
			cfg.AttachStdin = true
			cfg.OpenStdin = true
			cfg.StdinOnce = true
		}
	default:
		cfg.Cmd = idleCommand
	}
	return cfg
}

func hostConfig(spec sandbox.Spec) *container.HostConfig {
	return &container.HostConfig{
		Binds:      []string{spec.HostDir + ":" + MountDir},
		AutoRemove: true,
		Resources: container.Resources{
			Memory:    spec.Limits.MemoryBytes,
			CPUPeriod: spec.Limits.CPUPeriod,
			CPUQuota:  spec.Limits.CPUQuota,
		},
	}
}

func pullOptions() image.PullOptions {
	return image.PullOptions{}
}

// teardownContext outlives the job's own deadline so cleanup still runs
// after a timeout.
func teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
}
