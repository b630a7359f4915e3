// Package bootstrap turns a loaded config into a ready engine. It is shared
// by the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/dontdude/sandrun/internal/config"
	"github.com/dontdude/sandrun/internal/engine"
	"github.com/dontdude/sandrun/internal/language"
	"github.com/dontdude/sandrun/internal/platform/docker"
	"github.com/dontdude/sandrun/internal/platform/process"
	"github.com/dontdude/sandrun/internal/sandbox"
	"github.com/dontdude/sandrun/internal/workspace"
)

// Runtime holds the long-lived collaborators of a binary.
type Runtime struct {
	Engine   *engine.Engine
	Registry *language.Registry
	// Docker is nil when the process backend is selected.
	Docker *docker.Client
}

// Registry loads the profile table named in cfg, or the embedded one.
func Registry(cfg *config.Config) (*language.Registry, error) {
	if cfg.Sandbox.ProfilesFile != "" {
		return language.Load(cfg.Sandbox.ProfilesFile)
	}
	return language.Default()
}

// Build wires the engine. The backend is chosen by sandbox.backend.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	registry, err := Registry(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading language profiles: %w", err)
	}

	staging, err := filepath.Abs(cfg.Sandbox.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("resolving staging dir: %w", err)
	}

	rt := &Runtime{Registry: registry}
	var backend sandbox.Backend
	switch cfg.Sandbox.Backend {
	case "process":
		backend = process.NewRunner()
	default:
		rt.Docker, err = docker.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		backend = rt.Docker
	}

	rt.Engine = engine.New(registry, workspace.NewManager(afero.NewOsFs(), staging), backend, engine.Config{
		Timeout: cfg.ExecTimeout(),
		Limits: sandbox.Limits{
			MemoryBytes: cfg.Sandbox.MemoryBytes,
			CPUPeriod:   cfg.Sandbox.CPUPeriod,
			CPUQuota:    cfg.Sandbox.CPUQuota,
		},
	})

	slog.Info("Engine ready",
		"backend", backend.Name(),
		"stagingDir", staging,
		"timeout", cfg.ExecTimeout(),
		"languages", registry.Languages(),
	)
	return rt, nil
}

// StartMaintenance launches image pre-pull and the orphan reaper in the
// background. It is a no-op for the process backend.
func (rt *Runtime) StartMaintenance(ctx context.Context, cfg *config.Config) {
	if rt.Docker == nil {
		return
	}
	if cfg.Sandbox.PullImages {
		go rt.Docker.EnsureImages(ctx, rt.Registry.Images())
	}
	if cfg.Sandbox.ReapInterval > 0 {
		go rt.Docker.StartReaper(ctx, cfg.Sandbox.ReapInterval, cfg.Sandbox.ReapMaxAge)
	}
}

// Close releases the docker client, if any.
func (rt *Runtime) Close() error {
	if rt.Docker == nil {
		return nil
	}
	return rt.Docker.Close()
}
