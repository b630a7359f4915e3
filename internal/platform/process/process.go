// Package process runs jobs as plain host processes. It isolates nothing
// beyond a per-job directory and a process group, and is meant for
// development hosts without a container runtime.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/sandbox"
	"github.com/dontdude/sandrun/internal/stream"
)

// Runner is the bare-process sandbox.Backend.
type Runner struct{}

var _ sandbox.Backend = (*Runner)(nil)

// NewRunner returns a bare-process backend.
func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) Name() string { return "process" }

// WorkDir is the host directory itself.
func (r *Runner) WorkDir(hostDir string) string { return hostDir }

// Provision prepares the command and its combined output pipe. Image and
// resource limits are ignored.
func (r *Runner) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	if len(spec.Command) == 0 {
		return nil, domain.Wrap(domain.ErrProvision, "empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.HostDir
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, domain.Wrap(domain.ErrProvision, "failed to create output pipe: %w", err)
	}
	// One pipe for both streams keeps stdout and stderr in write order.
	cmd.Stdout = pw
	cmd.Stderr = pw
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin + "\n")
	}

	return &proc{spec: spec, cmd: cmd, out: pr, in: pw}, nil
}

type proc struct {
	spec sandbox.Spec
	cmd  *exec.Cmd
	out  *os.File
	in   *os.File

	waitOnce sync.Once
	waitErr  error

	teardown sync.Once
}

func (p *proc) ID() string {
	if p.cmd.Process == nil {
		return "pending"
	}
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *proc) Start(ctx context.Context) error {
	if err := p.cmd.Start(); err != nil {
		return domain.Wrap(domain.ErrStart, "failed to start process: %w", err)
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	p.in.Close()
	slog.Debug("Process started", "jobID", p.spec.JobID, "pid", p.cmd.Process.Pid)
	return nil
}

func (p *proc) Run(ctx context.Context) (stream.Capture, error) {
	if p.cmd.Process == nil {
		return stream.Capture{}, domain.Wrap(domain.ErrStart, "process not started")
	}
	return stream.Collect(ctx, stream.NewRaw(p.out), p.status, stream.ProcessLabels), nil
}

func (p *proc) status(ctx context.Context) (int, error) {
	done := make(chan error, 1)
	go func() { done <- p.wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return 0, err
		}
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *proc) wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// Teardown kills the whole process group if anything is still running and
// reaps the child.
func (p *proc) Teardown(ctx context.Context) error {
	var err error
	p.teardown.Do(func() {
		p.in.Close()
		p.out.Close()
		if p.cmd.Process == nil {
			return
		}
		if kerr := killProcessGroup(p.cmd); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill process %d: %w", p.cmd.Process.Pid, kerr)
		}
		p.wait()
	})
	return err
}
