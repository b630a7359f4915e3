package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/sandbox"
	"github.com/dontdude/sandrun/internal/stream"
)

// statusPoll is how often a finished exec is re-inspected while the daemon
// still reports it running.
const statusPoll = 20 * time.Millisecond

type environment struct {
	cli  *client.Client
	id   string
	spec sandbox.Spec

	// Direct shape only: attached before start.
	output  *types.HijackedResponse
	stdin   *types.HijackedResponse
	waitCh  <-chan container.WaitResponse
	waitErr <-chan error

	teardown sync.Once
	err      error
}

func (e *environment) ID() string { return e.id }

func (e *environment) attach(ctx context.Context) error {
	out, err := e.cli.ContainerAttach(ctx, e.id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		return fmt.Errorf("attach output: %w", err)
	}
	e.output = &out

	if e.spec.Stdin != "" {
		in, err := e.cli.ContainerAttach(ctx, e.id, container.AttachOptions{
			Stream: true,
			Stdin:  true,
		})
		if err != nil {
			return fmt.Errorf("attach stdin: %w", err)
		}
		e.stdin = &in
	}

	// Registered before start: with auto-removal the exit status is only
	// observable to waiters that were already listening.
	e.waitCh, e.waitErr = e.cli.ContainerWait(ctx, e.id, container.WaitConditionRemoved)
	return nil
}

func (e *environment) Start(ctx context.Context) error {
	if err := e.cli.ContainerStart(ctx, e.id, container.StartOptions{}); err != nil {
		return domain.Wrap(domain.ErrStart, "failed to start container: %w", err)
	}
	return nil
}

func (e *environment) Run(ctx context.Context) (stream.Capture, error) {
	if e.spec.Shape == sandbox.ShapeDirect {
		return e.runDirect(ctx)
	}
	return e.runExec(ctx)
}

// runExec runs the command inside the idle container over a hijacked,
// multiplexed connection.
func (e *environment) runExec(ctx context.Context) (stream.Capture, error) {
	withStdin := e.spec.Stdin != ""

	created, err := e.cli.ContainerExecCreate(ctx, e.id, container.ExecOptions{
		Cmd:          e.spec.Command,
		WorkingDir:   MountDir,
		AttachStdin:  withStdin,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return stream.Capture{}, domain.Wrap(domain.ErrStart, "failed to create exec instance: %w", err)
	}

	hijack, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return stream.Capture{}, domain.Wrap(domain.ErrStart, "failed to start exec: %w", err)
	}

	if withStdin {
		if err := writeLine(&hijack, e.spec.Stdin); err != nil {
			hijack.Close()
			return stream.Capture{}, domain.Wrap(domain.ErrStream, "failed to write input: %w", err)
		}
	}

	s := stream.NewDemuxer(hijack.Reader, hijackCloser{&hijack})
	return stream.Collect(ctx, s, e.execStatus(created.ID), stream.ExecLabels), nil
}

func (e *environment) execStatus(execID string) stream.StatusFunc {
	return func(ctx context.Context) (int, error) {
		ticker := time.NewTicker(statusPoll)
		defer ticker.Stop()
		for {
			inspect, err := e.cli.ContainerExecInspect(ctx, execID)
			if err != nil {
				return 0, err
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// runDirect follows the primary process's output until the container exits.
func (e *environment) runDirect(ctx context.Context) (stream.Capture, error) {
	if e.output == nil {
		return stream.Capture{}, domain.Wrap(domain.ErrStart, "container %s has no attached output", short(e.id))
	}

	if e.stdin != nil {
		if err := writeLine(e.stdin, e.spec.Stdin); err != nil {
			return stream.Capture{}, domain.Wrap(domain.ErrStream, "failed to write input: %w", err)
		}
	}

	s := stream.NewDemuxer(e.output.Reader, hijackCloser{e.output})
	return stream.Collect(ctx, s, e.waitStatus, stream.TestLabels), nil
}

func (e *environment) waitStatus(ctx context.Context) (int, error) {
	select {
	case res := <-e.waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return int(res.StatusCode), errors.New(res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-e.waitErr:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Teardown stops the container, which auto-removes it, then forces removal
// in case it never started.
func (e *environment) Teardown(ctx context.Context) error {
	e.teardown.Do(func() {
		if e.stdin != nil {
			e.stdin.Close()
		}
		if e.output != nil {
			e.output.Close()
		}
		e.err = remove(ctx, e.cli, e.id)
		if e.err == nil {
			slog.Debug("Container removed", "jobID", e.spec.JobID, "containerID", short(e.id))
		}
	})
	return e.err
}

func remove(ctx context.Context, cli *client.Client, id string) error {
	var errs []error

	timeout := 0
	if err := cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !gone(err) {
		errs = append(errs, fmt.Errorf("stop container %s: %w", short(id), err))
	}
	if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !gone(err) {
		errs = append(errs, fmt.Errorf("remove container %s: %w", short(id), err))
	}
	return errors.Join(errs...)
}

// gone reports errors meaning the container is already removed or its
// auto-removal is in progress.
func gone(err error) bool {
	return cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)
}

func writeLine(h *types.HijackedResponse, line string) error {
	if _, err := io.WriteString(h.Conn, line+"\n"); err != nil {
		return err
	}
	return h.CloseWrite()
}

// hijackCloser adapts HijackedResponse, whose Close returns nothing.
type hijackCloser struct {
	resp *types.HijackedResponse
}

func (h hijackCloser) Close() error {
	h.resp.Close()
	return nil
}
