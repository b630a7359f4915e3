// Package sandbox defines the isolation backend contract shared by the
// container and bare-process strategies.
package sandbox

import (
	"context"

	"github.com/dontdude/sandrun/internal/stream"
)

// Shape selects how the command relates to the environment.
type Shape int

const (
	// ShapeExec starts an idle environment and runs the command inside it
	// through an attached exec session.
	ShapeExec Shape = iota
	// ShapeDirect makes the command the environment's primary process and
	// follows its output until it exits.
	ShapeDirect
)

func (s Shape) String() string {
	if s == ShapeDirect {
		return "direct"
	}
	return "exec"
}

// Limits are the per-environment resource caps.
type Limits struct {
	MemoryBytes int64
	CPUPeriod   int64
	CPUQuota    int64
}

// DefaultLimits is a 1 GiB memory ceiling and one full core.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 1 << 30,
		CPUPeriod:   100000,
		CPUQuota:    100000,
	}
}

// Spec describes one environment to provision.
type Spec struct {
	JobID   string
	Image   string
	Command []string
	// HostDir is the job's workspace on the host.
	HostDir string
	Shape   Shape
	Limits  Limits
	// Stdin, when non-empty, is written followed by a newline as a single
	// line of interactive input.
	Stdin string
}

// Backend provisions isolated environments.
// Implementations must be safe for concurrent use by many jobs.
type Backend interface {
	Name() string
	// WorkDir is where HostDir appears to the running program.
	WorkDir(hostDir string) string
	// Provision creates an environment bound to spec.HostDir. On error
	// nothing is left behind: anything partially created has already been
	// torn down.
	Provision(ctx context.Context, spec Spec) (Environment, error)
}

// Environment is a provisioned, single-use execution context.
// Lifecycle: Provision → Start → Run at most once → Teardown.
type Environment interface {
	ID() string
	// Start errors wrap domain.ErrStart.
	Start(ctx context.Context) error
	// Run executes the command and collects its output. The returned error
	// covers failures before any output stream existed; failures while
	// streaming are reported in the Capture.
	Run(ctx context.Context) (stream.Capture, error)
	// Teardown stops and removes the environment. It is idempotent and
	// treats an already-gone environment as success.
	Teardown(ctx context.Context) error
}
