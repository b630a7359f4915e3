package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dontdude/sandrun/internal/domain"
)

// Labels name the parties in appended diagnostics.
type Labels struct {
	// Process appears as "Error: <Process> exited with code N".
	Process string
	// Stream appears as "<Stream> error: <cause>".
	Stream string
	// Status appears as "Error <Status>: <cause>".
	Status string
}

var (
	ExecLabels    = Labels{Process: "Exec", Stream: "Exec stream", Status: "inspecting exec"}
	TestLabels    = Labels{Process: "Test container", Stream: "Test stream", Status: "waiting for test container"}
	ProcessLabels = Labels{Process: "Process", Stream: "Process stream", Status: "waiting for process"}
)

// StatusFunc retrieves the final exit status once output has ended.
type StatusFunc func(ctx context.Context) (int, error)

// Capture is everything collected from one run.
type Capture struct {
	Output   []byte
	ExitCode *int
	// Err is nil, or wraps domain.ErrStream or domain.ErrTimedOut.
	Err error
}

// Collect drains s into a combined buffer, then asks status for the exit
// code. The stream is always closed before Collect returns, and is closed
// early if ctx ends so a blocked read gives up.
//
// A non-zero exit or a failed status lookup is reported by appending a
// diagnostic line; partial output is never dropped.
func Collect(ctx context.Context, s Stream, status StatusFunc, l Labels) Capture {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	defer s.Close()

	var out bytes.Buffer
	for {
		chunk, err := s.Next()
		out.Write(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cerr := interrupted(ctx); cerr != nil {
				return Capture{Output: out.Bytes(), Err: cerr}
			}
			slog.Debug("Stream failed", "stream", l.Stream, "error", err)
			fmt.Fprintf(&out, "\n%s error: %v", l.Stream, err)
			return Capture{Output: out.Bytes(), Err: fmt.Errorf("%w: %w", domain.ErrStream, err)}
		}
	}

	code, err := status(ctx)
	if err != nil {
		if cerr := interrupted(ctx); cerr != nil {
			return Capture{Output: out.Bytes(), Err: cerr}
		}
		fmt.Fprintf(&out, "\nError %s: %v", l.Status, err)
		return Capture{Output: out.Bytes()}
	}
	if code != 0 {
		fmt.Fprintf(&out, "\nError: %s exited with code %d", l.Process, code)
	}
	return Capture{Output: out.Bytes(), ExitCode: &code}
}

func interrupted(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrTimedOut, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrStream, err)
	}
}
