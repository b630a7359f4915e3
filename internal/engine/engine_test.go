package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/language"
	"github.com/dontdude/sandrun/internal/sandbox"
	"github.com/dontdude/sandrun/internal/stream"
	"github.com/dontdude/sandrun/internal/workspace"
)

type fakeBackend struct {
	fs afero.Fs

	provisionErr error
	startErr     error
	runErr       error
	teardownErr  error
	// run produces the capture; defaults to echoing the staged source.
	run func(ctx context.Context, fs afero.Fs, spec sandbox.Spec) stream.Capture

	mu   sync.Mutex
	envs []*fakeEnv
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) WorkDir(string) string { return "/app" }

func (b *fakeBackend) environments() []*fakeEnv {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.envs
}

func (b *fakeBackend) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	if b.provisionErr != nil {
		return nil, b.provisionErr
	}
	env := &fakeEnv{backend: b, spec: spec}
	b.mu.Lock()
	b.envs = append(b.envs, env)
	b.mu.Unlock()
	return env, nil
}

type fakeEnv struct {
	backend *fakeBackend
	spec    sandbox.Spec

	mu        sync.Mutex
	started   bool
	ran       bool
	teardowns int
}

func (e *fakeEnv) ID() string { return "env-" + e.spec.JobID }

func (e *fakeEnv) Start(ctx context.Context) error {
	if e.backend.startErr != nil {
		return e.backend.startErr
	}
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEnv) Run(ctx context.Context) (stream.Capture, error) {
	if e.backend.runErr != nil {
		return stream.Capture{}, e.backend.runErr
	}
	e.mu.Lock()
	e.ran = true
	e.mu.Unlock()
	if e.backend.run != nil {
		return e.backend.run(ctx, e.backend.fs, e.spec), nil
	}
	return echoSource(ctx, e.backend.fs, e.spec), nil
}

func (e *fakeEnv) Teardown(ctx context.Context) error {
	e.mu.Lock()
	e.teardowns++
	e.mu.Unlock()
	return e.backend.teardownErr
}

func (e *fakeEnv) tornDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.teardowns > 0
}

func exit(code int, out string) stream.Capture {
	return stream.Capture{Output: []byte(out), ExitCode: &code}
}

// echoSource returns the staged source file as the program's output.
func echoSource(_ context.Context, fs afero.Fs, spec sandbox.Spec) stream.Capture {
	entries, err := afero.ReadDir(fs, spec.HostDir)
	if err != nil || len(entries) != 1 {
		return exit(99, fmt.Sprintf("unexpected workspace: %v %d", err, len(entries)))
	}
	data, _ := afero.ReadFile(fs, filepath.Join(spec.HostDir, entries[0].Name()))
	return exit(0, string(data))
}

func newEngine(t *testing.T, b *fakeBackend) (*Engine, afero.Fs) {
	t.Helper()
	registry, err := language.Default()
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	b.fs = fs
	e := New(registry, workspace.NewManager(fs, "/staging"), b, Config{Timeout: 2 * time.Second})
	return e, fs
}

func assertNoArtifacts(t *testing.T, fs afero.Fs) {
	t.Helper()
	exists, err := afero.DirExists(fs, "/staging")
	require.NoError(t, err)
	if !exists {
		return
	}
	entries, err := afero.ReadDir(fs, "/staging")
	require.NoError(t, err)
	assert.Empty(t, entries, "staging dir must be empty after a job")
}

func TestExecuteRunsAndCleansUp(t *testing.T) {
	b := &fakeBackend{run: func(context.Context, afero.Fs, sandbox.Spec) stream.Capture { return exit(0, "2\n") }}
	e, fs := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{
		JobID:    "job-1",
		Code:     "print(1+1)",
		Language: "python",
		Input:    "abc",
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "2\n", res.Output)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)

	envs := b.environments()
	require.Len(t, envs, 1)
	env := envs[0]
	assert.True(t, env.started)
	assert.True(t, env.tornDown())
	assert.Equal(t, "python:3.9-slim", env.spec.Image)
	assert.Equal(t, sandbox.ShapeExec, env.spec.Shape)
	assert.Equal(t, "/staging/job-1", env.spec.HostDir)
	assert.Equal(t, []string{"python", "/app/script-job1.py"}, env.spec.Command)
	assert.Equal(t, "abc", env.spec.Stdin)
	assert.Equal(t, sandbox.DefaultLimits(), env.spec.Limits)

	assertNoArtifacts(t, fs)
}

func TestExecuteWritesSourceBeforeRun(t *testing.T) {
	b := &fakeBackend{}
	e, fs := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "puts 42", Language: "ruby"})
	require.NoError(t, res.Err)
	assert.Equal(t, "puts 42", res.Output)
	assertNoArtifacts(t, fs)
}

func TestUnsupportedLanguageTouchesNothing(t *testing.T) {
	b := &fakeBackend{}
	e, fs := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "+++.", Language: "brainfuck"})

	assert.ErrorIs(t, res.Err, domain.ErrValidation)
	assert.Equal(t, "Language brainfuck not supported yet", res.Output)
	assert.Empty(t, b.environments())
	exists, err := afero.Exists(fs, "/staging")
	require.NoError(t, err)
	assert.False(t, exists, "no workspace may be created on rejection")
}

func TestEmptyCodeIsRejected(t *testing.T) {
	b := &fakeBackend{}
	e, _ := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "  ", Language: "python"})
	assert.ErrorIs(t, res.Err, domain.ErrValidation)
	assert.Equal(t, "Code is required and must be a string", res.Output)
	assert.Empty(t, b.environments())
}

func TestTestsWithoutMarkersAreRejected(t *testing.T) {
	b := &fakeBackend{}
	e, fs := newEngine(t, b)

	res := e.ExecuteTests(context.Background(), domain.ExecutionRequest{Code: "print(1)", Language: "python"})

	assert.ErrorIs(t, res.Err, domain.ErrValidation)
	assert.Contains(t, res.Output, "unittest.TestCase")
	assert.Contains(t, res.Output, "self.assert")
	assert.Empty(t, b.environments())
	exists, _ := afero.Exists(fs, "/staging")
	assert.False(t, exists)
}

func TestTestModeUnsupportedLanguage(t *testing.T) {
	b := &fakeBackend{}
	e, _ := newEngine(t, b)

	res := e.ExecuteTests(context.Background(), domain.ExecutionRequest{Code: "package main", Language: "go"})
	assert.ErrorIs(t, res.Err, domain.ErrNotSupported)
	assert.Equal(t, "Test framework for go not supported yet", res.Output)

	res = e.ExecuteTests(context.Background(), domain.ExecutionRequest{Code: "+++.", Language: "brainfuck"})
	assert.ErrorIs(t, res.Err, domain.ErrNotSupported)
	assert.Equal(t, "Test framework for brainfuck not supported yet", res.Output)
	assert.Empty(t, b.environments())
}

func TestTestModeUsesDirectShape(t *testing.T) {
	b := &fakeBackend{run: func(context.Context, afero.Fs, sandbox.Spec) stream.Capture {
		return exit(0, "1 example, 0 failures\n")
	}}
	e, fs := newEngine(t, b)

	res := e.ExecuteTests(context.Background(), domain.ExecutionRequest{
		JobID:    "job-2",
		Code:     "describe 'x' do\n  it 'adds' do\n    expect(1 + 1).to eq(2)\n  end\nend\n",
		Language: "ruby",
	})

	require.NoError(t, res.Err)
	envs := b.environments()
	require.Len(t, envs, 1)
	assert.Equal(t, sandbox.ShapeDirect, envs[0].spec.Shape)
	assert.Equal(t, "ruby-rspec:3.2-slim", envs[0].spec.Image)
	assert.True(t, envs[0].tornDown())
	assertNoArtifacts(t, fs)
}

func TestDefaultLanguages(t *testing.T) {
	b := &fakeBackend{}
	e, _ := newEngine(t, b)

	e.Execute(context.Background(), domain.ExecutionRequest{Code: "console.log(1)"})
	e.ExecuteTests(context.Background(), domain.ExecutionRequest{Code: "class T(unittest.TestCase): pass"})

	envs := b.environments()
	require.Len(t, envs, 2)
	assert.Equal(t, "node:18", envs[0].spec.Image)
	assert.Equal(t, "python:3.9-slim", envs[1].spec.Image)
}

func TestNonZeroExitKeepsOutput(t *testing.T) {
	b := &fakeBackend{run: func(context.Context, afero.Fs, sandbox.Spec) stream.Capture {
		return exit(2, "partial\n\nError: Exec exited with code 2")
	}}
	e, _ := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "import sys; sys.exit(2)", Language: "python"})

	assert.NoError(t, res.Err, "a non-zero exit is not an error")
	assert.Equal(t, 2, *res.ExitCode)
	assert.Contains(t, res.Output, "partial")
	assert.Contains(t, res.Output, "exited with code 2")
	assert.Equal(t, "ok", res.Status())
}

func TestProvisionFailure(t *testing.T) {
	b := &fakeBackend{provisionErr: domain.Wrap(domain.ErrProvision, "failed to create container: %w", errors.New("no such image"))}
	e, fs := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "print(1)", Language: "python"})

	assert.ErrorIs(t, res.Err, domain.ErrProvision)
	assert.Equal(t, "Error: Failed to create container: no such image", res.Output)
	assertNoArtifacts(t, fs)
}

func TestStartFailureTearsDown(t *testing.T) {
	b := &fakeBackend{startErr: domain.Wrap(domain.ErrStart, "failed to start container: %w", errors.New("oci error"))}
	e, fs := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "print(1)", Language: "python"})

	assert.ErrorIs(t, res.Err, domain.ErrStart)
	envs := b.environments()
	require.Len(t, envs, 1)
	assert.True(t, envs[0].tornDown())
	assert.False(t, envs[0].ran)
	assertNoArtifacts(t, fs)
}

func TestExecCreateFailureTearsDown(t *testing.T) {
	b := &fakeBackend{runErr: domain.Wrap(domain.ErrStart, "failed to create exec instance: %w", errors.New("container not running"))}
	e, fs := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "print(1)", Language: "python"})

	assert.ErrorIs(t, res.Err, domain.ErrStart)
	require.Len(t, b.environments(), 1)
	assert.True(t, b.environments()[0].tornDown())
	assertNoArtifacts(t, fs)
}

func TestStreamErrorKeepsPartialOutput(t *testing.T) {
	b := &fakeBackend{run: func(context.Context, afero.Fs, sandbox.Spec) stream.Capture {
		return stream.Capture{
			Output: []byte("half\nExec stream error: connection reset"),
			Err:    fmt.Errorf("%w: %w", domain.ErrStream, errors.New("connection reset")),
		}
	}}
	e, _ := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "print(1)", Language: "python"})
	assert.ErrorIs(t, res.Err, domain.ErrStream)
	assert.Contains(t, res.Output, "half")
	assert.Nil(t, res.ExitCode)
}

func TestTimeoutIsDistinct(t *testing.T) {
	b := &fakeBackend{run: func(ctx context.Context, _ afero.Fs, _ sandbox.Spec) stream.Capture {
		<-ctx.Done()
		return stream.Capture{Output: []byte("tick\n"), Err: fmt.Errorf("%w: %w", domain.ErrTimedOut, ctx.Err())}
	}}
	e, fs := newEngine(t, b)
	e.cfg.Timeout = 50 * time.Millisecond

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "while True: pass", Language: "python"})

	assert.True(t, res.TimedOut())
	assert.Equal(t, "timed_out", res.Status())
	assert.Equal(t, "tick\n\nError: Execution timed out (50ms limit)", res.Output)
	require.Len(t, b.environments(), 1)
	assert.True(t, b.environments()[0].tornDown())
	assertNoArtifacts(t, fs)
}

func TestStartPastDeadlineIsTimeout(t *testing.T) {
	b := &fakeBackend{startErr: domain.Wrap(domain.ErrStart, "failed to start container: %w", context.DeadlineExceeded)}
	e, _ := newEngine(t, b)
	e.cfg.Timeout = time.Nanosecond

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "print(1)", Language: "python"})
	assert.True(t, res.TimedOut())
	assert.True(t, b.environments()[0].tornDown())
}

func TestTeardownFailureDoesNotOverrideResult(t *testing.T) {
	b := &fakeBackend{
		teardownErr: errors.New("daemon went away"),
		run:         func(context.Context, afero.Fs, sandbox.Spec) stream.Capture { return exit(0, "ok\n") },
	}
	e, fs := newEngine(t, b)

	res := e.Execute(context.Background(), domain.ExecutionRequest{Code: "print('ok')", Language: "python"})
	require.NoError(t, res.Err)
	assert.Equal(t, "ok\n", res.Output)
	assertNoArtifacts(t, fs)
}

func TestConcurrentJobsAreIsolated(t *testing.T) {
	b := &fakeBackend{}
	e, fs := newEngine(t, b)

	langs := []string{"python", "ruby", "javascript", "go", "cpp", "java"}
	results := make([]domain.ExecutionResult, len(langs))

	var wg sync.WaitGroup
	for i, lang := range langs {
		wg.Add(1)
		go func(i int, lang string) {
			defer wg.Done()
			results[i] = e.Execute(context.Background(), domain.ExecutionRequest{
				Code:     "source of " + lang,
				Language: lang,
			})
		}(i, lang)
	}
	wg.Wait()

	dirs := map[string]bool{}
	for _, env := range b.environments() {
		assert.False(t, dirs[env.spec.HostDir], "workspace shared between jobs")
		dirs[env.spec.HostDir] = true
		assert.True(t, env.tornDown())
	}
	for i, lang := range langs {
		require.NoError(t, results[i].Err, lang)
		assert.Equal(t, "source of "+lang, results[i].Output, lang)
	}
	assertNoArtifacts(t, fs)
}
