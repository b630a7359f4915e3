package workspace

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/language"
)

// Workspace is the private staging area of one in-flight job.
type Workspace struct {
	JobID      string
	Root       string
	SourceFile string
	SourcePath string
	Artifacts  []string
}

// Manager hands out per-job directories under a shared staging root.
type Manager struct {
	fs   afero.Fs
	root string
}

// NewManager returns a manager staging jobs under root on fsys.
func NewManager(fsys afero.Fs, root string) *Manager {
	return &Manager{fs: fsys, root: root}
}

// Root is the shared staging directory.
func (m *Manager) Root() string {
	return m.root
}

// Allocate creates the job's directory and computes where its source and
// build artifacts will live. The staging root is created on first use;
// concurrent first callers all succeed.
func (m *Manager) Allocate(jobID string, p language.Profile) (*Workspace, error) {
	if err := m.fs.MkdirAll(m.root, 0o755); err != nil {
		return nil, domain.Wrap(domain.ErrIO, "create staging dir: %w", err)
	}

	dir := filepath.Join(m.root, jobID)
	if err := m.fs.Mkdir(dir, 0o755); err != nil {
		return nil, domain.Wrap(domain.ErrIO, "create job dir: %w", err)
	}

	src := p.SourceName(jobID)
	ws := &Workspace{
		JobID:      jobID,
		Root:       dir,
		SourceFile: src,
		SourcePath: filepath.Join(dir, src),
	}
	for _, name := range p.ArtifactNames(jobID) {
		ws.Artifacts = append(ws.Artifacts, filepath.Join(dir, name))
	}
	return ws, nil
}

// Write persists the submitted source into the workspace.
func (m *Manager) Write(ws *Workspace, code string) error {
	if err := afero.WriteFile(m.fs, ws.SourcePath, []byte(code), 0o644); err != nil {
		return domain.Wrap(domain.ErrIO, "write source: %w", err)
	}
	return nil
}

// Release removes the source, known artifacts and finally the job directory.
// Already-missing files are fine. Failures are logged and never returned.
func (m *Manager) Release(ws *Workspace) int {
	if ws == nil {
		return 0
	}

	failures := 0
	paths := append([]string{ws.SourcePath}, ws.Artifacts...)
	for _, p := range paths {
		if err := m.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to remove workspace file", "jobID", ws.JobID, "path", p, "error", err)
			failures++
		}
	}

	// Sweeps anything the program left behind that no profile knows about.
	if err := m.fs.RemoveAll(ws.Root); err != nil {
		slog.Warn("Failed to remove workspace", "jobID", ws.JobID, "path", ws.Root, "error", err)
		failures++
	}
	return failures
}
