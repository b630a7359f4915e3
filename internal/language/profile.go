package language

import (
	"strings"

	"github.com/dontdude/sandrun/internal/domain"
)

// Pipeline is how one mode of a language is staged and invoked.
type Pipeline struct {
	Image     string
	Source    string
	Artifacts []string
	Command   []string
	Framework string
	Markers   []string
}

// Profile is a resolved, immutable view of a language for a single mode.
type Profile struct {
	ID   string
	Mode domain.Mode
	Pipeline
}

// Tag is the per-job qualifier substituted for {job}.
func Tag(jobID string) string {
	return strings.ReplaceAll(jobID, "-", "")
}

// SourceName is the file name the source is written to for this job.
func (p Profile) SourceName(jobID string) string {
	return p.expand(p.Source, "", "", jobID)
}

// ArtifactNames lists build outputs the job may leave in its workspace.
func (p Profile) ArtifactNames(jobID string) []string {
	names := make([]string, 0, len(p.Artifacts))
	for _, a := range p.Artifacts {
		names = append(names, p.expand(a, "", "", jobID))
	}
	return names
}

// Argv renders the command for a workspace that the program sees at dir.
func (p Profile) Argv(dir, jobID string) []string {
	src := p.SourceName(jobID)
	argv := make([]string, len(p.Command))
	for i, arg := range p.Command {
		argv[i] = p.expand(arg, dir, src, jobID)
	}
	return argv
}

func (p Profile) expand(s, dir, src, jobID string) string {
	return strings.NewReplacer(
		"{dir}", dir,
		"{src}", src,
		"{job}", Tag(jobID),
	).Replace(s)
}
