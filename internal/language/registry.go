package language

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/dontdude/sandrun/internal/domain"
)

//go:embed profiles.yaml
var defaultProfiles []byte

type profileFile struct {
	Profiles []profileEntry `yaml:"profiles"`
}

type profileEntry struct {
	ID        string     `yaml:"id"`
	Image     string     `yaml:"image"`
	Source    string     `yaml:"source"`
	Artifacts []string   `yaml:"artifacts"`
	Run       string     `yaml:"run"`
	Test      *testEntry `yaml:"test"`
}

type testEntry struct {
	Framework string   `yaml:"framework"`
	Image     string   `yaml:"image"`
	Source    string   `yaml:"source"`
	Artifacts []string `yaml:"artifacts"`
	Command   string   `yaml:"command"`
	Markers   []string `yaml:"markers"`
}

type entry struct {
	run  Pipeline
	test *Pipeline
}

// Registry maps language identifiers to their pipelines.
// It is populated once by the constructor and never mutated afterwards, so
// concurrent readers need no locking.
type Registry struct {
	languages map[string]entry
}

// Default returns the registry built from the embedded profile table.
func Default() (*Registry, error) {
	return Parse(defaultProfiles)
}

// Load reads a profile table from path, or the embedded one if path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from a YAML profile table.
func Parse(data []byte) (*Registry, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("parse profiles: no profiles defined")
	}

	r := &Registry{languages: make(map[string]entry, len(f.Profiles))}
	for _, p := range f.Profiles {
		id := normalize(p.ID)
		if id == "" || p.Image == "" || p.Source == "" {
			return nil, fmt.Errorf("profile %q: id, image and source are required", p.ID)
		}
		if _, dup := r.languages[id]; dup {
			return nil, fmt.Errorf("profile %q: defined twice", id)
		}

		run, err := pipeline(p.Image, p.Source, p.Run, p.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("profile %q: run: %w", id, err)
		}
		e := entry{run: run}

		if t := p.Test; t != nil {
			image, source := t.Image, t.Source
			if image == "" {
				image = p.Image
			}
			if source == "" {
				source = p.Source
			}
			test, err := pipeline(image, source, t.Command, t.Artifacts)
			if err != nil {
				return nil, fmt.Errorf("profile %q: test: %w", id, err)
			}
			test.Framework = t.Framework
			test.Markers = t.Markers
			e.test = &test
		}
		r.languages[id] = e
	}
	return r, nil
}

func pipeline(image, source, command string, artifacts []string) (Pipeline, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return Pipeline{}, fmt.Errorf("split command: %w", err)
	}
	if len(argv) == 0 {
		return Pipeline{}, fmt.Errorf("empty command")
	}
	return Pipeline{
		Image:     image,
		Source:    source,
		Artifacts: artifacts,
		Command:   argv,
	}, nil
}

// Resolve returns the profile of language for mode, or an error wrapping
// domain.ErrNotSupported.
func (r *Registry) Resolve(language string, mode domain.Mode) (Profile, error) {
	id := normalize(language)
	e, ok := r.languages[id]
	if !ok {
		if mode == domain.ModeTest {
			return Profile{}, fmt.Errorf("%w: test framework for %s", domain.ErrNotSupported, language)
		}
		return Profile{}, fmt.Errorf("%w: language %s", domain.ErrNotSupported, language)
	}

	switch mode {
	case domain.ModeRun:
		return Profile{ID: id, Mode: mode, Pipeline: e.run}, nil
	case domain.ModeTest:
		if e.test == nil {
			return Profile{}, fmt.Errorf("%w: test framework for %s", domain.ErrNotSupported, id)
		}
		return Profile{ID: id, Mode: mode, Pipeline: *e.test}, nil
	default:
		return Profile{}, fmt.Errorf("%w: mode %q", domain.ErrValidation, mode)
	}
}

// CheckMarkers rejects test code that carries none of the profile's
// framework markers.
func CheckMarkers(p Profile, code string) error {
	if len(p.Markers) == 0 {
		return nil
	}
	for _, m := range p.Markers {
		if strings.Contains(code, m) {
			return nil
		}
	}

	quoted := make([]string, len(p.Markers))
	for i, m := range p.Markers {
		quoted[i] = fmt.Sprintf("'%s'", strings.TrimSpace(m))
	}
	return fmt.Errorf("%w: %s test code must include %s syntax (e.g., %s)",
		domain.ErrValidation, displayName(p.ID), p.Framework, strings.Join(quoted, ", "))
}

// Languages lists the registered identifiers in sorted order.
func (r *Registry) Languages() []string {
	ids := make([]string, 0, len(r.languages))
	for id := range r.languages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Images lists every distinct image referenced by any profile.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	add := func(img string) {
		if !seen[img] {
			seen[img] = true
			images = append(images, img)
		}
	}
	for _, id := range r.Languages() {
		e := r.languages[id]
		add(e.run.Image)
		if e.test != nil {
			add(e.test.Image)
		}
	}
	return images
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func displayName(id string) string {
	if id == "" {
		return id
	}
	return strings.ToUpper(id[:1]) + id[1:]
}
