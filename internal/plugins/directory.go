package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/discovery"
	"github.com/modhost/modhost/internal/slots"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of a declarative plugin's manifest.
const ManifestFile = "plugin.yaml"

// DeclarativeSpec is the content of a plugin.yaml file.
type DeclarativeSpec struct {
	Manifest  `yaml:",inline"`
	Templates string            `yaml:"templates"`
	Static    string            `yaml:"static"`
	Snippets  []Snippet         `yaml:"snippets"`
	Settings  []FieldDescriptor `yaml:"settings"`
}

// Snippet renders a fixed template into one slot.
type Snippet struct {
	Slot     string   `yaml:"slot"`
	Priority int      `yaml:"priority"`
	Pages    []string `yaml:"pages"`
	Template string   `yaml:"template"`
	File     string   `yaml:"file"`
}

// Declarative is a plugin with no Go code, built from a plugin.yaml.
type Declarative struct {
	Base
	spec DeclarativeSpec
	dir  string
}

// LoadDeclarative reads dir/plugin.yaml.
func LoadDeclarative(dir string) (*Declarative, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var spec DeclarativeSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	for i, s := range spec.Snippets {
		if s.Slot == "" {
			return nil, fmt.Errorf("snippet %d has no slot", i)
		}
		if (s.Template == "") == (s.File == "") {
			return nil, fmt.Errorf("snippet %d needs exactly one of template or file", i)
		}
	}
	return &Declarative{spec: spec, dir: dir}, nil
}

func (d *Declarative) Manifest() Manifest { return d.spec.Manifest }

func (d *Declarative) SettingsSchema() []FieldDescriptor { return d.spec.Settings }

func (d *Declarative) TemplateFolder() string {
	if d.spec.Templates == "" {
		return ""
	}
	return filepath.Join(d.dir, d.spec.Templates)
}

// CheckInstalled verifies the static folder and snippet files exist.
func (d *Declarative) CheckInstalled() error {
	if d.spec.Static != "" {
		if _, err := os.Stat(filepath.Join(d.dir, d.spec.Static)); err != nil {
			return fmt.Errorf("static folder %s", d.spec.Static)
		}
	}
	for _, s := range d.spec.Snippets {
		if s.File == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.dir, s.File)); err != nil {
			return fmt.Errorf("snippet file %s", s.File)
		}
	}
	return nil
}

// OnInit registers the snippets as slot providers and mounts the static
// folder under /static/plugins/<name>/.
func (d *Declarative) OnInit(a *app.App) error {
	name := d.spec.Name
	for i, s := range d.spec.Snippets {
		body := s.Template
		if s.File != "" {
			data, err := os.ReadFile(filepath.Join(d.dir, s.File))
			if err != nil {
				return err
			}
			body = string(data)
		}
		id := fmt.Sprintf("%s.%s.%d", name, s.Slot, i)
		p, err := slots.NewStaticProvider(id, s.Priority, []string{s.Slot}, s.Pages, body)
		if err != nil {
			return err
		}
		if err := a.Slots.Register(p); err != nil {
			return err
		}
	}
	if d.spec.Static != "" {
		a.MountStatic(app.StaticPrefix+"plugins/"+name+"/", os.DirFS(filepath.Join(d.dir, d.spec.Static)))
	}
	return nil
}

// DirectorySource yields one candidate per subdirectory holding a
// plugin.yaml.
type DirectorySource struct {
	dir string
}

func NewDirectorySource(dir string) *DirectorySource {
	return &DirectorySource{dir: dir}
}

func (s *DirectorySource) Name() string { return "directory:" + s.dir }

func (s *DirectorySource) Candidates(_ context.Context, group string) ([]discovery.Candidate, error) {
	if group != discovery.GroupPlugins {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var out []discovery.Candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		out = append(out, discovery.Candidate{
			Group:  group,
			Name:   entry.Name(),
			Origin: s.Name(),
			Load: func() (any, error) {
				return LoadDeclarative(dir)
			},
		})
	}
	return out, nil
}
