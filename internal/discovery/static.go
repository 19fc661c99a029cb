package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Declaration is the YAML declaration file listing what to load.
type Declaration struct {
	Plugins []Entry `yaml:"plugins" validate:"dive"`
	Themes  []Entry `yaml:"themes" validate:"dive"`
	Bundles []Entry `yaml:"bundles" validate:"dive"`
}

// Entry names one candidate and the catalog factory that builds it.
// Factory defaults to Name.
type Entry struct {
	Name    string `yaml:"name" validate:"required"`
	Factory string `yaml:"factory"`
}

func (d *Declaration) group(group string) []Entry {
	switch group {
	case GroupPlugins:
		return d.Plugins
	case GroupThemes:
		return d.Themes
	case GroupBundles:
		return d.Bundles
	}
	return nil
}

// ParseDeclaration decodes and validates a declaration file body.
func ParseDeclaration(data []byte) (*Declaration, error) {
	var decl Declaration
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("failed to parse declaration file: %w", err)
	}
	if err := validate.Struct(&decl); err != nil {
		return nil, fmt.Errorf("invalid declaration file: %w", err)
	}
	return &decl, nil
}

// StaticSource reads a declaration file and resolves each entry against the
// catalog. An entry whose factory is unknown still yields a Candidate; its
// Load fails so the consumer can log and skip it.
type StaticSource struct {
	path    string
	catalog *Catalog
}

func NewStaticSource(path string, catalog *Catalog) *StaticSource {
	return &StaticSource{path: path, catalog: catalog}
}

func (s *StaticSource) Name() string { return "declaration:" + s.path }

func (s *StaticSource) Candidates(_ context.Context, group string) ([]Candidate, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read declaration file: %w", err)
	}
	decl, err := ParseDeclaration(data)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, e := range decl.group(group) {
		key := e.Factory
		if key == "" {
			key = e.Name
		}
		out = append(out, Candidate{
			Group:  group,
			Name:   e.Name,
			Origin: s.Name(),
			Load:   s.loader(group, key),
		})
	}
	return out, nil
}

func (s *StaticSource) loader(group, key string) func() (any, error) {
	return func() (any, error) {
		f, ok := s.catalog.Lookup(group, key)
		if !ok {
			return nil, fmt.Errorf("no %s factory named %q", group, key)
		}
		return f()
	}
}
