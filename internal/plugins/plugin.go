// Package plugins defines the plugin contract and the registry that
// discovers, activates and mounts plugins.
package plugins

import (
	"context"
	"io/fs"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/app"
)

// Plugin is what every plugin implements. Embed Base to get no-op
// defaults for the optional parts.
type Plugin interface {
	Manifest() Manifest
	Models() []ModelDescriptor
	Routes() []RouteGroup
	// TemplateFolder is a directory on disk, or "" when the plugin ships no
	// templates there. A declared folder that does not exist makes the
	// plugin not installed.
	TemplateFolder() string
	SettingsSchema() []FieldDescriptor
	OnInit(a *app.App) error
	OnSettingsSaved(ctx context.Context, values map[string]string) error
}

// EmbeddedTemplates is implemented by plugins that compile their templates
// into the binary.
type EmbeddedTemplates interface {
	TemplateFS() fs.FS
}

// ModelDescriptor exports one data model and the goose migrations that
// create it.
type ModelDescriptor struct {
	Name       string
	Table      string
	Migrations fs.FS
}

// RouteGroup is mounted under Prefix on the host router.
type RouteGroup struct {
	Prefix string
	Mount  func(r chi.Router)
}

// Setting field types.
const (
	FieldString = "string"
	FieldInt    = "int"
	FieldBool   = "bool"
	FieldEmail  = "email"
	FieldURL    = "url"
	FieldSecret = "secret"
)

// FieldDescriptor describes one plugin setting.
type FieldDescriptor struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Label    string `json:"label" yaml:"label"`
	Type     string `json:"type" yaml:"type" validate:"omitempty,oneof=string int bool email url secret"`
	Required bool   `json:"required" yaml:"required"`
	Default  string `json:"default,omitempty" yaml:"default"`
	Help     string `json:"help,omitempty" yaml:"help"`
}

// Base implements every optional Plugin method as a no-op.
type Base struct{}

func (Base) Models() []ModelDescriptor                                  { return nil }
func (Base) Routes() []RouteGroup                                       { return nil }
func (Base) TemplateFolder() string                                     { return "" }
func (Base) SettingsSchema() []FieldDescriptor                          { return nil }
func (Base) OnInit(*app.App) error                                      { return nil }
func (Base) OnSettingsSaved(context.Context, map[string]string) error { return nil }
