// Package templates resolves page templates through an ordered chain of
// folders: application overrides, then the active theme, then plugin
// folders, then the platform defaults.
package templates

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"path"
	"slices"
	"sync"
)

// ErrTemplateNotFound is returned when no layer contains the template.
var ErrTemplateNotFound = errors.New("template not found")

type Kind int

const (
	KindOverride Kind = iota
	KindTheme
	KindPlugin
	KindDefault
)

func (k Kind) String() string {
	switch k {
	case KindOverride:
		return "override"
	case KindTheme:
		return "theme"
	case KindPlugin:
		return "plugin"
	case KindDefault:
		return "default"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Layer is one folder in the search chain.
type Layer struct {
	Kind Kind
	Name string
	FS   fs.FS
}

// Chain is safe for concurrent lookups while layers are being changed.
type Chain struct {
	mu        sync.RWMutex
	overrides []Layer
	theme     *Layer
	plugins   []Layer
	defaults  []Layer
}

// NewChain creates an empty chain
func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) AddOverride(name string, fsys fs.FS) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = append(c.overrides, Layer{Kind: KindOverride, Name: name, FS: fsys})
}

// SetTheme puts the theme layer between the overrides and the plugin
// folders, replacing any previous theme. It returns the replaced layer so
// callers can roll back.
func (c *Chain) SetTheme(name string, fsys fs.FS) *Layer {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.theme
	c.theme = &Layer{Kind: KindTheme, Name: name, FS: fsys}
	return prev
}

// RestoreTheme reinstates a layer returned by SetTheme. nil removes the
// theme layer.
func (c *Chain) RestoreTheme(prev *Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.theme = prev
}

// Theme returns the active theme name, or "".
func (c *Chain) Theme() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.theme == nil {
		return ""
	}
	return c.theme.Name
}

// AddPlugin appends a plugin folder. Plugins mounted earlier win over later
// ones.
func (c *Chain) AddPlugin(name string, fsys fs.FS) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = append(c.plugins, Layer{Kind: KindPlugin, Name: name, FS: fsys})
}

func (c *Chain) AddDefault(name string, fsys fs.FS) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = append(c.defaults, Layer{Kind: KindDefault, Name: name, FS: fsys})
}

// Layers returns the chain in lookup order.
func (c *Chain) Layers() []Layer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := slices.Clone(c.overrides)
	if c.theme != nil {
		out = append(out, *c.theme)
	}
	out = append(out, c.plugins...)
	return append(out, c.defaults...)
}

// Resolve returns the first layer holding name.
func (c *Chain) Resolve(name string) (Layer, error) {
	for _, l := range c.Layers() {
		if l.FS == nil {
			continue
		}
		if _, err := fs.Stat(l.FS, name); err == nil {
			return l, nil
		}
	}
	return Layer{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
}

// Lookup parses name from the winning layer with funcs available.
func (c *Chain) Lookup(name string, funcs template.FuncMap) (*template.Template, error) {
	layer, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(path.Base(name)).Funcs(funcs).ParseFS(layer.FS, name)
	if err != nil {
		return nil, fmt.Errorf("parse %s from %s layer %s: %w", name, layer.Kind, layer.Name, err)
	}
	return tmpl, nil
}

// Render executes the resolved template into w.
func (c *Chain) Render(w io.Writer, name string, data any, funcs template.FuncMap) error {
	tmpl, err := c.Lookup(name, funcs)
	if err != nil {
		return err
	}
	return tmpl.Execute(w, data)
}
