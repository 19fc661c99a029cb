package slots

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"slices"
)

// StaticProvider renders a fixed template for a set of slots, optionally
// restricted to some pages. Declarative plugins use it for their snippets.
type StaticProvider struct {
	ID       string
	Prio     int
	SlotIDs  []string
	Pages    []string // empty means every page
	Template *template.Template
}

// NewStaticProvider parses body as an html/template executed with the data
// passed to Render.
func NewStaticProvider(id string, priority int, slots, pages []string, body string) (*StaticProvider, error) {
	tmpl, err := template.New(id).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse snippet %s: %w", id, err)
	}
	return &StaticProvider{ID: id, Prio: priority, SlotIDs: slots, Pages: pages, Template: tmpl}, nil
}

func (p *StaticProvider) Name() string    { return p.ID }
func (p *StaticProvider) Priority() int   { return p.Prio }
func (p *StaticProvider) Slots() []string { return p.SlotIDs }

func (p *StaticProvider) CanRender(page, slot string) bool {
	return len(p.Pages) == 0 || slices.Contains(p.Pages, page)
}

func (p *StaticProvider) Render(_ context.Context, _, _ string, data any) (string, error) {
	var buf bytes.Buffer
	if err := p.Template.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
