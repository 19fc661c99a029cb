// Package slots lets independent providers compete for named page regions.
//
// Providers are tried in descending priority order. Equal priorities keep
// registration order. The first provider that accepts the (page, slot)
// pair and renders non-empty output wins. A provider that errors or panics
// is logged and skipped so a lower priority provider can still fill the
// slot.
package slots

import (
	"cmp"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"slices"
	"sync"
)

// Provider renders content into one or more slots.
type Provider interface {
	Name() string
	Priority() int
	Slots() []string
	// CanRender is the cheap pre-check run before Render.
	CanRender(page, slot string) bool
	Render(ctx context.Context, page, slot string, data any) (string, error)
}

// DuplicateProviderNameError is returned when a provider name is already
// registered.
type DuplicateProviderNameError struct {
	Name string
}

func (e *DuplicateProviderNameError) Error() string {
	return fmt.Sprintf("content slot provider %q is already registered", e.Name)
}

// Dispatcher holds the registered providers, sorted by priority.
type Dispatcher struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *slog.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.With("component", "slots")}
}

// Register adds p. It fails when a provider with the same name exists.
func (d *Dispatcher) Register(p Provider) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := p.Name()
	if slices.ContainsFunc(d.providers, func(q Provider) bool { return q.Name() == name }) {
		return &DuplicateProviderNameError{Name: name}
	}

	d.providers = append(d.providers, p)
	slices.SortStableFunc(d.providers, func(a, b Provider) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})

	d.logger.Debug("Registered slot provider", "provider", name, "priority", p.Priority(), "slots", p.Slots())
	return nil
}

// Unregister removes the named provider and reports whether it existed.
func (d *Dispatcher) Unregister(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := len(d.providers)
	d.providers = slices.DeleteFunc(d.providers, func(p Provider) bool { return p.Name() == name })
	return len(d.providers) != before
}

// Providers returns a snapshot of the providers in dispatch order.
func (d *Dispatcher) Providers() []Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.providers)
}

// Render returns the winning provider's output for (page, slot), or "" when
// nothing matches. It never fails.
func (d *Dispatcher) Render(ctx context.Context, page, slot string, data any) string {
	for _, p := range d.Providers() {
		out, ok := d.try(ctx, p, page, slot, data)
		if ok && out != "" {
			return out
		}
	}
	return ""
}

// try runs one provider with panic isolation. ok is false when the provider
// declined, failed or panicked.
func (d *Dispatcher) try(ctx context.Context, p Provider, page, slot string, data any) (out string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Slot provider panicked",
				"provider", p.Name(),
				"page", page,
				"slot", slot,
				"panic", r,
			)
			out, ok = "", false
		}
	}()

	if !slices.Contains(p.Slots(), slot) || !p.CanRender(page, slot) {
		return "", false
	}

	out, err := p.Render(ctx, page, slot, data)
	if err != nil {
		d.logger.Warn("Slot provider failed",
			"provider", p.Name(),
			"page", page,
			"slot", slot,
			"error", err,
		)
		return "", false
	}
	return out, true
}

// FuncMap exposes the dispatcher to templates as
// {{ slot "page" "region" . }}.
func (d *Dispatcher) FuncMap(ctx context.Context) template.FuncMap {
	return template.FuncMap{
		"slot": func(page, slot string, data any) template.HTML {
			return template.HTML(d.Render(ctx, page, slot, data))
		},
	}
}
