// Package settings stores per-plugin settings described by each plugin's
// settings schema. Secret fields are encrypted at rest.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/modhost/modhost/internal/events"
	"github.com/modhost/modhost/internal/plugins"
	"github.com/modhost/modhost/internal/store"
)

// Mask replaces secret values in views.
const Mask = "********"

// Encrypter seals secret values.
type Encrypter interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// PluginLookup finds registered plugins.
type PluginLookup interface {
	Get(name string) (plugins.Plugin, bool)
}

// ValidationError maps field names to what is wrong with them.
type ValidationError struct {
	Plugin string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := slices.Sorted(maps.Keys(e.Fields))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return fmt.Sprintf("invalid settings for %s: %s", e.Plugin, strings.Join(parts, "; "))
}

// Field is one schema entry with its current value.
type Field struct {
	plugins.FieldDescriptor
	Value string `json:"value"`
	Set   bool   `json:"set"`
}

// View is the settings page of one plugin.
type View struct {
	Plugin string  `json:"plugin"`
	Fields []Field `json:"fields"`
}

// Service reads and writes plugin settings.
type Service struct {
	plugins  PluginLookup
	store    store.Querier
	crypt    Encrypter
	events   events.Publisher
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService wires the settings service. pub may be nil.
func NewService(lookup PluginLookup, q store.Querier, crypt Encrypter, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		plugins:  lookup,
		store:    q,
		crypt:    crypt,
		events:   pub,
		validate: validator.New(),
		logger:   logger.With("component", "settings"),
	}
}

func (s *Service) plugin(name string) (plugins.Plugin, error) {
	p, ok := s.plugins.Get(name)
	if !ok {
		return nil, &plugins.PluginNotFoundError{Name: name}
	}
	return p, nil
}

// Get returns the schema with the stored values. Secrets are masked.
func (s *Service) Get(ctx context.Context, name string) (*View, error) {
	p, err := s.plugin(name)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.ListSettings(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for %s: %w", name, err)
	}

	view := &View{Plugin: name}
	for _, fd := range p.SettingsSchema() {
		f := Field{FieldDescriptor: fd, Value: fd.Default}
		if v, ok := stored[fd.Name]; ok {
			f.Set = true
			f.Value = v
		}
		if fd.Type == plugins.FieldSecret && f.Set {
			f.Value = Mask
		}
		view.Fields = append(view.Fields, f)
	}
	return view, nil
}

// Values returns the effective settings of a plugin with defaults applied
// and secrets decrypted.
func (s *Service) Values(ctx context.Context, name string) (map[string]string, error) {
	p, err := s.plugin(name)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.ListSettings(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for %s: %w", name, err)
	}
	out := make(map[string]string)
	for _, fd := range p.SettingsSchema() {
		v, ok := stored[fd.Name]
		if !ok {
			if fd.Default != "" {
				out[fd.Name] = fd.Default
			}
			continue
		}
		if fd.Type == plugins.FieldSecret {
			plain, err := s.crypt.Decrypt(v)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt %s.%s: %w", name, fd.Name, err)
			}
			v = string(plain)
		}
		out[fd.Name] = v
	}
	return out, nil
}

// Save validates values against the schema, stores them and notifies the
// plugin. A secret left empty or set to Mask keeps its stored value.
func (s *Service) Save(ctx context.Context, name string, values map[string]string, actor string) error {
	p, err := s.plugin(name)
	if err != nil {
		return err
	}
	schema := p.SettingsSchema()
	stored, err := s.store.ListSettings(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load settings for %s: %w", name, err)
	}

	problems := make(map[string]string)
	for key := range values {
		if !slices.ContainsFunc(schema, func(fd plugins.FieldDescriptor) bool { return fd.Name == key }) {
			problems[key] = "unknown setting"
		}
	}

	toStore := make(map[string]string, len(schema))
	for _, fd := range schema {
		v, given := values[fd.Name]
		v = strings.TrimSpace(v)

		if fd.Type == plugins.FieldSecret && (v == "" || v == Mask) {
			if _, ok := stored[fd.Name]; ok {
				continue
			}
			given = false
		}
		if !given || v == "" {
			if fd.Required && fd.Default == "" {
				if _, ok := stored[fd.Name]; !ok {
					problems[fd.Name] = "required"
				}
			}
			continue
		}
		if msg := s.check(fd, v); msg != "" {
			problems[fd.Name] = msg
			continue
		}
		if fd.Type == plugins.FieldSecret {
			sealed, err := s.crypt.Encrypt([]byte(v))
			if err != nil {
				return fmt.Errorf("failed to encrypt %s.%s: %w", name, fd.Name, err)
			}
			v = sealed
		}
		toStore[fd.Name] = v
	}
	if len(problems) > 0 {
		return &ValidationError{Plugin: name, Fields: problems}
	}

	if err := s.store.SaveSettings(ctx, name, toStore); err != nil {
		return fmt.Errorf("failed to save settings for %s: %w", name, err)
	}

	effective, err := s.Values(ctx, name)
	if err != nil {
		return err
	}
	if err := p.OnSettingsSaved(ctx, effective); err != nil {
		return fmt.Errorf("plugin %s rejected settings: %w", name, err)
	}

	s.logger.Info("Settings saved", "plugin", name, "keys", slices.Sorted(maps.Keys(toStore)), "actor", actor)
	if s.events != nil {
		s.events.Publish(events.New(events.PluginSettingsSaved, name, actor))
	}
	return nil
}

func (s *Service) check(fd plugins.FieldDescriptor, v string) string {
	switch fd.Type {
	case plugins.FieldInt:
		if _, err := strconv.Atoi(v); err != nil {
			return "must be an integer"
		}
	case plugins.FieldBool:
		if _, err := strconv.ParseBool(v); err != nil {
			return "must be true or false"
		}
	case plugins.FieldEmail:
		if err := s.validate.Var(v, "email"); err != nil {
			return "must be an email address"
		}
	case plugins.FieldURL:
		if err := s.validate.Var(v, "url"); err != nil {
			return "must be a URL"
		}
	}
	return ""
}

// Apply hands the stored values to the plugin without changing them. The
// server calls it once per mounted plugin at boot.
func (s *Service) Apply(ctx context.Context, name string) error {
	p, err := s.plugin(name)
	if err != nil {
		return err
	}
	if len(p.SettingsSchema()) == 0 {
		return nil
	}
	values, err := s.Values(ctx, name)
	if err != nil {
		return err
	}
	if err := p.OnSettingsSaved(ctx, values); err != nil {
		return fmt.Errorf("plugin %s rejected stored settings: %w", name, err)
	}
	return nil
}
