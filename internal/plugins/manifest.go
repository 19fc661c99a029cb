package plugins

import (
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/go-playground/validator/v10"
)

// SlotKind is a UI contribution point.
type SlotKind string

const (
	SlotMenu            SlotKind = "menu"
	SlotDashboardWidget SlotKind = "dashboard_widget"
	SlotFooterLink      SlotKind = "footer_link"
)

// SlotKinds lists every known contribution point.
var SlotKinds = []SlotKind{SlotMenu, SlotDashboardWidget, SlotFooterLink}

// Contribution is one menu entry, dashboard widget or footer link.
type Contribution struct {
	ID         string `json:"id" yaml:"id" validate:"required"`
	Label      string `json:"label" yaml:"label" validate:"required"`
	URL        string `json:"url,omitempty" yaml:"url"`
	Icon       string `json:"icon,omitempty" yaml:"icon"`
	Order      int    `json:"order" yaml:"order"`
	Capability string `json:"capability,omitempty" yaml:"capability"`
}

// Manifest is the static identity of a plugin. Treat it as immutable once
// the plugin is registered.
type Manifest struct {
	Name          string                      `json:"name" yaml:"name" validate:"required,plugin_name"`
	Version       string                      `json:"version" yaml:"version" validate:"required,semver"`
	Description   string                      `json:"description,omitempty" yaml:"description"`
	Dependencies  []string                    `json:"dependencies,omitempty" yaml:"dependencies" validate:"unique,dive,plugin_name"`
	UISlots       map[SlotKind][]Contribution `json:"ui_slots,omitempty" yaml:"ui_slots" validate:"dive,dive"`
	AdminCategory string                      `json:"admin_category,omitempty" yaml:"admin_category"`
}

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		return semverPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the manifest shape.
func (m Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q check", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	if slices.Contains(m.Dependencies, m.Name) {
		return fmt.Errorf("plugin %s depends on itself", m.Name)
	}
	for kind := range m.UISlots {
		if !slices.Contains(SlotKinds, kind) {
			return fmt.Errorf("unknown ui slot kind %q", kind)
		}
	}
	return nil
}

// ValidName reports whether name is a legal plugin name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}
