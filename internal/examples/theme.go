package examples

import (
	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/nav"
	"github.com/modhost/modhost/internal/theme"
)

// Midnight is a dark theme with its own index page and stylesheet.
func Midnight() theme.Descriptor {
	return theme.Descriptor{
		Name:      "midnight",
		Version:   "1.0.0",
		Templates: sub("midnight/templates"),
		Static:    sub("midnight/static"),
	}
}

// ShopStarter needs the catalogue and customer plugins and recommends
// pricing.
func ShopStarter() theme.Bundle {
	return theme.Bundle{
		Name:               "shop-starter",
		Theme:              "midnight",
		RequiredPlugins:    []string{"base", "crm", "pim"},
		RecommendedPlugins: []string{"pricing"},
		AdminCategories: []nav.Category{
			{ID: "shop", Label: "Shop", Icon: "store", Order: 5},
			{ID: "sales", Label: "Sales", Icon: "cart", Order: 10},
		},
		OnActivate: func(a *app.App) error {
			a.Logger.Info("Shop starter bundle ready", "theme", a.Templates.Theme())
			return nil
		},
	}
}
