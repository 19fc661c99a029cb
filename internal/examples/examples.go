// Package examples holds small plugins, a theme and a bundle that are
// compiled into the server binary. They are offered through the discovery
// catalog and only take part when the declaration file names them.
package examples

import (
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"

	"github.com/modhost/modhost/internal/discovery"
)

//go:embed assets
var assets embed.FS

func sub(dir string) fs.FS {
	fsys, err := fs.Sub(assets, "assets/"+dir)
	if err != nil {
		panic(err)
	}
	return fsys
}

// Register provides every example factory to c. Pricing shares the PIM
// instance provided alongside it.
func Register(c *discovery.Catalog) {
	pim := NewPIM()
	pricing := NewPricing()
	pricing.Attach(pim)

	c.MustProvide(discovery.GroupPlugins, "base", func() (any, error) { return NewBase(), nil })
	c.MustProvide(discovery.GroupPlugins, "crm", func() (any, error) { return NewCRM(), nil })
	c.MustProvide(discovery.GroupPlugins, "pim", discovery.Value(pim))
	c.MustProvide(discovery.GroupPlugins, "pricing", discovery.Value(pricing))
	c.MustProvide(discovery.GroupThemes, "midnight", discovery.Value(Midnight()))
	c.MustProvide(discovery.GroupBundles, "shop-starter", discovery.Value(ShopStarter()))
}

// Catalog returns a catalog holding only the examples.
func Catalog() *discovery.Catalog {
	c := discovery.NewCatalog()
	Register(c)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
