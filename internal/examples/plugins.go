package examples

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/nav"
	"github.com/modhost/modhost/internal/plugins"
	"github.com/modhost/modhost/internal/slots"
)

// Slot names used by the example plugins.
const (
	SlotDashboard    = "dashboard"
	SlotProductPrice = "product.price"
)

// Base is the root of the example dependency graph.
type Base struct {
	plugins.Base
}

func NewBase() *Base { return &Base{} }

func (*Base) Manifest() plugins.Manifest {
	return plugins.Manifest{
		Name:          "base",
		Version:       "1.0.0",
		Description:   "Shared layout partials and the system menu",
		AdminCategory: "system",
		UISlots: map[plugins.SlotKind][]plugins.Contribution{
			plugins.SlotFooterLink: {{ID: "about", Label: "About", URL: "/base/about", Order: 100}},
		},
	}
}

func (*Base) TemplateFS() fs.FS { return sub("base/templates") }

func (*Base) Routes() []plugins.RouteGroup {
	return []plugins.RouteGroup{{
		Prefix: "/base",
		Mount: func(r chi.Router) {
			r.Get("/about", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"name": "modhost"})
			})
		},
	}}
}

func (*Base) OnInit(a *app.App) error {
	a.Nav.Register(nav.Category{ID: "system", Label: "System", Icon: "gear", Order: 90})
	return nil
}

// Customer is a CRM record.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CRM exposes a customer list and a dashboard widget.
type CRM struct {
	plugins.Base
	pageSize atomic.Int64

	mu        sync.RWMutex
	customers []Customer
}

const maxPageSize = 500

func NewCRM() *CRM {
	c := &CRM{customers: []Customer{
		{ID: "c-1", Name: "Ada Lovelace", Email: "ada@example.com"},
		{ID: "c-2", Name: "Grace Hopper", Email: "grace@example.com"},
	}}
	c.pageSize.Store(25)
	return c
}

func (*CRM) Manifest() plugins.Manifest {
	return plugins.Manifest{
		Name:          "crm",
		Version:       "1.2.0",
		Description:   "Customer records",
		Dependencies:  []string{"base"},
		AdminCategory: "sales",
		UISlots: map[plugins.SlotKind][]plugins.Contribution{
			plugins.SlotMenu:            {{ID: "crm", Label: "Customers", URL: "/crm", Icon: "users", Order: 10}},
			plugins.SlotDashboardWidget: {{ID: "crm-recent", Label: "Recent customers", Order: 10}},
		},
	}
}

func (*CRM) Models() []plugins.ModelDescriptor {
	return []plugins.ModelDescriptor{{Name: "customers", Table: "crm_customers", Migrations: sub("crm/migrations/customers")}}
}

func (*CRM) TemplateFS() fs.FS { return sub("crm/templates") }

func (*CRM) SettingsSchema() []plugins.FieldDescriptor {
	return []plugins.FieldDescriptor{
		{Name: "sender_email", Label: "Sender address", Type: plugins.FieldEmail},
		{Name: "sync_url", Label: "Sync endpoint", Type: plugins.FieldURL},
		{Name: "api_key", Label: "Sync API key", Type: plugins.FieldSecret},
		{Name: "page_size", Label: "Customers per page", Type: plugins.FieldInt, Default: "25"},
	}
}

func (c *CRM) OnSettingsSaved(_ context.Context, values map[string]string) error {
	if raw, ok := values["page_size"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		if n < 1 || n > maxPageSize {
			return fmt.Errorf("page_size must be between 1 and %d", maxPageSize)
		}
		c.pageSize.Store(int64(n))
	}
	return nil
}

func (c *CRM) Routes() []plugins.RouteGroup {
	return []plugins.RouteGroup{{
		Prefix: "/crm",
		Mount: func(r chi.Router) {
			r.Get("/", c.list)
		},
	}}
}

func (c *CRM) list(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := min(int(c.pageSize.Load()), len(c.customers))
	writeJSON(w, http.StatusOK, map[string]any{"data": c.customers[:n], "total": len(c.customers)})
}

func (c *CRM) OnInit(a *app.App) error {
	a.Nav.Register(nav.Category{ID: "sales", Label: "Sales", Icon: "cart", Order: 10})
	return a.Slots.Register(&funcProvider{
		name:     "crm.dashboard",
		priority: 10,
		slots:    []string{SlotDashboard},
		render: func(context.Context, string, any) (string, error) {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return fmt.Sprintf(`<div class="widget">%d customers</div>`, len(c.customers)), nil
		},
	})
}

// Product is a PIM record. Prices are in cents.
type Product struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	ListPrice int64  `json:"list_price"`
}

// PIM exposes the product catalogue and renders list prices.
type PIM struct {
	plugins.Base
	products []Product
}

func NewPIM() *PIM {
	return &PIM{products: []Product{
		{SKU: "SKU-1", Name: "Widget", ListPrice: 1999},
		{SKU: "SKU-2", Name: "Gadget", ListPrice: 4500},
	}}
}

func (*PIM) Manifest() plugins.Manifest {
	return plugins.Manifest{
		Name:          "pim",
		Version:       "0.9.0",
		Description:   "Product information",
		Dependencies:  []string{"base"},
		AdminCategory: "catalog",
		UISlots: map[plugins.SlotKind][]plugins.Contribution{
			plugins.SlotMenu: {{ID: "pim", Label: "Products", URL: "/pim", Icon: "box", Order: 20}},
		},
	}
}

func (*PIM) Models() []plugins.ModelDescriptor {
	return []plugins.ModelDescriptor{{Name: "products", Table: "pim_products", Migrations: sub("pim/migrations/products")}}
}

func (*PIM) TemplateFS() fs.FS { return sub("pim/templates") }

func (p *PIM) Routes() []plugins.RouteGroup {
	return []plugins.RouteGroup{{
		Prefix: "/pim",
		Mount: func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"data": p.products, "total": len(p.products)})
			})
		},
	}}
}

// Lookup finds a product by SKU.
func (p *PIM) Lookup(sku string) (Product, bool) {
	for _, prod := range p.products {
		if strings.EqualFold(prod.SKU, sku) {
			return prod, true
		}
	}
	return Product{}, false
}

func (p *PIM) OnInit(a *app.App) error {
	a.Nav.Register(nav.Category{ID: "catalog", Label: "Catalog", Icon: "box", Order: 20})
	return a.Slots.Register(&funcProvider{
		name:  "pim.list-price",
		slots: []string{SlotProductPrice},
		render: func(_ context.Context, _ string, data any) (string, error) {
			prod, ok := data.(Product)
			if !ok {
				return "", nil
			}
			return formatCents(prod.ListPrice, "EUR"), nil
		},
	})
}

// Pricing applies a store-wide discount on top of list prices. It takes
// over the product.price slot from PIM.
type Pricing struct {
	plugins.Base
	pim *PIM

	mu       sync.RWMutex
	currency string
	discount int64
}

func NewPricing() *Pricing {
	return &Pricing{currency: "EUR"}
}

func (*Pricing) Manifest() plugins.Manifest {
	return plugins.Manifest{
		Name:         "pricing",
		Version:      "2.0.0",
		Description:  "Discounted prices and quotes",
		Dependencies: []string{"pim", "crm"},
		UISlots: map[plugins.SlotKind][]plugins.Contribution{
			plugins.SlotDashboardWidget: {{ID: "pricing-quotes", Label: "Quotes", Order: 30}},
		},
	}
}

func (*Pricing) Models() []plugins.ModelDescriptor {
	return []plugins.ModelDescriptor{{Name: "price_rules", Table: "pricing_rules", Migrations: sub("pricing/migrations/price_rules")}}
}

func (*Pricing) TemplateFS() fs.FS { return sub("pricing/templates") }

func (*Pricing) SettingsSchema() []plugins.FieldDescriptor {
	return []plugins.FieldDescriptor{
		{Name: "currency", Label: "Currency", Type: plugins.FieldString, Default: "EUR"},
		{Name: "discount_percent", Label: "Discount (%)", Type: plugins.FieldInt, Default: "0"},
	}
}

func (p *Pricing) OnSettingsSaved(_ context.Context, values map[string]string) error {
	discount, err := strconv.ParseInt(values["discount_percent"], 10, 64)
	if err != nil {
		return fmt.Errorf("discount_percent: %w", err)
	}
	if discount < 0 || discount > 100 {
		return fmt.Errorf("discount_percent must be between 0 and 100")
	}
	currency := strings.ToUpper(values["currency"])
	if len(currency) != 3 {
		return fmt.Errorf("currency must be a three letter code")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.currency = currency
	p.discount = discount
	return nil
}

// Price returns the discounted price of prod in cents.
func (p *Pricing) Price(prod Product) (int64, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return prod.ListPrice * (100 - p.discount) / 100, p.currency
}

func (p *Pricing) Routes() []plugins.RouteGroup {
	return []plugins.RouteGroup{{
		Prefix: "/pricing",
		Mount: func(r chi.Router) {
			r.Get("/quote", p.quote)
		},
	}}
}

// Quote is the body of GET /pricing/quote.
type Quote struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

func (p *Pricing) quote(w http.ResponseWriter, r *http.Request) {
	if p.pim == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "product catalogue unavailable"})
		return
	}
	prod, ok := p.pim.Lookup(r.URL.Query().Get("sku"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown sku"})
		return
	}
	qty, err := strconv.ParseInt(r.URL.Query().Get("qty"), 10, 64)
	if err != nil || qty < 1 {
		qty = 1
	}
	unit, currency := p.Price(prod)
	writeJSON(w, http.StatusOK, Quote{
		SKU:      prod.SKU,
		Quantity: qty,
		Total:    formatCents(unit*qty, ""),
		Currency: currency,
	})
}

// Attach gives pricing access to the product catalogue. The server calls
// it when both plugins are built from the same catalog.
func (p *Pricing) Attach(pim *PIM) { p.pim = pim }

func (p *Pricing) OnInit(a *app.App) error {
	return a.Slots.Register(&funcProvider{
		name:     "pricing.price",
		priority: 10,
		slots:    []string{SlotProductPrice},
		render: func(_ context.Context, _ string, data any) (string, error) {
			prod, ok := data.(Product)
			if !ok {
				return "", nil
			}
			cents, currency := p.Price(prod)
			return template.HTMLEscapeString(formatCents(cents, currency)), nil
		},
	})
}

func formatCents(cents int64, currency string) string {
	s := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if currency != "" {
		s += " " + currency
	}
	return s
}

// funcProvider adapts a function to slots.Provider.
type funcProvider struct {
	name     string
	priority int
	slots    []string
	pages    []string
	render   func(ctx context.Context, page string, data any) (string, error)
}

var _ slots.Provider = (*funcProvider)(nil)

func (p *funcProvider) Name() string    { return p.name }
func (p *funcProvider) Priority() int   { return p.priority }
func (p *funcProvider) Slots() []string { return p.slots }

func (p *funcProvider) CanRender(page, _ string) bool {
	return len(p.pages) == 0 || slices.Contains(p.pages, page)
}

func (p *funcProvider) Render(ctx context.Context, page, _ string, data any) (string, error) {
	return p.render(ctx, page, data)
}
