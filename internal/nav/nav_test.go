package nav

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(
		Category{ID: "shop", Label: "Shop", Order: 20},
		Category{ID: "crm", Label: "CRM", Order: 10},
		Category{ID: "alpha", Label: "Alpha", Order: 20},
	)

	var ids []string
	for _, c := range r.List() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"crm", "alpha", "shop"}, ids)

	r.Register(Category{ID: "crm", Label: "Contacts", Order: 10})
	c, ok := r.Get("crm")
	assert.True(t, ok)
	assert.Equal(t, "Contacts", c.Label)

	r.Unregister("crm", "ghost")
	_, ok = r.Get("crm")
	assert.False(t, ok)
	assert.Len(t, r.List(), 2)
}
