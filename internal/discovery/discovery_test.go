package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Provide(GroupPlugins, "crm", func() (any, error) { return "crm", nil }))
	require.NoError(t, c.Provide(GroupPlugins, "base", func() (any, error) { return "base", nil }))
	assert.Error(t, c.Provide(GroupPlugins, "crm", nil))

	assert.Equal(t, []string{"base", "crm"}, c.Keys(GroupPlugins))
	assert.Empty(t, c.Keys(GroupThemes))

	_, ok := c.Lookup(GroupThemes, "crm")
	assert.False(t, ok)
}

func TestStaticSource(t *testing.T) {
	c := NewCatalog()
	c.MustProvide(GroupPlugins, "crm", func() (any, error) { return "crm-plugin", nil })
	c.MustProvide(GroupThemes, "midnight", func() (any, error) { return "midnight-theme", nil })

	path := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugins:
  - name: crm
  - name: ghost
themes:
  - name: dark
    factory: midnight
`), 0o600))

	src := NewStaticSource(path, c)
	ctx := context.Background()

	plugins, err := src.Candidates(ctx, GroupPlugins)
	require.NoError(t, err)
	require.Len(t, plugins, 2)

	v, err := plugins[0].Load()
	require.NoError(t, err)
	assert.Equal(t, "crm-plugin", v)

	_, err = plugins[1].Load()
	assert.ErrorContains(t, err, "ghost")

	themes, err := src.Candidates(ctx, GroupThemes)
	require.NoError(t, err)
	require.Len(t, themes, 1)
	assert.Equal(t, "dark", themes[0].Name)
	v, err = themes[0].Load()
	require.NoError(t, err)
	assert.Equal(t, "midnight-theme", v)

	bundles, err := src.Candidates(ctx, GroupBundles)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestStaticSourceErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewStaticSource(filepath.Join(t.TempDir(), "missing.yaml"), NewCatalog()).Candidates(ctx, GroupPlugins)
	assert.Error(t, err)

	_, err = ParseDeclaration([]byte("plugins:\n  - factory: crm\n"))
	assert.ErrorContains(t, err, "invalid declaration file")

	_, err = ParseDeclaration([]byte("plugins: [oops"))
	assert.Error(t, err)
}

func TestCatalogAndListSource(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()
	c.MustProvide(GroupBundles, "starter", func() (any, error) { return 1, nil })

	cands, err := NewCatalogSource(c).Candidates(ctx, GroupBundles)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "catalog", cands[0].Origin)

	list := NewListSource("test",
		Candidate{Group: GroupPlugins, Name: "a", Load: Value("A")},
		Candidate{Group: GroupThemes, Name: "t", Load: Value("T")},
	)
	cands, err = list.Candidates(ctx, GroupPlugins)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "test", cands[0].Origin)
}
