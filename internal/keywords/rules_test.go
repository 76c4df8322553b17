package keywords

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRulesMissingFile(t *testing.T) {
	r, err := LoadRules("/nonexistent/path/that/does/not/exist.yaml")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Empty(t, r.Aliases)
	assert.Empty(t, r.Canonicals())
	assert.Equal(t, "seo", r.Canonical("seo"))
}

func TestLoadRulesValidYAML(t *testing.T) {
	const yamlContent = `
aliases:
  - canonical: SEO
    variants: ["search engine optimization", "Search Engine Optimisation"]
  - canonical: sourdough
    variants: ["sour dough"]
ignore: ["n/a"]
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	r, err := LoadRules(path)
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Len(t, r.Aliases, 2)
	assert.Equal(t, []string{"n/a"}, r.Ignore)
	assert.Equal(t, "seo", r.Canonical("search engine optimisation"))
	assert.Equal(t, "sourdough", r.Canonical("sour dough"))
	assert.Equal(t, "bread", r.Canonical("bread"))
	assert.Equal(t, []string{"seo", "sourdough"}, r.Canonicals())
}

func TestLoadRulesInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases: [unclosed"), 0600))

	r, err := LoadRules(path)
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestRulesCanonical_Nil(t *testing.T) {
	var r *Rules
	assert.Equal(t, "seo", r.Canonical("seo"))
}
