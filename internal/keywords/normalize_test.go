package keywords

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "seo tips", expected: "seo tips"},
		{name: "case folded", input: "SEO Tips", expected: "seo tips"},
		{name: "whitespace collapsed", input: "  seo \t\n  tips  ", expected: "seo tips"},
		{name: "full width NFKC", input: "ＳＥＯ tips", expected: "seo tips"},
		{name: "private tag removed", input: "seo <private>secret</private> tips", expected: "seo tips"},
		{name: "multiline private tag", input: "<private>\nall\nsecret\n</private>", expected: ""},
		{name: "link with label", input: "<https://example.com|Sourdough Recipe>", expected: "sourdough recipe"},
		{name: "bare link", input: "<https://example.com>", expected: "https://example.com"},
		{name: "nested link", input: "<<a>>", expected: "a"},
		{name: "link inside labelled link", input: "<x|<https://example.com|Rye>>", expected: "rye"},
		{name: "full width brackets", input: "＜seo＞", expected: "seo"},
		{name: "trailing punctuation", input: "baking bread.", expected: "baking bread"},
		{name: "quoted", input: `"seo strategy"`, expected: "seo strategy"},
		{name: "keeps plus", input: "C++", expected: "c++"},
		{name: "keeps hashtag", input: "#marketing", expected: "#marketing"},
		{name: "empty", input: "   ", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range []string{"SEO  Tips!", "ＳＥＯ", "<x|Bread>", "c++", "<<a>>", "<<<b>>>", "＜seo＞", ". <a> ."} {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), in)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "comma separated", input: "seo tips, seo strategy,baking bread", expected: []string{"seo tips", "seo strategy", "baking bread"}},
		{name: "duplicates dropped", input: "SEO tips, seo  tips, Seo Tips.", expected: []string{"seo tips"}},
		{name: "newlines and semicolons", input: "a\nb;c\r\nd", expected: []string{"a", "b", "c", "d"}},
		{name: "empty pieces", input: ",, ,", expected: []string{}},
		{name: "empty input", input: "", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := Parse(tt.input)
			texts := make([]string, 0, len(entries))
			for _, e := range entries {
				texts = append(texts, e.Text)
			}
			assert.Equal(t, tt.expected, texts)
		})
	}
}

func TestParse_KeepsRaw(t *testing.T) {
	entries := Parse("  SEO Tips , Baking")
	require.Len(t, entries, 2)
	assert.Equal(t, "SEO Tips", entries[0].Raw)
	assert.Equal(t, "seo tips", entries[0].Text)
	assert.Equal(t, "Baking", entries[1].Raw)
}

func TestNormalizer_IgnoreAndAliases(t *testing.T) {
	rules := &Rules{
		Aliases: []Alias{{Canonical: "SEO", Variants: []string{"Search Engine Optimization"}}},
		Ignore:  []string{"none"},
	}
	n := NewNormalizer(rules, []string{"N/A"})

	assert.Equal(t, "seo", n.Normalize("search engine  optimization"))
	assert.Equal(t, "", n.Normalize("n/a"))
	assert.Equal(t, "", n.Normalize("NONE"))
	assert.Equal(t, "bread", n.Normalize("Bread"))

	entries := n.Parse("seo, search engine optimization, none, bread")
	require.Len(t, entries, 2)
	assert.Equal(t, "seo", entries[0].Text)
	assert.Equal(t, "bread", entries[1].Text)
}

func TestDedupe(t *testing.T) {
	unique, index := Dedupe([]string{"b", "a", "b", "c", "a"})
	assert.Equal(t, []string{"b", "a", "c"}, unique)
	assert.Equal(t, []int{0, 1, 0, 2, 1}, index)

	unique, index = Dedupe(nil)
	assert.Empty(t, unique)
	assert.Empty(t, index)
}
