package keywords

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Alias maps spelling variants onto one canonical keyword.
type Alias struct {
	Canonical string   `yaml:"canonical"`
	Variants  []string `yaml:"variants"`
}

// Rules is the top-level YAML structure of the rules file.
//
//	aliases:
//	  - canonical: seo
//	    variants: ["search engine optimization"]
//	ignore: ["n/a"]
type Rules struct {
	Aliases []Alias  `yaml:"aliases"`
	Ignore  []string `yaml:"ignore"`

	byVariant map[string]string
}

// LoadRules reads the YAML file at path.
// If the file does not exist, LoadRules returns empty rules (not an error).
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Rules{byVariant: make(map[string]string)}, nil
		}
		return nil, err
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	r.index()
	return &r, nil
}

func (r *Rules) index() {
	r.byVariant = make(map[string]string)
	for _, a := range r.Aliases {
		canonical := Normalize(a.Canonical)
		if canonical == "" {
			continue
		}
		for _, v := range a.Variants {
			if t := Normalize(v); t != "" {
				r.byVariant[t] = canonical
			}
		}
	}
}

// Canonical returns the canonical form of an already normalized text.
func (r *Rules) Canonical(text string) string {
	if r == nil {
		return text
	}
	if r.byVariant == nil {
		r.index()
	}
	if c, ok := r.byVariant[text]; ok {
		return c
	}
	return text
}

// Canonicals returns the sorted, distinct canonical keywords.
func (r *Rules) Canonicals() []string {
	if r == nil {
		return nil
	}
	if r.byVariant == nil {
		r.index()
	}
	seen := make(map[string]struct{})
	for _, c := range r.byVariant {
		seen[c] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
