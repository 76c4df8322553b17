// Package keywords turns raw user input into normalized keyword texts.
//
// Normalization rule, applied in order:
//  1. drop <private>...</private> spans and unwrap chat link markup
//     (<https://x|label> becomes label)
//  2. Unicode NFKC
//  3. case folding
//  4. trim and collapse internal whitespace runs to one space
//  5. strip leading/trailing punctuation other than '#' and '+'
//  6. optional alias rules (see Rules)
package keywords

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	// privateTagRegex matches <private>...</private> tags
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// linkRegex matches chat link markup such as <https://example.com|label>
	linkRegex = regexp.MustCompile(`<[^<>|\s]+\|([^<>]*)>`)

	// bareLinkRegex matches chat link markup without a label
	bareLinkRegex = regexp.MustCompile(`<([^<>|\s]+)>`)
)

var folder = cases.Fold()

// maxPasses bounds the fixed-point loops below. Real input settles in two
// or three passes.
const maxPasses = 8

// StripMarkup removes private spans and unwraps chat link markup, repeating
// until nested markup such as <<a>> is fully unwrapped.
func StripMarkup(text string) string {
	for range maxPasses {
		next := stripOnce(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func stripOnce(text string) string {
	text = privateTagRegex.ReplaceAllString(text, "")
	text = linkRegex.ReplaceAllString(text, "$1")
	return bareLinkRegex.ReplaceAllString(text, "$1")
}

// Normalize applies the normalization rule without alias rules.
// Normalize(Normalize(s)) == Normalize(s). The result may be empty.
func Normalize(text string) string {
	for range maxPasses {
		next := normalizeOnce(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func normalizeOnce(text string) string {
	text = StripMarkup(text)
	text = norm.NFKC.String(text)
	text = folder.String(text)
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimFunc(text, trimmable)
}

func trimmable(r rune) bool {
	if r == '#' || r == '+' {
		return false
	}
	return unicode.IsPunct(r) || unicode.IsSpace(r)
}

// Normalizer applies Normalize plus alias and ignore rules.
type Normalizer struct {
	rules   *Rules
	ignored map[string]struct{}
}

// NewNormalizer creates a normalizer. rules may be nil. ignored entries are
// normalized before comparison.
func NewNormalizer(rules *Rules, ignored []string) *Normalizer {
	n := &Normalizer{rules: rules, ignored: make(map[string]struct{}, len(ignored))}
	for _, s := range ignored {
		if t := Normalize(s); t != "" {
			n.ignored[t] = struct{}{}
		}
	}
	if rules != nil {
		for _, s := range rules.Ignore {
			if t := Normalize(s); t != "" {
				n.ignored[t] = struct{}{}
			}
		}
	}
	return n
}

// Rules returns the alias rules in effect, possibly nil.
func (n *Normalizer) Rules() *Rules { return n.rules }

// Normalize returns the canonical text for raw, or "" when raw normalizes
// to nothing or is ignored.
func (n *Normalizer) Normalize(raw string) string {
	text := Normalize(raw)
	if text == "" {
		return ""
	}
	if n.rules != nil {
		text = n.rules.Canonical(text)
	}
	if _, skip := n.ignored[text]; skip {
		return ""
	}
	return text
}

// Entry is one parsed keyword with the input it came from.
type Entry struct {
	Text string
	Raw  string
}

// Parse splits free text on commas, semicolons and newlines, normalizes each
// piece and drops empties and duplicates. First occurrence order is kept.
func (n *Normalizer) Parse(input string) []Entry {
	pieces := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})

	seen := make(map[string]struct{}, len(pieces))
	out := make([]Entry, 0, len(pieces))
	for _, p := range pieces {
		text := n.Normalize(p)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, Entry{Text: text, Raw: strings.TrimSpace(p)})
	}
	return out
}

// Parse is Normalizer.Parse without alias or ignore rules.
func Parse(input string) []Entry {
	return NewNormalizer(nil, nil).Parse(input)
}

// Dedupe collapses texts to their unique values in first-occurrence order.
// index[i] is the position in unique of texts[i].
func Dedupe(texts []string) (unique []string, index []int) {
	pos := make(map[string]int, len(texts))
	index = make([]int, len(texts))
	for i, t := range texts {
		p, ok := pos[t]
		if !ok {
			p = len(unique)
			pos[t] = p
			unique = append(unique, t)
		}
		index[i] = p
	}
	return unique, index
}
