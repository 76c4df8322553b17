// Package outline turns keyword groups into blog post ideas and outlines.
package outline

import (
	"fmt"
	"strings"

	"github.com/thebtf/kwgroup/pkg/models"
)

// RefineNote is appended to outlines by Refine.
const RefineNote = "*Refined version: Add more examples and subpoints*"

// Generate builds one outline per non-empty group, in group order. The
// group label is the topic of the post.
func Generate(groups []models.KeywordGroup) []models.Outline {
	out := make([]models.Outline, 0, len(groups))
	for _, g := range groups {
		if g.Empty() {
			continue
		}
		topic := g.Label
		if topic == "" {
			topic = g.Members[0]
		}
		out = append(out, models.Outline{
			Group:   strings.Join(g.Members, ", "),
			Label:   topic,
			Idea:    fmt.Sprintf("Create a blog post titled: 'Mastering %s — The Complete Guide'", topic),
			Outline: body(topic),
		})
	}
	return out
}

func body(topic string) string {
	return strings.Join([]string{
		fmt.Sprintf("1. Introduction — Why %s matters", topic),
		fmt.Sprintf("2. Key Benefits of %s", topic),
		"3. Common Challenges",
		"4. Best Practices",
		"5. Conclusion — Next Steps",
	}, "\n")
}

// Refine returns copies of outlines with refinement guidance appended.
// Outlines that were already refined are returned unchanged.
func Refine(outlines []models.Outline) []models.Outline {
	out := make([]models.Outline, len(outlines))
	for i, o := range outlines {
		if !o.Refined {
			o.Outline += "\n\n" + RefineNote
			o.Refined = true
		}
		out[i] = o
	}
	return out
}
