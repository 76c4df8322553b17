// Package models contains domain models for kwgroup.
package models

import (
	"strings"
	"time"
)

// Outline is a content outline generated for one keyword group.
type Outline struct {
	// Group is the comma-joined member list the outline was built from.
	Group   string `json:"group"`
	Idea    string `json:"idea"`
	Outline string `json:"outline"`
	Label   string `json:"label"`
	Refined bool   `json:"refined,omitempty"`
}

// Sections splits the outline body into its non-empty lines.
func (o Outline) Sections() []string {
	lines := strings.Split(o.Outline, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// OutlineBatch is the set of outlines produced from one grouping run.
type OutlineBatch struct {
	CreatedAt      string    `json:"created_at"`
	Owner          string    `json:"owner"`
	RunID          string    `json:"run_id"`
	Outlines       []Outline `json:"outlines"`
	ID             int64     `json:"id"`
	CreatedAtEpoch int64     `json:"created_at_epoch"`
}

// NewOutlineBatch creates a batch stamped with the current time.
func NewOutlineBatch(owner, runID string, outlines []Outline) *OutlineBatch {
	now := time.Now()
	return &OutlineBatch{
		Owner:          owner,
		RunID:          runID,
		Outlines:       outlines,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
	}
}

// GroupNames returns the Group string of every outline, in order.
func (b *OutlineBatch) GroupNames() []string {
	names := make([]string, len(b.Outlines))
	for i, o := range b.Outlines {
		names[i] = o.Group
	}
	return names
}
