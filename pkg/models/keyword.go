// Package models contains domain models for kwgroup.
package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Keyword is a single normalized keyword submitted by an owner.
// Text is already normalized; Raw keeps what the user typed.
type Keyword struct {
	ID             int64          `db:"id" json:"id"`
	Owner          string         `db:"owner" json:"owner"`
	Text           string         `db:"text" json:"text"`
	Raw            string         `db:"raw" json:"raw,omitempty"`
	GroupedRunID   sql.NullString `db:"grouped_run_id" json:"-"`
	CreatedAt      string         `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64          `db:"created_at_epoch" json:"created_at_epoch"`
}

// NewKeyword creates a keyword record stamped with the current time.
func NewKeyword(owner, text, raw string) *Keyword {
	now := time.Now()
	return &Keyword{
		Owner:          owner,
		Text:           text,
		Raw:            raw,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
	}
}

// IsGrouped reports whether the keyword has been consumed by a grouping run.
func (k *Keyword) IsGrouped() bool {
	return k.GroupedRunID.Valid && k.GroupedRunID.String != ""
}

// KeywordGroup is one cluster produced by a grouping run.
// GroupID is only stable within the run that produced it.
type KeywordGroup struct {
	Label    string          `json:"label"`
	Members  JSONStringArray `json:"members"`
	Centroid []float32       `json:"centroid,omitempty"`
	GroupID  int             `json:"group_id"`
}

// Empty reports whether no keyword was assigned to the group.
func (g KeywordGroup) Empty() bool {
	return len(g.Members) == 0
}

// Size returns the number of members.
func (g KeywordGroup) Size() int {
	return len(g.Members)
}

// GroupingResult is the full output of one grouping run.
type GroupingResult struct {
	CreatedAt    time.Time      `json:"created_at"`
	RunID        string         `json:"run_id"`
	Owner        string         `json:"owner"`
	ModelVersion string         `json:"model_version"`
	Groups       []KeywordGroup `json:"groups"`
	// KeywordIDs are the stored records consumed by the run, including duplicates.
	KeywordIDs []int64 `json:"keyword_ids,omitempty"`
	Seed       uint64  `json:"seed"`
	Inertia    float64 `json:"inertia"`
	K          int     `json:"k"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
}

// NonEmptyGroups returns the groups that have at least one member.
func (r *GroupingResult) NonEmptyGroups() []KeywordGroup {
	out := make([]KeywordGroup, 0, len(r.Groups))
	for _, g := range r.Groups {
		if !g.Empty() {
			out = append(out, g)
		}
	}
	return out
}

// EmptyGroupCount returns how many of the K groups ended up without members.
func (r *GroupingResult) EmptyGroupCount() int {
	n := 0
	for _, g := range r.Groups {
		if g.Empty() {
			n++
		}
	}
	return n
}

// Labels returns the label of every group in group order.
func (r *GroupingResult) Labels() []string {
	labels := make([]string, len(r.Groups))
	for i, g := range r.Groups {
		labels[i] = g.Label
	}
	return labels
}

// Assignments maps each member keyword to its group id.
func (r *GroupingResult) Assignments() map[string]int {
	out := make(map[string]int)
	for _, g := range r.Groups {
		for _, m := range g.Members {
			out[m] = g.GroupID
		}
	}
	return out
}

// JSONStringArray is a []string stored as a JSON text column.
type JSONStringArray []string

// Scan implements sql.Scanner.
func (a *JSONStringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONStringArray: %T", value)
	}
	if len(data) == 0 {
		*a = nil
		return nil
	}
	return json.Unmarshal(data, a)
}

// Value implements driver.Valuer.
func (a JSONStringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// JSONFloat32Array is a []float32 stored as a JSON text column.
type JSONFloat32Array []float32

// Scan implements sql.Scanner.
func (a *JSONFloat32Array) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONFloat32Array: %T", value)
	}
	if len(data) == 0 {
		*a = nil
		return nil
	}
	return json.Unmarshal(data, a)
}

// Value implements driver.Valuer.
func (a JSONFloat32Array) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]float32(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
