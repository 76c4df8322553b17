package grouping

import (
	"fmt"
	"math"

	"github.com/thebtf/kwgroup/pkg/models"
	"github.com/thebtf/kwgroup/pkg/similarity"
)

// Assemble builds exactly k groups from an assignment. Members keep input
// order, empty groups are kept, and each label is the member nearest its
// group centroid (ties go to the earlier member).
func Assemble(keywords []string, vectors [][]float32, assignment Assignment, k int) ([]models.KeywordGroup, error) {
	if len(keywords) != len(assignment) || len(vectors) != len(assignment) {
		return nil, fmt.Errorf("%w: %d keywords, %d vectors, %d assignments",
			ErrInvalidInput, len(keywords), len(vectors), len(assignment))
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: k=%d", ErrInvalidInput, k)
	}

	members := make([][]int, k)
	for i, g := range assignment {
		if g < 0 || g >= k {
			return nil, NewInputError(i, keywords[i], fmt.Sprintf("group %d outside [0, %d)", g, k), nil)
		}
		members[g] = append(members[g], i)
	}

	groups := make([]models.KeywordGroup, k)
	for g, idx := range members {
		group := models.KeywordGroup{GroupID: g, Members: make(models.JSONStringArray, 0, len(idx))}
		if len(idx) == 0 {
			groups[g] = group
			continue
		}

		vs := make([][]float32, len(idx))
		for j, i := range idx {
			group.Members = append(group.Members, keywords[i])
			vs[j] = vectors[i]
		}
		group.Centroid = similarity.Mean(vs)

		bestD := math.Inf(1)
		for j, v := range vs {
			if d := similarity.Euclidean(v, group.Centroid); d < bestD {
				bestD = d
				group.Label = group.Members[j]
			}
		}
		groups[g] = group
	}
	return groups, nil
}
