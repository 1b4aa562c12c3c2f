package initial

import (
	"context"
	"errors"
	"fmt"

	"refinery/internal/state"
)

// ErrNoScoredCandidates is returned when nothing survives the score
// filter.
var ErrNoScoredCandidates = errors.New("no candidates with valid scores to merge")

// CombineFunc folds the next candidate into the current best and
// returns the combined candidate, scored. An error or an unscored
// result makes the merge skip that candidate.
type CombineFunc func(ctx context.Context, current, next state.Candidate) (state.Candidate, error)

// MergeResult is the outcome of a greedy sequential merge. Included
// lists the IDs folded into the artifact in merge order, seed first.
type MergeResult struct {
	Artifact string
	Score    float64
	Included []string
	Lineage  []string
}

// GreedyMerge implements best-first sequential merging: candidates are
// taken in descending score order, each is folded into the running
// best, and only a strictly better combined score is accepted. The
// first non-improving combination stops the merge; a candidate whose
// combination fails outright is skipped rather than stopping it. The
// running best score is therefore non-decreasing throughout.
func GreedyMerge(ctx context.Context, cands []state.Candidate, combine CombineFunc) (MergeResult, error) {
	scored := make([]state.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score != nil {
			scored = append(scored, c)
		}
	}
	if len(scored) == 0 {
		return MergeResult{}, ErrNoScoredCandidates
	}
	state.SortCandidates(scored)

	current := scored[0]
	included := []string{current.ID}
	lineage := append([]string{}, current.Lineage...)
	if len(lineage) == 0 {
		lineage = []string{current.ID}
	}

	for _, next := range scored[1:] {
		if err := ctx.Err(); err != nil {
			return MergeResult{}, err
		}
		combined, err := combine(ctx, current, next)
		if err != nil || combined.Score == nil {
			continue
		}
		if *combined.Score <= *current.Score {
			break
		}
		lineage = append(lineage, next.ID)
		combined.ID = fmt.Sprintf("merge-%d", len(included))
		combined.Lineage = append([]string{}, lineage...)
		current = combined
		included = append(included, next.ID)
	}

	return MergeResult{
		Artifact: current.Artifact,
		Score:    *current.Score,
		Included: included,
		Lineage:  lineage,
	}, nil
}
