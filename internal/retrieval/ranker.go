package retrieval

import (
	"sort"

	"github.com/cloudvelous/ragloop/internal/store"
)

// Result is one ranked chunk as returned to the caller and persisted as an
// embedding link.
type Result struct {
	Chunk           store.Chunk `json:"chunk"`
	Similarity      float64     `json:"similarity"`
	EffectiveScore  float64     `json:"effective_score"`
	Rank            int         `json:"rank"`
	WorkflowBoosted bool        `json:"workflow_boosted"`
}

// Fanout returns the candidate count for a top-k request: max(3k, k+10),
// capped. The fanout keeps low-similarity, high-weight chunks reachable
// after reweighting.
func Fanout(k, cap int) int {
	n := 3 * k
	if m := k + 10; m > n {
		n = m
	}
	if cap > 0 && n > cap {
		n = cap
	}
	return n
}

// BoostSet folds workflow memory hits into the set of chunk ids to boost
// and the strongest memory similarity.
func BoostSet(hits []store.MemoryHit) (map[int64]bool, float64) {
	if len(hits) == 0 {
		return nil, 0
	}
	set := make(map[int64]bool)
	maxSim := 0.0
	for _, h := range hits {
		for _, id := range h.UsefulChunkIDs {
			set[id] = true
		}
		if h.Similarity > maxSim {
			maxSim = h.Similarity
		}
	}
	return set, maxSim
}

// rank scores candidates, applies the workflow boost, and returns the top k
// in a deterministic total order: effective score desc, then raw similarity
// desc, then chunk id asc.
func rank(cands []store.Candidate, boost map[int64]bool, maxMemSim, beta float64, k int) []Result {
	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		eff := c.Similarity * c.AccuracyWeight
		boosted := false
		if maxMemSim > 0 && boost[c.ID] {
			eff *= 1 + beta*maxMemSim
			boosted = true
		}
		results = append(results, Result{
			Chunk:           c.Chunk,
			Similarity:      c.Similarity,
			EffectiveScore:  eff,
			WorkflowBoosted: boosted,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].EffectiveScore != results[j].EffectiveScore {
			return results[i].EffectiveScore > results[j].EffectiveScore
		}
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}
