package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvelous/ragloop/internal/store"
)

func cand(id int64, sim, weight float64) store.Candidate {
	return store.Candidate{
		Chunk:      store.Chunk{ID: id, AccuracyWeight: weight},
		Similarity: sim,
	}
}

func TestRankEffectiveEqualsSimilarityAtUnitWeight(t *testing.T) {
	cands := []store.Candidate{
		cand(10, 0.9, 1.0),
		cand(11, 0.8, 1.0),
		cand(12, 0.7, 1.0),
	}

	results := rank(cands, nil, 0, 0.2, 3)
	require.Len(t, results, 3)

	wantOrder := []int64{10, 11, 12}
	for i, res := range results {
		assert.Equal(t, wantOrder[i], res.Chunk.ID)
		assert.Equal(t, i+1, res.Rank)
		assert.InDelta(t, res.Similarity, res.EffectiveScore, 1e-12,
			"unit weight must leave the score untouched")
		assert.False(t, res.WorkflowBoosted)
	}
}

func TestRankAppliesWorkflowBoost(t *testing.T) {
	// Weights after one round of positive/negative feedback, queried again
	// with a near-duplicate that matches a memory at similarity 0.85.
	cands := []store.Candidate{
		cand(10, 0.80, 1.1),
		cand(11, 0.70, 1.1),
		cand(12, 0.85, 0.9),
	}
	boost := map[int64]bool{10: true, 11: true}

	results := rank(cands, boost, 0.85, 0.2, 3)
	require.Len(t, results, 3)

	require.Equal(t, int64(10), results[0].Chunk.ID)
	require.Equal(t, int64(11), results[1].Chunk.ID)
	require.Equal(t, int64(12), results[2].Chunk.ID)

	assert.InDelta(t, 0.80*1.1*(1+0.2*0.85), results[0].EffectiveScore, 1e-9) // 1.030
	assert.InDelta(t, 0.70*1.1*(1+0.2*0.85), results[1].EffectiveScore, 1e-9) // 0.901
	assert.InDelta(t, 0.85*0.9, results[2].EffectiveScore, 1e-9)              // 0.765

	assert.True(t, results[0].WorkflowBoosted)
	assert.True(t, results[1].WorkflowBoosted)
	assert.False(t, results[2].WorkflowBoosted)
}

func TestRankNoBoostWithoutMemoryHits(t *testing.T) {
	cands := []store.Candidate{cand(10, 0.9, 1.5)}

	// Chunk 10 is in the boost set but no memory matched (maxMemSim 0).
	results := rank(cands, map[int64]bool{10: true}, 0, 0.2, 1)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.9*1.5, results[0].EffectiveScore, 1e-12)
	assert.False(t, results[0].WorkflowBoosted)
}

func TestRankDeterministicTieBreaks(t *testing.T) {
	// Same effective score, same similarity: lower id wins.
	cands := []store.Candidate{
		cand(20, 0.8, 1.0),
		cand(7, 0.8, 1.0),
	}
	results := rank(cands, nil, 0, 0.2, 2)
	require.Len(t, results, 2)
	assert.Equal(t, int64(7), results[0].Chunk.ID)
	assert.Equal(t, int64(20), results[1].Chunk.ID)

	// Same effective score, different similarity: higher similarity wins.
	cands = []store.Candidate{
		cand(30, 0.6, 1.2), // eff 0.72
		cand(31, 0.9, 0.8), // eff 0.72
	}
	results = rank(cands, nil, 0, 0.2, 2)
	require.Len(t, results, 2)
	assert.Equal(t, int64(31), results[0].Chunk.ID)
}

func TestRankReturnsAllWhenFewerThanK(t *testing.T) {
	cands := []store.Candidate{
		cand(1, 0.5, 1.0),
		cand(2, 0.4, 1.0),
	}
	results := rank(cands, nil, 0, 0.2, 5)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)
}

func TestRankScoresNonIncreasing(t *testing.T) {
	cands := []store.Candidate{
		cand(1, 0.95, 0.6),
		cand(2, 0.40, 2.0),
		cand(3, 0.71, 1.3),
		cand(4, 0.88, 1.0),
		cand(5, 0.52, 0.5),
	}
	results := rank(cands, map[int64]bool{2: true, 5: true}, 0.9, 0.2, 5)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].EffectiveScore, results[i].EffectiveScore)
		assert.Equal(t, i+1, results[i].Rank)
	}
}

func TestFanout(t *testing.T) {
	assert.Equal(t, 15, Fanout(5, 200))  // 3k dominates
	assert.Equal(t, 13, Fanout(3, 200))  // k+10 dominates
	assert.Equal(t, 11, Fanout(1, 200))  // minimum useful fanout
	assert.Equal(t, 200, Fanout(70, 200)) // capped
}

func TestBoostSet(t *testing.T) {
	set, maxSim := BoostSet(nil)
	assert.Nil(t, set)
	assert.Zero(t, maxSim)

	hits := []store.MemoryHit{
		{WorkflowMemory: store.WorkflowMemory{UsefulChunkIDs: []int64{10, 11}}, Similarity: 0.80},
		{WorkflowMemory: store.WorkflowMemory{UsefulChunkIDs: []int64{11, 12}}, Similarity: 0.85},
	}
	set, maxSim = BoostSet(hits)
	assert.Equal(t, map[int64]bool{10: true, 11: true, 12: true}, set)
	assert.Equal(t, 0.85, maxSim)
}
