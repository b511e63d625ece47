package trace

import (
	"strings"
	"testing"
	"time"
)

func TestEndStepRecordsInOrder(t *testing.T) {
	tr := NewTracer("how do I rotate credentials?")

	s := tr.StartStep()
	tr.EndStep(StepQueryEmbedding, s, nil)
	s = tr.StartStep()
	tr.EndStep(StepRetrieval, s, map[string]interface{}{"candidates": 15})
	s = tr.StartStep()
	tr.EndStep(StepGeneration, s, nil)

	chain := tr.Chain()
	if len(chain.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(chain.Steps))
	}
	want := []string{StepQueryEmbedding, StepRetrieval, StepGeneration}
	for i, name := range want {
		if chain.Steps[i].Name != name {
			t.Errorf("step %d: expected %q, got %q", i, name, chain.Steps[i].Name)
		}
	}
	if chain.Steps[1].Metadata["candidates"] != 15 {
		t.Errorf("expected retrieval metadata to carry candidates, got %v", chain.Steps[1].Metadata)
	}
}

func TestEndStepFillsNamedTimings(t *testing.T) {
	tr := NewTracer("q")

	start := time.Now().Add(-20 * time.Millisecond)
	tr.EndStep(StepQueryEmbedding, start, nil)
	tr.EndStep(StepRetrieval, start, nil)
	tr.EndStep(StepGeneration, start, nil)
	tr.EndStep(StepPersist, start, nil)

	chain := tr.Chain()
	if chain.EmbeddingMs < 20 || chain.RetrievalMs < 20 || chain.GenerationMs < 20 {
		t.Errorf("expected named timings >= 20ms, got %v %v %v",
			chain.EmbeddingMs, chain.RetrievalMs, chain.GenerationMs)
	}
	if chain.TotalMs < chain.GenerationMs {
		t.Errorf("total %vms below generation %vms", chain.TotalMs, chain.GenerationMs)
	}
}

func TestAddRetrievedChunkTruncatesPreview(t *testing.T) {
	tr := NewTracer("q")

	long := strings.Repeat("a", 450)
	tr.AddRetrievedChunk(RetrievedChunk{ChunkID: 10, Rank: 1, Similarity: 0.8}, long)
	tr.AddRetrievedChunk(RetrievedChunk{ChunkID: 11, Rank: 2}, strings.Repeat("b", 200))
	tr.AddRetrievedChunk(RetrievedChunk{ChunkID: 12, Rank: 3}, "short")

	chunks := tr.Chain().RetrievedChunks
	if got := chunks[0].ContentPreview; len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("expected 200 chars plus ellipsis, got len %d", len(got))
	}
	if got := chunks[1].ContentPreview; got != strings.Repeat("b", 200) {
		t.Errorf("exactly 200 chars should pass through untouched, got len %d", len(got))
	}
	if chunks[2].ContentPreview != "short" {
		t.Errorf("short content should pass through, got %q", chunks[2].ContentPreview)
	}
}

func TestSnapshotIsIdempotent(t *testing.T) {
	tr := NewTracer("q")
	tr.EndStep(StepQueryEmbedding, tr.StartStep(), nil)
	tr.SetLLMInfo("openai", "gpt-4o-mini")

	first := tr.Snapshot()
	time.Sleep(5 * time.Millisecond)
	second := tr.Snapshot()

	if first["total_time_ms"] != second["total_time_ms"] {
		t.Errorf("snapshot not frozen: %v vs %v", first["total_time_ms"], second["total_time_ms"])
	}
	if first["llm_provider"] != "openai" {
		t.Errorf("expected llm_provider openai, got %v", first["llm_provider"])
	}
}

func TestSnapshotShape(t *testing.T) {
	tr := NewTracer("which config key sets the pool size?")
	tr.AddRetrievedChunk(RetrievedChunk{
		ChunkID:         7,
		RepoName:        "infra-docs",
		FilePath:        "db/pooling.md",
		Similarity:      0.91,
		Rank:            1,
		AccuracyWeight:  1.2,
		EffectiveScore:  1.092,
		WorkflowBoosted: true,
	}, "set max_connections under the db block")
	tr.SetWorkflowContext(map[string]interface{}{"matches": 1, "top_similarity": 0.88})

	snap := tr.Snapshot()
	if snap["query"] != "which config key sets the pool size?" {
		t.Errorf("unexpected query: %v", snap["query"])
	}
	chunks, ok := snap["retrieved_chunks"].([]interface{})
	if !ok || len(chunks) != 1 {
		t.Fatalf("expected one retrieved chunk, got %v", snap["retrieved_chunks"])
	}
	entry := chunks[0].(map[string]interface{})
	if entry["chunk_id"] != float64(7) || entry["workflow_boosted"] != true {
		t.Errorf("unexpected chunk entry: %v", entry)
	}
	wf, ok := snap["workflow_context"].(map[string]interface{})
	if !ok || wf["matches"] != float64(1) {
		t.Errorf("unexpected workflow context: %v", snap["workflow_context"])
	}
}

func TestEmptyChainMarshalsToEmptyLists(t *testing.T) {
	snap := NewTracer("q").Snapshot()

	if _, ok := snap["steps"].([]interface{}); !ok {
		t.Errorf("steps should marshal to a list, got %T", snap["steps"])
	}
	if _, ok := snap["retrieved_chunks"].([]interface{}); !ok {
		t.Errorf("retrieved_chunks should marshal to a list, got %T", snap["retrieved_chunks"])
	}
}
