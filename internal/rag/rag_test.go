package rag

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeEmbedder struct {
	vector []float32
	calls  int
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = f.vector
	}
	return out, nil
}

func writeIndex(t *testing.T, dir, storyID string, chunks []Chunk) {
	t.Helper()
	path := filepath.Join(dir, storyID+"_world_bible.jsonl")
	var lines []byte
	for _, chunk := range chunks {
		line, err := json.Marshal(chunk)
		if err != nil {
			t.Fatalf("marshal chunk: %v", err)
		}
		lines = append(lines, line...)
		lines = append(lines, '\n')
	}
	if err := os.WriteFile(path, lines, 0o600); err != nil {
		t.Fatalf("write index: %v", err)
	}
}

func testChunks() []Chunk {
	return []Chunk{
		{ChunkID: "c1", File: "characters.md", Heading: "曹操", TextPreview: "曹操，字孟德，挟天子以令诸侯。", Vector: []float32{1, 0, 0}},
		{ChunkID: "c2", File: "locations.md", Heading: "洛阳", TextPreview: "洛阳是东汉的都城。", Vector: []float32{0, 1, 0}},
		{ChunkID: "c3", File: "items.md", Heading: "青釭剑", TextPreview: "青釭剑锋利无比，削铁如泥。", Vector: []float32{0, 0, 1}},
	}
}

func TestQueryMissingIndex(t *testing.T) {
	svc := New(&fakeEmbedder{vector: []float32{1, 0, 0}}, t.TempDir(), "")
	_, err := svc.Query(context.Background(), "no_such_story", "曹操", 3)
	if !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("err = %v, want ErrIndexNotFound", err)
	}
}

func TestQueryRanksByVectorDistance(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1", testChunks())
	svc := New(&fakeEmbedder{vector: []float32{0.9, 0.1, 0}}, dir, "")

	results, err := svc.Query(context.Background(), "story_1", "xyz abc", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Metadata.ChunkID != "c1" {
		t.Errorf("top chunk = %s, want c1 (nearest vector)", results[0].Metadata.ChunkID)
	}
	if results[0].Score >= results[1].Score {
		t.Errorf("scores not ascending: %v vs %v", results[0].Score, results[1].Score)
	}
}

func TestQueryKeywordRerank(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1", testChunks())
	// Query vector is nearest c1, but the query text names the sword.
	svc := New(&fakeEmbedder{vector: []float32{0.8, 0.1, 0.1}}, dir, "")

	results, err := svc.Query(context.Background(), "story_1", "青釭剑", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if results[0].Metadata.ChunkID != "c3" {
		t.Errorf("top chunk = %s, want keyword match c3", results[0].Metadata.ChunkID)
	}
	if results[0].KeywordMatches == 0 {
		t.Error("keyword match not scored")
	}
	if results[0].CombinedScore >= results[0].Score {
		t.Error("keyword overlap should lower the combined score")
	}
}

func TestQueryCachesIndex(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1", testChunks())
	emb := &fakeEmbedder{vector: []float32{1, 0, 0}}
	svc := New(emb, dir, "")

	if _, err := svc.Query(context.Background(), "story_1", "曹操", 1); err != nil {
		t.Fatalf("Query: %v", err)
	}

	// Remove the file; the cached index keeps serving until cleared.
	if err := os.Remove(filepath.Join(dir, "story_1_world_bible.jsonl")); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	if _, err := svc.Query(context.Background(), "story_1", "曹操", 1); err != nil {
		t.Errorf("cached query: %v", err)
	}

	svc.ClearCache("story_1")
	if _, err := svc.Query(context.Background(), "story_1", "曹操", 1); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("after ClearCache err = %v, want ErrIndexNotFound", err)
	}
}

func TestQueryDefaultTopK(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1", testChunks())
	svc := New(&fakeEmbedder{vector: []float32{1, 0, 0}}, dir, "")

	results, err := svc.Query(context.Background(), "story_1", "都城", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != len(testChunks()) {
		t.Errorf("len(results) = %d, want all %d chunks", len(results), len(testChunks()))
	}
}

func TestQueryEmbedderFailure(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1", testChunks())
	svc := New(&fakeEmbedder{err: errors.New("quota exceeded")}, dir, "")

	if _, err := svc.Query(context.Background(), "story_1", "曹操", 1); err == nil {
		t.Error("embedder failure not surfaced")
	}
}
