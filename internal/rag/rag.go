// Package rag retrieves world-bible passages for a story. Each story has
// a JSONL index on disk: one chunk per line carrying its metadata and a
// pre-computed embedding vector. Queries embed the query text through the
// same embeddings endpoint that built the index and rank chunks by L2
// distance, reordered by keyword overlap with the query.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/storycanon/internal/llm"
)

// ErrIndexNotFound reports that no index exists for the story. The index
// is built offline from the story's world-bible notes.
var ErrIndexNotFound = errors.New("rag index not found; build it from the story's world bible notes first")

// DefaultTopK bounds result counts when the caller passes none.
const DefaultTopK = 5

const keywordWeight = 0.15

var keywordPattern = regexp.MustCompile(`[\x{4e00}-\x{9fff}]+|[a-zA-Z]+`)

// Chunk is one indexed passage with its embedding.
type Chunk struct {
	ChunkID       string    `json:"chunk_id"`
	File          string    `json:"file"`
	Heading       string    `json:"heading"`
	TextPreview   string    `json:"text_preview"`
	EntitiesGuess []string  `json:"entities_guess"`
	Vector        []float32 `json:"vector"`
}

// Metadata describes where a result came from.
type Metadata struct {
	ChunkID       string   `json:"chunk_id"`
	File          string   `json:"file"`
	Heading       string   `json:"heading"`
	TextPreview   string   `json:"text_preview"`
	EntitiesGuess []string `json:"entities_guess"`
}

// Result is one retrieved passage. Score is the raw L2 distance (smaller
// is more similar); CombinedScore folds in keyword matches and is what
// results are ordered by.
type Result struct {
	Text           string   `json:"text"`
	Score          float64  `json:"score"`
	CombinedScore  float64  `json:"combined_score"`
	KeywordMatches float64  `json:"keyword_matches"`
	Metadata       Metadata `json:"metadata"`
}

// Service loads per-story indices and answers queries. Loaded indices are
// cached; safe for concurrent use.
type Service struct {
	embedder       llm.Embedder
	indexDir       string
	embeddingModel string

	mu    sync.Mutex
	cache map[string][]Chunk
}

// New returns a Service reading indices from indexDir and embedding
// queries with model via embedder.
func New(embedder llm.Embedder, indexDir, model string) *Service {
	if model == "" {
		model = llm.DefaultEmbeddingModel
	}
	return &Service{
		embedder:       embedder,
		indexDir:       indexDir,
		embeddingModel: model,
		cache:          make(map[string][]Chunk),
	}
}

func (s *Service) indexPath(storyID string) string {
	return filepath.Join(s.indexDir, storyID+"_world_bible.jsonl")
}

func (s *Service) loadIndex(storyID string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunks, ok := s.cache[storyID]; ok {
		return chunks, nil
	}

	path := s.indexPath(storyID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("story %q (%s): %w", storyID, path, ErrIndexNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read rag index: %w", err)
	}

	var chunks []Chunk
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, fmt.Errorf("rag index %s line %d: %w", path, i+1, err)
		}
		chunks = append(chunks, chunk)
	}

	s.cache[storyID] = chunks
	return chunks, nil
}

// ClearCache drops the cached index for storyID, or every cached index
// when storyID is empty. Call after rebuilding an index on disk.
func (s *Service) ClearCache(storyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if storyID == "" {
		s.cache = make(map[string][]Chunk)
		return
	}
	delete(s.cache, storyID)
}

// Query returns the topK chunks most relevant to queryText. Candidates
// come from both the vector scan and keyword hits on the previews, then
// are ordered by distance adjusted for keyword overlap.
func (s *Service) Query(ctx context.Context, storyID, queryText string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	chunks, err := s.loadIndex(storyID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, s.embeddingModel, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	query := vectors[0]

	distances := make([]float64, len(chunks))
	for i, chunk := range chunks {
		distances[i] = l2Distance(query, chunk.Vector)
	}
	searchK := topK * 3
	if searchK > len(chunks) {
		searchK = len(chunks)
	}
	nearest := nearestIndices(distances, searchK)

	candidates := make(map[int]bool, len(nearest))
	for _, idx := range nearest {
		candidates[idx] = true
	}

	keywords := keywordPattern.FindAllString(queryText, -1)
	for i, chunk := range chunks {
		preview := strings.ToLower(chunk.TextPreview)
		for _, kw := range keywords {
			if strings.Contains(preview, strings.ToLower(kw)) {
				candidates[i] = true
				break
			}
		}
	}

	queryLower := strings.ToLower(queryText)
	results := make([]Result, 0, len(candidates))
	for idx := range candidates {
		chunk := chunks[idx]
		keywordScore := keywordOverlap(keywords, queryLower, chunk.TextPreview)
		combined := distances[idx] - keywordScore*keywordWeight
		// Multi-keyword queries with zero overlap rank below everything
		// that matched at least one term.
		if keywordScore == 0 && len(keywords) > 1 {
			combined += 0.3
		}
		results = append(results, Result{
			Text:           chunk.TextPreview,
			Score:          distances[idx],
			CombinedScore:  combined,
			KeywordMatches: keywordScore,
			Metadata: Metadata{
				ChunkID:       chunk.ChunkID,
				File:          chunk.File,
				Heading:       chunk.Heading,
				TextPreview:   chunk.TextPreview,
				EntitiesGuess: chunk.EntitiesGuess,
			},
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore < results[j].CombinedScore
		}
		return results[i].Metadata.ChunkID < results[j].Metadata.ChunkID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func keywordOverlap(keywords []string, queryLower, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	textLower := strings.ToLower(text)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(textLower, strings.ToLower(kw)) {
			matched++
		}
	}
	score := 0.0
	if matched > 0 {
		score = float64(matched) / float64(len(keywords)) * 3.0
	}
	if strings.Contains(textLower, queryLower) {
		score += 2.0
	}
	return score
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	// Dimension mismatch counts the missing components as maximal error.
	for i := n; i < len(a); i++ {
		sum += float64(a[i]) * float64(a[i])
	}
	for i := n; i < len(b); i++ {
		sum += float64(b[i]) * float64(b[i])
	}
	return math.Sqrt(sum)
}

func nearestIndices(distances []float64, k int) []int {
	order := make([]int, len(distances))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return distances[order[i]] < distances[order[j]]
	})
	if len(order) > k {
		order = order[:k]
	}
	return order
}
