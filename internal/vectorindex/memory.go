package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryChunk struct {
	id string
	Chunk
}

// MemoryIndex is an in-process Index using cosine distance. Used for local
// runs without Postgres and in tests.
type MemoryIndex struct {
	embedder Embedder

	mu     sync.RWMutex
	chunks map[string][]memoryChunk
}

func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{
		embedder: embedder,
		chunks:   make(map[string][]memoryChunk),
	}
}

func (m *MemoryIndex) Search(ctx context.Context, query string, k int, uploadID string) ([]Match, error) {
	if uploadID == "" || k <= 0 {
		return []Match{}, nil
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}

	m.mu.RLock()
	owned := m.chunks[uploadID]
	matches := make([]Match, 0, len(owned))
	for _, c := range owned {
		matches = append(matches, Match{
			ChunkID:    c.id,
			PageNumber: c.PageNumber,
			Content:    c.Content,
			Distance:   cosineDistance(vec, c.Embedding),
		})
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryIndex) ReplaceChunks(_ context.Context, uploadID string, chunks []Chunk) error {
	if uploadID == "" {
		return fmt.Errorf("invalid upload id %q", uploadID)
	}
	stored := make([]memoryChunk, 0, len(chunks))
	for _, c := range chunks {
		c.UploadID = uploadID
		c.Embedding = append([]float32(nil), c.Embedding...)
		stored = append(stored, memoryChunk{id: uuid.NewString(), Chunk: c})
	}

	m.mu.Lock()
	m.chunks[uploadID] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) DeleteByUpload(_ context.Context, uploadID string) error {
	m.mu.Lock()
	delete(m.chunks, uploadID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) CountByPage(_ context.Context, uploadID string) (map[int]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[int]int)
	for _, c := range m.chunks[uploadID] {
		counts[c.PageNumber]++
	}
	return counts, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
