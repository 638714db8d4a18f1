// Package vectorindex stores chunk embeddings and answers nearest-neighbour
// queries restricted to a single upload.
package vectorindex

import (
	"context"
)

// TopK is the number of chunks retrieved per question.
const TopK = 5

type Chunk struct {
	UploadID   string
	PageNumber int
	Position   int
	Content    string
	Embedding  []float32
}

// Match is one search hit. Smaller Distance is closer.
type Match struct {
	ChunkID    string  `json:"chunkId"`
	PageNumber int     `json:"pageNumber"`
	Content    string  `json:"content"`
	Distance   float64 `json:"distance"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	// Search embeds query once and returns at most k chunks of uploadID
	// ordered by ascending distance. An empty uploadID yields no results.
	Search(ctx context.Context, query string, k int, uploadID string) ([]Match, error)
	// ReplaceChunks atomically swaps every chunk of uploadID for chunks.
	ReplaceChunks(ctx context.Context, uploadID string, chunks []Chunk) error
	DeleteByUpload(ctx context.Context, uploadID string) error
}
