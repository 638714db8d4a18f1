// Package pipeline turns a local PDF into embedded, page-tagged chunks stored
// in the vector index.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"

	"docchat/internal/pkg/pdfextract"
	"docchat/internal/vectorindex"
)

const (
	ChunkSize    = 512
	ChunkOverlap = 100

	embedBatchSize = 10
	pageKey        = "page"
)

var ErrNoText = errors.New("document has no extractable text")

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type ChunkWriter interface {
	ReplaceChunks(ctx context.Context, uploadID string, chunks []vectorindex.Chunk) error
}

// PageParser reads a document into numbered pages.
type PageParser func(path string) ([]pdfextract.Page, error)

type Pipeline struct {
	parse    PageParser
	splitter textsplitter.TextSplitter
	embedder BatchEmbedder
	writer   ChunkWriter
	logger   *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithParser(parse PageParser) Option {
	return func(p *Pipeline) {
		p.parse = parse
	}
}

func New(embedder BatchEmbedder, writer ChunkWriter, opts ...Option) *Pipeline {
	p := &Pipeline{
		parse:    pdfextract.ExtractPages,
		splitter: NewSplitter(),
		embedder: embedder,
		writer:   writer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewSplitter returns the splitter used for every document.
func NewSplitter() textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ChunkSize),
		textsplitter.WithChunkOverlap(ChunkOverlap),
	)
}

type Result struct {
	Pages  int
	Chunks int
}

// Run parses, splits, embeds and stores the document at path under uploadID.
// Every embedding is computed before anything is written, and the write
// replaces any earlier chunks of the upload in one transaction, so a failed
// run leaves no new rows behind.
func (p *Pipeline) Run(ctx context.Context, path, uploadID string) (Result, error) {
	pages, err := p.parse(path)
	if err != nil {
		return Result{}, fmt.Errorf("parse document failed: %w", err)
	}

	chunks, err := p.split(pages)
	if err != nil {
		return Result{}, err
	}
	if len(chunks) == 0 {
		return Result{}, ErrNoText
	}

	if err := p.embed(ctx, chunks); err != nil {
		return Result{}, err
	}

	for i := range chunks {
		chunks[i].UploadID = uploadID
	}
	if err := p.writer.ReplaceChunks(ctx, uploadID, chunks); err != nil {
		return Result{}, fmt.Errorf("store chunks failed: %w", err)
	}

	p.logger.Info("document indexed", "upload_id", uploadID, "pages", len(pages), "chunks", len(chunks))
	return Result{Pages: len(pages), Chunks: len(chunks)}, nil
}

func (p *Pipeline) split(pages []pdfextract.Page) ([]vectorindex.Chunk, error) {
	docs := make([]schema.Document, 0, len(pages))
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		docs = append(docs, schema.Document{
			PageContent: page.Text,
			Metadata:    map[string]any{pageKey: page.Number},
		})
	}
	if len(docs) == 0 {
		return nil, nil
	}

	split, err := textsplitter.SplitDocuments(p.splitter, docs)
	if err != nil {
		return nil, fmt.Errorf("split document failed: %w", err)
	}

	chunks := make([]vectorindex.Chunk, 0, len(split))
	for _, d := range split {
		if strings.TrimSpace(d.PageContent) == "" {
			continue
		}
		page, ok := d.Metadata[pageKey].(int)
		if !ok {
			return nil, fmt.Errorf("chunk lost its page number")
		}
		chunks = append(chunks, vectorindex.Chunk{
			PageNumber: page,
			Position:   len(chunks),
			Content:    d.PageContent,
		})
	}
	return chunks, nil
}

func (p *Pipeline) embed(ctx context.Context, chunks []vectorindex.Chunk) error {
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))

		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}

		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d failed: %w", start, end-1, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embed chunks %d-%d failed: got %d vectors", start, end-1, len(vectors))
		}
		for i, v := range vectors {
			chunks[start+i].Embedding = v
		}
	}
	return nil
}
