// Package rag provides the knowledge-base retriever backing the RAG
// context source: a chromem-go vector index over ingested documents.
package rag

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"weave/internal/agent/ports"
	"weave/internal/logging"
)

// Config controls the retriever.
type Config struct {
	Collection    string  `mapstructure:"collection"`
	PersistPath   string  `mapstructure:"persist_path"`
	MinSimilarity float32 `mapstructure:"min_similarity"`
}

// Retriever indexes documents and serves similarity queries.
type Retriever struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     Config
	logger     *logging.Logger
}

var _ ports.KnowledgeRetriever = (*Retriever)(nil)

// NewRetriever builds a retriever over the given embedder. With a persist
// path the index survives restarts; without one it is memory-only.
func NewRetriever(config Config, embedder ports.Embedder) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder is required")
	}
	if config.Collection == "" {
		config.Collection = "knowledge"
	}

	var db *chromem.DB
	var err error
	if config.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(config.PersistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("create persistent DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Retriever{
		db:         db,
		collection: collection,
		config:     config,
		logger:     logging.ForComponent("rag"),
	}, nil
}

// Ingest indexes one document. An empty ID gets a generated one.
func (r *Retriever) Ingest(ctx context.Context, id, content string, metadata map[string]string) error {
	if content == "" {
		return fmt.Errorf("rag: empty document content")
	}
	if id == "" {
		id = "doc-" + uuid.NewString()
	}
	return r.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
	})
}

// Count returns the number of indexed documents.
func (r *Retriever) Count() int { return r.collection.Count() }

// Retrieve returns the topK most similar documents above the configured
// similarity floor, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]ports.KnowledgeDocument, error) {
	if topK <= 0 {
		topK = 5
	}
	if count := r.collection.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := r.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	docs := make([]ports.KnowledgeDocument, 0, len(results))
	for _, result := range results {
		if result.Similarity < r.config.MinSimilarity {
			continue
		}
		docs = append(docs, ports.KnowledgeDocument{
			ID:         result.ID,
			Content:    result.Content,
			Metadata:   result.Metadata,
			Similarity: result.Similarity,
		})
	}
	return docs, nil
}
