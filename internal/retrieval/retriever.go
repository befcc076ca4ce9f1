// Package retrieval supplies evidence documents to the pipeline: a Qdrant
// vector index for business knowledge and a web search API for everything
// the index does not cover.
package retrieval

import (
	"context"

	"github.com/tidewater-ai/concierge/internal/ledger"
)

// Retriever is the evidence port the pipeline consumes. The namespace scopes
// the search to one tenant's documents.
type Retriever interface {
	Search(ctx context.Context, query, namespace string, limit int) ([]ledger.EvidenceDoc, error)
}

// Embedder turns texts into vectors for the index. Satisfied by the
// provider layer.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
