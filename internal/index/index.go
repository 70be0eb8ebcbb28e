// Package index defines the similarity index built for one uploaded document.
package index

import (
	"context"

	"pdf-rag/internal/models"
)

// Index is built once per document and then only queried. Close destroys
// the stored vectors.
type Index interface {
	Add(ctx context.Context, pages []models.PageEmbedding) error
	// Search returns at most k matches ordered by descending similarity.
	Search(ctx context.Context, vector []float32, k int) ([]models.Match, error)
	Count() int
	Close(ctx context.Context) error
}

// Factory creates an empty index with a name unique to the session and document.
type Factory func(ctx context.Context, name string) (Index, error)
