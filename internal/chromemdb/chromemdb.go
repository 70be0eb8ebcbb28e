package chromemdb

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"pdf-rag/internal/index"
	"pdf-rag/internal/models"
)

const (
	metaPage   = "page"
	metaSource = "source"
)

// Manager owns the in-memory chromem database shared by all session indexes.
// Nothing is written to disk.
type Manager struct {
	db *chromem.DB
}

func NewManager() *Manager {
	return &Manager{db: chromem.NewDB()}
}

// NewIndex creates (or replaces) the collection called name.
func (m *Manager) NewIndex(ctx context.Context, name string) (index.Index, error) {
	if m.db.GetCollection(name, nil) != nil {
		if err := m.db.DeleteCollection(name); err != nil {
			return nil, fmt.Errorf("failed to reset collection: %v", err)
		}
	}
	// vectors are always supplied, so the embedding func is never called
	c, err := m.db.CreateCollection(name, nil, noEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %v", err)
	}
	return &Index{manager: m, collection: c, name: name}, nil
}

// Collections returns the number of live collections.
func (m *Manager) Collections() int {
	return len(m.db.ListCollections())
}

func noEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("chromemdb: documents must carry embeddings")
}

// Index is one chromem collection holding the pages of one document.
type Index struct {
	manager    *Manager
	collection *chromem.Collection
	name       string

	mu     sync.Mutex
	closed bool
}

// Add stores the pages. Page numbers make the document IDs.
func (i *Index) Add(ctx context.Context, pages []models.PageEmbedding) error {
	if len(pages) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(pages))
	for n, p := range pages {
		docs[n] = chromem.Document{
			ID:      fmt.Sprintf("page-%d", p.Page.Number),
			Content: p.Page.Text,
			Metadata: map[string]string{
				metaPage:   strconv.Itoa(p.Page.Number),
				metaSource: p.Page.Source,
			},
			Embedding: p.Embedding,
		}
	}
	if err := i.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %v", err)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query embedding must be provided")
	}
	// chromem rejects nResults larger than the collection
	k = min(k, i.collection.Count())
	if k <= 0 {
		return nil, nil
	}
	results, err := i.collection.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: vector,
		NResults:       k,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %v", err)
	}

	matches := make([]models.Match, len(results))
	for n, r := range results {
		page, _ := strconv.Atoi(r.Metadata[metaPage])
		matches[n] = models.Match{
			Page: models.Page{
				Number: page,
				Source: r.Metadata[metaSource],
				Text:   r.Content,
			},
			Similarity: r.Similarity,
		}
	}
	return matches, nil
}

func (i *Index) Count() int {
	return i.collection.Count()
}

// Close drops the collection. Calling it twice is a no-op.
func (i *Index) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	log.Debug().Str("collection", i.name).Msg("Dropping collection")
	if err := i.manager.db.DeleteCollection(i.name); err != nil {
		return fmt.Errorf("failed to drop collection: %v", err)
	}
	return nil
}
