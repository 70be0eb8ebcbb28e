package chromemdb

import (
	"context"
	"testing"

	"pdf-rag/internal/embedding"
	"pdf-rag/internal/models"
)

func buildIndex(t *testing.T, m *Manager, texts []string) *Index {
	t.Helper()
	ctx := context.Background()
	pages := make([]models.Page, len(texts))
	for i, text := range texts {
		pages[i] = models.Page{Number: i + 1, Source: "doc.pdf", Text: text}
	}
	embedded, err := embedding.EmbedPages(ctx, embedding.NewHashEmbedder(128), pages, 4000)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := m.NewIndex(ctx, "session-doc")
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := idx.Add(ctx, embedded); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return idx.(*Index)
}

func TestIndex_OwnTextRanksTop2(t *testing.T) {
	texts := []string{
		"Transformers use attention to weigh tokens",
		"Gradient descent updates parameters iteratively",
		"Tokenization splits text into subword units",
		"Overfitting happens when a model memorises noise",
	}
	m := NewManager()
	idx := buildIndex(t, m, texts)
	if idx.Count() != len(texts) {
		t.Fatalf("expected %d documents, got %d", len(texts), idx.Count())
	}

	e := embedding.NewHashEmbedder(128)
	for i, text := range texts {
		q, _ := e.EmbedQuery(context.Background(), text)
		matches, err := idx.Search(context.Background(), q, 2)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(matches))
		}
		found := false
		for _, m := range matches {
			if m.Page.Number == i+1 {
				found = true
			}
		}
		if !found {
			t.Errorf("page %d not in top-2 for its own text: %+v", i+1, matches)
		}
		if matches[0].Similarity < matches[1].Similarity {
			t.Errorf("matches not sorted by similarity: %+v", matches)
		}
		if matches[0].Page.Source != "doc.pdf" || matches[0].Page.Text == "" {
			t.Errorf("page metadata not restored: %+v", matches[0].Page)
		}
	}
}

func TestIndex_SearchClampsK(t *testing.T) {
	idx := buildIndex(t, NewManager(), []string{"only page"})
	q, _ := embedding.NewHashEmbedder(128).EmbedQuery(context.Background(), "only page")
	matches, err := idx.Search(context.Background(), q, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("expected 1 match, got %d", len(matches))
	}
}

func TestIndex_Close(t *testing.T) {
	m := NewManager()
	idx := buildIndex(t, m, []string{"a page"})
	if m.Collections() != 1 {
		t.Fatalf("expected 1 collection, got %d", m.Collections())
	}
	if err := idx.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if m.Collections() != 0 {
		t.Errorf("expected collection to be dropped, got %d", m.Collections())
	}
}
