package rag

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/tmc/langchaingo/embeddings"
	"google.golang.org/api/googleapi"

	"pdf-rag/internal/chromemdb"
	"pdf-rag/internal/config"
	"pdf-rag/internal/embedding"
	"pdf-rag/internal/index"
	"pdf-rag/internal/llmservice"
	"pdf-rag/internal/models"
	"pdf-rag/internal/parser/parsertest"
	"pdf-rag/internal/session"
)

var glossary = []string{
	"Embedding is a numeric vector representation of text",
	"Overfitting means a model memorises training noise",
	"Tokenizer splits text into subword tokens",
	"Attention lets transformers weigh context tokens",
}

type countingEmbedder struct {
	*embedding.HashEmbedder
	documentCalls int
	queryCalls    int
}

func (c *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	c.documentCalls++
	return c.HashEmbedder.EmbedDocuments(ctx, texts)
}

func (c *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	c.queryCalls++
	return c.HashEmbedder.EmbedQuery(ctx, text)
}

type fakeGenerator struct {
	prompts []string
	answer  string
	err     error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

type harness struct {
	rag          *RAG
	manager      *chromemdb.Manager
	embedder     *countingEmbedder
	generator    *fakeGenerator
	embedderNew  int
	generatorNew int
	indexNew     int
	credentials  []string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Embedding.Provider = config.ProviderHash
	cfg.LLM.RequestsPerMinute = -1
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		manager:   chromemdb.NewManager(),
		embedder:  &countingEmbedder{HashEmbedder: embedding.NewHashEmbedder(256)},
		generator: &fakeGenerator{answer: "An embedding is a vector.\n\n**Source**: page 1"},
	}
	newIndex := func(ctx context.Context, name string) (index.Index, error) {
		h.indexNew++
		return h.manager.NewIndex(ctx, name)
	}
	newEmbedder := func(ctx context.Context, credential string) (embeddings.Embedder, error) {
		h.embedderNew++
		h.credentials = append(h.credentials, credential)
		return h.embedder, nil
	}
	newGenerator := func(ctx context.Context, credential string) (llmservice.Generator, error) {
		h.generatorNew++
		return h.generator, nil
	}
	h.rag = NewRAG(cfg, session.NewStore(0), newIndex, newEmbedder, newGenerator)
	return h
}

func TestIngestAndAsk(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.rag.Ingest(ctx, "s1", "glossary.pdf", parsertest.BuildPDF(glossary), "key")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Pages != len(glossary) || res.Indexed != len(glossary) || res.Cached {
		t.Errorf("unexpected ingest result %+v", res)
	}

	resp, err := h.rag.Ask(ctx, "s1", "What is an embedding vector representation?", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Content != h.generator.answer {
		t.Errorf("answer not returned verbatim: %q", resp.Content)
	}
	if len(resp.Matches) != 2 {
		t.Fatalf("expected top-2 matches, got %d", len(resp.Matches))
	}
	if resp.Matches[0].Page.Number != 1 {
		t.Errorf("expected page 1 first, got %+v", resp.Matches[0])
	}
	if !strings.Contains(resp.Source, "glossary.pdf p.1") {
		t.Errorf("unexpected source %q", resp.Source)
	}

	if len(h.generator.prompts) != 1 {
		t.Fatalf("expected one generation request, got %d", len(h.generator.prompts))
	}
	prompt := h.generator.prompts[0]
	if !strings.Contains(prompt, glossary[0]) || !strings.Contains(prompt, "Question: What is an embedding") {
		t.Errorf("prompt missing context or question: %s", prompt)
	}
	// the session remembered the key given at upload
	if h.credentials[len(h.credentials)-1] != "key" {
		t.Errorf("expected session credential, got %q", h.credentials[len(h.credentials)-1])
	}
}

func TestOwnPageTextRanksTop2(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.rag.Ingest(ctx, "s1", "g.pdf", parsertest.BuildPDF(glossary), "key"); err != nil {
		t.Fatal(err)
	}
	for i, text := range glossary {
		resp, err := h.rag.Ask(ctx, "s1", text, "")
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, m := range resp.Matches {
			found = found || m.Page.Number == i+1
		}
		if !found {
			t.Errorf("page %d not in top-2: %+v", i+1, resp.Matches)
		}
	}
}

func TestNoCredentialMakesNoCalls(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.rag.Ingest(ctx, "s1", "g.pdf", parsertest.BuildPDF(glossary), "")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	_, err = h.rag.Ask(ctx, "s1", "question", "  ")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if h.embedderNew != 0 || h.generatorNew != 0 || h.indexNew != 0 {
		t.Errorf("remote clients created without credential: embedder=%d generator=%d index=%d",
			h.embedderNew, h.generatorNew, h.indexNew)
	}
}

func TestConfiguredCredential(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.LLM.Key = "from-config" })
	if _, err := h.rag.Ingest(context.Background(), "s1", "g.pdf", parsertest.BuildPDF(glossary), ""); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if h.credentials[0] != "from-config" {
		t.Errorf("expected configured credential, got %q", h.credentials[0])
	}
}

func TestMalformedPDFStopsBeforeIndexing(t *testing.T) {
	h := newHarness(t, nil)
	for _, data := range [][]byte{
		[]byte("%PDF-1.7 truncated"),
		[]byte("GIF89a not a pdf"),
	} {
		_, err := h.rag.Ingest(context.Background(), "s1", "bad.pdf", data, "key")
		if !errors.Is(err, ErrParse) {
			t.Errorf("expected ErrParse, got %v", err)
		}
		if p := Describe(err); p.Code != "invalid_pdf" {
			t.Errorf("unexpected problem %+v", p)
		}
	}
	if h.embedderNew != 0 || h.indexNew != 0 {
		t.Errorf("indexing started for a malformed pdf: embedder=%d index=%d", h.embedderNew, h.indexNew)
	}
	if _, ok := h.rag.Document("s1"); ok {
		t.Error("malformed upload stored a document")
	}
}

func TestMissingDocument(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.rag.Ingest(context.Background(), "s1", "", nil, "key"); !errors.Is(err, ErrMissingDocument) {
		t.Errorf("expected ErrMissingDocument, got %v", err)
	}
	if _, err := h.rag.Ask(context.Background(), "s1", "hello?", "key"); !errors.Is(err, ErrNoDocument) {
		t.Errorf("expected ErrNoDocument, got %v", err)
	}
	if _, err := h.rag.Ask(context.Background(), "s1", "   ", "key"); !errors.Is(err, ErrMissingQuestion) {
		t.Errorf("expected ErrMissingQuestion, got %v", err)
	}
}

func TestResubmitSameUploadUsesCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	data := parsertest.BuildPDF(glossary)

	if _, err := h.rag.Ingest(ctx, "s1", "g.pdf", data, "key"); err != nil {
		t.Fatal(err)
	}
	res, err := h.rag.Ingest(ctx, "s1", "g.pdf", data, "key")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("expected cached result")
	}
	if h.embedder.documentCalls != 1 {
		t.Errorf("expected one embedding pass, got %d", h.embedder.documentCalls)
	}
	if h.indexNew != 1 {
		t.Errorf("expected one index build, got %d", h.indexNew)
	}

	// a different upload invalidates the cached entry
	if _, err := h.rag.Ingest(ctx, "s1", "other.pdf", parsertest.BuildPDF([]string{"Another document entirely"}), "key"); err != nil {
		t.Fatal(err)
	}
	if h.embedder.documentCalls != 2 {
		t.Errorf("expected second embedding pass, got %d", h.embedder.documentCalls)
	}
	if h.manager.Collections() != 1 {
		t.Errorf("expected the previous index to be dropped, have %d collections", h.manager.Collections())
	}
	doc, _ := h.rag.Document("s1")
	if doc.Filename != "other.pdf" {
		t.Errorf("unexpected current document %s", doc.Filename)
	}
}

func TestNoTextPDF(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.rag.Ingest(context.Background(), "s1", "blank.pdf", parsertest.BuildPDF([]string{"", ""}), "key")
	if !errors.Is(err, ErrNoText) {
		t.Errorf("expected ErrNoText, got %v", err)
	}
	if h.indexNew != 0 {
		t.Error("index created for a document without text")
	}
}

func TestRateLimitGivesRetryMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.rag.Ingest(ctx, "s1", "g.pdf", parsertest.BuildPDF(glossary), "key"); err != nil {
		t.Fatal(err)
	}

	h.generator.err = &googleapi.Error{Code: http.StatusTooManyRequests, Message: "Resource has been exhausted"}
	_, err := h.rag.Ask(ctx, "s1", "What is attention?", "")
	if !errors.Is(err, llmservice.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	p := Describe(err)
	if p.Code != "rate_limited" || p.Status != http.StatusTooManyRequests || !strings.Contains(p.Message, "try again") {
		t.Errorf("unexpected problem %+v", p)
	}

	h.generator.err = errors.New("socket closed")
	_, err = h.rag.Ask(ctx, "s1", "What is attention?", "")
	if p := Describe(err); p.Code != "internal_error" {
		t.Errorf("expected generic problem, got %+v", p)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.rag.Ingest(ctx, "s1", "g.pdf", parsertest.BuildPDF(glossary), "key"); err != nil {
		t.Fatal(err)
	}
	if !h.rag.Reset(ctx, "s1") {
		t.Fatal("expected Reset to drop a document")
	}
	if h.manager.Collections() != 0 {
		t.Errorf("index not dropped, %d collections", h.manager.Collections())
	}
	if _, err := h.rag.Ask(ctx, "s1", "anything", ""); !errors.Is(err, ErrNoDocument) {
		t.Errorf("expected ErrNoDocument, got %v", err)
	}
}

func TestBuildPrompt(t *testing.T) {
	matches := []models.Match{
		{Page: models.Page{Number: 1, Text: "first"}},
		{Page: models.Page{Number: 2, Text: "second"}},
	}
	got := BuildPrompt("", "why?", matches)
	if !strings.Contains(got, "first\n\nsecond") || !strings.HasSuffix(got, "Question: why?\nHelpful Answer:") {
		t.Errorf("unexpected prompt:\n%s", got)
	}
	if got := BuildPrompt("C={context} Q={question} at 100%", "q", matches); got != "C=first\n\nsecond Q=q at 100%" {
		t.Errorf("custom template not applied: %q", got)
	}
	// placeholders inside the page text are left alone
	got = BuildPrompt("", "50% off?", []models.Match{{Page: models.Page{Text: "see {question}"}}})
	if !strings.Contains(got, "see {question}") || !strings.Contains(got, "Question: 50% off?") {
		t.Errorf("unexpected prompt:\n%s", got)
	}
}

// rowStore keeps rows per collection name and deletes them by name, the way
// the pgvector index does.
type rowStore struct {
	mu   sync.Mutex
	rows map[string][]models.PageEmbedding
}

func (s *rowStore) NewIndex(ctx context.Context, name string) (index.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, name)
	return &rowIndex{store: s, name: name}, nil
}

func (s *rowStore) collections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type rowIndex struct {
	store *rowStore
	name  string
}

func (i *rowIndex) Add(ctx context.Context, pages []models.PageEmbedding) error {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	i.store.rows[i.name] = append(i.store.rows[i.name], pages...)
	return nil
}

func (i *rowIndex) Search(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	var out []models.Match
	for _, p := range i.store.rows[i.name] {
		if len(out) == k {
			break
		}
		out = append(out, models.Match{Page: p.Page})
	}
	return out, nil
}

func (i *rowIndex) Count() int {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	return len(i.store.rows[i.name])
}

func (i *rowIndex) Close(ctx context.Context) error {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	delete(i.store.rows, i.name)
	return nil
}

// barrierEmbedder holds every document batch until all expected callers
// have arrived, so concurrent ingests overlap.
type barrierEmbedder struct {
	*embedding.HashEmbedder
	arrived *sync.WaitGroup
}

func (b *barrierEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	b.arrived.Done()
	b.arrived.Wait()
	return b.HashEmbedder.EmbedDocuments(ctx, texts)
}

func TestConcurrentSameUploadKeepsLiveIndex(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Provider = config.ProviderHash
	cfg.LLM.RequestsPerMinute = -1

	store := &rowStore{rows: make(map[string][]models.PageEmbedding)}
	var arrived sync.WaitGroup
	arrived.Add(2)
	embedder := &barrierEmbedder{HashEmbedder: embedding.NewHashEmbedder(256), arrived: &arrived}
	generator := &fakeGenerator{answer: "ok"}
	r := NewRAG(cfg, session.NewStore(0), store.NewIndex,
		func(ctx context.Context, credential string) (embeddings.Embedder, error) { return embedder, nil },
		func(ctx context.Context, credential string) (llmservice.Generator, error) { return generator, nil },
	)

	ctx := context.Background()
	data := parsertest.BuildPDF(glossary)
	results := make([]*IngestResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for n := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[n], errs[n] = r.Ingest(ctx, "s", "g.pdf", data, "key")
		}()
	}
	wg.Wait()
	for n, err := range errs {
		if err != nil {
			t.Fatalf("ingest %d: %v", n, err)
		}
	}
	if results[0].Cached == results[1].Cached {
		t.Errorf("expected exactly one ingest to report the earlier index, got %+v and %+v", results[0], results[1])
	}
	if got := store.collections(); got != 1 {
		t.Errorf("expected one live collection, got %d", got)
	}

	resp, err := r.Ask(ctx, "s", "What is an embedding?", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(resp.Matches) != 2 {
		t.Fatalf("expected 2 matches after concurrent uploads, got %d", len(resp.Matches))
	}
	if !strings.Contains(generator.prompts[0], glossary[0]) {
		t.Errorf("context missing from prompt:\n%s", generator.prompts[0])
	}
}

func TestDefaultEmbedderFactoryCredential(t *testing.T) {
	ctx := context.Background()

	// the request key belongs to the gemini LLM and must not reach an openai embedder
	cfg := &config.Config{
		LLM:       config.LLMConfig{Provider: config.ProviderGemini},
		Embedding: config.EmbeddingConfig{Provider: config.ProviderOpenAI},
	}
	config.ApplyDefaults(cfg)
	if _, err := DefaultEmbedderFactory(cfg)(ctx, "gemini-key"); !errors.Is(err, embedding.ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}

	cfg = &config.Config{
		LLM:       config.LLMConfig{Provider: config.ProviderOpenAI},
		Embedding: config.EmbeddingConfig{Provider: config.ProviderOpenAI},
	}
	config.ApplyDefaults(cfg)
	if _, err := DefaultEmbedderFactory(cfg)(ctx, "sk-typed"); err != nil {
		t.Errorf("shared provider should use the request key: %v", err)
	}
}
