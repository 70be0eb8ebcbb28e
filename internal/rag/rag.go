package rag

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pdf-rag/internal/config"
	"pdf-rag/internal/embedding"
	"pdf-rag/internal/helper"
	"pdf-rag/internal/index"
	"pdf-rag/internal/llmservice"
	"pdf-rag/internal/models"
	"pdf-rag/internal/parser"
	"pdf-rag/internal/session"
)

type EmbedderFactory func(ctx context.Context, credential string) (embeddings.Embedder, error)

type GeneratorFactory func(ctx context.Context, credential string) (llmservice.Generator, error)

// DefaultEmbedderFactory builds embedders from configuration. The request
// credential belongs to the LLM provider, so it is handed to the embedder only
// when both use the same provider; otherwise embedding.key applies.
func DefaultEmbedderFactory(cfg *config.Config) EmbedderFactory {
	shared := cfg.Embedding.Provider == cfg.LLM.Provider
	return func(ctx context.Context, credential string) (embeddings.Embedder, error) {
		if !shared {
			credential = ""
		}
		return embedding.New(ctx, &cfg.Embedding, credential)
	}
}

// DefaultGeneratorFactory builds generators from configuration.
func DefaultGeneratorFactory(cfg *config.LLMConfig) GeneratorFactory {
	return func(ctx context.Context, credential string) (llmservice.Generator, error) {
		return llmservice.New(ctx, cfg, credential)
	}
}

type RAG struct {
	cfg          *config.Config
	sessions     *session.Store
	newIndex     index.Factory
	newEmbedder  EmbedderFactory
	newGenerator GeneratorFactory
	guard        *llmservice.Guard
	tracer       trace.Tracer
}

func NewRAG(cfg *config.Config, sessions *session.Store, newIndex index.Factory, newEmbedder EmbedderFactory, newGenerator GeneratorFactory) *RAG {
	return &RAG{
		cfg:          cfg,
		sessions:     sessions,
		newIndex:     newIndex,
		newEmbedder:  newEmbedder,
		newGenerator: newGenerator,
		guard:        llmservice.NewGuard(cfg.LLM.RequestsPerMinute, time.Duration(cfg.LLM.TimeoutSecs)*time.Second),
		tracer:       otel.Tracer("pdf-rag/rag"),
	}
}

type IngestResult struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	Pages    int    `json:"pages"`
	Indexed  int    `json:"indexed"`
	Cached   bool   `json:"cached"`
}

// credential picks the key supplied with the request, then the one remembered
// for the session, then the configured one.
func (r *RAG) credential(sessionID, supplied string) (string, error) {
	supplied = strings.TrimSpace(supplied)
	if supplied != "" {
		r.sessions.SetCredential(sessionID, supplied)
		return supplied, nil
	}
	if c := r.sessions.Credential(sessionID); c != "" {
		return c, nil
	}
	if r.cfg.LLM.Key != "" {
		return r.cfg.LLM.Key, nil
	}
	return "", ErrMissingCredential
}

// Ingest parses, embeds and indexes an uploaded PDF for the session. Uploading
// the same bytes again reuses the existing index; uploading a different file
// replaces it.
func (r *RAG) Ingest(ctx context.Context, sessionID, filename string, data []byte, credential string) (res *IngestResult, err error) {
	ctx, span := r.tracer.Start(ctx, "rag.ingest")
	defer func() { endSpan(span, err) }()

	if len(data) == 0 {
		return nil, ErrMissingDocument
	}
	key, err := r.credential(sessionID, credential)
	if err != nil {
		return nil, err
	}

	hash := helper.HashBytes(data)
	span.SetAttributes(attribute.String("document.hash", hash), attribute.Int("document.bytes", len(data)))
	logger := log.With().Str("session", sessionID).Str("file", filename).Str("hash", hash[:12]).Logger()

	if doc, ok := r.sessions.Lookup(sessionID, hash); ok {
		logger.Info().Msg("Reusing cached index")
		span.SetAttributes(attribute.Bool("document.cached", true))
		return &IngestResult{Filename: doc.Filename, Hash: hash, Pages: len(doc.Pages), Indexed: doc.Indexed, Cached: true}, nil
	}

	pages, err := parser.LoadPDFBytes(filename, data)
	if err != nil {
		logger.Warn().Err(err).Msg("Error parsing document")
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	embedder, err := r.newEmbedder(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", llmservice.Classify(err))
	}
	defer closeIfCloser(embedder)

	start := time.Now()
	embedded, err := embedding.EmbedPages(ctx, embedder, pages, r.cfg.Embedding.MaxChars)
	if err != nil {
		return nil, fmt.Errorf("embed pages: %w", llmservice.Classify(err))
	}
	if len(embedded) == 0 {
		return nil, ErrNoText
	}

	name, err := indexName(sessionID, hash)
	if err != nil {
		return nil, err
	}
	idx, err := r.newIndex(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	if err := idx.Add(ctx, embedded); err != nil {
		idx.Close(ctx)
		return nil, fmt.Errorf("index pages: %w", err)
	}

	built := &session.Document{
		Hash:     hash,
		Filename: filename,
		Pages:    pages,
		Index:    idx,
		Indexed:  len(embedded),
	}
	// a concurrent upload of the same bytes may have finished first
	if current := r.sessions.Put(ctx, sessionID, built); current != built {
		logger.Info().Msg("Same document indexed concurrently, keeping the earlier index")
		return &IngestResult{Filename: current.Filename, Hash: hash, Pages: len(current.Pages), Indexed: current.Indexed, Cached: true}, nil
	}
	logger.Info().Int("pages", len(pages)).Int("indexed", len(embedded)).Dur("took", time.Since(start)).Msg("Indexed document")
	span.SetAttributes(attribute.Int("document.pages", len(pages)))

	return &IngestResult{Filename: filename, Hash: hash, Pages: len(pages), Indexed: len(embedded)}, nil
}

// Ask answers question from the session's document: the top-k pages are
// retrieved and passed to the model as context. The model's text is returned
// unchanged.
func (r *RAG) Ask(ctx context.Context, sessionID, question, credential string) (resp *models.PromptResponse, err error) {
	ctx, span := r.tracer.Start(ctx, "rag.ask")
	defer func() { endSpan(span, err) }()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrMissingQuestion
	}
	key, err := r.credential(sessionID, credential)
	if err != nil {
		return nil, err
	}
	doc, ok := r.sessions.Current(sessionID)
	if !ok {
		return nil, ErrNoDocument
	}

	embedder, err := r.newEmbedder(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", llmservice.Classify(err))
	}
	defer closeIfCloser(embedder)

	queryEmbedding, err := embedding.EmbedQuery(ctx, embedder, question, r.cfg.Embedding.MaxChars)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", llmservice.Classify(err))
	}

	matches, err := doc.Index.Search(ctx, queryEmbedding, r.cfg.RAG.TopK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	span.SetAttributes(attribute.Int("rag.matches", len(matches)))

	generator, err := r.newGenerator(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("init generator: %w", llmservice.Classify(err))
	}
	defer closeIfCloser(generator)

	prompt := BuildPrompt(r.cfg.RAG.PromptTemplate, question, matches)
	answer, err := r.guard.Generate(ctx, generator, prompt)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("Error generating answer")
		return nil, fmt.Errorf("generate: %w", err)
	}

	return &models.PromptResponse{
		Query:   question,
		Source:  sources(matches),
		Content: answer,
		Matches: matches,
	}, nil
}

// Reset forgets the session's document.
func (r *RAG) Reset(ctx context.Context, sessionID string) bool {
	return r.sessions.Remove(ctx, sessionID)
}

// Document returns the session's current document, if any.
func (r *RAG) Document(sessionID string) (*session.Document, bool) {
	return r.sessions.Current(sessionID)
}

// BuildPrompt stuffs the matched pages into the template's {context} and the
// question into {question}. An empty template selects
// models.DefaultPromptTemplate.
func BuildPrompt(template, question string, matches []models.Match) string {
	if template == "" {
		template = models.DefaultPromptTemplate
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Page.Text
	}
	return strings.NewReplacer(
		models.ContextPlaceholder, strings.Join(texts, models.ContextSeparator),
		models.QuestionPlaceholder, question,
	).Replace(template)
}

func sources(matches []models.Match) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("%s p.%d (%.2f)", m.Page.Source, m.Page.Number, m.Similarity)
	}
	return strings.Join(parts, ", ")
}

// indexName is unique per build, so closing one build never touches the rows
// of another built from the same bytes.
func indexName(sessionID, hash string) (string, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", sessionID, hash[:12], id), nil
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing client")
		}
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
