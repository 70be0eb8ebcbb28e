package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pdf-rag/internal/config"
	"pdf-rag/internal/models"
)

var ErrMissingKey = errors.New("embedding provider requires an api key")

// New builds the embedder selected by cfg.Provider. The remote providers use
// credential, falling back to cfg.Key when it is empty.
func New(ctx context.Context, cfg *config.EmbeddingConfig, credential string) (embeddings.Embedder, error) {
	key := resolveKey(cfg, credential)
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Str("base_url", cfg.BaseURL).Msg("Creating embedder")

	switch cfg.Provider {
	case config.ProviderHash:
		return NewHashEmbedder(cfg.Dimensions), nil
	case config.ProviderOllama:
		return NewOllamaEmbedder(cfg)
	case config.ProviderOpenAI:
		if key == "" {
			return nil, ErrMissingKey
		}
		return NewOpenAIEmbedder(key, cfg)
	case config.ProviderGemini:
		if key == "" {
			return nil, ErrMissingKey
		}
		return NewGeminiEmbedder(ctx, key, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

func resolveKey(cfg *config.EmbeddingConfig, credential string) string {
	if credential = strings.TrimSpace(credential); credential != "" {
		return credential
	}
	return cfg.Key
}

// NewOpenAIEmbedder works against any OpenAI-compatible embeddings endpoint.
func NewOpenAIEmbedder(key string, cfg *config.EmbeddingConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("init openai embedder: %w", err)
	}
	return embeddings.NewEmbedder(llm)
}

// NewOllamaEmbedder runs a small local encoder (all-minilm by default) via ollama.
func NewOllamaEmbedder(cfg *config.EmbeddingConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("init ollama embedder: %w", err)
	}
	return embeddings.NewEmbedder(llm)
}

// EmbedPages embeds every page that has text and returns the pairs in page
// order. Texts longer than maxChars are cut at a word boundary. Pages whose
// vector has no magnitude are dropped since they cannot be ranked.
func EmbedPages(ctx context.Context, embedder embeddings.Embedder, pages []models.Page, maxChars int) ([]models.PageEmbedding, error) {
	var (
		kept  []models.Page
		texts []string
	)
	for _, p := range pages {
		text := truncate(p.Text, maxChars)
		if strings.TrimSpace(text) == "" {
			continue
		}
		kept = append(kept, p)
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		log.Info().Msg("No page text to embed")
		return nil, nil
	}

	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}

	out := make([]models.PageEmbedding, 0, len(kept))
	for i, p := range kept {
		if isZero(vectors[i]) {
			log.Warn().Int("page", p.Number).Msg("Skipping page with empty embedding")
			continue
		}
		out = append(out, models.PageEmbedding{Page: p, Embedding: vectors[i]})
	}
	return out, nil
}

// EmbedQuery embeds a question with the same truncation as pages.
func EmbedQuery(ctx context.Context, embedder embeddings.Embedder, query string, maxChars int) ([]float32, error) {
	vec, err := embedder.EmbedQuery(ctx, truncate(query, maxChars))
	if err != nil {
		return nil, err
	}
	if isZero(vec) {
		return nil, errors.New("query produced an empty embedding")
	}
	return vec, nil
}

// truncate keeps the leading words of content that fit in maxChars.
func truncate(content string, maxChars int) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	var chunk strings.Builder
	for _, word := range strings.Fields(content) {
		if chunk.Len()+len(word)+1 > maxChars {
			break
		}
		if chunk.Len() > 0 {
			chunk.WriteByte(' ')
		}
		chunk.WriteString(word)
	}
	if chunk.Len() == 0 {
		// a single word longer than the limit
		return strings.ToValidUTF8(content[:maxChars], "")
	}
	return chunk.String()
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
