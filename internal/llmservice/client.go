package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"google.golang.org/api/option"

	"pdf-rag/internal/config"
)

// Generator sends one prompt to a hosted chat model and returns its text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// New builds the generator for cfg.Provider. The credential is required.
func New(ctx context.Context, cfg *config.LLMConfig, credential string) (Generator, error) {
	if credential == "" {
		return nil, ErrUnauthorized
	}
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Msg("Creating generator")
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGemini(ctx, credential, cfg)
	case config.ProviderOpenAI:
		return NewOpenAI(credential, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

type GeminiGenerator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGemini(ctx context.Context, key string, cfg *config.LLMConfig) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	model := client.GenerativeModel(cfg.Model)
	if cfg.Temperature > 0 {
		model.SetTemperature(cfg.Temperature)
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out.WriteString(string(text))
			}
		}
		// only the first candidate is shown
		break
	}
	if out.Len() == 0 {
		return "", errors.New("model returned no text")
	}
	return out.String(), nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

// OpenAIGenerator talks to any OpenAI-compatible chat endpoint (OpenAI, OpenRouter).
type OpenAIGenerator struct {
	llm         *openai.LLM
	temperature float64
}

func NewOpenAI(key string, cfg *config.LLMConfig) (*OpenAIGenerator, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(key, "Bearer ")),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("init openai client: %w", err)
	}
	return &OpenAIGenerator{llm: llm, temperature: float64(cfg.Temperature)}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	msgContent := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	var opts []llms.CallOption
	if g.temperature > 0 {
		opts = append(opts, llms.WithTemperature(g.temperature))
	}
	res, err := g.llm.GenerateContent(ctx, msgContent, opts...)
	if err != nil {
		return "", err
	}
	if len(res.Choices) == 0 || res.Choices[0].Content == "" {
		return "", errors.New("model returned no text")
	}
	return res.Choices[0].Content, nil
}
