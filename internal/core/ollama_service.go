package core

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
)

// OllamaService is the local-model backend: the default embedder and an
// alternative generator.
type OllamaService struct {
	client         *api.Client
	params         GenerationParams
	embeddingModel string
	logger         zerolog.Logger
}

func NewOllamaService(host string, params GenerationParams, embeddingModel string, logger zerolog.Logger) (*OllamaService, error) {
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return &OllamaService{
		client:         api.NewClient(base, http.DefaultClient),
		params:         params,
		embeddingModel: embeddingModel,
		logger:         logger.With().Str("component", "ollama").Logger(),
	}, nil
}

func (s *OllamaService) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:     s.embeddingModel,
		Prompt:    text,
		KeepAlive: &api.Duration{Duration: 60 * time.Minute},
	}
	resp, err := s.client.Embeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding request failed: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding data received from ollama")
	}

	emb32 := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		emb32[i] = float32(v)
	}
	return emb32, nil
}

func (s *OllamaService) Complete(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  s.params.Model,
		Prompt: prompt,
		System: documentSystemInstruction,
		Stream: &stream,
		Options: map[string]any{
			"temperature":       s.params.Temperature,
			"top_p":             s.params.TopP,
			"num_predict":       s.params.MaxOutputTokens,
			"presence_penalty":  s.params.PresencePenalty,
			"frequency_penalty": s.params.FrequencyPenalty,
		},
	}

	var out strings.Builder
	err := s.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generation request failed: %w", err)
	}
	return out.String(), nil
}
