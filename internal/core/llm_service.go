package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const (
	defaultGeminiEmbeddingModel = "text-embedding-004"

	documentSystemInstruction = "You are a clinical documentation assistant. Produce complete, professional healthcare documents. " +
		"Use only the patient information provided and do not invent identifiers. " +
		"When asked for JSON, return only valid JSON."
)

// LLMService talks to Gemini for both document generation and embeddings.
type LLMService struct {
	client         *genai.Client
	params         GenerationParams
	embeddingModel string
	logger         zerolog.Logger
}

func NewLLMService(ctx context.Context, apiKey string, params GenerationParams, embeddingModel string, logger zerolog.Logger) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if embeddingModel == "" {
		embeddingModel = defaultGeminiEmbeddingModel
	}
	if params.PresencePenalty != 0 || params.FrequencyPenalty != 0 {
		logger.Warn().Msg("gemini does not support presence or frequency penalties; ignoring them")
	}

	return &LLMService{
		client:         client,
		params:         params,
		embeddingModel: embeddingModel,
		logger:         logger.With().Str("component", "gemini").Logger(),
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Error().Err(err).Msg("error closing GenAI client")
		} else {
			s.logger.Info().Msg("GenAI client closed")
		}
	}
}

// Embed returns the embedding vector for text.
func (s *LLMService) Embed(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// Complete sends a single-turn prompt and returns the concatenated text parts
// of the first candidate.
func (s *LLMService) Complete(ctx context.Context, prompt string) (string, error) {
	model := s.client.GenerativeModel(s.params.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(documentSystemInstruction)},
	}

	temp := s.params.Temperature
	topP := s.params.TopP
	maxTokens := s.params.MaxOutputTokens
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		TopP:            &topP,
		MaxOutputTokens: &maxTokens,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generation request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.logger.Debug().Str("part_type", fmt.Sprintf("%T", part)).Msg("skipping non-text response part")
		}
	}

	if responseText.Len() == 0 {
		return "", fmt.Errorf("gemini response contained no text")
	}
	return responseText.String(), nil
}
