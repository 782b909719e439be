package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"medidocs.io/docflow/internal/archive"
	"medidocs.io/docflow/internal/config"
	"medidocs.io/docflow/internal/core"
	"medidocs.io/docflow/internal/esign"
	"medidocs.io/docflow/internal/pdf"
	"medidocs.io/docflow/internal/store"
)

// app owns every long-lived handle. It is built once per process and torn
// down by Close.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pipeline   *core.Pipeline
	dispatcher *esign.Dispatcher
	closers    []func()
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if strings.EqualFold(cfg.LogFormat, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// loadApp reads the environment and builds the app. Logs go to out so CLI
// commands can keep stdout for their own output.
func loadApp(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, newLogger(cfg, out))
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing database")
		}
	})

	params := core.GenerationParams{
		Model:            cfg.GenerationModel,
		Temperature:      cfg.Temperature,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		TopP:             cfg.TopP,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
	}

	var gemini *core.LLMService
	if cfg.GenerationProvider == config.ProviderGemini || cfg.EmbeddingProvider == config.ProviderGemini {
		gemini, err = core.NewLLMService(ctx, cfg.GeminiAPIKey, params, geminiEmbeddingModel(cfg), logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gemini.Close)
	}
	var ollama *core.OllamaService
	if cfg.GenerationProvider == config.ProviderOllama || cfg.EmbeddingProvider == config.ProviderOllama {
		ollama, err = core.NewOllamaService(cfg.OllamaHost, params, cfg.EmbeddingModel, logger)
		if err != nil {
			return nil, err
		}
	}

	var completer core.Completer = gemini
	if cfg.GenerationProvider == config.ProviderOllama {
		completer = ollama
	}
	var embedder core.Embedder = ollama
	if cfg.EmbeddingProvider == config.ProviderGemini {
		embedder = gemini
	}

	privateKey, err := esign.LoadPrivateKey(cfg.DSPrivateKeyFile)
	if err != nil {
		return nil, err
	}
	client, err := esign.NewClient(esign.Config{
		ClientID:             cfg.DSClientID,
		ImpersonatedUserID:   cfg.DSImpersonatedUserID,
		PrivateKey:           privateKey,
		AuthServer:           cfg.DSAuthServer,
		BasePath:             cfg.DSBasePath,
		RedirectURI:          cfg.DSRedirectURI,
		ReturnURL:            cfg.DSReturnURL,
		ConsentRetryAttempts: cfg.DSConsentRetryAttempts,
		ConsentRetryDelay:    cfg.DSConsentRetryDelay,
	}, nil, logger)
	if err != nil {
		return nil, err
	}
	a.dispatcher = esign.NewDispatcher(client, operatorConsent(logger), logger)

	opts := core.PipelineOptions{
		DefaultSigner: esign.Signer{Email: cfg.DSSignerEmail, Name: cfg.DSSignerName},
		ReturnURL:     cfg.DSReturnURL,
	}
	if cfg.PDFArchiveBucket != "" {
		gcs, err := archive.NewGCSArchive(ctx, cfg.PDFArchiveBucket, cfg.PDFArchivePrefix, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := gcs.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing archive client")
			}
		})
		opts.Archiver = gcs
	}

	a.pipeline = core.NewPipeline(
		core.NewGenerator(completer, logger),
		core.NewDocumentStore(db, embedder, cfg.EmbeddingDimensions, logger),
		pdf.NewRenderer(pdf.DefaultStyle(), logger),
		a.dispatcher,
		opts,
		logger,
	)

	logger.Info().
		Str("generation_provider", cfg.GenerationProvider).
		Str("embedding_provider", cfg.EmbeddingProvider).
		Int("embedding_dimensions", cfg.EmbeddingDimensions).
		Bool("archive", cfg.PDFArchiveBucket != "").
		Msg("pipeline ready")
	ok = true
	return a, nil
}

// geminiEmbeddingModel keeps Ollama model names from reaching Gemini. An
// empty result selects Gemini's default embedding model.
func geminiEmbeddingModel(cfg *config.Config) string {
	if cfg.EmbeddingProvider != config.ProviderGemini || cfg.EmbeddingModel == config.DefaultOllamaEmbeddingModel {
		return ""
	}
	return cfg.EmbeddingModel
}

// operatorConsent surfaces the consent link in the logs. The retry delay in
// the dispatcher gives the operator time to open it.
func operatorConsent(logger zerolog.Logger) esign.ConsentResolver {
	return func(ctx context.Context, consentURL string) error {
		logger.Warn().Str("consent_url", consentURL).Msg("e-signature consent required; open the URL to grant it")
		return nil
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
