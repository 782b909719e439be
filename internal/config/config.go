package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"

	DefaultOllamaEmbeddingModel = "mxbai-embed-large"
)

type Config struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	GenerationProvider string  `mapstructure:"GENERATION_PROVIDER"`
	GenerationModel    string  `mapstructure:"GENERATION_MODEL"`
	GeminiAPIKey       string  `mapstructure:"GEMINI_API_KEY"`
	Temperature        float32 `mapstructure:"TEMPERATURE"`
	MaxOutputTokens    int32   `mapstructure:"MAX_OUTPUT_TOKENS"`
	TopP               float32 `mapstructure:"TOP_P"`
	PresencePenalty    float32 `mapstructure:"PRESENCE_PENALTY"`
	FrequencyPenalty   float32 `mapstructure:"FREQUENCY_PENALTY"`

	EmbeddingProvider   string `mapstructure:"EMBEDDING_PROVIDER"`
	EmbeddingModel      string `mapstructure:"EMBEDDING_MODEL"`
	EmbeddingDimensions int    `mapstructure:"EMBEDDING_DIMENSIONS"`
	OllamaHost          string `mapstructure:"OLLAMA_HOST"`

	DSClientID             string        `mapstructure:"DS_CLIENT_ID"`
	DSImpersonatedUserID   string        `mapstructure:"DS_IMPERSONATED_USER_ID"`
	DSPrivateKeyFile       string        `mapstructure:"DS_PRIVATE_KEY_FILE"`
	DSAuthServer           string        `mapstructure:"DS_AUTH_SERVER"`
	DSBasePath             string        `mapstructure:"DS_BASE_PATH"`
	DSRedirectURI          string        `mapstructure:"DS_REDIRECT_URI"`
	DSReturnURL            string        `mapstructure:"DS_RETURN_URL"`
	DSSignerEmail          string        `mapstructure:"DS_SIGNER_EMAIL"`
	DSSignerName           string        `mapstructure:"DS_SIGNER_NAME"`
	DSConsentRetryAttempts int           `mapstructure:"DS_CONSENT_RETRY_ATTEMPTS"`
	DSConsentRetryDelay    time.Duration `mapstructure:"DS_CONSENT_RETRY_DELAY"`

	APIJWTSecret     string `mapstructure:"API_JWT_SECRET"`
	PDFArchiveBucket string `mapstructure:"PDF_ARCHIVE_BUCKET"`
	PDFArchivePrefix string `mapstructure:"PDF_ARCHIVE_PREFIX"`
}

var defaults = map[string]any{
	"HTTP_PORT":                 "8080",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
	"DATABASE_URL":              "healthcare_docs.db",
	"GENERATION_PROVIDER":       ProviderGemini,
	"GENERATION_MODEL":          "gemini-1.5-flash-latest",
	"TEMPERATURE":               0.3,
	"MAX_OUTPUT_TOKENS":         2048,
	"TOP_P":                     0.95,
	"PRESENCE_PENALTY":          0.0,
	"FREQUENCY_PENALTY":         0.0,
	"EMBEDDING_PROVIDER":        ProviderOllama,
	"EMBEDDING_MODEL":           DefaultOllamaEmbeddingModel,
	"EMBEDDING_DIMENSIONS":      1024,
	"OLLAMA_HOST":               "http://localhost:11434",
	"DS_PRIVATE_KEY_FILE":       "private.key",
	"DS_AUTH_SERVER":            "https://account-d.docusign.com",
	"DS_BASE_PATH":              "",
	"DS_REDIRECT_URI":           "http://localhost:8080/ds/callback",
	"DS_RETURN_URL":             "http://localhost:8080/ds/return",
	"DS_CONSENT_RETRY_ATTEMPTS": 1,
	"DS_CONSENT_RETRY_DELAY":    "10s",
	"PDF_ARCHIVE_PREFIX":        "documents",
}

// Load reads .env (if present) and the process environment. Required
// values are checked by Validate, which Load calls before returning.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on environment variables")
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Unmarshal only sees keys viper knows about, so bind the ones without defaults too.
	for _, key := range []string{
		"GEMINI_API_KEY", "DS_CLIENT_ID", "DS_IMPERSONATED_USER_ID",
		"DS_SIGNER_EMAIL", "DS_SIGNER_NAME", "API_JWT_SECRET", "PDF_ARCHIVE_BUCKET",
	} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.GenerationProvider = strings.ToLower(strings.TrimSpace(cfg.GenerationProvider))
	cfg.EmbeddingProvider = strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	require("DATABASE_URL", c.DatabaseURL)
	require("DS_CLIENT_ID", c.DSClientID)
	require("DS_IMPERSONATED_USER_ID", c.DSImpersonatedUserID)
	require("DS_PRIVATE_KEY_FILE", c.DSPrivateKeyFile)
	if c.usesGemini() {
		require("GEMINI_API_KEY", c.GeminiAPIKey)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	for _, p := range []struct{ key, value string }{
		{"GENERATION_PROVIDER", c.GenerationProvider},
		{"EMBEDDING_PROVIDER", c.EmbeddingProvider},
	} {
		if p.value != ProviderGemini && p.value != ProviderOllama {
			return fmt.Errorf("%s must be %q or %q, got %q", p.key, ProviderGemini, ProviderOllama, p.value)
		}
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive, got %d", c.EmbeddingDimensions)
	}
	if c.DSConsentRetryAttempts < 0 {
		return fmt.Errorf("DS_CONSENT_RETRY_ATTEMPTS cannot be negative")
	}
	return nil
}

func (c *Config) usesGemini() bool {
	return c.GenerationProvider == ProviderGemini || c.EmbeddingProvider == ProviderGemini
}
