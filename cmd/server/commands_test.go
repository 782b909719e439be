package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medidocs.io/docflow/internal/config"
)

func TestReadPatientData(t *testing.T) {
	inline, err := readPatientData(`{"name": "Jane Doe", "age": 54}`)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", inline["name"])
	assert.EqualValues(t, 54, inline["age"])

	path := filepath.Join(t.TempDir(), "patient.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"patient_id": "P-7"}`), 0o600))
	fromFile, err := readPatientData("@" + path)
	require.NoError(t, err)
	assert.Equal(t, "P-7", fromFile["patient_id"])

	_, err = readPatientData(`["not", "an", "object"]`)
	assert.Error(t, err)

	_, err = readPatientData("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read patient data")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogLevel: "WARN", LogFormat: "json"}, &buf)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	fallback := newLogger(&config.Config{LogLevel: "loud"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, fallback.GetLevel())
}

func TestGeminiEmbeddingModel(t *testing.T) {
	assert.Empty(t, geminiEmbeddingModel(&config.Config{
		EmbeddingProvider: config.ProviderOllama,
		EmbeddingModel:    "mxbai-embed-large",
	}))
	assert.Empty(t, geminiEmbeddingModel(&config.Config{
		EmbeddingProvider: config.ProviderGemini,
		EmbeddingModel:    config.DefaultOllamaEmbeddingModel,
	}))
	assert.Equal(t, "gemini-embedding-001", geminiEmbeddingModel(&config.Config{
		EmbeddingProvider: config.ProviderGemini,
		EmbeddingModel:    "gemini-embedding-001",
	}))
}
