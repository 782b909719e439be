package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaTestServer(t *testing.T) (*httptest.Server, *map[string]any) {
	t.Helper()
	var lastGenerate map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mxbai-embed-large", req["model"])
		w.Header().Set("Content-Type", "application/json")
		if req["prompt"] == "empty" {
			json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.25, -0.5, 1}})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastGenerate))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model":    "llama3.1",
			"response": `{"current_condition": "stable"}`,
			"done":     true,
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &lastGenerate
}

func TestOllamaService_Embed(t *testing.T) {
	server, _ := newOllamaTestServer(t)
	svc, err := NewOllamaService(server.URL, DefaultGenerationParams(), "mxbai-embed-large", zerolog.Nop())
	require.NoError(t, err)

	vec, err := svc.Embed(context.Background(), "patient is stable")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)

	_, err = svc.Embed(context.Background(), "empty")
	assert.ErrorContains(t, err, "no embedding data")
}

func TestOllamaService_Complete(t *testing.T) {
	server, lastGenerate := newOllamaTestServer(t)
	params := DefaultGenerationParams()
	params.Model = "llama3.1"
	params.PresencePenalty = 0.5
	svc, err := NewOllamaService(server.URL, params, "mxbai-embed-large", zerolog.Nop())
	require.NoError(t, err)

	out, err := svc.Complete(context.Background(), "Generate medical_record for patient P1")
	require.NoError(t, err)
	assert.Equal(t, `{"current_condition": "stable"}`, out)

	req := *lastGenerate
	assert.Equal(t, "llama3.1", req["model"])
	assert.Equal(t, false, req["stream"])
	assert.Equal(t, documentSystemInstruction, req["system"])
	options, ok := req["options"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.3, options["temperature"], 1e-6)
	assert.InDelta(t, 0.5, options["presence_penalty"], 1e-6)
	assert.EqualValues(t, 2048, options["num_predict"])
}

func TestOllamaService_BackendDown(t *testing.T) {
	server, _ := newOllamaTestServer(t)
	server.Close()

	svc, err := NewOllamaService(server.URL, DefaultGenerationParams(), "mxbai-embed-large", zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "text")
	assert.Error(t, err)

	res := NewGenerator(svc, zerolog.Nop()).Generate(context.Background(), "prompt")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "ollama generation request failed")
}
