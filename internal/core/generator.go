package core

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const nonJSONWarning = "response contained non-JSON content; returned as plain text"

// GenerationParams only affect output variability.
type GenerationParams struct {
	Model            string
	Temperature      float32
	MaxOutputTokens  int32
	TopP             float32
	PresencePenalty  float32
	FrequencyPenalty float32
}

func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Model:           "gemini-1.5-flash-latest",
		Temperature:     0.3,
		MaxOutputTokens: 2048,
		TopP:            0.95,
	}
}

// GenerationResult never carries a Go error: failures are reported through
// Success and Error so callers can decide how to degrade.
type GenerationResult struct {
	Success bool
	Content Content
	RawText string
	Error   string
	Warning string
}

// TextGenerator produces document content from a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) GenerationResult
}

// Completer is a raw text-completion backend (Gemini, Ollama).
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Generator turns a Completer's raw output into structured Content.
type Generator struct {
	backend Completer
	logger  zerolog.Logger
}

func NewGenerator(backend Completer, logger zerolog.Logger) *Generator {
	return &Generator{
		backend: backend,
		logger:  logger.With().Str("component", "generator").Logger(),
	}
}

func (g *Generator) Generate(ctx context.Context, prompt string) GenerationResult {
	if strings.TrimSpace(prompt) == "" {
		return GenerationResult{Error: "prompt is empty"}
	}

	raw, err := g.backend.Complete(ctx, prompt)
	if err != nil {
		g.logger.Error().Err(err).Msg("text generation request failed")
		return GenerationResult{Error: err.Error()}
	}
	if strings.TrimSpace(raw) == "" {
		g.logger.Warn().Msg("model returned an empty response")
		return GenerationResult{RawText: raw, Error: "model returned an empty response"}
	}

	content, warning := ParseModelOutput(raw)
	if warning != "" {
		g.logger.Warn().Str("warning", warning).Int("raw_len", len(raw)).Msg("falling back to raw text content")
	}
	return GenerationResult{
		Success: true,
		Content: content,
		RawText: raw,
		Warning: warning,
	}
}

// ParseModelOutput extracts JSON content from a model response. Non-breaking
// spaces are normalized first. The body of the first fenced block is tried
// as JSON; otherwise the fence markers are removed in place and the whole
// text is searched. If no JSON value can be found the cleaned text is
// returned with a warning.
func ParseModelOutput(raw string) (Content, string) {
	cleaned := strings.ReplaceAll(raw, "\u00a0", " ")

	if body, ok := firstFenceBody(cleaned); ok {
		if c, err := DecodeContent([]byte(strings.TrimSpace(body))); err == nil {
			return c, ""
		}
	}

	cleaned = strings.TrimSpace(removeFenceMarkers(cleaned))
	if c, err := DecodeContent([]byte(cleaned)); err == nil {
		return c, ""
	}
	if c, ok := firstJSONValue(cleaned); ok {
		return c, ""
	}
	return Text(cleaned), nonJSONWarning
}

// firstFenceBody returns the body of the first fenced code block in s.
func firstFenceBody(s string) (string, bool) {
	src := []byte(s)
	root := goldmark.DefaultParser().Parse(text.NewReader(src))

	var body strings.Builder
	found := false
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			body.Write(seg.Value(src))
		}
		found = true
		return ast.WalkStop, nil
	})
	if found {
		return body.String(), true
	}

	// Fences the parser does not treat as a block, e.g. ```json{...}``` on one line.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimPrefix(trimmed, "json")
		return strings.TrimSuffix(strings.TrimSpace(trimmed), "```"), true
	}
	return "", false
}

var fenceLine = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_+-]*[ \t]*(?:\r?\n|$)")

// removeFenceMarkers drops fence marker lines and keeps their contents where
// they were.
func removeFenceMarkers(s string) string {
	s = fenceLine.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "```", "")
}

// firstJSONValue decodes the first bracketed substring of s that is valid
// JSON. Candidates that balance but do not decode are skipped.
func firstJSONValue(s string) (Content, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		end := matchBrackets(s, start)
		if end <= start {
			continue
		}
		if c, err := DecodeContent([]byte(s[start : end+1])); err == nil {
			return c, true
		}
	}
	return nil, false
}

// matchBrackets returns the index of the bracket closing s[start], or -1.
func matchBrackets(s string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
