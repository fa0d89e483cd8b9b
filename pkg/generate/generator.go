// Package generate implements two-phase content generation: a draft phase
// that fills an entity's plain fields and collects its unresolved
// references, and a resolve phase that persists the entity and links every
// reference through the resolver.
//
// Field values come from a pluggable ValueGenerator. The engine never
// assumes a particular backend: the placeholder generator keeps the
// pipeline fully offline, the AI generator talks to any OpenAI-compatible
// chat endpoint, and WithFallback chains the two.
package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Request carries everything a generator may condition on when producing a
// single field value.
type Request struct {
	EntityType string
	FieldName  string
	DataType   string // "text", "string", "number", "bool", "date", "json"

	// Prompt is the field's generation prompt with templates resolved.
	Prompt string
	// Hint is the free text of the reference that triggered generation of
	// this entity, empty for direct creates.
	Hint string
	// Instructions is the entity's $instructions text.
	Instructions string
	// Context holds the draft's fields so far plus any $context entities.
	Context map[string]any
}

// Result is one generated field value.
type Result struct {
	Value any
	Model string
}

// ValueGenerator produces a single field value from a request.
type ValueGenerator interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
	Name() string
}

// StreamingValueGenerator is optionally implemented by generators that can
// emit partial text while producing a value. onChunk receives raw deltas;
// the returned Result carries the assembled value.
type StreamingValueGenerator interface {
	ValueGenerator
	GenerateStream(ctx context.Context, req *Request, onChunk func(string) error) (*Result, error)
}

// PlaceholderGenerator produces deterministic stand-in values, keeping the
// whole pipeline runnable without any model backend.
type PlaceholderGenerator struct{}

func NewPlaceholder() *PlaceholderGenerator { return &PlaceholderGenerator{} }

func (g *PlaceholderGenerator) Name() string { return "placeholder" }

func (g *PlaceholderGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	var value any
	switch req.DataType {
	case "number":
		value = 0
	case "bool":
		value = false
	case "date":
		value = time.Now().UTC().Format(time.RFC3339)
	case "json":
		value = map[string]any{}
	default:
		text := req.Prompt
		if text == "" {
			text = req.Hint
		}
		if text == "" {
			text = req.FieldName
		}
		value = fmt.Sprintf("[%s]", text)
	}
	return &Result{Value: value, Model: g.Name()}, nil
}

// AIConfig configures the OpenAI-compatible chat generator.
type AIConfig struct {
	APIURL  string // base URL, e.g. http://localhost:11434
	APIPath string // default /v1/chat/completions
	APIKey  string
	Model   string
	Timeout time.Duration // default 60s
}

// AIGenerator produces values through an OpenAI-compatible chat completion
// endpoint. The model is asked for the bare value only; JSON-looking
// replies are decoded so number/bool/json fields come back typed.
type AIGenerator struct {
	cfg    AIConfig
	client *http.Client
}

func NewAI(cfg AIConfig) *AIGenerator {
	if cfg.APIPath == "" {
		cfg.APIPath = "/v1/chat/completions"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AIGenerator{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (g *AIGenerator) Name() string { return "ai:" + g.cfg.Model }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (g *AIGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	resp, err := g.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("generate %s.%s: decode response: %w", req.EntityType, req.FieldName, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("generate %s.%s: empty response", req.EntityType, req.FieldName)
	}

	return &Result{Value: coerceValue(parsed.Choices[0].Message.Content, req.DataType), Model: g.cfg.Model}, nil
}

// GenerateStream asks for a server-sent-event stream and forwards content
// deltas to onChunk as they arrive. The assembled text goes through the
// same coercion as the blocking path.
func (g *AIGenerator) GenerateStream(ctx context.Context, req *Request, onChunk func(string) error) (*Result, error) {
	resp, err := g.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("generate %s.%s: decode chunk: %w", req.EntityType, req.FieldName, err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		full.WriteString(delta)
		if onChunk != nil {
			if err := onChunk(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("generate %s.%s: read stream: %w", req.EntityType, req.FieldName, err)
	}

	return &Result{Value: coerceValue(full.String(), req.DataType), Model: g.cfg.Model}, nil
}

func (g *AIGenerator) post(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: g.systemPrompt(req)},
			{Role: "user", Content: g.userPrompt(req)},
		},
		Stream: stream,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIURL+g.cfg.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generate %s.%s: %w", req.EntityType, req.FieldName, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("generate %s.%s: status %d: %s", req.EntityType, req.FieldName, resp.StatusCode, msg)
	}
	return resp, nil
}

func (g *AIGenerator) systemPrompt(req *Request) string {
	s := fmt.Sprintf("You generate a single %s value for the field %q of a %s entity. Reply with the bare value only, no prose.",
		req.DataType, req.FieldName, req.EntityType)
	if req.Instructions != "" {
		s += " " + req.Instructions
	}
	return s
}

func (g *AIGenerator) userPrompt(req *Request) string {
	prompt := req.Prompt
	if prompt == "" {
		prompt = req.FieldName
	}
	if req.Hint != "" {
		prompt += "\nSubject: " + req.Hint
	}
	if len(req.Context) > 0 {
		if ctxJSON, err := json.Marshal(req.Context); err == nil {
			prompt += "\nContext: " + string(ctxJSON)
		}
	}
	return prompt
}

// coerceValue turns model text into a typed field value. Non-text fields
// try a JSON decode first; anything undecodable stays a string.
func coerceValue(text, dataType string) any {
	if dataType == "text" || dataType == "string" || dataType == "date" {
		return text
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

// fallbackGenerator tries the primary and falls back on error, logging the
// primary failure.
type fallbackGenerator struct {
	primary  ValueGenerator
	fallback ValueGenerator
	log      *zap.Logger
}

// WithFallback chains two generators: fallback serves any request the
// primary fails.
func WithFallback(primary, fallback ValueGenerator, log *zap.Logger) ValueGenerator {
	if log == nil {
		log = zap.NewNop()
	}
	return &fallbackGenerator{primary: primary, fallback: fallback, log: log}
}

func (g *fallbackGenerator) Name() string {
	return g.primary.Name() + "+" + g.fallback.Name()
}

func (g *fallbackGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	result, err := g.primary.Generate(ctx, req)
	if err == nil {
		return result, nil
	}
	g.log.Warn("primary generator failed, using fallback",
		zap.String("generator", g.primary.Name()),
		zap.String("entity", req.EntityType),
		zap.String("field", req.FieldName),
		zap.Error(err))
	return g.fallback.Generate(ctx, req)
}
