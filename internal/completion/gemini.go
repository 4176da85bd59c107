package completion

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// GeminiConfig configures GeminiProvider
type GeminiConfig struct {
	APIKey          string
	Model           string
	SystemPrompt    string
	MaxOutputTokens int32
	BaseURL         string // optional override of the API endpoint
}

// GeminiProvider answers with a Gemini model
type GeminiProvider struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGeminiProvider creates the Gemini API client
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	gc := &genai.GenerateContentConfig{}
	if cfg.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	if cfg.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = cfg.MaxOutputTokens
	}

	log.Info().Str("model", cfg.Model).Msg("Gemini completion provider ready")
	return &GeminiProvider{client: client, model: cfg.Model, config: gc}, nil
}

// Name implements Provider
func (g *GeminiProvider) Name() string {
	return "gemini"
}

// Complete implements Provider
func (g *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	msgs := req.Conversation()
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAgent {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.config)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
