package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"TutorChat/internal/session"
)

// Gemini implements Client on the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
}

var _ Client = (*Gemini)(nil)

// GeminiOptions tunes the SDK client. BaseURL is only set by tests.
type GeminiOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewGemini creates a client for the Gemini API.
func NewGemini(ctx context.Context, apiKey string, opts GeminiOptions) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// ListModels walks every page of the model listing.
func (g *Gemini) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	for m, err := range g.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to list models: %w", err)
		}
		models = append(models, ModelInfo{
			Name:        m.Name,
			DisplayName: m.DisplayName,
			Actions:     m.SupportedActions,
		})
	}
	return models, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		return Response{}, fmt.Errorf("model name is required")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, buildContents(req), cfg)
	if err != nil {
		return Response{}, fmt.Errorf("generate with %s failed: %w", req.Model, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, fmt.Errorf("%s: %w", req.Model, ErrEmptyResponse)
	}

	out := Response{Text: text, Model: req.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

// buildContents maps history to user/model contents and appends the prompt,
// followed by the image part when one is attached.
func buildContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := genai.RoleUser
		if msg.Role == session.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, genai.Role(role)))
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.Image != nil && len(req.Image.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType))
	}
	return append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
}
