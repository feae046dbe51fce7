package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
	"google.golang.org/api/option"
)

// Gemini calls Google Gemini through the generative-ai-go SDK.
type Gemini struct {
	apiKey string
	model  string
}

// NewGemini reads GEMINI_API_KEY. An empty model falls back to GEMINI_MODEL.
func NewGemini(model string) (*Gemini, error) {
	apiKey := envOr("", "GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY environment variable not set", ocr.ErrDependencyMissing)
	}
	if model == "" {
		model = envOr("gemini-1.5-flash", "GEMINI_MODEL")
	}
	return &Gemini{apiKey: apiKey, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create new gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"

	format := strings.TrimPrefix(mimeType, "image/")
	if format == "" {
		format = "png"
	}
	resp, err := model.GenerateContent(ctx, genai.ImageData(format, image), genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty content returned from Gemini")
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("unexpected response format from Gemini")
	}
	return b.String(), nil
}
