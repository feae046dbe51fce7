package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
)

// OpenAI calls the chat completions endpoint with an inline image.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAI reads OPENAI_API_KEY and optionally OPENAI_BASE_URL.
func NewOpenAI(model string) (*OpenAI, error) {
	apiKey := envOr("", "OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY environment variable not set", ocr.ErrDependencyMissing)
	}
	if model == "" {
		model = envOr("gpt-4o", "OPENAI_MODEL")
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(envOr("https://api.openai.com/v1", "OPENAI_BASE_URL"), "/"),
		model:   model,
		client:  &http.Client{},
	}, nil
}

func (o *OpenAI) Generate(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	requestBody, err := json.Marshal(map[string]any{
		"model": o.model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{
						"type": "image_url",
						"image_url": map[string]string{
							"url": "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
						},
					},
				},
			},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     0.0,
		"seed":            0,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("openAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode OpenAI response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from OpenAI")
	}
	return response.Choices[0].Message.Content, nil
}
