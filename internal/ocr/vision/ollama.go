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
	"time"

	"github.com/lehigh-university-libraries/scanmarks/internal/ocr"
)

// Ollama calls a local Ollama server's generate endpoint.
type Ollama struct {
	host   string
	model  string
	client *http.Client
}

const ollamaCheckTimeout = 5 * time.Second

// NewOllama reads OLLAMA_URL or OLLAMA_HOST, defaulting to localhost, and
// lists the server's models. An unreachable server or a model that has not
// been pulled is reported as ErrDependencyMissing.
func NewOllama(ctx context.Context, model string) (*Ollama, error) {
	if model == "" {
		model = envOr("mistral-small3.2:24b", "OLLAMA_MODEL")
	}
	o := &Ollama{
		host:   strings.TrimRight(envOr("http://localhost:11434", "OLLAMA_URL", "OLLAMA_HOST"), "/"),
		model:  model,
		client: &http.Client{},
	}
	pulled, err := o.tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama server at %s is not reachable: %v", ocr.ErrDependencyMissing, o.host, err)
	}
	if !hasModel(pulled, model) {
		return nil, fmt.Errorf("%w: ollama model %q is not available at %s, run ollama pull %s", ocr.ErrDependencyMissing, model, o.host, model)
	}
	return o, nil
}

// tags lists the model names the server has pulled.
func (o *Ollama) tags(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ollamaCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	names := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		names = append(names, m.Name, m.Model)
	}
	return names, nil
}

// hasModel matches model against names, where an untagged model means
// the latest tag.
func hasModel(names []string, model string) bool {
	if !strings.Contains(model, ":") {
		model += ":latest"
	}
	for _, n := range names {
		if n == model {
			return true
		}
	}
	return false
}

func (o *Ollama) Generate(ctx context.Context, prompt string, image []byte, _ string) (string, error) {
	requestBody, err := json.Marshal(map[string]any{
		"model":  o.model,
		"prompt": prompt,
		"images": []string{base64.StdEncoding.EncodeToString(image)},
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0.0,
			"seed":        0,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/generate", bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call Ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode Ollama response: %w", err)
	}
	return response.Response, nil
}
