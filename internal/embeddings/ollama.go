package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// ollamaEmbedder calls an Ollama server's batch embed endpoint. It also
// serves the "local" vendor, which is an Ollama-compatible server on this
// host.
type ollamaEmbedder struct {
	desc   models.ProviderDescriptor
	url    string
	client *http.Client
}

func newOllama(d models.ProviderDescriptor) *ollamaEmbedder {
	base := strings.TrimSuffix(d.Endpoint, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	return &ollamaEmbedder{
		desc:   d,
		url:    base + "/api/embed",
		client: &http.Client{Timeout: providerTimeout},
	}
}

func (e *ollamaEmbedder) Vendor() string { return e.desc.Vendor }
func (e *ollamaEmbedder) Model() string  { return e.desc.Model }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	op := func() error {
		var err error
		vectors, err = e.embedOnce(ctx, texts)
		return err
	}
	if err := withRetry(ctx, op); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *ollamaEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.desc.Model, Input: texts})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, kberr.Wrap(kberr.EmbeddingError, err, "ollama embed request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kberr.Wrap(kberr.EmbeddingError, err, "read embed response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := kberr.New(kberr.EmbeddingError, "ollama embed API returned %d: %s", resp.StatusCode, truncate(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(apiErr)
		}
		return nil, apiErr
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, backoff.Permanent(kberr.Wrap(kberr.EmbeddingError, err, "unmarshal embed response"))
	}
	if result.Error != "" {
		return nil, backoff.Permanent(kberr.New(kberr.EmbeddingError, "ollama error: %s", result.Error))
	}
	if len(result.Embeddings) != len(texts) {
		return nil, backoff.Permanent(kberr.New(kberr.EmbeddingError, "got %d embeddings for %d texts", len(result.Embeddings), len(texts)))
	}
	return result.Embeddings, nil
}
