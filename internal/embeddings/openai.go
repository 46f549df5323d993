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

// openAIEmbedder calls the OpenAI embeddings API (or any compatible server).
type openAIEmbedder struct {
	desc   models.ProviderDescriptor
	url    string
	client *http.Client
}

func newOpenAI(d models.ProviderDescriptor) *openAIEmbedder {
	base := strings.TrimSuffix(d.Endpoint, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &openAIEmbedder{
		desc:   d,
		url:    base + "/embeddings",
		client: &http.Client{Timeout: providerTimeout},
	}
}

func (e *openAIEmbedder) Vendor() string { return e.desc.Vendor }
func (e *openAIEmbedder) Model() string  { return e.desc.Model }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed generates vector embeddings for a batch of texts. Transient provider
// failures are retried; 4xx responses are not.
func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
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

func (e *openAIEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Input: texts, Model: e.desc.Model})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.desc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.desc.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, kberr.Wrap(kberr.EmbeddingError, err, "openai embeddings request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kberr.Wrap(kberr.EmbeddingError, err, "read embeddings response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := kberr.New(kberr.EmbeddingError, "openai embeddings API returned %d: %s", resp.StatusCode, truncate(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(apiErr)
		}
		return nil, apiErr
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, backoff.Permanent(kberr.Wrap(kberr.EmbeddingError, err, "unmarshal embeddings response"))
	}
	if result.Error != nil {
		return nil, backoff.Permanent(kberr.New(kberr.EmbeddingError, "openai error: %s (%s)", result.Error.Message, result.Error.Type))
	}
	if len(result.Data) != len(texts) {
		return nil, backoff.Permanent(kberr.New(kberr.EmbeddingError, "got %d embeddings for %d texts", len(result.Data), len(texts)))
	}

	// Reorder by index
	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}
