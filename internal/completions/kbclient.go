package completions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// KBQuerier runs a similarity query against one knowledge-base collection.
type KBQuerier interface {
	Query(ctx context.Context, kb models.KnowledgeBaseConfig, collectionID, queryText string, topK int) (models.QueryResponse, error)
}

// KBClient is the HTTP client for the knowledge base server's query
// endpoint. The server URL and token come from the resolved organization
// config, so one client serves all tenants.
type KBClient struct {
	client *http.Client
}

// NewKBClient builds the query client.
func NewKBClient() *KBClient {
	return &KBClient{client: &http.Client{Timeout: 60 * time.Second}}
}

type kbQueryRequest struct {
	QueryText string `json:"query_text"`
	TopK      *int   `json:"top_k,omitempty"`
}

// Query posts to /collections/{id}/query with the organization's bearer
// token.
func (c *KBClient) Query(ctx context.Context, kb models.KnowledgeBaseConfig, collectionID, queryText string, topK int) (models.QueryResponse, error) {
	var out models.QueryResponse
	if kb.ServerURL == "" {
		return out, kberr.New(kberr.ConfigError, "knowledge base server URL not configured")
	}
	url := strings.TrimSuffix(kb.ServerURL, "/") + "/collections/" + collectionID + "/query"

	payload := kbQueryRequest{QueryText: queryText}
	if topK > 0 {
		payload.TopK = &topK
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return out, kberr.Wrap(kberr.Internal, err, "marshal query request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, kberr.Wrap(kberr.Internal, err, "build query request")
	}
	req.Header.Set("Content-Type", "application/json")
	if kb.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+kb.APIToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return out, kberr.Wrap(kberr.StorageError, err, "knowledge base query failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, kberr.New(kberr.StorageError, "knowledge base returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, kberr.Wrap(kberr.StorageError, err, "decode query response")
	}
	return out, nil
}
