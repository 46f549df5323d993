package completions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// openaiConnector proxies any OpenAI-compatible chat-completions endpoint
// over HTTPS with bearer auth. Streaming responses arrive as SSE "data:"
// frames; they are decoded and re-emitted as normalized chunks.
type openaiConnector struct{}

func (c *openaiConnector) Name() string { return "openai" }

type openaiChatRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

func (c *openaiConnector) Chat(ctx context.Context, req Request) (*models.ChatCompletionResponse, <-chan models.ChatCompletionChunk, error) {
	base := strings.TrimSuffix(req.Provider.Endpoint, "/")
	if base == "" {
		return nil, nil, kberr.New(kberr.ConfigError, "openai endpoint not configured")
	}
	url := base + "/chat/completions"

	body, err := json.Marshal(openaiChatRequest{Model: req.Model, Messages: req.Messages, Stream: req.Stream})
	if err != nil {
		return nil, nil, kberr.Wrap(kberr.Internal, err, "marshal chat request")
	}

	ctx, cancel := context.WithTimeout(ctx, connectorTimeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, kberr.Wrap(kberr.Internal, err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Provider.APIKey)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, kberr.Wrap(kberr.ProviderError, err, "openai chat request failed")
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, kberr.New(kberr.ProviderError, "openai chat API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if !req.Stream {
		defer cancel()
		defer resp.Body.Close()
		var out models.ChatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, nil, kberr.Wrap(kberr.ProviderError, err, "decode chat response")
		}
		return &out, nil, nil
	}

	ch := make(chan models.ChatCompletionChunk)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer close(ch)
		streamSSE(ctx, resp.Body, req.Model, ch)
	}()
	return nil, ch, nil
}

// streamSSE decodes "data: {...}" frames until [DONE] or an error, pushing
// normalized chunks onto ch. On a mid-stream failure the reader emits one
// terminal chunk so the client stream still closes cleanly.
func streamSSE(ctx context.Context, r io.Reader, model string, ch chan<- models.ChatCompletionChunk) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return
		}

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Warn().Err(err).Msg("skipping malformed stream frame")
			continue
		}
		select {
		case ch <- chunk:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case ch <- newChunk(completionID(), model, fmt.Sprintf("Error: stream interrupted: %s", err), stopReason()):
		case <-ctx.Done():
		}
	}
}
