package completions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// ollamaConnector talks to a local Ollama daemon over plain HTTP with no
// auth. Ollama streams newline-delimited JSON objects rather than SSE, so
// the connector translates each object into the normalized chunk schema.
type ollamaConnector struct{}

func (c *ollamaConnector) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string             `json:"model"`
	Message models.ChatMessage `json:"message"`
	Done    bool               `json:"done"`
	Error   string             `json:"error,omitempty"`
}

func (c *ollamaConnector) Chat(ctx context.Context, req Request) (*models.ChatCompletionResponse, <-chan models.ChatCompletionChunk, error) {
	base := strings.TrimSuffix(req.Provider.Endpoint, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	url := base + "/api/chat"

	body, err := json.Marshal(ollamaChatRequest{Model: req.Model, Messages: req.Messages, Stream: req.Stream})
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

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, kberr.Wrap(kberr.ProviderError, err, "ollama chat request failed")
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, kberr.New(kberr.ProviderError, "ollama chat API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if !req.Stream {
		defer cancel()
		defer resp.Body.Close()
		var out ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, nil, kberr.Wrap(kberr.ProviderError, err, "decode chat response")
		}
		if out.Error != "" {
			return nil, nil, kberr.New(kberr.ProviderError, "ollama: %s", out.Error)
		}
		return bufferedResponse(completionID(), req.Model, out.Message.Content, nil), nil, nil
	}

	ch := make(chan models.ChatCompletionChunk)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer close(ch)

		id := completionID()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var frame ollamaChatResponse
			if err := json.Unmarshal(line, &frame); err != nil {
				continue
			}
			if frame.Error != "" {
				emit(ctx, ch, newChunk(id, req.Model, "Error: "+frame.Error, stopReason()))
				return
			}
			if frame.Done {
				emit(ctx, ch, newChunk(id, req.Model, "", stopReason()))
				return
			}
			if !emit(ctx, ch, newChunk(id, req.Model, frame.Message.Content, nil)) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, ch, newChunk(id, req.Model, "Error: stream interrupted: "+err.Error(), stopReason()))
		}
	}()
	return nil, ch, nil
}

// emit pushes a chunk unless the request was cancelled.
func emit(ctx context.Context, ch chan<- models.ChatCompletionChunk, chunk models.ChatCompletionChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
