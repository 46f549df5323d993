// Package completions implements the OpenAI-compatible completion service:
// assistant resolution, RAG fan-out against the knowledge base server, prompt
// processing, and streaming connectors to upstream LLM providers.
package completions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// connectorTimeout bounds one upstream completion call end to end,
// including the full duration of a stream.
const connectorTimeout = 120 * time.Second

// Request is the normalized input to a connector call. Model has already
// been resolved against the organization's model list.
type Request struct {
	Messages []models.ChatMessage
	Model    string
	Provider models.ProviderConfig
	Stream   bool
}

// Connector proxies one upstream LLM vendor. Exactly one of the two return
// values is populated: the response for buffered calls, the channel for
// streaming calls. The channel is closed after the final chunk; upstream
// failures mid-stream surface as a terminal chunk with finish_reason "stop"
// and explanatory content, never as a dangling channel.
type Connector interface {
	Name() string
	Chat(ctx context.Context, req Request) (*models.ChatCompletionResponse, <-chan models.ChatCompletionChunk, error)
}

// Connectors is the set of available connectors keyed by name.
type Connectors map[string]Connector

// DefaultConnectors builds the four built-in connectors.
func DefaultConnectors() Connectors {
	c := Connectors{}
	for _, conn := range []Connector{
		&openaiConnector{},
		&ollamaConnector{},
		&bypassConnector{},
		&localConnector{},
	} {
		c[conn.Name()] = conn
	}
	return c
}

// Get returns the named connector or a ConfigError.
func (c Connectors) Get(name string) (Connector, error) {
	conn, ok := c[name]
	if !ok {
		return nil, kberr.New(kberr.ConfigError, "unknown connector %q", name)
	}
	return conn, nil
}

// resolveModel picks the model to send upstream. The requested model wins
// when the organization lists it; otherwise the organization default, then
// the first listed model. A provider with neither a model list nor a default
// is a configuration error regardless of what was requested.
// Fallback decisions show up in logs only; the wire schema echoes whatever
// model was actually used.
func resolveModel(requested string, p models.ProviderConfig) (string, error) {
	if len(p.Models) == 0 {
		if p.DefaultModel != "" {
			return p.DefaultModel, nil
		}
		return "", kberr.New(kberr.ConfigError, "no models configured for provider")
	}
	if requested != "" && p.HasModel(requested) {
		return requested, nil
	}
	if p.DefaultModel != "" && p.HasModel(p.DefaultModel) {
		log.Warn().Str("requested", requested).Str("fallback", p.DefaultModel).
			Msg("requested model unavailable, using organization default")
		return p.DefaultModel, nil
	}
	log.Warn().Str("requested", requested).Str("fallback", p.Models[0]).
		Msg("requested model unavailable, using first configured model")
	return p.Models[0], nil
}

// completionID generates an OpenAI-style completion id.
func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// newChunk builds one streaming frame.
func newChunk(id, model, content string, finish *string) models.ChatCompletionChunk {
	return models.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChunkChoice{{
			Index:        0,
			Delta:        models.ChunkDelta{Content: content},
			FinishReason: finish,
		}},
	}
}

// stopReason is the shared finish_reason pointer for terminal chunks.
func stopReason() *string {
	s := "stop"
	return &s
}

// errorStream converts an upstream failure into a clean terminal stream:
// one explanatory chunk with finish_reason "stop". The caller still appends
// the [DONE] sentinel.
func errorStream(id, model string, err error) <-chan models.ChatCompletionChunk {
	ch := make(chan models.ChatCompletionChunk, 1)
	ch <- newChunk(id, model, fmt.Sprintf("Error: %s", kberr.Message(err)), stopReason())
	close(ch)
	return ch
}

// bufferedResponse wraps a single assistant message in the non-streaming
// response envelope.
func bufferedResponse(id, model, content string, usage *models.ChatUsage) *models.ChatCompletionResponse {
	return &models.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}
