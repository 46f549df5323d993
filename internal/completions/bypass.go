package completions

import (
	"context"
	"fmt"

	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// bypassConnector produces deterministic output without calling any
// provider. It echoes the last user message, which makes it useful for
// wiring tests and for exercising the streaming path offline.
type bypassConnector struct{}

func (c *bypassConnector) Name() string { return "bypass" }

func (c *bypassConnector) Chat(ctx context.Context, req Request) (*models.ChatCompletionResponse, <-chan models.ChatCompletionChunk, error) {
	content := fmt.Sprintf("[bypass:%s] %s", req.Model, models.LastUserMessage(req.Messages))
	id := completionID()

	if !req.Stream {
		return bufferedResponse(id, req.Model, content, &models.ChatUsage{}), nil, nil
	}

	ch := make(chan models.ChatCompletionChunk)
	go func() {
		defer close(ch)
		// Split into word-sized deltas so clients see a real stream.
		runes := []rune(content)
		const step = 8
		for i := 0; i < len(runes); i += step {
			end := min(i+step, len(runes))
			if !emit(ctx, ch, newChunk(id, req.Model, string(runes[i:end]), nil)) {
				return
			}
		}
		emit(ctx, ch, newChunk(id, req.Model, "", stopReason()))
	}()
	return nil, ch, nil
}
