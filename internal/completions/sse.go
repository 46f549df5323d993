package completions

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// WriteStream drains chunks to the client as server-sent events. The
// terminal "data: [DONE]" sentinel is written on every exit path, including
// client cancellation, so well-behaved clients always see a closed stream.
func WriteStream(ctx context.Context, w http.ResponseWriter, chunks <-chan models.ChatCompletionChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	defer func() {
		w.Write([]byte("data: [DONE]\n\n"))
		flush()
	}()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			payload, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flush()
		case <-ctx.Done():
			return
		}
	}
}
