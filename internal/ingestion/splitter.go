package ingestion

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
)

// Chunking defaults shared by the text-splitting plugins.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultSplitterType = "recursive"

	tokenEncoding = "cl100k_base"
)

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// countTokens reports the cl100k_base token count, or 0 when the encoding
// tables are unavailable (offline environments).
func countTokens(text string) int {
	tokenizerOnce.Do(func() {
		tokenizer, _ = tiktoken.GetEncoding(tokenEncoding)
	})
	if tokenizer == nil {
		return 0
	}
	return len(tokenizer.Encode(text, nil, nil))
}

// splitText splits text per the shared chunking knobs {chunk_size,
// chunk_overlap, splitter_type}. Returns the chunks plus the strategy label
// recorded in chunk metadata.
func splitText(text string, params map[string]any) ([]string, string, error) {
	size := paramInt(params, "chunk_size", DefaultChunkSize)
	overlap := paramInt(params, "chunk_overlap", DefaultChunkOverlap)
	strategy := paramStr(params, "splitter_type", DefaultSplitterType)
	if size <= 0 {
		return nil, "", kberr.New(kberr.BadInput, "chunk_size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, "", kberr.New(kberr.BadInput, "chunk_overlap %d must be in [0, chunk_size)", overlap)
	}

	var chunks []string
	var err error
	switch strategy {
	case "recursive":
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		)
		chunks, err = splitter.SplitText(text)
	case "char":
		chunks = splitChars(text, size, overlap)
	case "token":
		splitter := textsplitter.NewTokenSplitter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithEncodingName(tokenEncoding),
		)
		chunks, err = splitter.SplitText(text)
	default:
		return nil, "", kberr.New(kberr.BadInput, "unknown splitter_type %q", strategy)
	}
	if err != nil {
		return nil, "", kberr.Wrap(kberr.PluginError, err, "split text")
	}

	// Drop empty fragments; the vector store has no use for them.
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out, strategy, nil
}

// splitChars is a fixed-width rune splitter with overlap.
func splitChars(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
