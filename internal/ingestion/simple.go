package ingestion

import (
	"context"
	"os"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// simpleIngest chunks plain-text files.
type simpleIngest struct{}

func newSimpleIngest() *simpleIngest { return &simpleIngest{} }

func (p *simpleIngest) Name() string { return "simple_ingest" }
func (p *simpleIngest) Kind() Kind   { return KindFile }

func (p *simpleIngest) Description() string {
	return "Chunk a plain-text file with configurable splitter and overlap"
}

func (p *simpleIngest) SupportedFileTypes() []string {
	return []string{"txt", "md", "text"}
}

// chunkingParameters is the shared knob set of the text-splitting plugins.
func chunkingParameters() []Parameter {
	return []Parameter{
		{Name: "chunk_size", Type: "integer", Description: "Maximum chunk length", Default: DefaultChunkSize},
		{Name: "chunk_overlap", Type: "integer", Description: "Overlap between adjacent chunks", Default: DefaultChunkOverlap},
		{Name: "splitter_type", Type: "string", Description: "One of recursive, char, token", Default: DefaultSplitterType},
	}
}

func (p *simpleIngest) Parameters() []Parameter { return chunkingParameters() }

func (p *simpleIngest) Ingest(ctx context.Context, filePath string, params map[string]any) ([]models.ChunkInput, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, kberr.Wrap(kberr.PluginError, err, "read file %s", filePath)
	}
	return chunkText(string(data), params)
}

// chunkText splits text and wraps the pieces as chunk inputs carrying the
// strategy label and a token count.
func chunkText(text string, params map[string]any) ([]models.ChunkInput, error) {
	pieces, strategy, err := splitText(text, params)
	if err != nil {
		return nil, err
	}
	chunks := make([]models.ChunkInput, len(pieces))
	for i, piece := range pieces {
		chunks[i] = models.ChunkInput{
			Text: piece,
			Metadata: map[string]any{
				models.MetaChunkingStrategy: strategy,
				"token_count":               countTokens(piece),
			},
		}
	}
	return chunks, nil
}
