package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// mockaiIngest loads pre-chunked JSON exports: each object carries `text`
// plus arbitrary metadata and becomes exactly one chunk, no resplitting.
// ZIP archives are unpacked in memory and every contained .json processed.
type mockaiIngest struct{}

func newMockAIIngest() *mockaiIngest { return &mockaiIngest{} }

func (p *mockaiIngest) Name() string { return "mockai_json_ingest" }
func (p *mockaiIngest) Kind() Kind   { return KindFile }

func (p *mockaiIngest) Description() string {
	return "Load pre-chunked JSON objects ({text, ...metadata}) from a file or ZIP archive"
}

func (p *mockaiIngest) SupportedFileTypes() []string { return []string{"json", "zip"} }

func (p *mockaiIngest) Parameters() []Parameter { return nil }

func (p *mockaiIngest) Ingest(ctx context.Context, filePath string, params map[string]any) ([]models.ChunkInput, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, kberr.Wrap(kberr.PluginError, err, "read %s", filePath)
	}

	if strings.EqualFold(filepath.Ext(filePath), ".zip") || isZip(data) {
		return p.ingestZip(data)
	}
	return parseChunkJSON(data, filepath.Base(filePath))
}

func isZip(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04"))
}

func (p *mockaiIngest) ingestZip(data []byte) ([]models.ChunkInput, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, kberr.Wrap(kberr.PluginError, err, "open ZIP archive")
	}

	var all []models.ChunkInput
	for _, f := range archive.File {
		if !strings.EqualFold(filepath.Ext(f.Name), ".json") || f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, kberr.Wrap(kberr.PluginError, err, "open %s in archive", f.Name)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, kberr.Wrap(kberr.PluginError, err, "read %s in archive", f.Name)
		}
		chunks, err := parseChunkJSON(content, f.Name)
		if err != nil {
			return nil, err
		}
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return nil, kberr.New(kberr.PluginError, "ZIP archive contains no usable .json files")
	}
	return all, nil
}

// parseChunkJSON accepts either a JSON array of objects or a single object.
func parseChunkJSON(data []byte, sourceName string) ([]models.ChunkInput, error) {
	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		var single map[string]any
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, kberr.Wrap(kberr.BadInput, err, "parse %s: expected JSON object or array", sourceName)
		}
		objects = []map[string]any{single}
	}

	chunks := make([]models.ChunkInput, 0, len(objects))
	for i, obj := range objects {
		text, ok := obj["text"].(string)
		if !ok || strings.TrimSpace(text) == "" {
			return nil, kberr.New(kberr.BadInput, "%s: element %d has no text field", sourceName, i)
		}
		metadata := make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "text" {
				metadata[k] = v
			}
		}
		metadata["source_file"] = sourceName
		chunks = append(chunks, models.ChunkInput{Text: text, Metadata: metadata})
	}
	return chunks, nil
}
