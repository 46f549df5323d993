package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lamb-project/lamb-kb-server/internal/catalog"
	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// fakeProvider answers Ollama-compatible embed calls with fixed vectors.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = []float32{1, 0, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	pipeline *Pipeline
	catalog  *catalog.Service
	col      models.Collection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := catalog.Open(ctx, filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vectors, err := vectorstore.NewChromemStore(filepath.Join(dir, "chromem"))
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}

	svc := catalog.NewService(store, vectors, config.EmbeddingsConfig{})
	provider := fakeProvider(t)
	col, err := svc.Create(ctx, catalog.CreateRequest{
		Name:  "docs",
		Owner: "alice",
		EmbeddingsModel: models.ProviderDescriptor{
			Vendor: "ollama", Model: "nomic-embed-text", Endpoint: provider.URL,
		},
	})
	if err != nil {
		t.Fatalf("Create collection: %v", err)
	}

	pipeline := NewPipeline(svc, NewRegistry(nil), config.IngestionConfig{
		StaticRoot: filepath.Join(dir, "static"),
		Workers:    2,
	}, "http://localhost:9090")

	return &fixture{pipeline: pipeline, catalog: svc, col: col}
}

// waitStatus polls the registry until the entry leaves processing.
func waitStatus(t *testing.T, f *fixture, fileID int64) models.FileRegistryEntry {
	t.Helper()
	f.pipeline.Wait()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := f.catalog.Store().GetFile(context.Background(), fileID)
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if entry.Status != models.FileStatusProcessing {
			return entry
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ingestion never left processing")
	return models.FileRegistryEntry{}
}

func TestIngestFileEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	text := strings.Repeat("knowledge is chunked here. ", 100)
	accepted, err := f.pipeline.IngestFile(ctx, f.col.ID, Upload{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Body:        strings.NewReader(text),
	}, "simple_ingest", map[string]any{"chunk_size": float64(400), "chunk_overlap": float64(40)})
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if accepted.Status != models.FileStatusProcessing || accepted.DocumentsAdded != 0 {
		t.Errorf("accepted = %+v", accepted)
	}
	if !strings.Contains(accepted.FileURL, "/static/alice/docs/") {
		t.Errorf("FileURL = %q", accepted.FileURL)
	}
	if _, err := os.Stat(accepted.FilePath); err != nil {
		t.Errorf("upload not on disk: %v", err)
	}

	entry := waitStatus(t, f, accepted.FileRegistryID)
	if entry.Status != models.FileStatusCompleted {
		t.Fatalf("status = %s, want completed", entry.Status)
	}
	if entry.DocumentCount < 2 {
		t.Errorf("DocumentCount = %d, want several", entry.DocumentCount)
	}

	// Chunks carry the required metadata and deterministic ids.
	vcol, _, err := f.catalog.OpenVectorCollection(ctx, f.col)
	if err != nil {
		t.Fatalf("OpenVectorCollection: %v", err)
	}
	if vcol.Count() != entry.DocumentCount {
		t.Errorf("vector count %d != document_count %d", vcol.Count(), entry.DocumentCount)
	}
	doc, ok := vcol.GetByID(ctx, catalog.ChunkID(entry.ID, 0))
	if !ok {
		t.Fatal("chunk 0 missing")
	}
	meta := doc.Metadata
	if meta[models.MetaFilename] != "notes.txt" {
		t.Errorf("filename = %q", meta[models.MetaFilename])
	}
	if meta[models.MetaChunkIndex] != "0" || meta[models.MetaDocumentID] != doc.ID {
		t.Errorf("index/document_id metadata = %v / %v", meta[models.MetaChunkIndex], meta[models.MetaDocumentID])
	}
	if meta[models.MetaEmbeddingVendor] != "ollama" || meta[models.MetaEmbeddingModel] != "nomic-embed-text" {
		t.Errorf("embedding metadata = %v / %v", meta[models.MetaEmbeddingVendor], meta[models.MetaEmbeddingModel])
	}
}

func TestIngestFileWrongKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.IngestFile(context.Background(), f.col.ID, Upload{
		Filename: "x.txt", Body: strings.NewReader("y"),
	}, "url_ingest", nil)
	if !kberr.IsKind(err, kberr.BadInput) {
		t.Errorf("err = %v, want BadInput", err)
	}
}

func TestIngestFileURLListRemotePlugin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Stub of the video site: a watch page advertising one caption track,
	// and the track itself.
	var tube *httptest.Server
	tube = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("v")
		switch {
		case strings.HasPrefix(r.URL.Path, "/watch"):
			fmt.Fprintf(w, `<html>"captionTracks": [{"baseUrl":%q,"languageCode":"en"}]</html>`,
				tube.URL+"/timedtext?v="+id)
		case strings.HasPrefix(r.URL.Path, "/timedtext"):
			fmt.Fprintf(w, `<transcript><text start="0" dur="4">captions for %s</text></transcript>`, id)
		}
	}))
	defer tube.Close()
	f.pipeline.registry.plugins["youtube_transcript_ingest"] = &youtubeIngest{
		client: tube.Client(), watchBase: tube.URL,
	}

	// A remote plugin that declares file types takes an uploaded URL list.
	accepted, err := f.pipeline.IngestFile(ctx, f.col.ID, Upload{
		Filename:    "videos.txt",
		ContentType: "text/plain",
		Body:        strings.NewReader("# watch later\n" + tube.URL + "/watch?v=vid1\n\n" + tube.URL + "/watch?v=vid2\n"),
	}, "youtube_transcript_ingest", nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	entry := waitStatus(t, f, accepted.FileRegistryID)
	if entry.Status != models.FileStatusCompleted {
		t.Fatalf("status = %s, want completed", entry.Status)
	}
	if entry.DocumentCount != 2 {
		t.Errorf("DocumentCount = %d, want one chunk per listed video", entry.DocumentCount)
	}

	vcol, _, err := f.catalog.OpenVectorCollection(ctx, f.col)
	if err != nil {
		t.Fatalf("OpenVectorCollection: %v", err)
	}
	doc, ok := vcol.GetByID(ctx, catalog.ChunkID(entry.ID, 0))
	if !ok {
		t.Fatal("chunk 0 missing")
	}
	if doc.Metadata["video_id"] != "vid1" {
		t.Errorf("video_id = %q, want vid1", doc.Metadata["video_id"])
	}
}

func TestIngestFileUnknownCollection(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.IngestFile(context.Background(), 9999, Upload{
		Filename: "x.txt", Body: strings.NewReader("y"),
	}, "simple_ingest", nil)
	if !kberr.IsKind(err, kberr.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestIngestFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	// mockai rejects objects without a text field; the job must fail, not
	// wedge in processing.
	accepted, err := f.pipeline.IngestFile(context.Background(), f.col.ID, Upload{
		Filename: "bad.json", Body: strings.NewReader(`[{"no_text":1}]`),
	}, "mockai_json_ingest", nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	entry := waitStatus(t, f, accepted.FileRegistryID)
	if entry.Status != models.FileStatusFailed {
		t.Errorf("status = %s, want failed", entry.Status)
	}
}

func TestIngestURLEndToEnd(t *testing.T) {
	f := newFixture(t)
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><h1>Page " + r.URL.Path + "</h1><p>" + strings.Repeat("web content ", 80) + "</p></body></html>"))
	}))
	defer pages.Close()

	accepted, err := f.pipeline.IngestBase(context.Background(), f.col.ID, "url_ingest", map[string]any{
		"urls":       []any{pages.URL + "/a", pages.URL + "/b"},
		"chunk_size": float64(300),
	})
	if err != nil {
		t.Fatalf("IngestBase: %v", err)
	}
	if accepted.FileURL != pages.URL+"/a" {
		t.Errorf("FileURL = %q, want first URL", accepted.FileURL)
	}

	entry := waitStatus(t, f, accepted.FileRegistryID)
	if entry.Status != models.FileStatusCompleted {
		t.Fatalf("status = %s, want completed", entry.Status)
	}
	if entry.DocumentCount < 2 {
		t.Errorf("DocumentCount = %d, want >= 2", entry.DocumentCount)
	}
	if entry.OriginalFilename != pages.URL+"/a" {
		t.Errorf("OriginalFilename = %q", entry.OriginalFilename)
	}
}

func TestFileContentReconstruction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	accepted, err := f.pipeline.IngestFile(ctx, f.col.ID, Upload{
		Filename: "chunks.json",
		Body:     strings.NewReader(`[{"text":"alpha"},{"text":"beta"},{"text":"gamma"}]`),
	}, "mockai_json_ingest", nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	waitStatus(t, f, accepted.FileRegistryID)

	content, err := f.pipeline.FileContent(ctx, accepted.FileRegistryID)
	if err != nil {
		t.Fatalf("FileContent: %v", err)
	}
	if content.Content != "alpha\nbeta\ngamma" {
		t.Errorf("Content = %q", content.Content)
	}
	if content.ChunkCount != 3 {
		t.Errorf("ChunkCount = %d", content.ChunkCount)
	}
}

func TestDeleteFileCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	accepted, err := f.pipeline.IngestFile(ctx, f.col.ID, Upload{
		Filename: "chunks.json",
		Body:     strings.NewReader(`[{"text":"alpha"},{"text":"beta"}]`),
	}, "mockai_json_ingest", nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	waitStatus(t, f, accepted.FileRegistryID)

	summary, err := f.pipeline.DeleteFile(ctx, accepted.FileRegistryID, false)
	if err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if summary.DeletedEmbeddings != 2 {
		t.Errorf("DeletedEmbeddings = %d, want 2", summary.DeletedEmbeddings)
	}
	if _, err := os.Stat(accepted.FilePath); !os.IsNotExist(err) {
		t.Error("upload still on disk")
	}

	entry, err := f.catalog.Store().GetFile(ctx, accepted.FileRegistryID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if entry.Status != models.FileStatusDeleted {
		t.Errorf("status = %s, want deleted", entry.Status)
	}

	vcol, _, _ := f.catalog.OpenVectorCollection(ctx, f.col)
	if vcol.Count() != 0 {
		t.Errorf("vector count = %d after delete", vcol.Count())
	}
}

func TestDeleteFileHardRemovesRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	accepted, err := f.pipeline.IngestFile(ctx, f.col.ID, Upload{
		Filename: "chunks.json",
		Body:     strings.NewReader(`[{"text":"alpha"}]`),
	}, "mockai_json_ingest", nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	waitStatus(t, f, accepted.FileRegistryID)

	if _, err := f.pipeline.DeleteFile(ctx, accepted.FileRegistryID, true); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := f.catalog.Store().GetFile(ctx, accepted.FileRegistryID); !kberr.IsKind(err, kberr.NotFound) {
		t.Errorf("hard-deleted row still present: %v", err)
	}
}
