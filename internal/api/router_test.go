package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lamb-project/lamb-kb-server/internal/api/handlers"
	"github.com/lamb-project/lamb-kb-server/internal/catalog"
	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/ingestion"
	"github.com/lamb-project/lamb-kb-server/internal/query"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

const testKey = "test-key"

type fixture struct {
	srv      *httptest.Server
	catalog  *catalog.Service
	pipeline *ingestion.Pipeline
	provider *httptest.Server
}

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
	staticRoot := filepath.Join(dir, "static")
	pipe := ingestion.NewPipeline(svc, ingestion.NewRegistry(nil), config.IngestionConfig{
		StaticRoot: staticRoot,
		Workers:    2,
	}, "http://localhost:9090")
	q := query.NewService(svc)

	h := handlers.New(svc, pipe, q, "test", 100<<20)
	srv := httptest.NewServer(NewRouter(h, testKey, staticRoot))
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, catalog: svc, pipeline: pipe, provider: fakeProvider(t)}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func (f *fixture) createCollection(t *testing.T, name string) models.Collection {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/collections", map[string]any{
		"name":  name,
		"owner": "alice",
		"embeddings_model": map[string]string{
			"vendor": "ollama", "model": "nomic-embed-text", "endpoint": f.provider.URL,
		},
	})
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("create status = %d: %s", resp.StatusCode, raw)
	}
	return decode[models.Collection](t, resp)
}

func TestRouterRequiresAuth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/collections")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestCollectionLifecycle(t *testing.T) {
	f := newFixture(t)

	col := f.createCollection(t, "docs")
	if col.ID == 0 || col.VectorUUID == "" {
		t.Fatalf("collection = %+v", col)
	}
	if col.EmbeddingsModel.APIKey != "" && col.EmbeddingsModel.APIKey != "********" {
		t.Errorf("api key leaked: %q", col.EmbeddingsModel.APIKey)
	}

	// Duplicate (name, owner) conflicts.
	resp := f.do(t, http.MethodPost, "/collections", map[string]any{
		"name":  "docs",
		"owner": "alice",
		"embeddings_model": map[string]string{
			"vendor": "ollama", "model": "nomic-embed-text", "endpoint": f.provider.URL,
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	list := decode[models.CollectionList](t, f.do(t, http.MethodGet, "/collections?owner=alice", nil))
	if list.Total != 1 || len(list.Items) != 1 {
		t.Errorf("list = %+v", list)
	}

	got := decode[models.Collection](t, f.do(t, http.MethodGet, "/collections/1", nil))
	if got.Name != "docs" {
		t.Errorf("get = %+v", got)
	}

	updated := decode[models.Collection](t, f.do(t, http.MethodPut, "/collections/1", map[string]any{
		"description": "notes",
	}))
	if updated.Description != "notes" {
		t.Errorf("update = %+v", updated)
	}

	resp = f.do(t, http.MethodDelete, "/collections/1", nil)
	summary := decode[models.DeleteSummary](t, resp)
	if summary.Status != "deleted" {
		t.Errorf("delete summary = %+v", summary)
	}

	resp = f.do(t, http.MethodGet, "/collections/1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted collection status = %d, want 404", resp.StatusCode)
	}
}

func TestListVisibilityFilterWithLimit(t *testing.T) {
	f := newFixture(t)

	f.createCollection(t, "private-docs")
	resp := f.do(t, http.MethodPost, "/collections", map[string]any{
		"name":       "public-docs",
		"owner":      "alice",
		"visibility": "public",
		"embeddings_model": map[string]string{
			"vendor": "ollama", "model": "nomic-embed-text", "endpoint": f.provider.URL,
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create public status = %d", resp.StatusCode)
	}

	// The private collection has the lower id; a limit of 1 must still find
	// the public one, with a total counting the filtered set.
	list := decode[models.CollectionList](t, f.do(t, http.MethodGet, "/collections?visibility=public&limit=1", nil))
	if list.Total != 1 {
		t.Errorf("Total = %d, want 1", list.Total)
	}
	if len(list.Items) != 1 || list.Items[0].Name != "public-docs" {
		t.Errorf("items = %+v", list.Items)
	}
}

func TestIngestAndQueryOverHTTP(t *testing.T) {
	f := newFixture(t)
	col := f.createCollection(t, "docs")

	// Multipart ingest-file.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "chunks.json")
	part.Write([]byte(`[{"text":"alpha fact"},{"text":"beta fact"}]`))
	mw.WriteField("plugin_name", "mockai_json_ingest")
	mw.WriteField("plugin_params", "{}")
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/collections/1/ingest-file", &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("ingest status = %d: %s", resp.StatusCode, raw)
	}
	accepted := decode[models.IngestAccepted](t, resp)
	if accepted.Status != models.FileStatusProcessing || accepted.CollectionID != col.ID {
		t.Errorf("accepted = %+v", accepted)
	}

	// Wait for the background job, then check the registry over HTTP.
	f.pipeline.Wait()
	deadline := time.Now().Add(5 * time.Second)
	var entry models.FileRegistryEntry
	for time.Now().Before(deadline) {
		files := decode[[]models.FileRegistryEntry](t, f.do(t, http.MethodGet, "/collections/1/files", nil))
		if len(files) == 1 && files[0].Status != models.FileStatusProcessing {
			entry = files[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if entry.Status != models.FileStatusCompleted {
		t.Fatalf("entry = %+v, want completed", entry)
	}
	if entry.DocumentCount != 2 {
		t.Errorf("DocumentCount = %d, want 2", entry.DocumentCount)
	}

	// Query.
	qresp := decode[models.QueryResponse](t, f.do(t, http.MethodPost, "/collections/1/query", map[string]any{
		"query_text": "alpha",
	}))
	if qresp.Count == 0 || len(qresp.Results) == 0 {
		t.Fatalf("query response = %+v", qresp)
	}
	if qresp.Results[0].Metadata[models.MetaFilename] != "chunks.json" {
		t.Errorf("result metadata = %+v", qresp.Results[0].Metadata)
	}

	// Reconstructed content.
	content := decode[models.FileContent](t, f.do(t, http.MethodGet, "/files/1/content", nil))
	if content.Content != "alpha fact\nbeta fact" {
		t.Errorf("content = %q", content.Content)
	}
}

func TestAddDocumentsSynchronous(t *testing.T) {
	f := newFixture(t)
	f.createCollection(t, "docs")

	resp := f.do(t, http.MethodPost, "/collections/1/documents", map[string]any{
		"documents": []map[string]any{
			{"text": "one", "metadata": map[string]any{"topic": "a"}},
			{"text": "two"},
		},
	})
	out := decode[map[string]any](t, resp)
	if out["documents_added"] != float64(2) || out["success"] != true {
		t.Errorf("response = %+v", out)
	}

	qresp := decode[models.QueryResponse](t, f.do(t, http.MethodPost, "/collections/1/query", map[string]any{
		"query_text": "one",
	}))
	if len(qresp.Results) != 2 {
		t.Errorf("results = %+v", qresp.Results)
	}
}

func TestPluginListings(t *testing.T) {
	f := newFixture(t)

	ing := decode[[]ingestion.Metadata](t, f.do(t, http.MethodGet, "/ingestion/plugins", nil))
	names := map[string]bool{}
	for _, m := range ing {
		names[m.Name] = true
	}
	for _, want := range []string{"simple_ingest", "url_ingest", "youtube_transcript_ingest", "mockai_json_ingest", "markitdown_ingest"} {
		if !names[want] {
			t.Errorf("missing ingestion plugin %q", want)
		}
	}

	qp := decode[[]query.Metadata](t, f.do(t, http.MethodGet, "/query/plugins", nil))
	if len(qp) == 0 || qp[0].Name != "simple_query" {
		t.Errorf("query plugins = %+v", qp)
	}
}

func TestFileStatusOverride(t *testing.T) {
	f := newFixture(t)
	f.createCollection(t, "docs")

	resp := f.do(t, http.MethodPost, "/collections/1/documents", map[string]any{
		"documents": []map[string]any{{"text": "x"}},
	})
	resp.Body.Close()

	entry := decode[models.FileRegistryEntry](t, f.do(t, http.MethodPut, "/files/1/status?status=failed", nil))
	if entry.Status != models.FileStatusFailed {
		t.Errorf("status = %s, want failed", entry.Status)
	}

	resp = f.do(t, http.MethodPut, "/files/1/status?status=bogus", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status = %d, want 400", resp.StatusCode)
	}
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t)
	f.createCollection(t, "docs")

	resp := f.do(t, http.MethodPost, "/collections/1/query", map[string]any{"query_text": ""})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/collections/999/query", map[string]any{"query_text": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown collection status = %d, want 404", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/collections/1/query?plugin_name=bogus", map[string]any{"query_text": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown plugin status = %d, want 404", resp.StatusCode)
	}
}

func TestStaticServing(t *testing.T) {
	f := newFixture(t)
	f.createCollection(t, "docs")

	// Upload a file through ingest-file, then fetch it back unauthenticated.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "notes.txt")
	part.Write([]byte("static body"))
	mw.WriteField("plugin_name", "simple_ingest")
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/collections/1/ingest-file", &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	accepted := decode[models.IngestAccepted](t, resp)
	f.pipeline.Wait()

	rel := strings.TrimPrefix(accepted.FileURL, "http://localhost:9090")
	sresp, err := http.Get(f.srv.URL + rel)
	if err != nil {
		t.Fatal(err)
	}
	defer sresp.Body.Close()
	if sresp.StatusCode != http.StatusOK {
		t.Fatalf("static status = %d", sresp.StatusCode)
	}
	body, _ := io.ReadAll(sresp.Body)
	if string(body) != "static body" {
		t.Errorf("static body = %q", body)
	}
}
