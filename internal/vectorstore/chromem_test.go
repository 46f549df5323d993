package vectorstore

import (
	"context"
	"fmt"
	"testing"
)

// fakeEmbedder produces deterministic unit vectors keyed on text length so
// similarity ordering is predictable without a provider.
type fakeEmbedder struct{}

func (fakeEmbedder) Vendor() string { return "local" }
func (fakeEmbedder) Model() string  { return "fake" }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := float32(len(t))
		out[i] = normalize([]float32{v, 1, 0})
	}
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	var norm float32
	{
		// cheap float sqrt
		f := float64(sum)
		g := f / 2
		for i := 0; i < 20; i++ {
			g = (g + f/g) / 2
		}
		norm = float32(g)
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	return s
}

func seedDocs(t *testing.T, col Collection, n int) {
	t.Helper()
	ctx := context.Background()
	var emb fakeEmbedder
	docs := make([]Document, n)
	for i := range docs {
		text := fmt.Sprintf("document number %d", i)
		vecs, _ := emb.Embed(ctx, []string{text})
		docs[i] = Document{
			ID:        fmt.Sprintf("doc%d", i),
			Text:      text,
			Metadata:  map[string]string{"file_registry_id": "7", "chunk_index": fmt.Sprint(i)},
			Embedding: vecs[0],
		}
	}
	if err := col.AddBatch(ctx, docs); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
}

func TestCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "uuid-1", fakeEmbedder{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "uuid-1", fakeEmbedder{}); err == nil {
		t.Error("duplicate Create succeeded, want Conflict")
	}
	if _, err := s.Get(ctx, "uuid-1", fakeEmbedder{}); err != nil {
		t.Errorf("Get existing: %v", err)
	}
	if _, err := s.Get(ctx, "missing", fakeEmbedder{}); err == nil {
		t.Error("Get missing succeeded, want NotFound")
	}
	if err := s.Delete(ctx, "uuid-1"); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "uuid-1", fakeEmbedder{}); err == nil {
		t.Error("Get after Delete succeeded")
	}
}

func TestQueryEmptyCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	col, err := s.Create(ctx, "empty", fakeEmbedder{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	hits, err := col.Query(ctx, "anything", 5)
	if err != nil {
		t.Fatalf("Query on empty collection: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want 0", len(hits))
	}
}

func TestQueryCapsTopK(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	col, _ := s.Create(ctx, "small", fakeEmbedder{})
	seedDocs(t, col, 3)

	hits, err := col.Query(ctx, "document number 1", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("got %d hits, want 3 (capped to count)", len(hits))
	}
	for _, h := range hits {
		if h.Distance < 0 || h.Distance > 2 {
			t.Errorf("distance %f out of [0,2]", h.Distance)
		}
	}
	// Closest first.
	for i := 1; i < len(hits); i++ {
		if hits[i].Distance < hits[i-1].Distance {
			t.Errorf("hits not sorted by distance: %f before %f", hits[i-1].Distance, hits[i].Distance)
		}
	}
}

func TestGetByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	col, _ := s.Create(ctx, "byid", fakeEmbedder{})
	seedDocs(t, col, 2)

	doc, ok := col.GetByID(ctx, "doc1")
	if !ok {
		t.Fatal("GetByID(doc1) missing")
	}
	if doc.Text != "document number 1" {
		t.Errorf("Text = %q", doc.Text)
	}
	if _, ok := col.GetByID(ctx, "nope"); ok {
		t.Error("GetByID(nope) found")
	}
}

func TestDeleteWhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	col, _ := s.Create(ctx, "delw", fakeEmbedder{})
	seedDocs(t, col, 4)

	removed, err := col.DeleteWhere(ctx, map[string]string{"file_registry_id": "7"})
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed = %d, want 4", removed)
	}
	if col.Count() != 0 {
		t.Errorf("Count = %d after delete", col.Count())
	}

	if _, err := col.DeleteWhere(ctx, nil); err == nil {
		t.Error("empty filter accepted")
	}
}

func TestDeleteIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	col, _ := s.Create(ctx, "delid", fakeEmbedder{})
	seedDocs(t, col, 3)

	if err := col.DeleteIDs(ctx, "doc0", "doc2"); err != nil {
		t.Fatalf("DeleteIDs: %v", err)
	}
	if col.Count() != 1 {
		t.Errorf("Count = %d, want 1", col.Count())
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewChromemStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	col, err := s1.Create(ctx, "persist", fakeEmbedder{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seedDocs(t, col, 2)

	s2, err := NewChromemStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	col2, err := s2.Get(ctx, "persist", fakeEmbedder{})
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if col2.Count() != 2 {
		t.Errorf("Count after reopen = %d, want 2", col2.Count())
	}
}
