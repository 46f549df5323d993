package query

import (
	"context"
	"testing"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// stubCollection returns canned hits.
type stubCollection struct {
	hits []vectorstore.Hit
}

func (s *stubCollection) AddBatch(context.Context, []vectorstore.Document) error { return nil }
func (s *stubCollection) GetByID(context.Context, string) (vectorstore.Document, bool) {
	return vectorstore.Document{}, false
}
func (s *stubCollection) DeleteIDs(context.Context, ...string) error { return nil }
func (s *stubCollection) DeleteWhere(context.Context, map[string]string) (int, error) {
	return 0, nil
}
func (s *stubCollection) Count() int { return len(s.hits) }

func (s *stubCollection) Query(_ context.Context, _ string, topK int) ([]vectorstore.Hit, error) {
	if topK > len(s.hits) {
		topK = len(s.hits)
	}
	return s.hits[:topK], nil
}

func hit(id string, distance float64) vectorstore.Hit {
	return vectorstore.Hit{
		ID:       id,
		Text:     "text-" + id,
		Metadata: map[string]string{models.MetaDocumentID: id},
		Distance: distance,
	}
}

func TestSimpleQueryThresholdAndOrder(t *testing.T) {
	col := &stubCollection{hits: []vectorstore.Hit{
		hit("a", 0.1), // similarity 0.9
		hit("b", 0.4), // similarity 0.6
		hit("c", 0.8), // similarity 0.2
	}}

	p := &simpleQuery{}
	results, err := p.Query(context.Background(), col, "q", 5, 0.5, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 above threshold", len(results))
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not in descending similarity order")
	}
	if results[0].Data != "text-a" {
		t.Errorf("top hit = %q", results[0].Data)
	}
}

func TestSimpleQueryTieBreaksByID(t *testing.T) {
	col := &stubCollection{hits: []vectorstore.Hit{
		hit("file1_chunk2", 0.3),
		hit("file1_chunk1", 0.3),
	}}

	results, err := (&simpleQuery{}).Query(context.Background(), col, "q", 5, 0, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if results[0].Metadata[models.MetaDocumentID] != "file1_chunk1" {
		t.Errorf("tie not broken by lower id: %+v", results)
	}
}

func TestSimpleQueryTieBreaksNumerically(t *testing.T) {
	// Lexicographic order would put chunk10 before chunk9.
	col := &stubCollection{hits: []vectorstore.Hit{
		hit("file2_chunk10", 0.3),
		hit("file2_chunk9", 0.3),
		hit("file10_chunk0", 0.3),
	}}

	results, err := (&simpleQuery{}).Query(context.Background(), col, "q", 5, 0, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := []string{
		results[0].Metadata[models.MetaDocumentID],
		results[1].Metadata[models.MetaDocumentID],
		results[2].Metadata[models.MetaDocumentID],
	}
	want := []string{"file2_chunk9", "file2_chunk10", "file10_chunk0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSimpleQueryTopKZero(t *testing.T) {
	col := &stubCollection{hits: []vectorstore.Hit{hit("a", 0.1)}}
	results, err := (&simpleQuery{}).Query(context.Background(), col, "q", 0, 0, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("top_k=0 returned %d results", len(results))
	}
}

func TestServiceRejectsEmptyQuery(t *testing.T) {
	s := NewService(nil)
	for _, q := range []string{"", "   ", "\t\n"} {
		_, err := s.Query(context.Background(), 1, Request{QueryText: q})
		if !kberr.IsKind(err, kberr.BadInput) {
			t.Errorf("Query(%q) err = %v, want BadInput", q, err)
		}
	}
}

func TestServiceRejectsNegativeTopK(t *testing.T) {
	s := NewService(nil)
	topK := -1
	_, err := s.Query(context.Background(), 1, Request{QueryText: "q", TopK: &topK})
	if !kberr.IsKind(err, kberr.BadInput) {
		t.Errorf("err = %v, want BadInput", err)
	}
}

func TestServiceUnknownPlugin(t *testing.T) {
	s := NewService(nil)
	_, err := s.Query(context.Background(), 1, Request{QueryText: "q", PluginName: "fancy_query"})
	if !kberr.IsKind(err, kberr.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestPluginsListing(t *testing.T) {
	list := NewService(nil).Plugins()
	if len(list) != 1 || list[0].Name != "simple_query" {
		t.Errorf("plugins = %+v", list)
	}
	if len(list[0].Parameters) != 2 {
		t.Errorf("parameters = %+v", list[0].Parameters)
	}
}
