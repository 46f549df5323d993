package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
)

// addConcurrency bounds parallel embedding persistence inside the engine.
const addConcurrency = 4

// ChromemStore is the persistent on-disk vector store.
type ChromemStore struct {
	db *chromem.DB

	mu sync.Mutex
}

// NewChromemStore opens (or creates) the persistent store rooted at path.
func NewChromemStore(path string) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, kberr.Wrap(kberr.StorageError, err, "open vector store at %s", path)
	}
	log.Info().Str("path", path).Msg("vector store opened")
	return &ChromemStore{db: db}, nil
}

// embeddingFunc adapts a batch Embedder to the engine's per-text signature.
// The engine only calls it for query text; document embeddings are always
// precomputed by the ingestion pipeline.
func embeddingFunc(embed Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := embed.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vecs))
		}
		return vecs[0], nil
	}
}

func (s *ChromemStore) Create(ctx context.Context, vectorUUID string, embed Embedder) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.db.GetCollection(vectorUUID, embeddingFunc(embed)); existing != nil {
		return nil, kberr.New(kberr.Conflict, "vector collection %s already exists", vectorUUID)
	}
	col, err := s.db.CreateCollection(vectorUUID, nil, embeddingFunc(embed))
	if err != nil {
		return nil, kberr.Wrap(kberr.StorageError, err, "create vector collection %s", vectorUUID)
	}
	return &chromemCollection{col: col}, nil
}

func (s *ChromemStore) Get(ctx context.Context, vectorUUID string, embed Embedder) (Collection, error) {
	// GetCollection must receive our embedding func or the engine falls back
	// to its built-in default.
	col := s.db.GetCollection(vectorUUID, embeddingFunc(embed))
	if col == nil {
		return nil, kberr.New(kberr.NotFound, "vector collection %s not found", vectorUUID)
	}
	return &chromemCollection{col: col}, nil
}

func (s *ChromemStore) Delete(ctx context.Context, vectorUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(vectorUUID); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "delete vector collection %s", vectorUUID)
	}
	return nil
}

func (s *ChromemStore) List(ctx context.Context) ([]string, error) {
	cols := s.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	return names, nil
}

// ── Collection ───────────────────────────────────────────────

type chromemCollection struct {
	col *chromem.Collection
}

func (c *chromemCollection) AddBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	converted := make([]chromem.Document, len(docs))
	for i, d := range docs {
		converted[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Text,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		}
	}
	if err := c.col.AddDocuments(ctx, converted, addConcurrency); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "add %d documents", len(docs))
	}
	return nil
}

func (c *chromemCollection) Query(ctx context.Context, text string, topK int) ([]Hit, error) {
	count := c.col.Count()
	if count == 0 || topK <= 0 {
		return nil, nil
	}
	// The engine rejects nResults above the stored document count.
	if topK > count {
		topK = count
	}
	results, err := c.col.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return nil, kberr.Wrap(kberr.StorageError, err, "query vector collection")
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:       r.ID,
			Text:     r.Content,
			Metadata: r.Metadata,
			Distance: 1 - float64(r.Similarity),
		}
	}
	return hits, nil
}

func (c *chromemCollection) GetByID(ctx context.Context, id string) (Document, bool) {
	doc, err := c.col.GetByID(ctx, id)
	if err != nil {
		return Document{}, false
	}
	return Document{
		ID:        doc.ID,
		Text:      doc.Content,
		Metadata:  doc.Metadata,
		Embedding: doc.Embedding,
	}, true
}

func (c *chromemCollection) DeleteIDs(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, ids...); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "delete %d documents", len(ids))
	}
	return nil
}

func (c *chromemCollection) DeleteWhere(ctx context.Context, where map[string]string) (int, error) {
	if len(where) == 0 {
		return 0, kberr.New(kberr.BadInput, "empty delete filter")
	}
	before := c.col.Count()
	if before == 0 {
		return 0, nil
	}
	if err := c.col.Delete(ctx, where, nil); err != nil {
		return 0, kberr.Wrap(kberr.StorageError, err, "delete by metadata filter")
	}
	return before - c.col.Count(), nil
}

func (c *chromemCollection) Count() int {
	return c.col.Count()
}
