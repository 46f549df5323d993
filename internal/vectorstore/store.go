// Package vectorstore wraps the persistent vector index behind narrow
// interfaces so the catalog, pipeline, and query service never touch the
// underlying engine directly.
//
// Collections are addressed by an opaque vector UUID generated at creation
// time. Catalog renames therefore never touch the index.
package vectorstore

import "context"

// Embedder turns a batch of texts into vectors. Implementations live in the
// embeddings package; the store only needs the call shape.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Vendor() string
	Model() string
}

// Document is one embedded chunk as stored in the index.
type Document struct {
	ID        string
	Text      string
	Metadata  map[string]string
	Embedding []float32
}

// Hit is one similarity result. Distance is 1 − cosine similarity, so it
// ranges over [0, 2] with 0 meaning identical direction.
type Hit struct {
	ID       string
	Text     string
	Metadata map[string]string
	Distance float64
}

// Collection is one vector namespace.
type Collection interface {
	// AddBatch inserts documents carrying precomputed embeddings.
	AddBatch(ctx context.Context, docs []Document) error
	// Query embeds text and returns up to topK nearest documents, closest
	// first. An empty collection yields no hits, not an error.
	Query(ctx context.Context, text string, topK int) ([]Hit, error)
	// GetByID fetches one document. The second return is false when absent.
	GetByID(ctx context.Context, id string) (Document, bool)
	// DeleteIDs removes the given documents.
	DeleteIDs(ctx context.Context, ids ...string) error
	// DeleteWhere removes documents whose metadata equals every key/value in
	// where, returning the number removed.
	DeleteWhere(ctx context.Context, where map[string]string) (int, error)
	// Count returns the number of stored documents.
	Count() int
}

// Store manages the lifecycle of collections.
type Store interface {
	// Create makes a new empty collection named by vectorUUID.
	Create(ctx context.Context, vectorUUID string, embed Embedder) (Collection, error)
	// Get opens an existing collection, or a NotFound error.
	Get(ctx context.Context, vectorUUID string, embed Embedder) (Collection, error)
	// Delete drops a collection and all its documents.
	Delete(ctx context.Context, vectorUUID string) error
	// List returns the vector UUIDs of all collections.
	List(ctx context.Context) ([]string, error)
}
