package catalog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/embeddings"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// Service coordinates the catalog rows with their paired vector collections.
// Creation is compensating: if the SQL insert fails after the vector
// collection was made, the vector collection is removed again.
type Service struct {
	store    *Store
	vectors  vectorstore.Store
	defaults config.EmbeddingsConfig
}

// NewService wires the catalog service.
func NewService(store *Store, vectors vectorstore.Store, defaults config.EmbeddingsConfig) *Service {
	return &Service{store: store, vectors: vectors, defaults: defaults}
}

// Store exposes the underlying SQL store for the ingestion pipeline.
func (s *Service) Store() *Store { return s.store }

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name            string                    `json:"name" validate:"required"`
	Owner           string                    `json:"owner" validate:"required"`
	Description     string                    `json:"description"`
	Visibility      string                    `json:"visibility" validate:"omitempty,oneof=private public"`
	EmbeddingsModel models.ProviderDescriptor `json:"embeddings_model" validate:"required"`
}

// Create resolves the embeddings descriptor, proves the provider works,
// creates the vector collection, and persists the catalog row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (models.Collection, error) {
	var col models.Collection

	if req.Visibility == "" {
		req.Visibility = models.VisibilityPrivate
	}
	desc, err := embeddings.Resolve(req.EmbeddingsModel, s.defaults)
	if err != nil {
		return col, err
	}
	embed, err := embeddings.New(desc)
	if err != nil {
		return col, err
	}
	if err := embeddings.Validate(ctx, embed); err != nil {
		return col, err
	}

	vectorUUID := uuid.NewString()
	if _, err := s.vectors.Create(ctx, vectorUUID, embed); err != nil {
		return col, err
	}

	col = models.Collection{
		Name:            req.Name,
		Owner:           req.Owner,
		Description:     req.Description,
		Visibility:      req.Visibility,
		CreationDate:    time.Now().UTC(),
		EmbeddingsModel: desc,
		VectorUUID:      vectorUUID,
	}
	if err := s.store.InsertCollection(ctx, &col); err != nil {
		// Compensate: do not leave an orphaned vector collection behind.
		if derr := s.vectors.Delete(ctx, vectorUUID); derr != nil {
			log.Error().Err(derr).Str("vector_uuid", vectorUUID).
				Msg("failed to remove vector collection after insert failure")
		}
		return models.Collection{}, err
	}

	log.Info().
		Int64("collection_id", col.ID).
		Str("name", col.Name).
		Str("owner", col.Owner).
		Str("vendor", desc.Vendor).
		Str("model", desc.Model).
		Msg("collection created")
	return col, nil
}

// Get fetches one collection by id.
func (s *Service) Get(ctx context.Context, id int64) (models.Collection, error) {
	return s.store.GetCollection(ctx, id)
}

// GetByName fetches one collection by its (owner, name) pair.
func (s *Service) GetByName(ctx context.Context, owner, name string) (models.Collection, error) {
	return s.store.GetCollectionByName(ctx, owner, name)
}

// List pages through collections.
func (s *Service) List(ctx context.Context, owner, visibility string, offset, limit int) (models.CollectionList, error) {
	return s.store.ListCollections(ctx, owner, visibility, offset, limit)
}

// UpdateRequest carries the mutable fields of a collection. Embeddings
// vendor/model changes are ignored (stored vectors would no longer match),
// but the endpoint and api_key of the configured model may be rotated.
type UpdateRequest struct {
	Name            *string                    `json:"name"`
	Description     *string                    `json:"description"`
	Visibility      *string                    `json:"visibility" validate:"omitempty,oneof=private public"`
	EmbeddingsModel *models.ProviderDescriptor `json:"embeddings_model"`
}

// Update applies the mutable fields. The vector collection is untouched: it
// is addressed by vector UUID, not name.
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (models.Collection, error) {
	col, err := s.store.GetCollection(ctx, id)
	if err != nil {
		return col, err
	}

	if req.EmbeddingsModel != nil {
		if req.EmbeddingsModel.Vendor != col.EmbeddingsModel.Vendor || req.EmbeddingsModel.Model != col.EmbeddingsModel.Model {
			log.Warn().
				Int64("collection_id", id).
				Str("requested_vendor", req.EmbeddingsModel.Vendor).
				Str("requested_model", req.EmbeddingsModel.Model).
				Msg("ignoring embeddings model change: stored vectors would no longer match")
		}
		col.EmbeddingsModel.Endpoint = req.EmbeddingsModel.Endpoint
		col.EmbeddingsModel.APIKey = req.EmbeddingsModel.APIKey
	}
	if req.Name != nil {
		col.Name = *req.Name
	}
	if req.Description != nil {
		col.Description = *req.Description
	}
	if req.Visibility != nil {
		col.Visibility = *req.Visibility
	}

	if err := s.store.UpdateCollection(ctx, col); err != nil {
		return models.Collection{}, err
	}
	return col, nil
}

// Delete removes a collection: vector data first, then upload files on disk
// (best effort), then the catalog rows. Returns a summary of what went.
func (s *Service) Delete(ctx context.Context, id int64) (models.DeleteSummary, error) {
	var summary models.DeleteSummary

	col, err := s.store.GetCollection(ctx, id)
	if err != nil {
		return summary, err
	}

	embed, err := embeddings.New(col.EmbeddingsModel)
	if err != nil {
		return summary, err
	}
	if vcol, err := s.vectors.Get(ctx, col.VectorUUID, embed); err == nil {
		summary.DeletedEmbeddings = vcol.Count()
	}
	if err := s.vectors.Delete(ctx, col.VectorUUID); err != nil && !kberr.IsKind(err, kberr.NotFound) {
		log.Error().Err(err).Str("vector_uuid", col.VectorUUID).Msg("vector collection delete failed")
	}

	files, err := s.store.ListFiles(ctx, id, "")
	if err != nil {
		return summary, err
	}
	summary.RemovedFiles = []string{}
	for _, f := range files {
		if f.FilePath == "" {
			continue
		}
		if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", f.FilePath).Msg("upload file removal failed")
			continue
		}
		summary.RemovedFiles = append(summary.RemovedFiles, f.FilePath)
	}

	if err := s.store.DeleteCollection(ctx, id); err != nil {
		return summary, err
	}
	summary.Status = "deleted"

	log.Info().
		Int64("collection_id", id).
		Int("deleted_embeddings", summary.DeletedEmbeddings).
		Int("removed_files", len(summary.RemovedFiles)).
		Msg("collection deleted")
	return summary, nil
}

// OpenVectorCollection rebuilds the embedder from the stored descriptor and
// opens the collection's vector namespace.
func (s *Service) OpenVectorCollection(ctx context.Context, col models.Collection) (vectorstore.Collection, vectorstore.Embedder, error) {
	embed, err := embeddings.New(col.EmbeddingsModel)
	if err != nil {
		return nil, nil, err
	}
	vcol, err := s.vectors.Get(ctx, col.VectorUUID, embed)
	if err != nil {
		return nil, nil, err
	}
	return vcol, embed, nil
}

// ChunkID is the deterministic document id of one chunk of one file. Keeping
// ids derivable lets content reconstruction and cascade deletes address
// chunks without scanning.
func ChunkID(fileID int64, index int) string {
	return "file" + strconv.FormatInt(fileID, 10) + "_chunk" + strconv.Itoa(index)
}

// ParseChunkID is the inverse of ChunkID.
func ParseChunkID(id string) (fileID int64, index int, ok bool) {
	rest, ok := strings.CutPrefix(id, "file")
	if !ok {
		return 0, 0, false
	}
	fidStr, idxStr, ok := strings.Cut(rest, "_chunk")
	if !ok {
		return 0, 0, false
	}
	fileID, err := strconv.ParseInt(fidStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	index, err = strconv.Atoi(idxStr)
	if err != nil {
		return 0, 0, false
	}
	return fileID, index, true
}
