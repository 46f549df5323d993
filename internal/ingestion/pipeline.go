package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/catalog"
	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// subBatchSize bounds how many chunks are embedded and written per vector
// store call, limiting memory and provider request size.
const subBatchSize = 5

// Pipeline runs ingestion jobs: foreground validation and registry insert,
// background chunk/embed/store on a bounded worker pool. Jobs are in-memory
// only; entries left processing after a restart are orphaned.
type Pipeline struct {
	catalog  *catalog.Service
	registry *Registry

	staticRoot string
	baseURL    string

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPipeline wires the pipeline. Workers bounds concurrent background jobs.
func NewPipeline(catalogSvc *catalog.Service, registry *Registry, cfg config.IngestionConfig, baseURL string) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		catalog:    catalogSvc,
		registry:   registry,
		staticRoot: cfg.StaticRoot,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		sem:        make(chan struct{}, workers),
	}
}

// Wait blocks until all in-flight background jobs finish. Used on shutdown
// and in tests.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Registry exposes the plugin registry for the discovery endpoint.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Upload is an incoming multipart file.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// SaveUpload writes an upload under static/<owner>/<collection>/<random>.<ext>
// and returns its path, public URL, and size.
func (p *Pipeline) SaveUpload(owner, collectionName string, up Upload) (string, string, int64, error) {
	dir := filepath.Join(p.staticRoot, owner, collectionName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", 0, kberr.Wrap(kberr.StorageError, err, "create upload directory")
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(up.Filename))
	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", "", 0, kberr.Wrap(kberr.StorageError, err, "create upload file")
	}
	size, err := io.Copy(dst, up.Body)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", "", 0, kberr.Wrap(kberr.StorageError, err, "write upload file")
	}

	fileURL := fmt.Sprintf("%s/static/%s/%s/%s", p.baseURL, owner, collectionName, name)
	return path, fileURL, size, nil
}

// IngestFile is the foreground step for file-based ingestion: validate,
// save, register, enqueue. The response reports status processing; clients
// poll the file registry.
func (p *Pipeline) IngestFile(ctx context.Context, collectionID int64, up Upload, pluginName string, params map[string]any) (models.IngestAccepted, error) {
	var accepted models.IngestAccepted

	col, err := p.catalog.Get(ctx, collectionID)
	if err != nil {
		return accepted, err
	}
	// Both stores must agree before any work is queued.
	if _, _, err := p.catalog.OpenVectorCollection(ctx, col); err != nil {
		return accepted, err
	}

	plugin, err := p.registry.Get(pluginName)
	if err != nil {
		return accepted, err
	}
	// Remote plugins that declare file types take uploads too (a URL list
	// file for the transcript plugin).
	if plugin.Kind() != KindFile && !(plugin.Kind() == KindRemote && len(plugin.SupportedFileTypes()) > 0) {
		return accepted, kberr.New(kberr.BadInput, "plugin %q is %s, not a file-ingest plugin", pluginName, plugin.Kind())
	}

	path, fileURL, size, err := p.SaveUpload(col.Owner, col.Name, up)
	if err != nil {
		return accepted, err
	}

	entry := &models.FileRegistryEntry{
		CollectionID:     col.ID,
		OriginalFilename: up.Filename,
		FilePath:         path,
		FileURL:          fileURL,
		FileSize:         size,
		ContentType:      up.ContentType,
		PluginName:       pluginName,
		PluginParams:     params,
		Status:           models.FileStatusProcessing,
		Owner:            col.Owner,
	}
	if err := p.catalog.Store().InsertFile(ctx, entry); err != nil {
		os.Remove(path)
		return accepted, err
	}

	p.submit(entry.ID)
	return acceptedResponse(entry, col), nil
}

// IngestBase is the foreground step for parameter-only ingestion (URLs,
// transcripts). The first URL, when present, doubles as the display name.
func (p *Pipeline) IngestBase(ctx context.Context, collectionID int64, pluginName string, params map[string]any) (models.IngestAccepted, error) {
	var accepted models.IngestAccepted

	col, err := p.catalog.Get(ctx, collectionID)
	if err != nil {
		return accepted, err
	}
	if _, _, err := p.catalog.OpenVectorCollection(ctx, col); err != nil {
		return accepted, err
	}

	plugin, err := p.registry.Get(pluginName)
	if err != nil {
		return accepted, err
	}
	if plugin.Kind() != KindBase && plugin.Kind() != KindRemote {
		return accepted, kberr.New(kberr.BadInput, "plugin %q is %s, not a base-ingest plugin", pluginName, plugin.Kind())
	}

	displayName := pluginName
	if urls := paramStrList(params, "urls"); len(urls) > 0 {
		displayName = urls[0]
	} else if u := paramStr(params, "video_url", ""); u != "" {
		displayName = u
	}
	var fileURL string
	if urls := paramStrList(params, "urls"); len(urls) > 0 {
		fileURL = urls[0]
	}

	entry := &models.FileRegistryEntry{
		CollectionID:     col.ID,
		OriginalFilename: displayName,
		FileURL:          fileURL,
		PluginName:       pluginName,
		PluginParams:     params,
		Status:           models.FileStatusProcessing,
		Owner:            col.Owner,
	}
	if err := p.catalog.Store().InsertFile(ctx, entry); err != nil {
		return accepted, err
	}

	p.submit(entry.ID)
	return acceptedResponse(entry, col), nil
}

// AddDocuments embeds and stores pre-chunked documents synchronously,
// bypassing the worker pool. A registry entry is still written so the
// chunks carry a file_registry_id and show up in file listings.
func (p *Pipeline) AddDocuments(ctx context.Context, collectionID int64, docs []models.ChunkInput) (int, error) {
	if len(docs) == 0 {
		return 0, kberr.New(kberr.BadInput, "documents must not be empty")
	}

	col, err := p.catalog.Get(ctx, collectionID)
	if err != nil {
		return 0, err
	}
	vcol, embed, err := p.catalog.OpenVectorCollection(ctx, col)
	if err != nil {
		return 0, err
	}

	entry := &models.FileRegistryEntry{
		CollectionID:     col.ID,
		OriginalFilename: "direct_add",
		PluginName:       "direct_add",
		PluginParams:     map[string]any{"documents": len(docs)},
		Status:           models.FileStatusProcessing,
		Owner:            col.Owner,
	}
	if err := p.catalog.Store().InsertFile(ctx, entry); err != nil {
		return 0, err
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	written := 0
	for batchStart := 0; batchStart < len(docs); batchStart += subBatchSize {
		batchEnd := min(batchStart+subBatchSize, len(docs))
		batch := docs[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := embed.Embed(ctx, texts)
		if err != nil {
			p.catalog.Store().UpdateFileStatus(ctx, entry.ID, models.FileStatusFailed, written)
			return written, err
		}

		out := make([]vectorstore.Document, len(batch))
		for i, c := range batch {
			idx := batchStart + i
			id := catalog.ChunkID(entry.ID, idx)
			out[i] = vectorstore.Document{
				ID:        id,
				Text:      c.Text,
				Metadata:  chunkMetadata(c, *entry, embed, id, idx, len(docs), timestamp),
				Embedding: vectors[i],
			}
		}
		if err := vcol.AddBatch(ctx, out); err != nil {
			p.catalog.Store().UpdateFileStatus(ctx, entry.ID, models.FileStatusFailed, written)
			return written, err
		}
		written += len(out)
	}

	if err := p.catalog.Store().UpdateFileStatus(ctx, entry.ID, models.FileStatusCompleted, written); err != nil {
		return written, err
	}
	return written, nil
}

func acceptedResponse(entry *models.FileRegistryEntry, col models.Collection) models.IngestAccepted {
	return models.IngestAccepted{
		Status:         models.FileStatusProcessing,
		FileRegistryID: entry.ID,
		FilePath:       entry.FilePath,
		FileURL:        entry.FileURL,
		CollectionID:   col.ID,
		CollectionName: col.Name,
		PluginName:     entry.PluginName,
		DocumentsAdded: 0,
	}
}

// submit hands the job to the worker pool. The semaphore is taken inside the
// goroutine so the submit call returns immediately even when the pool is
// saturated.
func (p *Pipeline) submit(fileID int64) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		// The request that queued the job is long gone; jobs get their own
		// lifetime.
		p.runJob(context.Background(), fileID)
	}()
}

func (p *Pipeline) runJob(ctx context.Context, fileID int64) {
	start := time.Now()

	entry, err := p.catalog.Store().GetFile(ctx, fileID)
	if err != nil {
		// Row deleted between submit and run: nothing to do.
		if kberr.IsKind(err, kberr.NotFound) {
			return
		}
		log.Error().Err(err).Int64("file_id", fileID).Msg("ingestion job could not load registry entry")
		return
	}

	count, err := p.process(ctx, entry)
	if err != nil {
		log.Error().Err(err).
			Int64("file_id", fileID).
			Str("plugin", entry.PluginName).
			Msg("ingestion failed")
		if uerr := p.catalog.Store().UpdateFileStatus(ctx, fileID, models.FileStatusFailed, count); uerr != nil && !kberr.IsKind(uerr, kberr.NotFound) {
			log.Error().Err(uerr).Int64("file_id", fileID).Msg("failed status commit failed")
		}
		return
	}

	if err := p.catalog.Store().UpdateFileStatus(ctx, fileID, models.FileStatusCompleted, count); err != nil {
		if !kberr.IsKind(err, kberr.NotFound) {
			log.Error().Err(err).Int64("file_id", fileID).Msg("completed status commit failed")
		}
		return
	}
	log.Info().
		Int64("file_id", fileID).
		Str("plugin", entry.PluginName).
		Int("documents", count).
		Dur("elapsed", time.Since(start)).
		Msg("ingestion completed")
}

// process runs the plugin and streams its chunks into the vector store in
// sub-batches. Returns the number of chunks written; completed sub-batches
// stay written even when a later one fails.
func (p *Pipeline) process(ctx context.Context, entry models.FileRegistryEntry) (int, error) {
	col, err := p.catalog.Get(ctx, entry.CollectionID)
	if err != nil {
		return 0, err
	}
	vcol, embed, err := p.catalog.OpenVectorCollection(ctx, col)
	if err != nil {
		return 0, err
	}
	plugin, err := p.registry.Get(entry.PluginName)
	if err != nil {
		return 0, err
	}

	params := make(map[string]any, len(entry.PluginParams)+1)
	for k, v := range entry.PluginParams {
		params[k] = v
	}
	params["file_url"] = entry.FileURL

	chunks, err := plugin.Ingest(ctx, entry.FilePath, params)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, kberr.New(kberr.PluginError, "plugin %q produced no chunks", entry.PluginName)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	written := 0
	for batchStart := 0; batchStart < len(chunks); batchStart += subBatchSize {
		batchEnd := min(batchStart+subBatchSize, len(chunks))
		batch := chunks[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := embed.Embed(ctx, texts)
		if err != nil {
			return written, err
		}

		docs := make([]vectorstore.Document, len(batch))
		for i, c := range batch {
			idx := batchStart + i
			id := catalog.ChunkID(entry.ID, idx)
			docs[i] = vectorstore.Document{
				ID:        id,
				Text:      c.Text,
				Metadata:  chunkMetadata(c, entry, embed, id, idx, len(chunks), timestamp),
				Embedding: vectors[i],
			}
		}
		if err := vcol.AddBatch(ctx, docs); err != nil {
			return written, err
		}
		written += len(docs)
	}
	return written, nil
}

// chunkMetadata merges plugin metadata with the required keys. Plugin values
// win only for keys the pipeline does not own.
func chunkMetadata(c models.ChunkInput, entry models.FileRegistryEntry, embed vectorstore.Embedder, id string, index, total int, timestamp string) map[string]string {
	meta := make(map[string]string, len(c.Metadata)+11)
	for k, v := range c.Metadata {
		meta[k] = metaString(v)
	}
	if _, ok := meta[models.MetaSource]; !ok {
		if entry.FilePath != "" {
			meta[models.MetaSource] = entry.FilePath
		} else {
			meta[models.MetaSource] = entry.FileURL
		}
	}
	if _, ok := meta[models.MetaChunkingStrategy]; !ok {
		meta[models.MetaChunkingStrategy] = entry.PluginName
	}
	meta[models.MetaFilename] = entry.OriginalFilename
	meta[models.MetaFileURL] = entry.FileURL
	meta[models.MetaChunkIndex] = strconv.Itoa(index)
	meta[models.MetaChunkCount] = strconv.Itoa(total)
	meta[models.MetaIngestionTimestamp] = timestamp
	meta[models.MetaDocumentID] = id
	meta[models.MetaEmbeddingVendor] = embed.Vendor()
	meta[models.MetaEmbeddingModel] = embed.Model()
	meta[models.MetaFileRegistryID] = strconv.FormatInt(entry.ID, 10)
	return meta
}

func metaString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// ── File-level operations ────────────────────────────────────

// FileContent reconstructs an ingested file by joining its chunks in order.
func (p *Pipeline) FileContent(ctx context.Context, fileID int64) (models.FileContent, error) {
	var out models.FileContent

	entry, err := p.catalog.Store().GetFile(ctx, fileID)
	if err != nil {
		return out, err
	}
	col, err := p.catalog.Get(ctx, entry.CollectionID)
	if err != nil {
		return out, err
	}
	vcol, _, err := p.catalog.OpenVectorCollection(ctx, col)
	if err != nil {
		return out, err
	}

	var parts []string
	for i := 0; i < entry.DocumentCount; i++ {
		doc, ok := vcol.GetByID(ctx, catalog.ChunkID(fileID, i))
		if !ok {
			continue
		}
		parts = append(parts, doc.Text)
	}

	out = models.FileContent{
		FileID:           entry.ID,
		OriginalFilename: entry.OriginalFilename,
		Content:          strings.Join(parts, "\n"),
		ContentType:      entry.ContentType,
		ChunkCount:       len(parts),
		Timestamp:        time.Now().UTC(),
	}
	return out, nil
}

// DeleteFile removes a file's chunks from the vector store and deletes the
// upload from disk. A soft delete flips the registry entry to deleted; a
// hard delete removes the row.
func (p *Pipeline) DeleteFile(ctx context.Context, fileID int64, hard bool) (models.DeleteSummary, error) {
	var summary models.DeleteSummary

	entry, err := p.catalog.Store().GetFile(ctx, fileID)
	if err != nil {
		return summary, err
	}
	col, err := p.catalog.Get(ctx, entry.CollectionID)
	if err != nil {
		return summary, err
	}
	vcol, _, err := p.catalog.OpenVectorCollection(ctx, col)
	if err != nil {
		return summary, err
	}

	removed, err := vcol.DeleteWhere(ctx, map[string]string{
		models.MetaFileRegistryID: strconv.FormatInt(fileID, 10),
	})
	if err != nil {
		return summary, err
	}
	summary.DeletedEmbeddings = removed

	summary.RemovedFiles = []string{}
	if entry.FilePath != "" {
		if err := os.Remove(entry.FilePath); err == nil {
			summary.RemovedFiles = append(summary.RemovedFiles, entry.FilePath)
		} else if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", entry.FilePath).Msg("upload file removal failed")
		}
	}

	if hard {
		err = p.catalog.Store().DeleteFile(ctx, fileID)
	} else {
		err = p.catalog.Store().UpdateFileStatus(ctx, fileID, models.FileStatusDeleted, 0)
	}
	if err != nil {
		return summary, err
	}
	summary.Status = "deleted"

	log.Info().
		Int64("file_id", fileID).
		Bool("hard", hard).
		Int("deleted_embeddings", removed).
		Msg("file deleted")
	return summary, nil
}
