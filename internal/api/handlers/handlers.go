// Package handlers implements the HTTP handlers of the knowledge base
// server: collection CRUD, ingestion submission, the file registry, and
// similarity queries.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/catalog"
	"github.com/lamb-project/lamb-kb-server/internal/ingestion"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/query"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Catalog  *catalog.Service
	Pipeline *ingestion.Pipeline
	Query    *query.Service

	Version        string
	MaxUploadBytes int64

	validate *validator.Validate
}

// New creates a Handlers instance.
func New(cat *catalog.Service, pipe *ingestion.Pipeline, q *query.Service, version string, maxUploadBytes int64) *Handlers {
	return &Handlers{
		Catalog:        cat,
		Pipeline:       pipe,
		Query:          q,
		Version:        version,
		MaxUploadBytes: maxUploadBytes,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ── Health ───────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// ── Collections ──────────────────────────────────────────────

func (h *Handlers) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid collection"))
		return
	}

	col, err := h.Catalog.Create(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, redacted(col))
}

func (h *Handlers) ListCollections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	skip := intParam(q.Get("skip"), 0)
	limit := intParam(q.Get("limit"), 0)
	visibility := q.Get("visibility")

	list, err := h.Catalog.List(r.Context(), owner, visibility, skip, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	for i := range list.Items {
		list.Items[i] = redacted(list.Items[i])
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetCollection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	col, err := h.Catalog.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redacted(col))
}

func (h *Handlers) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	var req catalog.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid update"))
		return
	}

	col, err := h.Catalog.Update(r.Context(), id, req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redacted(col))
}

func (h *Handlers) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	summary, err := h.Catalog.Delete(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ── Ingestion ────────────────────────────────────────────────

// IngestFile accepts a multipart upload with fields file, plugin_name and
// plugin_params (a JSON object string), and queues the ingestion job.
func (h *Handlers) IngestFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "missing file field"))
		return
	}
	defer file.Close()

	pluginName := r.FormValue("plugin_name")
	if pluginName == "" {
		respondError(w, kberr.New(kberr.BadInput, "plugin_name is required"))
		return
	}
	params, err := parseParams(r.FormValue("plugin_params"))
	if err != nil {
		respondError(w, err)
		return
	}

	accepted, err := h.Pipeline.IngestFile(r.Context(), id, ingestion.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	}, pluginName, params)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, accepted)
}

type ingestURLRequest struct {
	URLs         []string       `json:"urls" validate:"required,min=1"`
	PluginName   string         `json:"plugin_name"`
	PluginParams map[string]any `json:"plugin_params"`
}

// IngestURL queues URL ingestion; it is ingest-base with urls folded into
// the plugin parameters and a default plugin.
func (h *Handlers) IngestURL(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	var req ingestURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request"))
		return
	}
	if req.PluginName == "" {
		req.PluginName = "url_ingest"
	}
	params := map[string]any{}
	for k, v := range req.PluginParams {
		params[k] = v
	}
	params["urls"] = req.URLs

	accepted, err := h.Pipeline.IngestBase(r.Context(), id, req.PluginName, params)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, accepted)
}

type ingestBaseRequest struct {
	PluginName   string         `json:"plugin_name" validate:"required"`
	PluginParams map[string]any `json:"plugin_params"`
}

func (h *Handlers) IngestBase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	var req ingestBaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request"))
		return
	}

	accepted, err := h.Pipeline.IngestBase(r.Context(), id, req.PluginName, req.PluginParams)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, accepted)
}

type addDocumentsRequest struct {
	Documents []models.ChunkInput `json:"documents" validate:"required,min=1"`
}

// AddDocuments is the synchronous pre-chunked add.
func (h *Handlers) AddDocuments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	var req addDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request"))
		return
	}

	added, err := h.Pipeline.AddDocuments(r.Context(), id, req.Documents)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"documents_added": added,
		"success":         true,
	})
}

func (h *Handlers) ListPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Pipeline.Registry().List())
}

func (h *Handlers) ListQueryPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Query.Plugins())
}

// ── File registry ────────────────────────────────────────────

func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	status := models.FileStatus(r.URL.Query().Get("status"))
	if status != "" && !models.ValidFileStatus(status) {
		respondError(w, kberr.New(kberr.BadInput, "invalid status %q", status))
		return
	}

	// 404 for unknown collections, not an empty list.
	if _, err := h.Catalog.Get(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	files, err := h.Catalog.Store().ListFiles(r.Context(), id, status)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, files)
}

func (h *Handlers) GetFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathID(r, "fileID")
	if err != nil {
		respondError(w, err)
		return
	}
	entry, err := h.Catalog.Store().GetFile(r.Context(), fileID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathID(r, "fileID")
	if err != nil {
		respondError(w, err)
		return
	}
	hard := r.URL.Query().Get("hard") == "true"
	summary, err := h.Pipeline.DeleteFile(r.Context(), fileID, hard)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// UpdateFileStatus is the administrative status override.
func (h *Handlers) UpdateFileStatus(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathID(r, "fileID")
	if err != nil {
		respondError(w, err)
		return
	}
	status := models.FileStatus(r.URL.Query().Get("status"))
	if !models.ValidFileStatus(status) {
		respondError(w, kberr.New(kberr.BadInput, "invalid status %q", status))
		return
	}

	entry, err := h.Catalog.Store().GetFile(r.Context(), fileID)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.Catalog.Store().UpdateFileStatus(r.Context(), fileID, status, entry.DocumentCount); err != nil {
		respondError(w, err)
		return
	}
	entry.Status = status
	log.Info().Int64("file_id", fileID).Str("status", string(status)).Msg("file status updated")
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) FileContent(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathID(r, "fileID")
	if err != nil {
		respondError(w, err)
		return
	}
	content, err := h.Pipeline.FileContent(r.Context(), fileID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, content)
}

// ── Query ────────────────────────────────────────────────────

func (h *Handlers) QueryCollection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		respondError(w, err)
		return
	}
	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, kberr.Wrap(kberr.BadInput, err, "invalid query"))
		return
	}
	req.PluginName = r.URL.Query().Get("plugin_name")

	resp, err := h.Query.Query(r.Context(), id, req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── helpers ──────────────────────────────────────────────────

func redacted(col models.Collection) models.Collection {
	col.EmbeddingsModel = col.EmbeddingsModel.Redacted()
	return col
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, kberr.New(kberr.BadInput, "invalid %s %q", name, raw)
	}
	return id, nil
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return n
	}
	return fallback
}

func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, kberr.Wrap(kberr.BadInput, err, "plugin_params must be a JSON object")
	}
	return params, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	status := kberr.HTTPStatus(err)
	if status >= 500 {
		log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": kberr.Message(err),
	})
}
