// Package models defines the shared data model for the LAMB knowledge base
// server and its companion completion service.
//
// The types here are the wire shapes exchanged over the HTTP APIs as well as
// the records persisted in the metadata catalog. Handler, catalog, and
// pipeline code all depend on this package; it depends on nothing internal.
package models

import (
	"strings"
	"time"
)

// DefaultSentinel is the literal value that requests use to mean "substitute
// the process-wide default at creation time". It never persists.
const DefaultSentinel = "default"

// ── Provider descriptors ─────────────────────────────────────

// ProviderDescriptor identifies an embedding or LLM provider endpoint.
// A descriptor is recorded on each collection at creation time and is the
// only source of the embedding function used at ingest and query time.
type ProviderDescriptor struct {
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"apikey,omitempty"`
}

// Known embedding/LLM vendors.
const (
	VendorOpenAI = "openai"
	VendorOllama = "ollama"
	VendorLocal  = "local"
)

// Redacted returns a copy safe for API responses and logs.
func (d ProviderDescriptor) Redacted() ProviderDescriptor {
	if d.APIKey != "" {
		d.APIKey = "********"
	}
	return d
}

// ── Collections ──────────────────────────────────────────────

// Visibility of a collection within its owner's tenant.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Collection pairs a catalog row with a vector-store namespace.
// VectorUUID is the opaque name of the paired vector collection; it is
// generated once at creation and never changes, so catalog renames do not
// touch vector data.
type Collection struct {
	ID              int64              `json:"id"`
	Name            string             `json:"name"`
	Owner           string             `json:"owner"`
	Description     string             `json:"description,omitempty"`
	Visibility      string             `json:"visibility"`
	CreationDate    time.Time          `json:"creation_date"`
	EmbeddingsModel ProviderDescriptor `json:"embeddings_model"`
	VectorUUID      string             `json:"vector_uuid"`
}

// CollectionList is the paginated listing response.
type CollectionList struct {
	Total int          `json:"total"`
	Items []Collection `json:"items"`
}

// ── File registry ────────────────────────────────────────────

// FileStatus is the lifecycle state of an ingestion job.
type FileStatus string

const (
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
	FileStatusDeleted    FileStatus = "deleted"
)

// ValidFileStatus reports whether s is one of the four lifecycle states.
func ValidFileStatus(s FileStatus) bool {
	switch s {
	case FileStatusProcessing, FileStatusCompleted, FileStatusFailed, FileStatusDeleted:
		return true
	}
	return false
}

// FileRegistryEntry is the durable record of one ingestion job.
// PluginParams is the exact parameter record used for the job so the
// ingestion is reproducible.
type FileRegistryEntry struct {
	ID               int64          `json:"id"`
	CollectionID     int64          `json:"collection_id"`
	OriginalFilename string         `json:"original_filename"`
	FilePath         string         `json:"file_path,omitempty"`
	FileURL          string         `json:"file_url,omitempty"`
	FileSize         int64          `json:"file_size"`
	ContentType      string         `json:"content_type,omitempty"`
	PluginName       string         `json:"plugin_name"`
	PluginParams     map[string]any `json:"plugin_params"`
	Status           FileStatus     `json:"status"`
	DocumentCount    int            `json:"document_count"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Owner            string         `json:"owner"`
}

// ── Chunks ───────────────────────────────────────────────────

// ChunkInput is one unit of text produced by an ingestion plugin before the
// pipeline augments it with the required metadata keys.
type ChunkInput struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Required chunk metadata keys written by the ingestion pipeline.
const (
	MetaSource             = "source"
	MetaFilename           = "filename"
	MetaFileURL            = "file_url"
	MetaChunkingStrategy   = "chunking_strategy"
	MetaChunkIndex         = "chunk_index"
	MetaChunkCount         = "chunk_count"
	MetaIngestionTimestamp = "ingestion_timestamp"
	MetaDocumentID         = "document_id"
	MetaEmbeddingVendor    = "embedding_vendor"
	MetaEmbeddingModel     = "embedding_model"
	MetaFileRegistryID     = "file_registry_id"
)

// ── Query ────────────────────────────────────────────────────

// QueryResult is one similarity hit.
type QueryResult struct {
	Similarity float64           `json:"similarity"`
	Data       string            `json:"data"`
	Metadata   map[string]string `json:"metadata"`
}

// QueryTiming reports wall time spent resolving a query.
type QueryTiming struct {
	TotalSeconds float64 `json:"total_seconds"`
	TotalMS      int64   `json:"total_ms"`
}

// QueryResponse is the response of the query endpoint.
type QueryResponse struct {
	Results    []QueryResult      `json:"results"`
	Count      int                `json:"count"`
	Timing     QueryTiming        `json:"timing"`
	Query      string             `json:"query"`
	Embeddings ProviderDescriptor `json:"embeddings_model"`
}

// ── Ingestion responses ──────────────────────────────────────

// IngestAccepted is returned by the asynchronous ingestion endpoints.
// DocumentsAdded is always zero at submit time; clients poll the file
// registry for completion.
type IngestAccepted struct {
	Status         FileStatus `json:"status"`
	FileRegistryID int64      `json:"file_registry_id"`
	FilePath       string     `json:"file_path,omitempty"`
	FileURL        string     `json:"file_url,omitempty"`
	CollectionID   int64      `json:"collection_id"`
	CollectionName string     `json:"collection_name"`
	PluginName     string     `json:"plugin_name"`
	DocumentsAdded int        `json:"documents_added"`
}

// FileContent is the chunk-joined reconstruction of an ingested file.
// Chunks are joined with newlines, so fidelity is approximate for non-text
// source formats.
type FileContent struct {
	FileID           int64     `json:"file_id"`
	OriginalFilename string    `json:"original_filename"`
	Content          string    `json:"content"`
	ContentType      string    `json:"content_type,omitempty"`
	ChunkCount       int       `json:"chunk_count"`
	Timestamp        time.Time `json:"timestamp"`
}

// DeleteSummary reports the best-effort cascade of a delete operation.
type DeleteSummary struct {
	DeletedEmbeddings int      `json:"deleted_embeddings"`
	RemovedFiles      []string `json:"removed_files"`
	Status            string   `json:"status"`
}

// ── Organization configuration ───────────────────────────────

// ProviderConfig is the per-organization configuration of one LLM vendor.
type ProviderConfig struct {
	Endpoint     string   `json:"endpoint,omitempty"`
	APIKey       string   `json:"api_key,omitempty"`
	Models       []string `json:"models,omitempty"`
	DefaultModel string   `json:"default_model,omitempty"`
}

// HasModel reports whether name is in the configured model list.
func (p ProviderConfig) HasModel(name string) bool {
	for _, m := range p.Models {
		if m == name {
			return true
		}
	}
	return false
}

// KnowledgeBaseConfig points an organization at its KB server.
type KnowledgeBaseConfig struct {
	ServerURL string `json:"server_url,omitempty"`
	APIToken  string `json:"api_token,omitempty"`
}

// Setup is one named provider arrangement inside an organization config.
// Every organization carries at least the "default" setup.
type Setup struct {
	Providers     map[string]ProviderConfig `json:"providers"`
	KnowledgeBase KnowledgeBaseConfig       `json:"knowledge_base"`
}

// OrgConfig is the nested organization configuration record. The directory
// owns it; the completion service only reads it.
type OrgConfig struct {
	Setups   map[string]Setup `json:"setups"`
	Features map[string]bool  `json:"features,omitempty"`
}

// Organization is a tenant. The system organization falls back to
// process-wide provider defaults for anything its config omits.
type Organization struct {
	ID     int64     `json:"id"`
	Slug   string    `json:"slug"`
	System bool      `json:"system"`
	Config OrgConfig `json:"config"`
}

// ── Assistants ───────────────────────────────────────────────

// Assistant is the read-only directory record driving a completion request.
type Assistant struct {
	ID                  int64             `json:"id"`
	Owner               string            `json:"owner"`
	Name                string            `json:"name"`
	SystemPrompt        string            `json:"system_prompt,omitempty"`
	PromptTemplate      string            `json:"prompt_template,omitempty"`
	RAGProcessorName    string            `json:"rag_processor_name"`
	PromptProcessorName string            `json:"prompt_processor_name"`
	ConnectorName       string            `json:"connector_name"`
	LLMName             string            `json:"llm_name"`
	RAGCollections      string            `json:"rag_collections,omitempty"`
	RAGTopK             int               `json:"rag_top_k,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// RAGCollectionIDs splits the comma-separated collection list.
func (a Assistant) RAGCollectionIDs() []string {
	if strings.TrimSpace(a.RAGCollections) == "" {
		return nil
	}
	parts := strings.Split(a.RAGCollections, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// ── Chat completion wire schema (OpenAI-compatible) ──────────

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest accepts either messages, a bare prompt, or a prompt
// nested under params.
type ChatCompletionRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
	Params   *RequestParams `json:"params,omitempty"`
	Stream   bool           `json:"stream,omitempty"`
}

// RequestParams carries the legacy nested prompt form.
type RequestParams struct {
	Prompt string `json:"prompt,omitempty"`
}

// EffectiveMessages normalizes the three accepted input forms to a message
// list. Returns nil when the request carries no usable input.
func (r ChatCompletionRequest) EffectiveMessages() []ChatMessage {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	prompt := r.Prompt
	if prompt == "" && r.Params != nil {
		prompt = r.Params.Prompt
	}
	if prompt == "" {
		return nil
	}
	return []ChatMessage{{Role: "user", Content: prompt}}
}

// LastUserMessage returns the content of the final user turn.
func LastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// ChunkDelta is the incremental payload of a streaming choice.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice inside a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is the normalized streaming frame. Every connector
// emits this shape regardless of the upstream provider.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChatChoice is one choice of a buffered completion.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage is the token accounting block.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the buffered (non-streaming) completion.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ModelInfo is one entry of the OpenAI-compatible model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-compatible model listing envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// AssistantModelPrefix namespaces assistants in the model listing.
const AssistantModelPrefix = "lamb_assistant."
