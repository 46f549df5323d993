// Package ingestion implements the plugin-based document ingestion engine:
// a registry of ingest plugins, the chunking helpers they share, and the
// asynchronous pipeline that moves plugin output into the vector store while
// tracking each job in the file registry.
package ingestion

import (
	"context"
	"sort"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// Kind classifies how a plugin receives its input.
type Kind string

const (
	// KindFile plugins consume an uploaded file on disk.
	KindFile Kind = "file-ingest"
	// KindBase plugins receive only parameters, no upload.
	KindBase Kind = "base-ingest"
	// KindRemote plugins fetch their content themselves (URLs, APIs).
	KindRemote Kind = "remote-ingest"
)

// Parameter describes one plugin parameter for the discovery endpoint.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Plugin turns a source (file path or parameters) into a sequence of chunks.
// Plugins are pure with respect to the stores: they never open the catalog or
// the vector index.
type Plugin interface {
	Name() string
	Kind() Kind
	Description() string
	SupportedFileTypes() []string
	Parameters() []Parameter
	Ingest(ctx context.Context, filePath string, params map[string]any) ([]models.ChunkInput, error)
}

// Metadata is the discovery record served for one plugin.
type Metadata struct {
	Name               string      `json:"name"`
	Kind               Kind        `json:"kind"`
	Description        string      `json:"description"`
	SupportedFileTypes []string    `json:"supported_file_types"`
	Parameters         []Parameter `json:"parameters"`
}

// Registry holds the enabled ingest plugins by name.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry builds a registry from the built-in plugin set, skipping any
// name in disabled.
func NewRegistry(disabled []string) *Registry {
	skip := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		skip[name] = true
	}

	r := &Registry{plugins: map[string]Plugin{}}
	for _, p := range []Plugin{
		newSimpleIngest(),
		newMarkitdownIngest(),
		newURLIngest(),
		newYouTubeIngest(),
		newMockAIIngest(),
	} {
		if !skip[p.Name()] {
			r.plugins[p.Name()] = p
		}
	}
	return r
}

// Get returns the named plugin or a NotFound error.
func (r *Registry) Get(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, kberr.New(kberr.NotFound, "ingestion plugin %q not found", name)
	}
	return p, nil
}

// List returns metadata for every enabled plugin, sorted by name.
func (r *Registry) List() []Metadata {
	out := make([]Metadata, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, Metadata{
			Name:               p.Name(),
			Kind:               p.Kind(),
			Description:        p.Description(),
			SupportedFileTypes: p.SupportedFileTypes(),
			Parameters:         p.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ── Parameter coercion helpers ───────────────────────────────
//
// Plugin params arrive as decoded JSON, so numbers are float64 and lists are
// []any. These helpers normalize with defaults.

func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func paramStr(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramStrList(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
