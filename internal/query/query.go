// Package query resolves similarity queries against a collection using the
// embedding function recorded on the collection, never process defaults.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/catalog"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// Defaults of the simple_query plugin.
const (
	DefaultTopK      = 5
	DefaultThreshold = 0.0
)

// Parameter describes one query plugin parameter for discovery.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

// Plugin executes a similarity search strategy over an open vector
// collection.
type Plugin interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Query(ctx context.Context, col vectorstore.Collection, queryText string, topK int, threshold float64, params map[string]any) ([]models.QueryResult, error)
}

// Metadata is the discovery record for one query plugin.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// Service validates requests, opens the collection's vector handle, and runs
// the named plugin with timing.
type Service struct {
	catalog *catalog.Service
	plugins map[string]Plugin
}

// NewService wires the query service with the built-in plugin set.
func NewService(catalogSvc *catalog.Service) *Service {
	s := &Service{catalog: catalogSvc, plugins: map[string]Plugin{}}
	s.plugins["simple_query"] = &simpleQuery{}
	return s
}

// Plugins lists available query plugins, sorted by name.
func (s *Service) Plugins() []Metadata {
	out := make([]Metadata, 0, len(s.plugins))
	for _, p := range s.plugins {
		out = append(out, Metadata{Name: p.Name(), Description: p.Description(), Parameters: p.Parameters()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Request is one query invocation.
type Request struct {
	QueryText    string         `json:"query_text" validate:"required"`
	TopK         *int           `json:"top_k"`
	Threshold    *float64       `json:"threshold"`
	PluginName   string         `json:"-"`
	PluginParams map[string]any `json:"plugin_params"`
}

// Query runs a similarity search against one collection.
func (s *Service) Query(ctx context.Context, collectionID int64, req Request) (models.QueryResponse, error) {
	var resp models.QueryResponse

	if strings.TrimSpace(req.QueryText) == "" {
		return resp, kberr.New(kberr.BadInput, "query_text must not be empty")
	}

	pluginName := req.PluginName
	if pluginName == "" {
		pluginName = "simple_query"
	}
	plugin, ok := s.plugins[pluginName]
	if !ok {
		return resp, kberr.New(kberr.NotFound, "query plugin %q not found", pluginName)
	}

	topK := DefaultTopK
	if req.TopK != nil {
		if *req.TopK < 0 {
			return resp, kberr.New(kberr.BadInput, "top_k must not be negative")
		}
		topK = *req.TopK
	}
	threshold := DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	col, err := s.catalog.Get(ctx, collectionID)
	if err != nil {
		return resp, err
	}
	vcol, embed, err := s.catalog.OpenVectorCollection(ctx, col)
	if err != nil {
		return resp, err
	}

	start := time.Now()
	results, err := plugin.Query(ctx, vcol, req.QueryText, topK, threshold, req.PluginParams)
	elapsed := time.Since(start)
	if err != nil {
		return resp, err
	}

	log.Debug().
		Int64("collection_id", collectionID).
		Str("plugin", pluginName).
		Int("results", len(results)).
		Dur("elapsed", elapsed).
		Msg("query executed")

	return models.QueryResponse{
		Results: results,
		Count:   len(results),
		Timing: models.QueryTiming{
			TotalSeconds: elapsed.Seconds(),
			TotalMS:      elapsed.Milliseconds(),
		},
		Query:      req.QueryText,
		Embeddings: models.ProviderDescriptor{Vendor: embed.Vendor(), Model: embed.Model()},
	}, nil
}

// ── simple_query ─────────────────────────────────────────────

// simpleQuery is plain nearest-neighbor search with a similarity floor.
type simpleQuery struct{}

func (p *simpleQuery) Name() string { return "simple_query" }

func (p *simpleQuery) Description() string {
	return "Nearest-neighbor search with similarity threshold"
}

func (p *simpleQuery) Parameters() []Parameter {
	return []Parameter{
		{Name: "top_k", Type: "integer", Description: "Maximum results", Default: DefaultTopK},
		{Name: "threshold", Type: "number", Description: "Minimum similarity in [0,1]", Default: DefaultThreshold},
	}
}

func (p *simpleQuery) Query(ctx context.Context, col vectorstore.Collection, queryText string, topK int, threshold float64, _ map[string]any) ([]models.QueryResult, error) {
	if topK == 0 {
		return []models.QueryResult{}, nil
	}
	hits, err := col.Query(ctx, queryText, topK)
	if err != nil {
		return nil, err
	}

	results := make([]models.QueryResult, 0, len(hits))
	for _, h := range hits {
		similarity := 1 - h.Distance
		if similarity < threshold {
			continue
		}
		results = append(results, models.QueryResult{
			Similarity: similarity,
			Data:       h.Text,
			Metadata:   h.Metadata,
		})
	}

	// Descending similarity; equal scores break toward the lower store id.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return chunkIDLess(results[i].Metadata[models.MetaDocumentID], results[j].Metadata[models.MetaDocumentID])
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// chunkIDLess orders deterministic chunk ids by their numeric (file, index)
// pair, so file2_chunk9 comes before file2_chunk10. Ids that do not parse
// fall back to string order.
func chunkIDLess(a, b string) bool {
	afile, aidx, aok := catalog.ParseChunkID(a)
	bfile, bidx, bok := catalog.ParseChunkID(b)
	if aok && bok {
		if afile != bfile {
			return afile < bfile
		}
		return aidx < bidx
	}
	return a < b
}
