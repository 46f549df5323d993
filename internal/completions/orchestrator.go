package completions

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lamb-project/lamb-kb-server/internal/directory"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/orgconfig"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// NoRAGProcessor is the rag_processor_name that skips retrieval entirely.
const NoRAGProcessor = "no_rag"

// Orchestrator runs one completion request end to end: assistant lookup,
// organization config resolution, RAG fan-out, prompt processing, and the
// connector call.
type Orchestrator struct {
	dir        directory.Directory
	resolver   *orgconfig.Resolver
	connectors Connectors
	kb         KBQuerier
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(dir directory.Directory, resolver *orgconfig.Resolver, connectors Connectors, kb KBQuerier) *Orchestrator {
	return &Orchestrator{dir: dir, resolver: resolver, connectors: connectors, kb: kb}
}

// Run executes a completion for the given assistant. Exactly one of the two
// results is populated, mirroring the Connector contract.
func (o *Orchestrator) Run(ctx context.Context, assistantID int64, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, <-chan models.ChatCompletionChunk, error) {
	messages := req.EffectiveMessages()
	if len(messages) == 0 {
		return nil, nil, kberr.New(kberr.BadInput, "request carries no messages or prompt")
	}

	assistant, err := o.dir.Assistant(ctx, assistantID)
	if err != nil {
		return nil, nil, err
	}

	resolved, err := o.resolver.Resolve(ctx, assistant.Owner, "")
	if err != nil {
		return nil, nil, err
	}

	rag := o.retrieve(ctx, assistant, resolved, models.LastUserMessage(messages))
	if len(rag.FailedCollections) > 0 && len(rag.Documents) == 0 && len(assistant.RAGCollectionIDs()) > 0 &&
		assistant.RAGProcessorName != NoRAGProcessor {
		return nil, nil, kberr.New(kberr.StorageError, "all %d knowledge collections failed", len(rag.FailedCollections))
	}

	processor, err := lookupProcessor(assistant.PromptProcessorName)
	if err != nil {
		return nil, nil, err
	}
	messages = processor(messages, assistant, rag)

	connector, err := o.connectors.Get(assistant.ConnectorName)
	if err != nil {
		return nil, nil, err
	}

	// The bypass connector needs no provider config; everything else
	// resolves the vendor matching the connector name.
	var provider models.ProviderConfig
	model := assistant.LLMName
	if connector.Name() != "bypass" {
		provider, err = resolved.Provider(connector.Name())
		if err != nil {
			return nil, nil, err
		}
		model, err = resolveModel(assistant.LLMName, provider)
		if err != nil {
			return nil, nil, err
		}
	}

	log.Info().Int64("assistant", assistant.ID).Str("connector", connector.Name()).
		Str("model", model).Bool("stream", req.Stream).Int("rag_documents", len(rag.Documents)).
		Msg("dispatching completion")

	return connector.Chat(ctx, Request{
		Messages: messages,
		Model:    model,
		Provider: provider,
		Stream:   req.Stream,
	})
}

// retrieve fans out over the assistant's collections in parallel and merges
// the hits. Individual collection failures are recorded, not fatal.
func (o *Orchestrator) retrieve(ctx context.Context, assistant models.Assistant, resolved orgconfig.Resolved, queryText string) RAGContext {
	var rag RAGContext
	if assistant.RAGProcessorName == NoRAGProcessor || queryText == "" {
		return rag
	}
	ids := assistant.RAGCollectionIDs()
	if len(ids) == 0 {
		return rag
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			resp, err := o.kb.Query(gctx, resolved.KnowledgeBase, id, queryText, assistant.RAGTopK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("collection", id).Msg("knowledge collection query failed")
				rag.FailedCollections = append(rag.FailedCollections, id)
				return nil
			}
			for _, hit := range resp.Results {
				doc := RAGDocument{
					Collection: id,
					Content:    hit.Data,
					Similarity: hit.Similarity,
				}
				if src := hit.Metadata[models.MetaSource]; src != "" {
					doc.Source = src
					rag.Citations = appendUnique(rag.Citations, src)
				}
				rag.Documents = append(rag.Documents, doc)
			}
			return nil
		})
	}
	g.Wait()
	return rag
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
