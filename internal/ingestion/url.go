package ingestion

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// fetchTimeout bounds one page download.
const fetchTimeout = 30 * time.Second

// maxFetchBytes caps a fetched page body.
const maxFetchBytes = 10 << 20

// urlIngest fetches web pages, converts them to Markdown, and chunks them.
type urlIngest struct {
	client *http.Client
}

func newURLIngest() *urlIngest {
	return &urlIngest{client: &http.Client{Timeout: fetchTimeout}}
}

func (p *urlIngest) Name() string { return "url_ingest" }
func (p *urlIngest) Kind() Kind   { return KindRemote }

func (p *urlIngest) Description() string {
	return "Fetch one or more URLs, convert to Markdown, and chunk the result"
}

func (p *urlIngest) SupportedFileTypes() []string { return nil }

func (p *urlIngest) Parameters() []Parameter {
	return append([]Parameter{
		{Name: "urls", Type: "array", Description: "URLs to fetch", Required: true},
	}, chunkingParameters()...)
}

func (p *urlIngest) Ingest(ctx context.Context, _ string, params map[string]any) ([]models.ChunkInput, error) {
	urls := paramStrList(params, "urls")
	if len(urls) == 0 {
		return nil, kberr.New(kberr.BadInput, "urls parameter is required")
	}

	var all []models.ChunkInput
	for _, url := range urls {
		chunks, err := p.ingestOne(ctx, url, params)
		if err != nil {
			return nil, err
		}
		all = append(all, chunks...)
	}
	return all, nil
}

func (p *urlIngest) ingestOne(ctx context.Context, url string, params map[string]any) ([]models.ChunkInput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, kberr.Wrap(kberr.BadInput, err, "invalid URL %s", url)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, kberr.Wrap(kberr.PluginError, err, "fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, kberr.New(kberr.PluginError, "fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, kberr.Wrap(kberr.PluginError, err, "read %s", url)
	}

	text := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "html") || looksLikeHTML(text) {
		if md, err := htmlToMarkdown(text); err == nil {
			text = md
		}
	}
	if strings.TrimSpace(text) == "" {
		log.Warn().Str("url", url).Msg("page yielded no text content")
		return nil, nil
	}

	chunks, err := chunkText(text, params)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Metadata[models.MetaSource] = url
	}
	return chunks, nil
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s[:min(len(s), 512)])
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}
