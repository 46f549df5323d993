package ingestion

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// markitdownIngest converts documents (PDF, Office, HTML) to Markdown before
// chunking, and writes an HTML rendering next to the source for preview.
type markitdownIngest struct{}

func newMarkitdownIngest() *markitdownIngest { return &markitdownIngest{} }

func (p *markitdownIngest) Name() string { return "markitdown_ingest" }
func (p *markitdownIngest) Kind() Kind   { return KindFile }

func (p *markitdownIngest) Description() string {
	return "Convert PDF, DOCX, or HTML documents to Markdown and chunk the result"
}

func (p *markitdownIngest) SupportedFileTypes() []string {
	return []string{"pdf", "docx", "html", "htm", "md", "txt"}
}

func (p *markitdownIngest) Parameters() []Parameter { return chunkingParameters() }

func (p *markitdownIngest) Ingest(ctx context.Context, filePath string, params map[string]any) ([]models.ChunkInput, error) {
	markdown, err := toMarkdown(filePath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(markdown) == "" {
		return nil, kberr.New(kberr.PluginError, "no text content extracted from %s", filepath.Base(filePath))
	}

	// Preview rendering next to the source. Failure to write it does not
	// fail the ingestion.
	if err := writePreview(filePath, markdown); err != nil {
		log.Warn().Err(err).Str("path", filePath).Msg("preview rendering failed")
	}

	return chunkText(markdown, params)
}

// toMarkdown dispatches on extension.
func toMarkdown(filePath string) (string, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".pdf":
		return extractPDF(filePath)
	case ".docx":
		return extractDocx(filePath)
	case ".html", ".htm":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", kberr.Wrap(kberr.PluginError, err, "read %s", filePath)
		}
		md, err := htmlToMarkdown(string(data))
		if err != nil {
			return "", kberr.Wrap(kberr.PluginError, err, "parse HTML %s", filePath)
		}
		return md, nil
	case ".md", ".txt":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", kberr.Wrap(kberr.PluginError, err, "read %s", filePath)
		}
		return string(data), nil
	default:
		return "", kberr.New(kberr.BadInput, "unsupported file type %q", filepath.Ext(filePath))
	}
}

// extractPDF pulls plain text page by page.
func extractPDF(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", kberr.Wrap(kberr.PluginError, err, "open %s", filePath)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", kberr.Wrap(kberr.PluginError, err, "stat %s", filePath)
	}
	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", kberr.Wrap(kberr.PluginError, err, "open PDF %s", filePath)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", kberr.Wrap(kberr.PluginError, err, "extract text from page %d", i)
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// docx XML shapes: paragraphs hold runs hold text nodes.
type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Texts []string `xml:"t"`
	} `xml:"r"`
}

// extractDocx reads word/document.xml out of the archive and joins paragraph
// text with blank lines.
func extractDocx(filePath string) (string, error) {
	archive, err := zip.OpenReader(filePath)
	if err != nil {
		return "", kberr.Wrap(kberr.PluginError, err, "open DOCX %s", filePath)
	}
	defer archive.Close()

	for _, f := range archive.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", kberr.Wrap(kberr.PluginError, err, "open document.xml")
		}
		defer rc.Close()

		var doc docxDocument
		if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
			return "", kberr.Wrap(kberr.PluginError, err, "decode document.xml")
		}

		var b strings.Builder
		for _, para := range doc.Body.Paragraphs {
			for _, run := range para.Runs {
				for _, t := range run.Texts {
					b.WriteString(t)
				}
			}
			b.WriteString("\n\n")
		}
		return b.String(), nil
	}
	return "", kberr.New(kberr.PluginError, "no word/document.xml in %s", filepath.Base(filePath))
}

// writePreview renders the extracted Markdown as a minimal HTML page at
// <source>.html.
func writePreview(filePath, markdown string) error {
	page := fmt.Sprintf(
		"<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body><pre>%s</pre></body></html>\n",
		html.EscapeString(filepath.Base(filePath)),
		html.EscapeString(markdown),
	)
	return os.WriteFile(filePath+".html", []byte(page), 0o644)
}
