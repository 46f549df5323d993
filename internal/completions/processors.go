package completions

import (
	"encoding/json"
	"strings"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// RAGDocument is one retrieved chunk handed to the prompt processor.
type RAGDocument struct {
	Collection string  `json:"collection"`
	Content    string  `json:"content"`
	Source     string  `json:"source,omitempty"`
	Similarity float64 `json:"similarity"`
}

// RAGContext is the merged retrieval result across an assistant's
// collections. FailedCollections records per-collection errors; a request
// only fails outright when every collection failed.
type RAGContext struct {
	Documents         []RAGDocument `json:"documents"`
	Citations         []string      `json:"citations,omitempty"`
	FailedCollections []string      `json:"failed_collections,omitempty"`
}

// JSON renders the context for template substitution. An empty context
// renders as the empty string, not "{}".
func (c RAGContext) JSON() string {
	if len(c.Documents) == 0 {
		return ""
	}
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}

// PromptProcessor rewrites the conversation before it reaches the
// connector.
type PromptProcessor func(messages []models.ChatMessage, assistant models.Assistant, rag RAGContext) []models.ChatMessage

// promptProcessors maps assistant.prompt_processor_name to behavior.
var promptProcessors = map[string]PromptProcessor{
	"simple_augment": simpleAugment,
}

// lookupProcessor resolves the named prompt processor. An empty name means
// pass-through.
func lookupProcessor(name string) (PromptProcessor, error) {
	if name == "" {
		return passThrough, nil
	}
	p, ok := promptProcessors[name]
	if !ok {
		return nil, kberr.New(kberr.ConfigError, "unknown prompt processor %q", name)
	}
	return p, nil
}

func passThrough(messages []models.ChatMessage, _ models.Assistant, _ RAGContext) []models.ChatMessage {
	return messages
}

// simpleAugment prepends the assistant's system prompt when set, and when a
// prompt template is set rewrites the last user turn with {user_input} and
// {context} substituted.
func simpleAugment(messages []models.ChatMessage, assistant models.Assistant, rag RAGContext) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(messages)+1)
	if assistant.SystemPrompt != "" {
		out = append(out, models.ChatMessage{Role: "system", Content: assistant.SystemPrompt})
	}
	out = append(out, messages...)

	if assistant.PromptTemplate == "" {
		return out
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != "user" {
			continue
		}
		out[i].Content = renderTemplate(assistant.PromptTemplate, out[i].Content, rag)
		break
	}
	return out
}

func renderTemplate(template, userInput string, rag RAGContext) string {
	return strings.NewReplacer(
		"{user_input}", userInput,
		"{context}", rag.JSON(),
	).Replace(template)
}
