package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
)

const sampleDirectory = `{
  "users": {"alice@example.test": "acme"},
  "organizations": [
    {"id": 1, "slug": "lamb", "system": true, "config": {"setups": {}}},
    {"id": 2, "slug": "acme", "config": {
      "setups": {"default": {"providers": {"openai": {"endpoint": "https://api.openai.com/v1", "models": ["gpt-4o"]}}, "knowledge_base": {}}}
    }}
  ],
  "assistants": [
    {"id": 10, "owner": "alice@example.test", "name": "helper",
     "rag_processor_name": "simple_rag", "prompt_processor_name": "simple_augment",
     "connector_name": "openai", "llm_name": "gpt-4o", "rag_collections": "1,2"}
  ]
}`

func writeDirectory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenAndLookup(t *testing.T) {
	ctx := context.Background()
	d, err := Open(writeDirectory(t, sampleDirectory))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	a, err := d.Assistant(ctx, 10)
	if err != nil {
		t.Fatalf("Assistant: %v", err)
	}
	if a.Name != "helper" || a.LLMName != "gpt-4o" {
		t.Errorf("assistant = %+v", a)
	}
	if got := a.RAGCollectionIDs(); len(got) != 2 || got[0] != "1" {
		t.Errorf("RAGCollectionIDs = %v", got)
	}

	if _, err := d.Assistant(ctx, 999); !kberr.IsKind(err, kberr.NotFound) {
		t.Errorf("missing assistant err = %v", err)
	}

	org, err := d.OrganizationForOwner(ctx, "alice@example.test")
	if err != nil {
		t.Fatalf("OrganizationForOwner: %v", err)
	}
	if org.Slug != "acme" || org.System {
		t.Errorf("org = %+v", org)
	}
}

func TestUnknownOwnerFallsBackToSystemOrg(t *testing.T) {
	d, err := Open(writeDirectory(t, sampleDirectory))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	org, err := d.OrganizationForOwner(context.Background(), "stranger@example.test")
	if err != nil {
		t.Fatalf("OrganizationForOwner: %v", err)
	}
	if org.Slug != SystemOrgSlug || !org.System {
		t.Errorf("org = %+v, want system org", org)
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	list, err := d.Assistants(context.Background())
	if err != nil {
		t.Fatalf("Assistants: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("assistants = %+v", list)
	}
}

func TestReloadReplacesState(t *testing.T) {
	ctx := context.Background()
	path := writeDirectory(t, sampleDirectory)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	updated := `{"users": {}, "organizations": [], "assistants": [
		{"id": 11, "owner": "x", "name": "second", "rag_processor_name": "no_rag",
		 "prompt_processor_name": "simple_augment", "connector_name": "bypass", "llm_name": "debug"}
	]}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, err := d.Assistant(ctx, 10); !kberr.IsKind(err, kberr.NotFound) {
		t.Error("old assistant survived reload")
	}
	if _, err := d.Assistant(ctx, 11); err != nil {
		t.Errorf("new assistant missing: %v", err)
	}
}

func TestReloadBadJSONKeepsOldState(t *testing.T) {
	ctx := context.Background()
	path := writeDirectory(t, sampleDirectory)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	os.WriteFile(path, []byte("{nope"), 0o644)
	if err := d.Reload(ctx); !kberr.IsKind(err, kberr.BadInput) {
		t.Fatalf("Reload err = %v, want BadInput", err)
	}
	if _, err := d.Assistant(ctx, 10); err != nil {
		t.Errorf("state lost after failed reload: %v", err)
	}
}
