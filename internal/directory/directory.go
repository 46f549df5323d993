// Package directory is the read-only lookup of users, organizations, and
// assistants that drives the completion service. It is externally owned;
// this implementation loads a JSON snapshot from disk and can reload it on
// demand.
package directory

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// SystemOrgSlug names the tenant that falls back to process-wide provider
// defaults.
const SystemOrgSlug = "lamb"

// Directory answers assistant and organization lookups.
type Directory interface {
	Assistant(ctx context.Context, id int64) (models.Assistant, error)
	Assistants(ctx context.Context) ([]models.Assistant, error)
	OrganizationForOwner(ctx context.Context, owner string) (models.Organization, error)
	Reload(ctx context.Context) error
}

// snapshot is the JSON file layout.
type snapshot struct {
	// Users maps owner email/slug to organization slug.
	Users         map[string]string     `json:"users"`
	Organizations []models.Organization `json:"organizations"`
	Assistants    []models.Assistant    `json:"assistants"`
}

// FileDirectory is a JSON-file backed Directory.
type FileDirectory struct {
	path string

	mu         sync.RWMutex
	users      map[string]string
	orgs       map[string]models.Organization
	assistants map[int64]models.Assistant
}

// Open loads the directory file. A missing file yields an empty directory
// so the service can start before provisioning.
func Open(path string) (*FileDirectory, error) {
	d := &FileDirectory{
		path:       path,
		users:      map[string]string{},
		orgs:       map[string]models.Organization{},
		assistants: map[int64]models.Assistant{},
	}
	if err := d.Reload(context.Background()); err != nil {
		if !kberr.IsKind(err, kberr.NotFound) {
			return nil, err
		}
		log.Warn().Str("path", path).Msg("directory file missing, starting empty")
	}
	return d, nil
}

// Reload replaces the in-memory state from the backing file atomically.
func (d *FileDirectory) Reload(ctx context.Context) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return kberr.New(kberr.NotFound, "directory file %s not found", d.path)
		}
		return kberr.Wrap(kberr.StorageError, err, "read directory file")
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return kberr.Wrap(kberr.BadInput, err, "parse directory file")
	}

	users := make(map[string]string, len(snap.Users))
	for owner, slug := range snap.Users {
		users[owner] = slug
	}
	orgs := make(map[string]models.Organization, len(snap.Organizations))
	for _, org := range snap.Organizations {
		orgs[org.Slug] = org
	}
	assistants := make(map[int64]models.Assistant, len(snap.Assistants))
	for _, a := range snap.Assistants {
		assistants[a.ID] = a
	}

	d.mu.Lock()
	d.users, d.orgs, d.assistants = users, orgs, assistants
	d.mu.Unlock()

	log.Info().
		Int("users", len(users)).
		Int("organizations", len(orgs)).
		Int("assistants", len(assistants)).
		Msg("directory loaded")
	return nil
}

func (d *FileDirectory) Assistant(_ context.Context, id int64) (models.Assistant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.assistants[id]
	if !ok {
		return models.Assistant{}, kberr.New(kberr.NotFound, "assistant %d not found", id)
	}
	return a, nil
}

func (d *FileDirectory) Assistants(context.Context) ([]models.Assistant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Assistant, 0, len(d.assistants))
	for _, a := range d.assistants {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OrganizationForOwner follows owner → organization. Owners missing from the
// user table belong to the system organization.
func (d *FileDirectory) OrganizationForOwner(_ context.Context, owner string) (models.Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	slug, ok := d.users[owner]
	if !ok {
		slug = SystemOrgSlug
	}
	org, ok := d.orgs[slug]
	if !ok {
		if slug == SystemOrgSlug {
			// The system org always exists, even with an empty config.
			return models.Organization{Slug: SystemOrgSlug, System: true}, nil
		}
		return models.Organization{}, kberr.New(kberr.NotFound, "organization %q not found", slug)
	}
	return org, nil
}
