// Package orgconfig resolves per-organization provider and knowledge-base
// configuration for completion requests. The system tenant falls back to
// process-wide defaults for anything its config omits.
package orgconfig

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/directory"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// DefaultSetup is the setup every organization carries.
const DefaultSetup = "default"

// Resolved is the effective configuration for one (owner, setup) pair.
type Resolved struct {
	Organization  string
	Providers     map[string]models.ProviderConfig
	KnowledgeBase models.KnowledgeBaseConfig
	Features      map[string]bool
}

// Provider returns the named vendor's config, or a ConfigError.
func (r Resolved) Provider(vendor string) (models.ProviderConfig, error) {
	p, ok := r.Providers[vendor]
	if !ok {
		return p, kberr.New(kberr.ConfigError, "provider %q not configured for organization %q", vendor, r.Organization)
	}
	return p, nil
}

// Resolver builds Resolved views from the directory plus process defaults.
type Resolver struct {
	dir      directory.Directory
	defaults defaultsView
}

// defaultsView is the system-tenant fallback derived from process env.
type defaultsView struct {
	providers map[string]models.ProviderConfig
	kb        models.KnowledgeBaseConfig
}

// NewResolver wires the resolver. Process provider defaults apply only to
// the system organization.
func NewResolver(dir directory.Directory, providers config.ProvidersConfig, kb config.KBClientConfig) *Resolver {
	defaults := defaultsView{
		providers: map[string]models.ProviderConfig{},
		kb:        models.KnowledgeBaseConfig{ServerURL: kb.URL, APIToken: kb.Token},
	}
	if providers.OpenAI.Endpoint != "" {
		defaults.providers["openai"] = models.ProviderConfig{
			Endpoint:     providers.OpenAI.Endpoint,
			APIKey:       providers.OpenAI.APIKey,
			Models:       providers.OpenAI.Models,
			DefaultModel: providers.OpenAI.DefaultModel,
		}
	}
	if providers.Ollama.Endpoint != "" {
		defaults.providers["ollama"] = models.ProviderConfig{
			Endpoint:     providers.Ollama.Endpoint,
			Models:       providers.Ollama.Models,
			DefaultModel: providers.Ollama.DefaultModel,
		}
	}
	return &Resolver{dir: dir, defaults: defaults}
}

// Resolve looks up owner → organization → setup and merges in system
// defaults where applicable. Results are built per call; callers cache for
// the lifetime of one request only.
func (r *Resolver) Resolve(ctx context.Context, owner, setup string) (Resolved, error) {
	if setup == "" {
		setup = DefaultSetup
	}

	org, err := r.dir.OrganizationForOwner(ctx, owner)
	if err != nil {
		return Resolved{}, err
	}

	out := Resolved{
		Organization: org.Slug,
		Providers:    map[string]models.ProviderConfig{},
		Features:     org.Config.Features,
	}

	s, ok := org.Config.Setups[setup]
	if !ok && setup != DefaultSetup {
		// Unknown named setup falls back to the default one.
		log.Warn().Str("organization", org.Slug).Str("setup", setup).
			Msg("setup not found, using default")
		s = org.Config.Setups[DefaultSetup]
	}
	for vendor, p := range s.Providers {
		out.Providers[vendor] = p
	}
	out.KnowledgeBase = s.KnowledgeBase

	// The system tenant inherits process defaults for anything missing.
	if org.System {
		for vendor, p := range r.defaults.providers {
			if _, ok := out.Providers[vendor]; !ok {
				out.Providers[vendor] = p
			}
		}
		if out.KnowledgeBase.ServerURL == "" {
			out.KnowledgeBase = r.defaults.kb
		}
	}
	return out, nil
}

// Reload refreshes the backing directory; the next Resolve sees the new
// state.
func (r *Resolver) Reload(ctx context.Context) error {
	return r.dir.Reload(ctx)
}
