// Package embeddings builds batch embedding clients from provider
// descriptors. A collection's descriptor is resolved once at creation time
// ("default" fields substituted from process configuration) and persisted;
// every later ingest and query rebuilds the client from the stored record.
package embeddings

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// Resolve substitutes "default" descriptor fields from process configuration.
// A field resolving to an empty default is a ConfigError: descriptors are
// persisted and must stay usable without the environment they were created in.
func Resolve(d models.ProviderDescriptor, defaults config.EmbeddingsConfig) (models.ProviderDescriptor, error) {
	sub := func(field, current, fallback string) (string, error) {
		if current != models.DefaultSentinel {
			return current, nil
		}
		if fallback == "" {
			return "", kberr.New(kberr.ConfigError, "no default configured for embeddings %s", field)
		}
		return fallback, nil
	}

	var err error
	if d.Vendor, err = sub("vendor", d.Vendor, defaults.Vendor); err != nil {
		return d, err
	}
	if d.Model, err = sub("model", d.Model, defaults.Model); err != nil {
		return d, err
	}
	if d.Endpoint == models.DefaultSentinel {
		d.Endpoint = defaults.Endpoint
	}
	if d.APIKey == models.DefaultSentinel {
		d.APIKey = defaults.APIKey
	}
	return d, nil
}

// New builds an embedder for a fully resolved descriptor.
func New(d models.ProviderDescriptor) (vectorstore.Embedder, error) {
	switch d.Vendor {
	case models.VendorOpenAI:
		return newOpenAI(d), nil
	case models.VendorOllama, models.VendorLocal:
		// "local" points at an Ollama-compatible endpoint on this host.
		return newOllama(d), nil
	default:
		return nil, kberr.New(kberr.ConfigError, "unknown embeddings vendor %q", d.Vendor)
	}
}

// Validate embeds a sentinel string to prove the provider is reachable and
// the model exists before a collection is committed.
func Validate(ctx context.Context, embed vectorstore.Embedder) error {
	vecs, err := embed.Embed(ctx, []string{"connection test"})
	if err != nil {
		return err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return kberr.New(kberr.EmbeddingError, "provider %s returned an empty vector", embed.Vendor())
	}
	return nil
}

// retryNotify wraps an embedding call with exponential backoff on transient
// failures. Permanent failures (4xx) are surfaced immediately.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, policy)
}

// maxErrBody caps provider error bodies carried in error messages.
const maxErrBody = 512

func truncate(b []byte) string {
	if len(b) > maxErrBody {
		return string(b[:maxErrBody]) + "..."
	}
	return string(b)
}

// providerTimeout bounds one embedding HTTP round trip.
const providerTimeout = 60 * time.Second
