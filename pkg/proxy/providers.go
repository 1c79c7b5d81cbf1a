package proxy

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/provider"
)

// ProviderResolver maps a requested model to the provider candidates that
// should serve it, in failover order.
type ProviderResolver struct {
	store *config.ServerConfigStore
}

func NewProviderResolver(store *config.ServerConfigStore) *ProviderResolver {
	return &ProviderResolver{store: store}
}

// ListProviders returns the enabled providers in config order with defaults
// applied.
func (r *ProviderResolver) ListProviders() []config.ProviderConfig {
	cfg := r.store.Snapshot()
	out := make([]config.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = 60
		}
		out = append(out, p)
	}
	return out
}

func (r *ProviderResolver) GetProviderByName(name string) (config.ProviderConfig, bool) {
	enabled := r.ListProviders()
	i := slices.IndexFunc(enabled, func(p config.ProviderConfig) bool { return p.Name == name })
	if i < 0 {
		return config.ProviderConfig{}, false
	}
	return enabled[i], true
}

// Resolve picks the single best provider for a model. Most callers want
// ResolveChain; this keeps the primary-candidate shape for catalog lookups.
func (r *ProviderResolver) Resolve(model string) (config.ProviderConfig, string, error) {
	chain, stripped, err := r.ResolveChain(model)
	if err != nil {
		return config.ProviderConfig{}, "", err
	}
	return chain[0], stripped, nil
}

// ResolveChain returns the ordered provider candidates for a model and the
// model ID to send upstream. A "provider/model" request pins the chain to
// that provider alone; unqualified models try the family-preferred provider,
// then the configured default, then the rest in config order.
func (r *ProviderResolver) ResolveChain(model string) ([]config.ProviderConfig, string, error) {
	providers := r.ListProviders()
	if len(providers) == 0 {
		return nil, "", fmt.Errorf("no enabled providers configured")
	}
	normalizedModel := provider.NormalizeModelID(model)
	if name, stripped, ok := provider.SplitModelPrefix(model); ok {
		for _, p := range providers {
			if p.Name == name {
				return []config.ProviderConfig{p}, provider.NormalizeModelID(stripped), nil
			}
		}
	}

	chain := make([]config.ProviderConfig, 0, len(providers))
	seen := make(map[string]struct{}, len(providers))
	appendOnce := func(p config.ProviderConfig) {
		if _, ok := seen[p.Name]; ok {
			return
		}
		seen[p.Name] = struct{}{}
		chain = append(chain, p)
	}

	if preferred := preferredProviderForUnqualifiedModel(normalizedModel, providers); preferred != nil {
		appendOnce(*preferred)
	}
	if defaultName := strings.TrimSpace(r.store.Snapshot().DefaultProvider); defaultName != "" {
		for _, p := range providers {
			if p.Name == defaultName {
				appendOnce(p)
				break
			}
		}
	}
	for _, p := range providers {
		appendOnce(p)
	}
	return chain, normalizedModel, nil
}

// preferredProviderForUnqualifiedModel routes bare model names to the
// provider family they obviously belong to.
func preferredProviderForUnqualifiedModel(model string, providers []config.ProviderConfig) *config.ProviderConfig {
	model = strings.TrimSpace(strings.ToLower(model))
	if model == "" {
		return nil
	}
	var wantType string
	switch {
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o"):
		wantType = "openai"
	case strings.HasPrefix(model, "claude-"):
		wantType = "anthropic"
	case strings.HasPrefix(model, "gemini-"):
		wantType = "google"
	default:
		return nil
	}
	for i := range providers {
		p := providers[i]
		name := strings.ToLower(strings.TrimSpace(p.Name))
		providerType := strings.ToLower(strings.TrimSpace(p.ProviderType))
		if name == wantType || providerType == wantType {
			return &providers[i]
		}
	}
	return nil
}

func providerTypeOrName(p config.ProviderConfig) string {
	if strings.TrimSpace(p.ProviderType) != "" {
		return strings.TrimSpace(p.ProviderType)
	}
	return strings.TrimSpace(p.Name)
}

// DiscoverModels aggregates the model catalogs of every enabled provider.
// Unreachable providers are skipped; the health checker reports them.
func (r *ProviderResolver) DiscoverModels(ctx context.Context) ([]provider.ModelCard, error) {
	models := make([]provider.ModelCard, 0)
	for _, p := range r.ListProviders() {
		cards, err := provider.NewClient(p).ListModels(ctx)
		if err != nil {
			continue
		}
		models = append(models, cards...)
	}
	return models, nil
}
