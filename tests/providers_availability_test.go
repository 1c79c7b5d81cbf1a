package tests

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/pkg/assets"
	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/provider"
)

const presetProbeTimeout = 12 * time.Second

func loadPresets(t *testing.T) []assets.PopularProvider {
	t.Helper()
	presets, err := assets.LoadPopularProviders()
	if err != nil {
		t.Fatalf("load popular providers: %v", err)
	}
	if len(presets) == 0 {
		t.Fatal("expected at least one popular provider")
	}
	return presets
}

func presetClient(p assets.PopularProvider, apiKey string) *provider.Client {
	return provider.NewClient(config.ProviderConfig{
		Name:           p.Name,
		BaseURL:        strings.TrimSpace(p.BaseURL),
		APIKey:         apiKey,
		TimeoutSeconds: int(presetProbeTimeout / time.Second),
	})
}

func TestPopularProviderPresetsComplete(t *testing.T) {
	for _, p := range loadPresets(t) {
		switch {
		case p.Name == "":
			t.Fatalf("preset has empty name: %+v", p)
		case strings.TrimSpace(p.BaseURL) == "":
			t.Fatalf("preset %q has no base_url", p.Name)
		case strings.TrimSpace(p.DisplayName) == "":
			t.Fatalf("preset %q has no display_name", p.Name)
		}
	}
}

func TestPopularProvidersAvailability(t *testing.T) {
	for _, p := range loadPresets(t) {
		t.Run(p.Name, func(t *testing.T) {
			t.Parallel()
			base := strings.TrimSpace(p.BaseURL)
			if base == "" {
				t.Skip("preset has no base URL")
			}
			if strings.Contains(base, "localhost") || strings.Contains(base, "127.0.0.1") {
				t.Skipf("local-only preset (%s)", base)
			}

			t.Run("reachable", func(t *testing.T) {
				ctx, cancel := context.WithTimeout(context.Background(), presetProbeTimeout)
				defer cancel()
				_, err := presetClient(p, "").ListModels(ctx)
				switch {
				case err == nil:
				case provider.IsAuthError(err), provider.IsRateLimited(err):
					// Endpoint answered; credentials are a separate concern.
				default:
					t.Fatalf("provider unreachable (%s): %v", base, err)
				}
			})

			t.Run("models", func(t *testing.T) {
				key := strings.TrimSpace(os.Getenv(p.APIKeyEnv))
				ctx, cancel := context.WithTimeout(context.Background(), presetProbeTimeout)
				defer cancel()
				models, err := presetClient(p, key).ListModels(ctx)
				if provider.IsAuthError(err) {
					t.Skipf("set %s to list %s models", p.APIKeyEnv, p.Name)
				}
				if provider.IsRateLimited(err) {
					t.Skipf("%s rate limited the probe", p.Name)
				}
				if err != nil {
					t.Fatalf("list models (%s): %v", base, err)
				}
				if len(models) == 0 {
					t.Fatalf("no models returned from %s", p.Name)
				}
				ids := make([]string, 0, len(models))
				for _, m := range models {
					ids = append(ids, m.ID)
				}
				t.Logf("models for %s (%d): %s", p.Name, len(ids), strings.Join(ids, ", "))
			})
		})
	}
}
