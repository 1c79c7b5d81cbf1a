package proxy

import (
	"html/template"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/modelrelay/modelrelay/pkg/assets"
	"github.com/modelrelay/modelrelay/pkg/config"
)

var getTemplates = sync.OnceValues(func() (*template.Template, error) {
	return assets.ParseTemplates()
})

var getPopularProviders = sync.OnceValues(func() ([]assets.PopularProvider, error) {
	providers, err := assets.LoadPopularProviders()
	if err != nil {
		log.Error("failed to load embedded popular providers", "error", err)
	}
	return providers, err
})

// applyPresetDefaults fills in connection details from a matching popular
// provider preset, so the admin panel can add a known provider with just a
// name and an API key.
func applyPresetDefaults(p config.ProviderConfig) config.ProviderConfig {
	popular, err := getPopularProviders()
	if err != nil {
		return p
	}
	want := strings.TrimSpace(p.ProviderType)
	if want == "" {
		want = strings.TrimSpace(p.Name)
	}
	for _, preset := range popular {
		if preset.Name != want {
			continue
		}
		defaults := preset.AsProviderConfig()
		if strings.TrimSpace(p.BaseURL) == "" {
			p.BaseURL = defaults.BaseURL
		}
		if strings.TrimSpace(p.ProviderType) == "" {
			p.ProviderType = defaults.ProviderType
		}
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = defaults.TimeoutSeconds
		}
		break
	}
	return p
}
