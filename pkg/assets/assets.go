package assets

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/modelrelay/modelrelay/pkg/config"
)

//go:embed files/templates/*.html files/popular-providers.json
var FS embed.FS

// PopularProvider is a curated provider preset shipped with the binary. The
// embedded ProviderConfig carries the connection defaults; the rest is
// display metadata for the admin panel.
type PopularProvider struct {
	config.ProviderConfig
	DisplayName     string `json:"display_name"`
	DocsURL         string `json:"docs_url"`
	APIKeyEnv       string `json:"api_key_env"`
	Compatibility   string `json:"compatibility"`
	FreeTierWithKey bool   `json:"free_tier_with_key,omitempty"`
	TrialCredits    bool   `json:"trial_credits,omitempty"`
	GetAPIKeyURL    string `json:"get_api_key_url,omitempty"`
	BaseURLHint     string `json:"base_url_hint,omitempty"`
	SourceURL       string `json:"source_url,omitempty"`
}

// AsProviderConfig turns the preset into a config entry ready to save, with
// the preset name doubling as provider type and a sane default timeout.
func (p PopularProvider) AsProviderConfig() config.ProviderConfig {
	cfg := p.ProviderConfig
	cfg.Enabled = true
	if cfg.ProviderType == "" {
		cfg.ProviderType = cfg.Name
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	return cfg
}

func ParseTemplates() (*template.Template, error) {
	t, err := template.ParseFS(FS, "files/templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return t, nil
}

func LoadPopularProviders() ([]PopularProvider, error) {
	f, err := FS.Open("files/popular-providers.json")
	if err != nil {
		return nil, fmt.Errorf("open popular providers: %w", err)
	}
	defer f.Close()
	var providers []PopularProvider
	if err := json.NewDecoder(f).Decode(&providers); err != nil {
		return nil, fmt.Errorf("decode popular providers: %w", err)
	}
	return providers, nil
}
