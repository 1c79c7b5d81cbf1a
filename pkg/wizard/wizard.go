// Package wizard drives the interactive first-run setup that writes the
// initial server TOML.
package wizard

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/config"
)

func RunServerWizard(path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("Server configuration wizard")
	cfg.ListenAddr = ask(in, "Listen address", cfg.ListenAddr)

	adminKey := ask(in, "Admin API key (full access, empty to skip)", firstKeyWithRole(cfg.IncomingTokens, config.TokenRoleAdmin))
	inferrerCSV := ask(in, "Inference API keys (comma-separated)", strings.Join(keysWithRole(cfg.IncomingTokens, config.TokenRoleInferrer), ","))
	cfg.IncomingTokens = rebuildTokens(cfg.IncomingTokens, adminKey, splitCSV(inferrerCSV))
	if strings.TrimSpace(adminKey) == "" {
		cfg.AllowLocalhostNoAuth = askBool(in, "No admin key set. Allow unauthenticated admin access from localhost? (y/N)", cfg.AllowLocalhostNoAuth)
	}

	cfg.Monitor.Enabled = askBool(in, "Enable cache anomaly monitor? (Y/n)", cfg.Monitor.Enabled)
	if cfg.Monitor.Enabled {
		cfg.Monitor.DesktopNotifications = askBool(in, "Desktop notifications for monitor alerts? (Y/n)", cfg.Monitor.DesktopNotifications)
	}

	cfg.TLS.Enabled = askBool(in, "Enable Let's Encrypt TLS? (y/N)", cfg.TLS.Enabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(in, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(in, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(in, "ACME cache dir", cfg.TLS.CacheDir)
	}

	countAns := ask(in, "Number of providers to configure", strconv.Itoa(len(cfg.Providers)))
	providerCount, _ := strconv.Atoi(strings.TrimSpace(countAns))
	providers := make([]config.ProviderConfig, 0, max(providerCount, 0))
	for i := range max(providerCount, 0) {
		fmt.Printf("Provider %d\n", i+1)
		p := config.ProviderConfig{Enabled: true, TimeoutSeconds: 60}
		if i < len(cfg.Providers) {
			p = cfg.Providers[i]
		}
		p.Name = ask(in, "  name", p.Name)
		p.BaseURL = ask(in, "  base_url", p.BaseURL)
		p.APIKey = ask(in, "  api_key", p.APIKey)
		p.Enabled = askBool(in, "  enabled (true/false)", p.Enabled)
		if v, err := strconv.Atoi(strings.TrimSpace(ask(in, "  timeout_seconds", strconv.Itoa(p.TimeoutSeconds)))); err == nil && v > 0 {
			p.TimeoutSeconds = v
		}
		providers = append(providers, p)
	}
	cfg.Providers = providers

	// Asked after the provider loop so the answer can be checked against
	// names that actually exist.
	if len(providers) == 0 {
		cfg.DefaultProvider = ""
	} else {
		def := cfg.DefaultProvider
		if !slices.ContainsFunc(providers, func(p config.ProviderConfig) bool { return p.Name == def }) {
			def = providers[0].Name
		}
		cfg.DefaultProvider = ask(in, "Default provider name", def)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

// rebuildTokens maps the wizard answers back onto the token list, keeping
// names, IDs and expiry of keys that already existed.
func rebuildTokens(existing []config.IncomingAPIToken, adminKey string, inferrerKeys []string) []config.IncomingAPIToken {
	byKey := map[string]config.IncomingAPIToken{}
	for _, t := range existing {
		byKey[strings.TrimSpace(t.Key)] = t
	}
	out := make([]config.IncomingAPIToken, 0, 1+len(inferrerKeys))
	adminKey = strings.TrimSpace(adminKey)
	if adminKey != "" {
		tok, ok := byKey[adminKey]
		if !ok {
			tok = config.IncomingAPIToken{Name: "Admin", Key: adminKey}
		}
		tok.Role = config.TokenRoleAdmin
		out = append(out, tok)
	}
	for _, key := range inferrerKeys {
		if key == adminKey {
			continue
		}
		tok, ok := byKey[key]
		if !ok {
			tok = config.IncomingAPIToken{Key: key}
		}
		tok.Role = config.TokenRoleInferrer
		out = append(out, tok)
	}
	return out
}

func firstKeyWithRole(tokens []config.IncomingAPIToken, role string) string {
	i := slices.IndexFunc(tokens, func(t config.IncomingAPIToken) bool {
		return config.NormalizeIncomingTokenRole(t.Role) == role
	})
	if i < 0 {
		return ""
	}
	return tokens[i].Key
}

func keysWithRole(tokens []config.IncomingAPIToken, role string) []string {
	keys := []string{}
	for _, t := range tokens {
		if config.NormalizeIncomingTokenRole(t.Role) == role {
			keys = append(keys, t.Key)
		}
	}
	return keys
}

func ask(in *bufio.Scanner, label, def string) string {
	prompt := label + ": "
	if def != "" {
		prompt = fmt.Sprintf("%s [%s]: ", label, def)
	}
	fmt.Print(prompt)
	if !in.Scan() {
		return def
	}
	if txt := strings.TrimSpace(in.Text()); txt != "" {
		return txt
	}
	return def
}

func askBool(in *bufio.Scanner, label string, def bool) bool {
	return yes(ask(in, label, strconv.FormatBool(def)))
}

func yes(v string) bool {
	return slices.Contains([]string{"y", "yes", "true"}, strings.ToLower(strings.TrimSpace(v)))
}

func splitCSV(v string) []string {
	out := []string{}
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" && !slices.Contains(out, part) {
			out = append(out, part)
		}
	}
	return out
}
