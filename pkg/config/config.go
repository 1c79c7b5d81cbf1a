package config

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "modelrelay.toml"

	TokenRoleAdmin     = "admin"
	TokenRoleKeymaster = "keymaster"
	TokenRoleInferrer  = "inferrer"
)

type ProviderConfig struct {
	Name           string `toml:"name" json:"name"`
	ProviderType   string `toml:"provider_type,omitempty" json:"provider_type,omitempty"`
	BaseURL        string `toml:"base_url,omitempty" json:"base_url"`
	APIKey         string `toml:"api_key,omitempty" json:"api_key,omitempty"`
	AuthToken      string `toml:"auth_token,omitempty" json:"auth_token,omitempty"`
	Enabled        bool   `toml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

func (p ProviderConfig) normalized() ProviderConfig {
	p.Name = strings.TrimSpace(p.Name)
	p.ProviderType = strings.TrimSpace(p.ProviderType)
	p.BaseURL = strings.TrimSpace(p.BaseURL)
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.AuthToken = strings.TrimSpace(p.AuthToken)
	if p.ProviderType == "" {
		p.ProviderType = p.Name
	}
	return p
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

// MonitorConfig holds the persisted state of the cache anomaly monitor.
// Enabled is written back whenever the feature is toggled, so the choice
// survives restarts. InputIncludesCacheReads marks CLI families whose
// reported input token count already contains cache reads; for those the
// monitor subtracts cache reads before using input as a denominator.
type MonitorConfig struct {
	Enabled                 bool            `toml:"enabled"`
	DesktopNotifications    bool            `toml:"desktop_notifications"`
	InputIncludesCacheReads map[string]bool `toml:"input_includes_cache_reads,omitempty"`
}

type AlertsConfig struct {
	MaxItems   int `toml:"max_items,omitempty"`
	MaxAgeDays int `toml:"max_age_days,omitempty"`
}

type LogsConfig struct {
	MaxLines int `toml:"max_lines,omitempty"`
}

type IncomingAPIToken struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Role      string `toml:"role,omitempty"`
	Comment   string `toml:"comment,omitempty"`
	Key       string `toml:"key"`
	ExpiresAt string `toml:"expires_at,omitempty"`
	CreatedAt string `toml:"created_at,omitempty"`
}

func (t IncomingAPIToken) trimmed() IncomingAPIToken {
	t.ID = strings.TrimSpace(t.ID)
	t.Name = strings.TrimSpace(t.Name)
	t.Role = NormalizeIncomingTokenRole(t.Role)
	t.Comment = strings.TrimSpace(t.Comment)
	t.Key = strings.TrimSpace(t.Key)
	t.ExpiresAt = strings.TrimSpace(t.ExpiresAt)
	t.CreatedAt = strings.TrimSpace(t.CreatedAt)
	return t
}

// Usable reports whether the token can authenticate at the given time: a
// non-empty key that has not expired. Malformed expiry timestamps count as
// expired.
func (t IncomingAPIToken) Usable(now time.Time) bool {
	if strings.TrimSpace(t.Key) == "" {
		return false
	}
	exp := strings.TrimSpace(t.ExpiresAt)
	if exp == "" {
		return true
	}
	ts, err := time.Parse(time.RFC3339, exp)
	return err == nil && now.Before(ts)
}

type ServerConfig struct {
	ListenAddr                    string             `toml:"listen_addr"`
	HTTPMode                      string             `toml:"http_mode"`
	IncomingTokens                []IncomingAPIToken `toml:"incoming_tokens"`
	AllowLocalhostNoAuth          bool               `toml:"allow_localhost_no_auth"`
	AllowHostDockerInternalNoAuth bool               `toml:"allow_host_docker_internal_no_auth"`
	AutoRemoveExpiredTokens       bool               `toml:"auto_remove_expired_tokens"`
	DefaultProvider               string             `toml:"default_provider"`
	Providers                     []ProviderConfig   `toml:"providers"`
	Monitor                       MonitorConfig      `toml:"monitor"`
	Alerts                        AlertsConfig       `toml:"alerts"`
	Logs                          LogsConfig         `toml:"logs"`
	TLS                           TLSConfig          `toml:"tls"`
}

// ClientConfig is what the relay client CLI stores on disk: where the
// server lives and which key to authenticate with.
type ClientConfig struct {
	ServerURL string `toml:"server_url"`
	APIKey    string `toml:"api_key,omitempty"`
}

// configPath and cachePath fall back to a bare filename in the working
// directory when the home directory cannot be resolved.
func configPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".config", "modelrelay", name)
}

func cachePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".cache", "modelrelay", name)
}

func DefaultServerConfigPath() string { return configPath(defaultConfigFileName) }
func DefaultClientConfigPath() string { return configPath("relay.toml") }
func DefaultUsageStatsPath() string   { return cachePath("usage-stats.json") }
func DefaultStatsBucketsPath() string { return cachePath("stats-buckets.json") }
func DefaultAlertsPath() string       { return cachePath("alerts.json") }
func DefaultLogsPath() string         { return cachePath("logs.json") }
func DefaultModelsCachePath() string  { return cachePath("models-cache.json") }
func DefaultTLSCacheDir() string      { return cachePath("tls-autocert") }

// defaultRelayBaseURL is where the relay client CLI looks for a local
// server when no config says otherwise.
const defaultRelayBaseURL = "http://127.0.0.1:8080/v1"

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:              "127.0.0.1:8080",
		HTTPMode:                "enabled",
		IncomingTokens:          []IncomingAPIToken{},
		Providers:               []ProviderConfig{},
		AutoRemoveExpiredTokens: true,
		Monitor: MonitorConfig{
			Enabled:                 true,
			DesktopNotifications:    true,
			InputIncludesCacheReads: map[string]bool{"claude-code": true},
		},
		Alerts: AlertsConfig{MaxItems: 2000, MaxAgeDays: 30},
		Logs:   LogsConfig{MaxLines: 5000},
		TLS: TLSConfig{
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func HasAdminToken(tokens []IncomingAPIToken) bool {
	now := time.Now().UTC()
	return slices.ContainsFunc(tokens, func(t IncomingAPIToken) bool {
		return NormalizeIncomingTokenRole(t.Role) == TokenRoleAdmin && t.Usable(now)
	})
}

// normalizer is what both config kinds implement so the load helpers can
// clean and check them uniformly.
type normalizer interface {
	Normalize()
	Validate() error
}

// loadInto decodes path into cfg, then normalizes and validates it. With
// create set, a missing file is first written out with cfg's defaults.
func loadInto(path string, cfg normalizer, create bool) error {
	read := load
	if create {
		read = loadOrCreate
	}
	if err := read(path, cfg); err != nil {
		return err
	}
	cfg.Normalize()
	return cfg.Validate()
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadInto(path, cfg, false); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadInto(path, cfg, true); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{ServerURL: defaultRelayBaseURL}
}

func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := loadInto(path, cfg, false); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := loadInto(path, cfg, true); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}
	switch _, err := os.Stat(path); {
	case errors.Is(err, os.ErrNotExist):
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("seed default config: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat config file: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	data, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("marshal toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if b := buf.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// normalizeEnum lowercases v and falls back when it is not an allowed value.
func normalizeEnum(v, fallback string, allowed ...string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if slices.Contains(allowed, v) {
		return v
	}
	return fallback
}

func (c *ServerConfig) Normalize() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.HTTPMode = normalizeEnum(c.HTTPMode, "enabled", "enabled", "when_required", "disabled")
	c.normalizeTLS()
	if c.Monitor.InputIncludesCacheReads == nil {
		c.Monitor.InputIncludesCacheReads = map[string]bool{"claude-code": true}
	}
	if c.Alerts.MaxItems <= 0 {
		c.Alerts.MaxItems = 2000
	}
	if c.Alerts.MaxAgeDays <= 0 {
		c.Alerts.MaxAgeDays = 30
	}
	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 5000
	}
	c.normalizeTokens()
	for i := range c.Providers {
		c.Providers[i] = c.Providers[i].normalized()
	}
	slices.SortStableFunc(c.Providers, func(a, b ProviderConfig) int {
		return strings.Compare(a.Name, b.Name)
	})
}

func (c *ServerConfig) normalizeTLS() {
	t := &c.TLS
	t.Mode = normalizeEnum(t.Mode, "letsencrypt", "letsencrypt", "self_signed", "pem")
	for _, f := range []*string{&t.ListenAddr, &t.Domain, &t.Email, &t.CacheDir, &t.CertPEM, &t.KeyPEM} {
		*f = strings.TrimSpace(*f)
	}
	if t.ListenAddr == "" {
		t.ListenAddr = ":443"
	}
	if t.CacheDir == "" {
		t.CacheDir = DefaultTLSCacheDir()
	}
}

// normalizeTokens trims every token, drops empty keys, deduplicates by key
// and backfills missing IDs and names.
func (c *ServerConfig) normalizeTokens() {
	seen := make(map[string]struct{}, len(c.IncomingTokens))
	tokens := make([]IncomingAPIToken, 0, len(c.IncomingTokens))
	for i, t := range c.IncomingTokens {
		t = t.trimmed()
		if _, dup := seen[t.Key]; dup || t.Key == "" {
			continue
		}
		seen[t.Key] = struct{}{}
		if t.ID == "" {
			t.ID = tokenID(t.Key, i)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("Token %d", len(tokens)+1)
		}
		tokens = append(tokens, t)
	}
	c.IncomingTokens = tokens
}

func (c *ServerConfig) Validate() error {
	if err := c.validateTokens(); err != nil {
		return err
	}
	if err := c.validateTLS(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	return c.validateProviders()
}

func (c *ServerConfig) validateTokens() error {
	ids := make(map[string]struct{}, len(c.IncomingTokens))
	for _, t := range c.IncomingTokens {
		if err := t.validate(); err != nil {
			return err
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("incoming token id %q used twice", t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	return nil
}

func (t IncomingAPIToken) validate() error {
	switch {
	case t.ID == "":
		return errors.New("incoming token id cannot be empty")
	case t.Name == "":
		return fmt.Errorf("incoming token %q name cannot be empty", t.ID)
	case NormalizeIncomingTokenRole(t.Role) == "":
		return fmt.Errorf("incoming token %q has invalid role", t.ID)
	case t.Key == "":
		return fmt.Errorf("incoming token %q key cannot be empty", t.ID)
	}
	for _, ts := range []struct{ field, value string }{
		{"expires_at", t.ExpiresAt},
		{"created_at", t.CreatedAt},
	} {
		if ts.value == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, ts.value); err != nil {
			return fmt.Errorf("incoming token %q has invalid %s (RFC3339 required)", t.ID, ts.field)
		}
	}
	return nil
}

func (c *ServerConfig) validateTLS() error {
	if c.HTTPMode != "enabled" && c.HTTPMode != "when_required" && c.HTTPMode != "disabled" {
		return errors.New("http_mode must be one of enabled, when_required, disabled")
	}
	if !c.TLS.Enabled {
		return nil
	}
	switch c.TLS.Mode {
	case "letsencrypt":
		if c.TLS.Domain == "" {
			return errors.New("tls.domain is required when tls.enabled=true and tls.mode=letsencrypt")
		}
		if c.HTTPMode == "disabled" {
			return errors.New("http_mode cannot be disabled when tls.mode=letsencrypt")
		}
	case "pem":
		if c.TLS.CertPEM == "" || c.TLS.KeyPEM == "" {
			return errors.New("tls.cert_pem and tls.key_pem are required when tls.enabled=true and tls.mode=pem")
		}
	case "self_signed":
	default:
		return errors.New("tls.mode must be one of letsencrypt, self_signed, pem")
	}
	return nil
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo {
		return fmt.Errorf("%s must be >= %d", name, lo)
	}
	if v > hi {
		return fmt.Errorf("%s must be <= %d", name, hi)
	}
	return nil
}

func (c *ServerConfig) validateLimits() error {
	if err := checkRange("alerts.max_items", c.Alerts.MaxItems, 100, 200000); err != nil {
		return err
	}
	if c.Alerts.MaxAgeDays < 1 {
		return errors.New("alerts.max_age_days must be >= 1")
	}
	return checkRange("logs.max_lines", c.Logs.MaxLines, 100, 200000)
}

func (c *ServerConfig) validateProviders() error {
	names := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider name is required")
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("provider %q is defined twice", p.Name)
		}
		names[p.Name] = struct{}{}
	}
	if c.DefaultProvider == "" {
		return nil
	}
	if _, ok := names[c.DefaultProvider]; !ok {
		return fmt.Errorf("default_provider %q not found", c.DefaultProvider)
	}
	return nil
}

func (c *ClientConfig) Normalize() {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.ServerURL == "" {
		c.ServerURL = defaultRelayBaseURL
	}
}

func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	return nil
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string {
	return s.path
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneServerConfig(s.cfg)
}

func (s *ServerConfigStore) Update(mutate func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneServerConfig(s.cfg)
	if err := mutate(&next); err != nil {
		return err
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &next); err != nil {
		return err
	}
	s.cfg = &next
	return nil
}

// Reload replaces the in-memory config with the file's current content.
// Used by the config watcher when the TOML is edited externally; the
// file itself stays authoritative, so nothing is written back.
func (s *ServerConfigStore) Reload() error {
	cfg, err := LoadServerConfig(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func cloneServerConfig(in *ServerConfig) ServerConfig {
	cp := *in
	cp.IncomingTokens = slices.Clone(in.IncomingTokens)
	cp.Providers = slices.Clone(in.Providers)
	cp.Monitor.InputIncludesCacheReads = maps.Clone(in.Monitor.InputIncludesCacheReads)
	return cp
}

func tokenID(key string, idx int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("tok-%d-%x", idx+1, h.Sum64())
}

func NormalizeIncomingTokenRole(role string) string {
	switch r := strings.ToLower(strings.TrimSpace(role)); r {
	case "":
		return TokenRoleInferrer
	case TokenRoleInferrer, TokenRoleAdmin, TokenRoleKeymaster:
		return r
	default:
		return ""
	}
}
