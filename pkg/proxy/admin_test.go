package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/pkg/alertlog"
	"github.com/modelrelay/modelrelay/pkg/cachemon"
	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logstore"
	"github.com/modelrelay/modelrelay/pkg/usagedb"
)

type adminTestEnv struct {
	store   *config.ServerConfigStore
	stats   *StatsStore
	monitor *cachemon.Monitor
	alerts  *alertlog.Store
	logs    *logstore.Store
	router  *chi.Mux
}

func newAdminTestEnv(t *testing.T, cfg *config.ServerConfig) *adminTestEnv {
	t.Helper()
	dir := t.TempDir()
	store := config.NewServerConfigStore(filepath.Join(dir, "config.toml"), cfg)
	resolver := NewProviderResolver(store)
	monitor := cachemon.New(cachemon.Options{
		Enabled:                 cfg.Monitor.Enabled,
		InputIncludesCacheReads: cfg.Monitor.InputIncludesCacheReads,
		PersistEnabled: func(enabled bool) error {
			return store.Update(func(c *config.ServerConfig) error {
				c.Monitor.Enabled = enabled
				return nil
			})
		},
	})
	alerts := alertlog.NewStore(filepath.Join(dir, "alerts.json"), alertlog.DefaultSettings())
	logs := logstore.NewStore(filepath.Join(dir, "logs.json"), logstore.Settings{MaxLines: 500})
	stats := NewStatsStore(100)
	usage := usagedb.New(filepath.Join(dir, "usage.json"))
	handler := NewAdminHandler(store, stats, usage, resolver, NewHealthChecker(resolver, providerHealthCheckInterval), monitor, alerts, logs, "test-instance")
	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return &adminTestEnv{store: store, stats: stats, monitor: monitor, alerts: alerts, logs: logs, router: router}
}

// adminTestConfig seeds one token per role so the role matrix can be
// exercised without loopback trust.
func adminTestConfig() *config.ServerConfig {
	cfg := config.NewDefaultServerConfig()
	cfg.IncomingTokens = []config.IncomingAPIToken{
		{ID: "tok-admin", Name: "root", Role: config.TokenRoleAdmin, Key: "sk-admin"},
		{ID: "tok-km", Name: "keys", Role: config.TokenRoleKeymaster, Key: "sk-km"},
		{ID: "tok-inf", Name: "ci", Role: config.TokenRoleInferrer, Key: "sk-inf"},
	}
	return cfg
}

func (env *adminTestEnv) request(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeAdminJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v, body=%s", err, w.Body.String())
	}
}

func TestAdminAPIAuthMatrix(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	cases := []struct {
		name   string
		target string
		token  string
		want   int
	}{
		{"no token", "/admin/api/stats", "", http.StatusUnauthorized},
		{"unknown token", "/admin/api/stats", "sk-nope", http.StatusUnauthorized},
		{"inferrer forbidden", "/admin/api/stats", "sk-inf", http.StatusForbidden},
		{"keymaster forbidden on stats", "/admin/api/stats", "sk-km", http.StatusForbidden},
		{"admin allowed", "/admin/api/stats", "sk-admin", http.StatusOK},
		{"admin via query param", "/admin/api/stats?key=sk-admin", "", http.StatusOK},
		{"keymaster allowed on access tokens", "/admin/api/access-tokens", "sk-km", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.request(t, http.MethodGet, tc.target, tc.token, "")
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, w.Code, w.Body.String())
			}
			if got := w.Header().Get(adminInstanceHeader); got != "test-instance" {
				t.Fatalf("expected instance header, got %q", got)
			}
		})
	}
}

func TestAdminAPIRequiresAdminSetup(t *testing.T) {
	cfg := config.NewDefaultServerConfig()
	cfg.IncomingTokens = []config.IncomingAPIToken{
		{ID: "tok-inf", Name: "ci", Role: config.TokenRoleInferrer, Key: "sk-inf"},
	}
	env := newAdminTestEnv(t, cfg)

	w := env.request(t, http.MethodGet, "/admin/api/stats", "sk-inf", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without an admin token, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "admin setup required") {
		t.Fatalf("expected setup hint, got %q", w.Body.String())
	}
}

func TestAdminAPITrustedLoopback(t *testing.T) {
	cfg := adminTestConfig()
	cfg.AllowLocalhostNoAuth = true
	env := newAdminTestEnv(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/admin/api/access-tokens", nil)
	req.RemoteAddr = "127.0.0.1:51000"
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for trusted loopback, got %d", w.Code)
	}
	var tokens []struct {
		ID string `json:"id"`
	}
	decodeAdminJSON(t, w, &tokens)
	if len(tokens) != 3 {
		t.Fatalf("expected synthetic admin to list all 3 tokens, got %d", len(tokens))
	}
}

func TestAdminAPILoopbackStillNeedsTokenWhenDisabled(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	req := httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
	req.RemoteAddr = "127.0.0.1:51000"
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when localhost trust is off, got %d", w.Code)
	}
}

func TestAdminStatsAPI(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())
	env.stats.Add(UsageEvent{
		Timestamp:      time.Now(),
		Provider:       "prime",
		Model:          "relay-1",
		PromptTokens:   30,
		CompletionToks: 12,
		TotalTokens:    42,
		LatencyMS:      120,
	})

	w := env.request(t, http.MethodGet, "/admin/api/stats?period_seconds=300", "sk-admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var summary StatsSummary
	decodeAdminJSON(t, w, &summary)
	if summary.PeriodSeconds != 300 {
		t.Fatalf("expected period 300, got %d", summary.PeriodSeconds)
	}
	if summary.Requests != 1 || summary.TotalTokens != 42 {
		t.Fatalf("expected 1 request with 42 tokens, got %d/%d", summary.Requests, summary.TotalTokens)
	}
	if summary.RequestsPerProvider["prime"] != 1 {
		t.Fatalf("expected per-provider count, got %+v", summary.RequestsPerProvider)
	}
}

func TestAdminMonitorEndpoints(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	w := env.request(t, http.MethodGet, "/admin/api/monitor", "sk-admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Status   cachemon.Status `json:"status"`
		Settings struct {
			Enabled                 bool            `json:"enabled"`
			DesktopNotifications    bool            `json:"desktop_notifications"`
			InputIncludesCacheReads map[string]bool `json:"input_includes_cache_reads"`
		} `json:"settings"`
	}
	decodeAdminJSON(t, w, &out)
	if !out.Status.Enabled || !out.Settings.Enabled {
		t.Fatalf("expected monitor enabled by default, got %+v", out)
	}
	if !out.Settings.InputIncludesCacheReads["claude-code"] {
		t.Fatalf("expected claude-code in denominator policy, got %+v", out.Settings.InputIncludesCacheReads)
	}

	w = env.request(t, http.MethodPost, "/admin/api/monitor/enabled", "sk-admin", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if env.monitor.Enabled() {
		t.Fatal("expected monitor disabled after toggle")
	}
	if env.store.Snapshot().Monitor.Enabled {
		t.Fatal("expected toggle persisted to config")
	}

	w = env.request(t, http.MethodPost, "/admin/api/monitor/enabled", "sk-admin", `{nope`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}

	w = env.request(t, http.MethodPost, "/admin/api/monitor/check", "sk-admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for manual check, got %d", w.Code)
	}

	w = env.request(t, http.MethodPut, "/admin/api/settings/monitor", "sk-admin", `{"desktop_notifications":false,"input_includes_cache_reads":{"claude-code":false,"codex":true}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	snap := env.store.Snapshot()
	if snap.Monitor.DesktopNotifications {
		t.Fatal("expected desktop notifications off")
	}
	if snap.Monitor.InputIncludesCacheReads["claude-code"] || !snap.Monitor.InputIncludesCacheReads["codex"] {
		t.Fatalf("expected updated policy, got %+v", snap.Monitor.InputIncludesCacheReads)
	}
}

func TestAdminAlertsEndpoints(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.alerts.Add(alertlog.Entry{
		At: base, Level: "warning", Rule: "hit-rate-cliff",
		CLI: "claude-code", Provider: "prime", Title: "hit rate fell",
	})
	env.alerts.Add(alertlog.Entry{
		At: base.Add(time.Minute), Level: "critical", Rule: "create-without-read",
		CLI: "codex", Provider: "prime", Title: "cache writes without reads",
	})

	var out struct {
		Alerts []alertlog.Record `json:"alerts"`
		Total  int               `json:"total"`
	}
	w := env.request(t, http.MethodGet, "/admin/api/alerts", "sk-admin", "")
	decodeAdminJSON(t, w, &out)
	if out.Total != 2 || len(out.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got total=%d len=%d", out.Total, len(out.Alerts))
	}
	if out.Alerts[0].Rule != "create-without-read" {
		t.Fatalf("expected newest first, got %q", out.Alerts[0].Rule)
	}

	w = env.request(t, http.MethodGet, "/admin/api/alerts?rule=hit-rate-cliff", "sk-admin", "")
	decodeAdminJSON(t, w, &out)
	if out.Total != 1 || out.Alerts[0].CLI != "claude-code" {
		t.Fatalf("expected rule filter to match one alert, got %+v", out)
	}

	w = env.request(t, http.MethodGet, "/admin/api/alerts?q=codex", "sk-admin", "")
	decodeAdminJSON(t, w, &out)
	if out.Total != 1 {
		t.Fatalf("expected text filter to match one alert, got %d", out.Total)
	}

	w = env.request(t, http.MethodDelete, "/admin/api/alerts", "sk-admin", "")
	var cleared struct {
		Removed int `json:"removed"`
	}
	decodeAdminJSON(t, w, &cleared)
	if cleared.Removed != 2 {
		t.Fatalf("expected 2 removed, got %d", cleared.Removed)
	}
	w = env.request(t, http.MethodGet, "/admin/api/alerts", "sk-admin", "")
	decodeAdminJSON(t, w, &out)
	if out.Total != 0 {
		t.Fatalf("expected no alerts after clear, got %d", out.Total)
	}
}

func TestAdminAlertSettings(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	w := env.request(t, http.MethodPut, "/admin/api/settings/alerts", "sk-admin", `{"max_items":500,"max_age_days":7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	snap := env.store.Snapshot()
	if snap.Alerts.MaxItems != 500 || snap.Alerts.MaxAgeDays != 7 {
		t.Fatalf("expected persisted settings, got %+v", snap.Alerts)
	}
	if got := env.alerts.Settings(); got.MaxItems != 500 || got.MaxAgeDays != 7 {
		t.Fatalf("expected store settings updated, got %+v", got)
	}

	w = env.request(t, http.MethodPut, "/admin/api/settings/alerts", "sk-admin", `{"max_items":50,"max_age_days":7}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for max_items below floor, got %d", w.Code)
	}
}

func TestAdminLogsEndpoints(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.logs.Add("info", "server listening", base)
	env.logs.Add("error", "upstream unreachable", base.Add(time.Second))

	var out struct {
		Entries []logstore.Entry `json:"entries"`
		Total   int              `json:"total"`
	}
	w := env.request(t, http.MethodGet, "/admin/api/logs", "sk-admin", "")
	decodeAdminJSON(t, w, &out)
	if out.Total != 2 {
		t.Fatalf("expected 2 log entries, got %d", out.Total)
	}

	w = env.request(t, http.MethodGet, "/admin/api/logs?level=error", "sk-admin", "")
	decodeAdminJSON(t, w, &out)
	if out.Total != 1 || out.Entries[0].Message != "upstream unreachable" {
		t.Fatalf("expected level filter to keep the error line, got %+v", out)
	}

	w = env.request(t, http.MethodDelete, "/admin/api/logs", "sk-admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = env.request(t, http.MethodGet, "/admin/api/logs", "sk-admin", "")
	decodeAdminJSON(t, w, &out)
	if out.Total != 0 {
		t.Fatalf("expected no entries after clear, got %d", out.Total)
	}

	w = env.request(t, http.MethodPut, "/admin/api/settings/logs", "sk-admin", `{"max_lines":300}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if got := env.store.Snapshot().Logs.MaxLines; got != 300 {
		t.Fatalf("expected 300 max lines, got %d", got)
	}
	w = env.request(t, http.MethodPut, "/admin/api/settings/logs", "sk-admin", `{"max_lines":50}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for max_lines below floor, got %d", w.Code)
	}
}

func TestAdminProvidersCRUD(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	w := env.request(t, http.MethodPost, "/admin/api/providers", "sk-admin", `{"name":"alpha","base_url":"http://127.0.0.1:9/v1","api_key":"sk-alpha","enabled":true,"timeout_seconds":5}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	snap := env.store.Snapshot()
	if len(snap.Providers) != 1 || snap.DefaultProvider != "alpha" {
		t.Fatalf("expected alpha as default provider, got %+v default=%q", snap.Providers, snap.DefaultProvider)
	}

	w = env.request(t, http.MethodPost, "/admin/api/providers", "sk-admin", `{"name":"alpha","base_url":"http://127.0.0.1:9/v1"}`)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "provider exists") {
		t.Fatalf("expected duplicate rejection, got %d body=%s", w.Code, w.Body.String())
	}

	w = env.request(t, http.MethodPost, "/admin/api/providers", "sk-admin", `{"name":"beta","base_url":"not-a-url"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for relative base_url, got %d", w.Code)
	}

	// Blank fields on update keep the stored values, notably credentials.
	w = env.request(t, http.MethodPut, "/admin/api/providers/alpha", "sk-admin", `{"base_url":"","api_key":"","enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	p := env.store.Snapshot().Providers[0]
	if p.BaseURL != "http://127.0.0.1:9/v1" || p.APIKey != "sk-alpha" || p.TimeoutSeconds != 5 {
		t.Fatalf("expected preserved fields, got %+v", p)
	}

	w = env.request(t, http.MethodPut, "/admin/api/providers/alpha", "sk-admin", `{"api_key":"sk-rotated","enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := env.store.Snapshot().Providers[0].APIKey; got != "sk-rotated" {
		t.Fatalf("expected rotated key, got %q", got)
	}

	w = env.request(t, http.MethodPut, "/admin/api/providers/ghost", "sk-admin", `{"base_url":"http://127.0.0.1:9/v1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", w.Code)
	}

	w = env.request(t, http.MethodDelete, "/admin/api/providers/alpha", "sk-admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	snap = env.store.Snapshot()
	if len(snap.Providers) != 0 || snap.DefaultProvider != "" {
		t.Fatalf("expected empty provider list, got %+v default=%q", snap.Providers, snap.DefaultProvider)
	}
	w = env.request(t, http.MethodDelete, "/admin/api/providers/alpha", "sk-admin", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 deleting twice, got %d", w.Code)
	}
}

func TestAdminProvidersAddFromPreset(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	// A name matching a shipped preset needs only an API key.
	w := env.request(t, http.MethodPost, "/admin/api/providers", "sk-admin", `{"name":"groq","api_key":"sk-g","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	p := env.store.Snapshot().Providers[0]
	if p.BaseURL != "https://api.groq.com/openai/v1" {
		t.Fatalf("expected preset base URL, got %q", p.BaseURL)
	}
	if p.ProviderType != "groq" || p.TimeoutSeconds != 30 {
		t.Fatalf("expected preset defaults, got %+v", p)
	}

	w = env.request(t, http.MethodPost, "/admin/api/providers", "sk-admin", `{"name":"unknown-upstream","api_key":"sk-u"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without base_url for unknown provider, got %d", w.Code)
	}
}

func TestAdminProvidersListStatus(t *testing.T) {
	cfg := adminTestConfig()
	cfg.Providers = []config.ProviderConfig{
		{Name: "openai", ProviderType: "openai", BaseURL: "https://api.openai.com/v1", Enabled: false},
		{Name: "local", BaseURL: "http://127.0.0.1:9/v1", Enabled: true, TimeoutSeconds: 5},
	}
	env := newAdminTestEnv(t, cfg)

	w := env.request(t, http.MethodGet, "/admin/api/providers", "sk-admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var items []struct {
		DisplayName string `json:"display_name"`
		Name        string `json:"name"`
		Status      string `json:"status"`
	}
	decodeAdminJSON(t, w, &items)
	got := map[string]struct{ display, status string }{}
	for _, it := range items {
		got[it.Name] = struct{ display, status string }{it.DisplayName, it.Status}
	}
	if got["openai"].status != "disabled" {
		t.Fatalf("expected disabled status, got %+v", got["openai"])
	}
	if got["openai"].display != "OpenAI" {
		t.Fatalf("expected preset display name, got %q", got["openai"].display)
	}
	if got["local"].status != "unknown" || got["local"].display != "local" {
		t.Fatalf("expected unchecked local provider, got %+v", got["local"])
	}
}

func TestAdminAccessTokensCRUD(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	var tokens []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role"`
	}
	w := env.request(t, http.MethodGet, "/admin/api/access-tokens", "sk-admin", "")
	decodeAdminJSON(t, w, &tokens)
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens for admin, got %d", len(tokens))
	}

	// Keymasters only see (and manage) inferrer tokens.
	w = env.request(t, http.MethodGet, "/admin/api/access-tokens", "sk-km", "")
	decodeAdminJSON(t, w, &tokens)
	if len(tokens) != 1 || tokens[0].ID != "tok-inf" {
		t.Fatalf("expected keymaster to see only inferrer tokens, got %+v", tokens)
	}

	w = env.request(t, http.MethodPost, "/admin/api/access-tokens", "sk-km", `{"name":"sneaky","key":"sk-sneaky","role":"admin"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for keymaster creating admin token, got %d", w.Code)
	}
	w = env.request(t, http.MethodDelete, "/admin/api/access-tokens/tok-admin", "sk-km", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for keymaster deleting admin token, got %d", w.Code)
	}

	w = env.request(t, http.MethodPost, "/admin/api/access-tokens", "sk-admin", `{"name":"deploy","key":"sk-deploy","role":"inferrer","expires_at":"2099-01-01T00:00:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	w = env.request(t, http.MethodGet, "/admin/api/access-tokens", "sk-admin", "")
	decodeAdminJSON(t, w, &tokens)
	if len(tokens) != 4 {
		t.Fatalf("expected 4 tokens, got %d", len(tokens))
	}
	deployID := ""
	for _, tok := range tokens {
		if tok.Name == "deploy" {
			deployID = tok.ID
		}
	}
	if deployID == "" {
		t.Fatalf("expected generated id for new token, got %+v", tokens)
	}

	for _, tc := range []struct {
		name string
		body string
	}{
		{"duplicate key", `{"name":"dup","key":"sk-inf"}`},
		{"missing name", `{"key":"sk-unnamed"}`},
		{"bad expiry", `{"name":"x","key":"sk-x","expires_at":"tomorrow"}`},
	} {
		w = env.request(t, http.MethodPost, "/admin/api/access-tokens", "sk-admin", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, w.Code)
		}
	}

	w = env.request(t, http.MethodPut, "/admin/api/access-tokens/"+deployID, "sk-admin", `{"name":"deploy-bot","role":"inferrer","comment":"rotated"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	w = env.request(t, http.MethodGet, "/admin/api/access-tokens", "sk-admin", "")
	decodeAdminJSON(t, w, &tokens)
	found := false
	for _, tok := range tokens {
		if tok.ID == deployID && tok.Name == "deploy-bot" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected renamed token, got %+v", tokens)
	}

	w = env.request(t, http.MethodDelete, "/admin/api/access-tokens/"+deployID, "sk-admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = env.request(t, http.MethodDelete, "/admin/api/access-tokens/"+deployID, "sk-admin", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 deleting twice, got %d", w.Code)
	}
}

func TestAdminLoginFlow(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	w := env.request(t, http.MethodGet, "/admin/login", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `name="api_key"`) {
		t.Fatalf("expected login form, got %d body=%s", w.Code, w.Body.String())
	}

	postForm := func(key string) *httptest.ResponseRecorder {
		form := url.Values{"api_key": {key}, "next": {"/admin"}}
		req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	w = postForm("sk-wrong")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Invalid API key") {
		t.Fatalf("expected login rejection, got %d body=%s", w.Code, w.Body.String())
	}
	w = postForm("sk-inf")
	if !strings.Contains(w.Body.String(), "Invalid API key") {
		t.Fatal("expected non-admin token to be rejected at login")
	}

	w = postForm("sk-admin")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/admin" {
		t.Fatalf("expected redirect to /admin, got %d -> %q", w.Code, w.Header().Get("Location"))
	}
	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == adminSessionCookie {
			session = c
		}
	}
	if session == nil || session.Value != "sk-admin" || session.Path != "/admin" {
		t.Fatalf("expected session cookie, got %+v", session)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(session)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected dashboard page, got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	w = env.request(t, http.MethodGet, "/admin", "", "")
	if w.Code != http.StatusFound || !strings.Contains(w.Header().Get("Location"), "/admin/login") {
		t.Fatalf("expected redirect to login, got %d -> %q", w.Code, w.Header().Get("Location"))
	}

	w = env.request(t, http.MethodPost, "/admin/logout", "", "")
	if w.Code != http.StatusFound {
		t.Fatalf("expected logout redirect, got %d", w.Code)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == adminSessionCookie && c.MaxAge >= 0 {
			t.Fatalf("expected expired cookie, got %+v", c)
		}
	}
}

func TestAdminSecuritySettings(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	var settings map[string]any
	w := env.request(t, http.MethodGet, "/admin/api/settings/security", "sk-admin", "")
	decodeAdminJSON(t, w, &settings)
	if settings["http_mode"] != "enabled" || settings["auto_remove_expired_tokens"] != true {
		t.Fatalf("expected defaults, got %+v", settings)
	}

	w = env.request(t, http.MethodPut, "/admin/api/settings/security", "sk-admin", `{"allow_localhost_no_auth":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	snap := env.store.Snapshot()
	if !snap.AllowLocalhostNoAuth || snap.HTTPMode != "enabled" {
		t.Fatalf("expected only the flag to change, got %+v", snap)
	}

	w = env.request(t, http.MethodPut, "/admin/api/settings/security", "sk-admin", `{"http_mode":"bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid http_mode, got %d", w.Code)
	}
}

func TestAdminVersionAPI(t *testing.T) {
	env := newAdminTestEnv(t, adminTestConfig())

	var info struct {
		Version string `json:"version"`
	}
	w := env.request(t, http.MethodGet, "/admin/api/version", "sk-admin", "")
	decodeAdminJSON(t, w, &info)
	if info.Version == "" {
		t.Fatal("expected version string")
	}
}
