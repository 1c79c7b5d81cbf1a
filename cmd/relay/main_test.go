package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/pkg/config"
)

func TestIsValidEnvVarName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{name: "empty", in: "", ok: false},
		{name: "leading digit", in: "1OPENAI", ok: false},
		{name: "contains dash", in: "OPENAI-KEY", ok: false},
		{name: "contains space", in: "OPENAI KEY", ok: false},
		{name: "simple", in: "OPENAI_API_KEY", ok: true},
		{name: "lowercase", in: "openai_base_url", ok: true},
		{name: "leading underscore", in: "_TOKEN", ok: true},
		{name: "with digits", in: "API_KEY_2", ok: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isValidEnvVarName(tc.in); got != tc.ok {
				t.Fatalf("isValidEnvVarName(%q) = %v, want %v", tc.in, got, tc.ok)
			}
		})
	}
}

func TestDeriveServerBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "v1 suffix stripped", in: "http://127.0.0.1:8080/v1", want: "http://127.0.0.1:8080"},
		{name: "bare host", in: "https://relay.example.com", want: "https://relay.example.com"},
		{name: "trailing slash", in: "https://relay.example.com/", want: "https://relay.example.com"},
		{name: "prefix path kept", in: "https://relay.example.com/proxy/v1", want: "https://relay.example.com/proxy"},
		{name: "empty", in: "", wantErr: true},
		{name: "no scheme", in: "relay.example.com", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := deriveServerBaseURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("deriveServerBaseURL(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("deriveServerBaseURL(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("deriveServerBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCodexArgsContainForcedLoginMethod(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want bool
	}{
		{name: "empty", args: nil, want: false},
		{name: "separate arg", args: []string{"-c", `forced_login_method="chatgpt"`}, want: true},
		{name: "attached arg", args: []string{`-cforced_login_method="api"`}, want: true},
		{name: "long flag", args: []string{"--config", `forced_login_method="api"`}, want: true},
		{name: "other override", args: []string{"-c", `model="gpt-5"`}, want: false},
		{name: "unrelated args", args: []string{"exec", "do stuff"}, want: false},
		{name: "similar flag name", args: []string{"--config-file", "x"}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := codexArgsContainForcedLoginMethod(tc.args); got != tc.want {
				t.Fatalf("codexArgsContainForcedLoginMethod(%v) = %v, want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestRedactKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "not set"},
		{in: "abc", want: "***"},
		{in: "sk-12345", want: "sk-1****"},
		{in: "  sk-12345  ", want: "sk-1****"},
	}
	for _, tc := range tests {
		if got := redactKey(tc.in); got != tc.want {
			t.Fatalf("redactKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildOpencodeConfigContent(t *testing.T) {
	content, err := buildOpencodeConfigContent("https://relay.example.com", "mr_tmp_abc", "modelrelay", "ModelRelay", "gpt-5-codex")
	if err != nil {
		t.Fatalf("buildOpencodeConfigContent: %v", err)
	}
	var parsed struct {
		Model    string `json:"model"`
		Provider map[string]struct {
			Name    string `json:"name"`
			NPM     string `json:"npm"`
			Options struct {
				BaseURL string `json:"baseURL"`
				APIKey  string `json:"apiKey"`
			} `json:"options"`
		} `json:"provider"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		t.Fatalf("unmarshal config content: %v", err)
	}
	if parsed.Model != "modelrelay/gpt-5-codex" {
		t.Fatalf("model = %q, want bare id qualified with provider", parsed.Model)
	}
	p, ok := parsed.Provider["modelrelay"]
	if !ok {
		t.Fatalf("provider %q missing in %s", "modelrelay", content)
	}
	if p.Name != "ModelRelay" {
		t.Fatalf("provider name = %q, want ModelRelay", p.Name)
	}
	if p.NPM != "@ai-sdk/openai-compatible" {
		t.Fatalf("provider npm = %q", p.NPM)
	}
	if p.Options.BaseURL != "https://relay.example.com/v1" {
		t.Fatalf("baseURL = %q, want https://relay.example.com/v1", p.Options.BaseURL)
	}
	if p.Options.APIKey != "mr_tmp_abc" {
		t.Fatalf("apiKey = %q, want temporary key", p.Options.APIKey)
	}

	prequalified, err := buildOpencodeConfigContent("https://relay.example.com", "k", "modelrelay", "ModelRelay", "openrouter/some-model")
	if err != nil {
		t.Fatalf("buildOpencodeConfigContent: %v", err)
	}
	if !strings.Contains(prequalified, `"model":"openrouter/some-model"`) {
		t.Fatalf("pre-qualified model was rewritten: %s", prequalified)
	}
}

func TestLoadClientTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	if err := config.Save(path, &config.ClientConfig{ServerURL: "http://127.0.0.1:9090/v1", APIKey: "sk-admin"}); err != nil {
		t.Fatalf("save client config: %v", err)
	}
	serverBase, apiKey, err := loadClientTarget(path)
	if err != nil {
		t.Fatalf("loadClientTarget: %v", err)
	}
	if serverBase != "http://127.0.0.1:9090" {
		t.Fatalf("serverBase = %q, want http://127.0.0.1:9090", serverBase)
	}
	if apiKey != "sk-admin" {
		t.Fatalf("apiKey = %q, want sk-admin", apiKey)
	}

	keyless := filepath.Join(dir, "keyless.toml")
	if err := config.Save(keyless, &config.ClientConfig{ServerURL: "http://127.0.0.1:9090"}); err != nil {
		t.Fatalf("save keyless config: %v", err)
	}
	if _, _, err := loadClientTarget(keyless); err == nil || !strings.Contains(err.Error(), "api key is required") {
		t.Fatalf("loadClientTarget without key: %v, want api key error", err)
	}

	if _, _, err := loadClientTarget(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatal("loadClientTarget with missing file succeeded")
	}
}

type fakeAdminState struct {
	mu      sync.Mutex
	tokens  []accessTokenItem
	created []map[string]any
	deleted []string
}

func newFakeAdminServer(t *testing.T, state *fakeAdminState) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/api/access-tokens", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-admin" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(state.tokens)
		case http.MethodPost:
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			state.created = append(state.created, payload)
			name, _ := payload["name"].(string)
			role, _ := payload["role"].(string)
			expiresAt, _ := payload["expires_at"].(string)
			state.tokens = append(state.tokens, accessTokenItem{
				ID:        fmt.Sprintf("tok-%d", len(state.tokens)+1),
				Name:      name,
				Role:      role,
				ExpiresAt: expiresAt,
			})
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/admin/api/access-tokens/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/admin/api/access-tokens/")
		state.mu.Lock()
		defer state.mu.Unlock()
		kept := state.tokens[:0]
		for _, tok := range state.tokens {
			if tok.ID != id {
				kept = append(kept, tok)
			}
		}
		state.tokens = kept
		state.deleted = append(state.deleted, id)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProvisionTemporaryTokenLifecycle(t *testing.T) {
	state := &fakeAdminState{tokens: []accessTokenItem{{ID: "tok-1", Name: "root", Role: "admin"}}}
	srv := newFakeAdminServer(t, state)

	var errOut bytes.Buffer
	tok, cleanup, err := provisionTemporaryToken(&errOut, srv.URL, "sk-admin", "", "codex", time.Hour)
	if err != nil {
		t.Fatalf("provisionTemporaryToken: %v", err)
	}
	if tok.ID != "tok-2" {
		t.Fatalf("token id = %q, want tok-2", tok.ID)
	}
	if !strings.HasPrefix(tok.Name, "relay-codex-") {
		t.Fatalf("token name = %q, want relay-codex- prefix", tok.Name)
	}
	if !strings.HasPrefix(tok.Key, "mr_tmp_") {
		t.Fatalf("token key = %q, want mr_tmp_ prefix", tok.Key)
	}
	exp, err := time.Parse(time.RFC3339, tok.ExpiresAt)
	if err != nil {
		t.Fatalf("parse expires_at %q: %v", tok.ExpiresAt, err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expires_at %v is not in the future", exp)
	}
	if len(state.created) != 1 {
		t.Fatalf("created %d tokens, want 1", len(state.created))
	}
	if role, _ := state.created[0]["role"].(string); role != "inferrer" {
		t.Fatalf("created role = %q, want inferrer", role)
	}
	if key, _ := state.created[0]["key"].(string); key != tok.Key {
		t.Fatalf("created key %q does not match returned key %q", key, tok.Key)
	}
	if !strings.Contains(errOut.String(), "Created temporary token") {
		t.Fatalf("missing create notice in output: %q", errOut.String())
	}

	cleanup()
	if len(state.deleted) != 1 || state.deleted[0] != "tok-2" {
		t.Fatalf("deleted = %v, want [tok-2]", state.deleted)
	}
	if !strings.Contains(errOut.String(), "Deleted temporary token") {
		t.Fatalf("missing delete notice in output: %q", errOut.String())
	}
}

func TestProvisionTemporaryTokenErrors(t *testing.T) {
	state := &fakeAdminState{}
	srv := newFakeAdminServer(t, state)

	var errOut bytes.Buffer
	if _, _, err := provisionTemporaryToken(&errOut, srv.URL, "sk-admin", "", "codex", 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
	_, _, err := provisionTemporaryToken(&errOut, srv.URL, "sk-wrong", "", "codex", time.Hour)
	if err == nil {
		t.Fatal("wrong bearer accepted")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("error = %v, want status 401", err)
	}
	if len(state.created) != 0 {
		t.Fatalf("created %d tokens, want 0", len(state.created))
	}
}
