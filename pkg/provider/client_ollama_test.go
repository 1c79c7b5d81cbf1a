package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/modelrelay/modelrelay/pkg/config"
)

// Local ollama daemons without the OpenAI-compatible endpoint answer 404 on
// /v1/models; the client then reads the native /api/tags catalog instead.
func TestListModelsOllamaTagFallback(t *testing.T) {
	cases := []struct {
		name        string
		modelsCode  int
		tagsCode    int
		tagsBody    string
		wantIDs     []string
		wantErrCode int
		wantTagHits int32
	}{
		{
			name:        "404 falls back to tags and skips blank names",
			modelsCode:  http.StatusNotFound,
			tagsCode:    http.StatusOK,
			tagsBody:    `{"models":[{"name":"llama3.2:latest"},{"name":" "}]}`,
			wantIDs:     []string{"ollama/llama3.2:latest"},
			wantTagHits: 1,
		},
		{
			name:        "405 falls back to tags",
			modelsCode:  http.StatusMethodNotAllowed,
			tagsCode:    http.StatusOK,
			tagsBody:    `{"models":[{"name":"qwen2.5-coder:7b"}]}`,
			wantIDs:     []string{"ollama/qwen2.5-coder:7b"},
			wantTagHits: 1,
		},
		{
			name:        "tags failure surfaces the original status",
			modelsCode:  http.StatusNotFound,
			tagsCode:    http.StatusInternalServerError,
			tagsBody:    `{"error":"busy"}`,
			wantErrCode: http.StatusNotFound,
			wantTagHits: 1,
		},
		{
			name:        "server errors do not trigger the fallback",
			modelsCode:  http.StatusInternalServerError,
			tagsCode:    http.StatusOK,
			tagsBody:    `{"models":[{"name":"llama3.2:latest"}]}`,
			wantErrCode: http.StatusInternalServerError,
			wantTagHits: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var tagHits atomic.Int32
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.modelsCode)
				_, _ = w.Write([]byte(`{"error":"no openai endpoint"}`))
			})
			mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
				tagHits.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.tagsCode)
				_, _ = w.Write([]byte(tc.tagsBody))
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			c := NewClient(config.ProviderConfig{
				Name:           "ollama",
				ProviderType:   "ollama",
				BaseURL:        srv.URL + "/v1",
				TimeoutSeconds: 2,
			})
			models, err := c.ListModels(context.Background())

			if tc.wantErrCode != 0 {
				var httpErr *HTTPError
				if !errors.As(err, &httpErr) {
					t.Fatalf("expected HTTPError, got %v", err)
				}
				if httpErr.StatusCode != tc.wantErrCode {
					t.Fatalf("expected status %d, got %d", tc.wantErrCode, httpErr.StatusCode)
				}
			} else {
				if err != nil {
					t.Fatalf("list models: %v", err)
				}
				ids := make([]string, 0, len(models))
				for _, m := range models {
					ids = append(ids, m.ID)
				}
				if !slices.Equal(ids, tc.wantIDs) {
					t.Fatalf("expected model ids %v, got %v", tc.wantIDs, ids)
				}
			}
			if got := tagHits.Load(); got != tc.wantTagHits {
				t.Fatalf("expected %d tag endpoint hits, got %d", tc.wantTagHits, got)
			}
		})
	}
}

// The tag endpoint lives at the daemon root even when the configured base
// URL carries no /v1 suffix.
func TestListModelsOllamaTagFallbackBareBaseURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", http.NotFound)
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(config.ProviderConfig{Name: "local", ProviderType: "ollama", BaseURL: srv.URL, TimeoutSeconds: 2})
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 1 || models[0].ID != "local/llama3.2:latest" {
		t.Fatalf("unexpected models: %+v", models)
	}
}
