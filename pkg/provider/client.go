// Package provider talks to upstream AI providers directly (outside the
// proxy data path) for model catalog listing and error classification.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/pkg/config"
)

type ModelCard struct {
	ID       string `json:"id"`
	Object   string `json:"object,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// HTTPError carries the upstream status so callers can distinguish auth
// failures from rate limits from plain outages.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s model list: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

type Client struct {
	Provider config.ProviderConfig
	client   *http.Client
}

func NewClient(p config.ProviderConfig) *Client {
	timeout := 60 * time.Second
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	return &Client{Provider: p, client: &http.Client{Timeout: timeout}}
}

// getJSON fetches rawURL with the provider's credentials and decodes the
// JSON body into out. Non-2xx responses come back as *HTTPError with up to
// 1 KiB of the body attached.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	c.setAuthHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{Provider: c.Provider.Name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListModels fetches the provider's model catalog from /v1/models. Local
// ollama daemons that predate the OpenAI-compatible endpoint get a second
// chance via /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]ModelCard, error) {
	u, err := url.Parse(strings.TrimRight(c.Provider.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	basePath := u.Path
	u.Path = JoinProviderPath(basePath, "/v1/models")
	var out modelListResponse
	err = c.getJSON(ctx, u.String(), &out)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) &&
		(httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusMethodNotAllowed) {
		if cards, tagErr := c.listOllamaTags(ctx, *u, basePath); tagErr == nil {
			return cards, nil
		}
	}
	if err != nil {
		return nil, err
	}
	cards := make([]ModelCard, 0, len(out.Data))
	for _, m := range out.Data {
		cards = append(cards, c.card(m.ID))
	}
	return cards, nil
}

// listOllamaTags queries the native ollama tag endpoint, which lives at the
// server root rather than under the /v1 prefix.
func (c *Client) listOllamaTags(ctx context.Context, u url.URL, basePath string) ([]ModelCard, error) {
	u.Path = path.Clean("/" + strings.TrimSuffix(strings.Trim(basePath, "/"), "v1"))
	u.Path = JoinProviderPath(u.Path, "/api/tags")
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, u.String(), &out); err != nil {
		return nil, err
	}
	cards := make([]ModelCard, 0, len(out.Models))
	for _, m := range out.Models {
		if strings.TrimSpace(m.Name) != "" {
			cards = append(cards, c.card(m.Name))
		}
	}
	return cards, nil
}

func (c *Client) card(modelID string) ModelCard {
	return ModelCard{
		ID:       c.Provider.Name + "/" + NormalizeModelID(modelID),
		Object:   "model",
		Provider: c.Provider.Name,
	}
}

// setAuthHeaders applies the provider's credentials. Anthropic-style APIs
// authenticate with x-api-key and require a version header; everything else
// takes a bearer token.
func (c *Client) setAuthHeaders(req *http.Request) {
	token := strings.TrimSpace(c.Provider.APIKey)
	if token == "" {
		token = strings.TrimSpace(c.Provider.AuthToken)
	}
	if token == "" {
		return
	}
	if strings.EqualFold(strings.TrimSpace(c.Provider.ProviderType), "anthropic") {
		req.Header.Set("x-api-key", token)
		req.Header.Set("anthropic-version", "2023-06-01")
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func asHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}

func bodyContainsAny(he *HTTPError, needles ...string) bool {
	msg := strings.ToLower(he.Body)
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

func IsAuthError(err error) bool {
	he, ok := asHTTPError(err)
	if !ok || IsBlocked(err) {
		return false
	}
	switch he.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		// Some catalogs report credential problems as 400s.
		return bodyContainsAny(he,
			"missing authorization header",
			"invalid api key",
			"api key not valid",
			"authentication",
			"no api key supplied")
	default:
		return false
	}
}

// IsBlocked reports a bot-challenge response that masquerades as 403/429.
func IsBlocked(err error) bool {
	he, ok := asHTTPError(err)
	if !ok || (he.StatusCode != http.StatusForbidden && he.StatusCode != http.StatusTooManyRequests) {
		return false
	}
	return bodyContainsAny(he, "just a moment", "__cf_chl", "challenge-platform", "cloudflare")
}

func IsRateLimited(err error) bool {
	he, ok := asHTTPError(err)
	return ok && he.StatusCode == http.StatusTooManyRequests
}

// SplitModelPrefix splits "provider/model" requests into their parts.
func SplitModelPrefix(model string) (provider string, stripped string, ok bool) {
	name, rest, found := strings.Cut(model, "/")
	if !found || name == "" || rest == "" {
		return "", model, false
	}
	return name, rest, true
}

// NormalizeModelID drops the "models/" resource prefix some catalogs use.
func NormalizeModelID(model string) string {
	out, _ := strings.CutPrefix(strings.TrimSpace(model), "models/")
	return out
}

// JoinProviderPath joins a configured base path with a request path without
// doubling the /v1 segment when both carry it.
func JoinProviderPath(basePath, requestPath string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	rel := path.Clean("/" + strings.TrimSpace(requestPath))
	if rest, ok := strings.CutPrefix(rel, "/v1/"); ok && strings.HasSuffix(base, "/v1") {
		rel = rest
	}
	return path.Join(base, rel)
}
