package proxy

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/modelrelay/modelrelay/pkg/alertlog"
	"github.com/modelrelay/modelrelay/pkg/cache"
	"github.com/modelrelay/modelrelay/pkg/cachemon"
	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logstore"
	"github.com/modelrelay/modelrelay/pkg/notify"
	"github.com/modelrelay/modelrelay/pkg/provider"
	"github.com/modelrelay/modelrelay/pkg/usagedb"
)

type Server struct {
	store               *config.ServerConfigStore
	resolver            *ProviderResolver
	stats               *StatsStore
	usage               *usagedb.Store
	alerts              *alertlog.Store
	monitor             *cachemon.Monitor
	health              *HealthChecker
	adminHandler        *AdminHandler
	httpServer          *http.Server
	modelsCachePath     string
	modelsCached        atomic.Pointer[[]provider.ModelCard]
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(configPath string, cfg *config.ServerConfig, logs *logstore.Store) (*Server, error) {
	store := config.NewServerConfigStore(configPath, cfg)
	resolver := NewProviderResolver(store)
	stats := NewPersistentStatsStore(10000, config.DefaultStatsBucketsPath())
	usage := usagedb.New(config.DefaultUsageStatsPath())
	alerts := alertlog.NewStore(config.DefaultAlertsPath(), alertlog.Settings{
		MaxItems:   cfg.Alerts.MaxItems,
		MaxAgeDays: cfg.Alerts.MaxAgeDays,
	})

	s := &Server{
		store:           store,
		resolver:        resolver,
		stats:           stats,
		usage:           usage,
		alerts:          alerts,
		modelsCachePath: config.DefaultModelsCachePath(),
	}
	s.loadModelsCache()
	s.health = NewHealthChecker(resolver, providerHealthCheckInterval)

	s.monitor = cachemon.New(cachemon.Options{
		Enabled:                 cfg.Monitor.Enabled,
		InputIncludesCacheReads: cfg.Monitor.InputIncludesCacheReads,
		Notifier:                monitorNotifier(store),
		OnAlert:                 s.recordAlert,
		PersistEnabled: func(enabled bool) error {
			return store.Update(func(c *config.ServerConfig) error {
				c.Monitor.Enabled = enabled
				return nil
			})
		},
	})

	instanceID := fmt.Sprintf("%d-%d", time.Now().UTC().UnixNano(), os.Getpid())
	s.adminHandler = NewAdminHandler(store, stats, usage, resolver, s.health, s.monitor, alerts, logs, instanceID)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// routes assembles the public surface: the OpenAI-compatible API under
// /v1 behind token auth, the admin panel, and a bare health probe.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.trackProxyRequests, middleware.Logger, middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/admin", http.StatusFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.requireAPIAuth)
		v1.Get("/models", s.handleModels)
		for _, endpoint := range []string{"/chat/completions", "/completions", "/embeddings", "/responses"} {
			v1.Post(endpoint, s.proxyHandler)
		}
	})

	s.adminHandler.RegisterRoutes(r)
	return r
}

// Monitor exposes the cache monitor so callers can re-wire it on config
// reload.
func (s *Server) Monitor() *cachemon.Monitor {
	return s.monitor
}

// Store exposes the config store so the serve command can attach the
// on-disk config watcher to it.
func (s *Server) Store() *config.ServerConfigStore {
	return s.store
}

// monitorNotifier checks the desktop toggle at send time, so flipping it
// in the config takes effect without rebuilding the monitor.
func monitorNotifier(store *config.ServerConfigStore) notify.Sender {
	desktop := notify.NewDesktop("ModelRelay")
	logger := notify.NewLogger()
	return notify.Func(func(ctx context.Context, n notify.Notice) error {
		if store.Snapshot().Monitor.DesktopNotifications {
			return notify.Multi{desktop, logger}.Send(ctx, n)
		}
		return logger.Send(ctx, n)
	})
}

// ApplyConfig pushes the hot-reloadable parts of a fresh config snapshot
// into the running components after an on-disk config change.
func (s *Server) ApplyConfig(cfg config.ServerConfig) {
	s.monitor.SetEnabled(cfg.Monitor.Enabled)
	s.monitor.SetInputIncludesCacheReads(cfg.Monitor.InputIncludesCacheReads)
	s.alerts.UpdateSettings(alertlog.Settings{
		MaxItems:   cfg.Alerts.MaxItems,
		MaxAgeDays: cfg.Alerts.MaxAgeDays,
	})
	if s.adminHandler != nil {
		s.adminHandler.NotifyChanged("config")
	}
}

func (s *Server) recordAlert(a cachemon.Alert) {
	metrics, err := json.Marshal(map[string]any{
		"observe":           a.Observe,
		"baseline":          a.Baseline,
		"create_share":      a.CreateShare,
		"create_read_ratio": a.CreateReadRatio,
	})
	if err != nil {
		metrics = nil
	}
	s.alerts.Add(alertlog.Entry{
		At:       time.UnixMilli(a.AtMs),
		Level:    a.Level,
		Rule:     a.Rule,
		CLI:      a.CLI,
		Provider: a.Provider,
		Model:    a.Model,
		Title:    a.Title,
		Body:     a.Body,
		Metrics:  metrics,
	})
	if s.adminHandler != nil {
		s.adminHandler.NotifyChanged("alert")
	}
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 3)
	go s.health.Run(ctx)
	go s.monitor.Run(ctx)
	go s.runTokenCleanup(ctx)

	var servers []*http.Server
	launch := func(name string, srv *http.Server, useTLS bool) {
		servers = append(servers, srv)
		go func() {
			log.Info("listening", "server", name, "addr", srv.Addr)
			var err error
			if useTLS {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	switch {
	case cfg.TLS.Enabled:
		httpsSrv := *s.httpServer
		httpsSrv.Addr = cfg.TLS.ListenAddr
		tlsConf, challenge, err := tlsServerConfig(cfg.TLS)
		if err != nil {
			return err
		}
		httpsSrv.TLSConfig = tlsConf
		if challenge != nil {
			launch("acme challenge", challenge, false)
		}
		launch("https", &httpsSrv, true)
		if cfg.HTTPMode == "enabled" && cfg.TLS.Mode != "letsencrypt" {
			launch("http", s.httpServer, false)
		}
	case cfg.HTTPMode == "disabled":
		return errors.New("http_mode is disabled and tls is not enabled; nothing to listen on")
	default:
		launch("http", s.httpServer, false)
	}

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForProxyIdle()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.flushStores()
	return firstErr(errCh)
}

func (s *Server) flushStores() {
	s.stats.Flush()
	if err := s.usage.Flush(); err != nil {
		log.Warn("usage db flush failed", "error", err)
	}
	s.alerts.Flush()
}

// cleanupExpiredTokens drops incoming tokens past their expiry when
// auto_remove_expired_tokens is on. It reports how many were removed and
// skips the config write entirely when nothing expired.
func (s *Server) cleanupExpiredTokens(now time.Time) int {
	cfg := s.store.Snapshot()
	if !cfg.AutoRemoveExpiredTokens {
		return 0
	}
	expired := func(t config.IncomingAPIToken) bool { return !t.Usable(now) }
	if !slices.ContainsFunc(cfg.IncomingTokens, expired) {
		return 0
	}
	removed := 0
	err := s.store.Update(func(c *config.ServerConfig) error {
		before := len(c.IncomingTokens)
		c.IncomingTokens = slices.DeleteFunc(c.IncomingTokens, expired)
		removed = before - len(c.IncomingTokens)
		return nil
	})
	if err != nil {
		log.Warn("expired token cleanup failed", "error", err)
		return 0
	}
	if removed > 0 {
		log.Info("removed expired incoming tokens", "count", removed)
	}
	return removed
}

func (s *Server) runTokenCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		s.cleanupExpiredTokens(time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// selfSignedCertificate builds a throwaway ECDSA cert for local TLS. The
// key never touches disk; a restart mints a fresh one.
func selfSignedCertificate(host string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	cn := strings.TrimSpace(host)
	if cn == "" {
		cn = "localhost"
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{cn, "localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// tlsServerConfig builds the TLS setup for the configured mode. In
// letsencrypt mode it also returns the port-80 server that must run
// alongside the HTTPS listener to answer ACME HTTP-01 challenges.
func tlsServerConfig(tc config.TLSConfig) (*tls.Config, *http.Server, error) {
	staticConf := func(cert tls.Certificate) *tls.Config {
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	switch tc.Mode {
	case "self_signed":
		cert, err := selfSignedCertificate(tc.Domain)
		if err != nil {
			return nil, nil, fmt.Errorf("self-signed certificate: %w", err)
		}
		return staticConf(cert), nil, nil
	case "pem":
		// cert_pem and key_pem hold paths to an on-disk PEM pair.
		cert, err := tls.LoadX509KeyPair(tc.CertPEM, tc.KeyPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("load tls key pair: %w", err)
		}
		return staticConf(cert), nil, nil
	default:
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(tc.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(tc.Domain),
			Email:      tc.Email,
		}
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}, challenge, nil
	}
}

func (s *Server) trackProxyRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.activeProxyRequests.Add(1)
		defer s.activeProxyRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// waitForProxyIdle blocks shutdown until in-flight proxy requests finish.
// Upstream client timeouts bound how long that can take.
func (s *Server) waitForProxyIdle() {
	var lastLog time.Time
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *Server) requireAPIAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Snapshot()
		trusted := cfg.AllowLocalhostNoAuth && requestIsTrustedNoAuth(r, cfg)
		if !trusted && !keyAllowed(bearerToken(r.Header), cfg.IncomingTokens) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.resolver.DiscoverModels(r.Context())
	if err == nil && len(models) > 0 {
		s.modelsCached.Store(&models)
		s.saveModelsCache(models)
	} else if cached := s.modelsCached.Load(); cached != nil && len(*cached) > 0 {
		models = *cached
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) loadModelsCache() {
	var models []provider.ModelCard
	if s.modelsCachePath == "" || cache.LoadJSON(s.modelsCachePath, &models) != nil {
		return
	}
	if len(models) > 0 {
		s.modelsCached.Store(&models)
	}
}

func (s *Server) saveModelsCache(models []provider.ModelCard) {
	if s.modelsCachePath == "" || len(models) == 0 {
		return
	}
	_ = cache.SaveJSON(s.modelsCachePath, slices.Clone(models))
}

type proxyAttempt struct {
	Provider string `json:"provider"`
	Status   int    `json:"status,omitempty"`
	Outcome  string `json:"outcome"`
}

// proxyExchange carries one proxied request through failover, response
// relay and usage recording. model is the client-requested model string;
// the upstream body already names the provider-local model.
type proxyExchange struct {
	traceID     string
	model       string
	provider    config.ProviderConfig
	stream      bool
	meta        clientUsageMeta
	startAt     time.Time
	attempts    []proxyAttempt
	requestBody []byte
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	model, payload, stream, err := parseProxyPayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	chain, upstreamModel, err := s.resolver.ResolveChain(model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	payload["model"] = upstreamModel
	outBody, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode json: %v", err), http.StatusBadRequest)
		return
	}

	cfg := s.store.Snapshot()
	ex := proxyExchange{
		traceID:     middleware.GetReqID(r.Context()),
		model:       model,
		stream:      stream,
		meta:        extractClientUsageMeta(r, cfg),
		startAt:     time.Now(),
		requestBody: body,
	}
	s.monitor.OnRequestStart(cachemon.StartEvent{
		TraceID: ex.traceID,
		CLI:     ex.meta.ClientType,
		Model:   model,
		AtMs:    ex.startAt.UnixMilli(),
	})

	var lastErr error
	for i, provider := range chain {
		last := i == len(chain)-1
		resp, initialLatency, err := s.dialUpstream(r.Context(), provider, r.URL.Path, outBody)
		if err != nil {
			lastErr = err
			s.health.RecordProxyResult(provider.Name, time.Since(ex.startAt), 0, err)
			ex.attempts = append(ex.attempts, proxyAttempt{Provider: provider.Name, Outcome: "connect error"})
			if r.Context().Err() != nil {
				break
			}
			log.Warn("upstream unreachable", "provider", provider.Name, "error", err, "remaining", len(chain)-i-1)
			continue
		}
		if resp.StatusCode >= 500 && !last {
			s.health.RecordProxyResult(provider.Name, time.Since(ex.startAt), resp.StatusCode, nil)
			ex.attempts = append(ex.attempts, proxyAttempt{Provider: provider.Name, Status: resp.StatusCode, Outcome: "upstream error"})
			drainAndClose(resp.Body)
			log.Warn("upstream returned server error, trying next provider", "provider", provider.Name, "status", resp.StatusCode)
			continue
		}
		ex.provider = provider
		ex.attempts = append(ex.attempts, proxyAttempt{Provider: provider.Name, Status: resp.StatusCode, Outcome: "served"})
		if len(ex.attempts) > 1 {
			log.Info("request failed over", "provider", provider.Name, "attempts", attemptSummary(ex.attempts))
		}
		s.serveUpstreamResponse(w, ex, resp, initialLatency)
		return
	}

	// Every candidate refused the connection (or the client went away).
	latency := time.Since(ex.startAt)
	if len(ex.attempts) > 0 {
		ex.provider = config.ProviderConfig{Name: ex.attempts[len(ex.attempts)-1].Provider}
	}
	s.recordCompletion(ex, http.StatusBadGateway, latency, latency, usageTokenCounts{}, "upstream_unreachable")
	msg := "all providers failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	http.Error(w, msg, http.StatusBadGateway)
}

func parseProxyPayload(body []byte) (model string, payload map[string]any, stream bool, err error) {
	if len(body) == 0 {
		return "", nil, false, fmt.Errorf("request body required")
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil, false, fmt.Errorf("invalid json")
	}
	modelAny, ok := payload["model"]
	if !ok {
		return "", nil, false, fmt.Errorf("model is required")
	}
	model, ok = modelAny.(string)
	if !ok || strings.TrimSpace(model) == "" {
		return "", nil, false, fmt.Errorf("model must be a non-empty string")
	}
	stream, _ = payload["stream"].(bool)
	return model, payload, stream, nil
}

func (s *Server) dialUpstream(ctx context.Context, prov config.ProviderConfig, requestPath string, body []byte) (*http.Response, time.Duration, error) {
	u, err := url.Parse(strings.TrimRight(prov.BaseURL, "/"))
	if err != nil {
		return nil, 0, fmt.Errorf("invalid provider base_url: %w", err)
	}
	u.Path = provider.JoinProviderPath(u.Path, requestPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	setUpstreamAuthHeaders(req, prov)

	timeout := prov.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	cli := &http.Client{Timeout: time.Duration(timeout) * time.Second}
	upstreamStart := time.Now()
	resp, err := cli.Do(req)
	if err != nil {
		return nil, 0, err
	}
	return resp, time.Since(upstreamStart), nil
}

const anthropicAPIVersion = "2023-06-01"

func setUpstreamAuthHeaders(req *http.Request, provider config.ProviderConfig) {
	secret := strings.TrimSpace(provider.APIKey)
	if secret == "" {
		secret = strings.TrimSpace(provider.AuthToken)
	}
	if secret == "" {
		return
	}
	if strings.EqualFold(strings.TrimSpace(provider.ProviderType), "anthropic") {
		req.Header.Set("x-api-key", secret)
		req.Header.Set("anthropic-version", anthropicAPIVersion)
		return
	}
	req.Header.Set("Authorization", "Bearer "+secret)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func attemptSummary(attempts []proxyAttempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Status > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", a.Provider, a.Status))
			continue
		}
		parts = append(parts, a.Provider+":"+a.Outcome)
	}
	return strings.Join(parts, ", ")
}

func (s *Server) serveUpstreamResponse(w http.ResponseWriter, ex proxyExchange, resp *http.Response, initialLatency time.Duration) {
	defer resp.Body.Close()

	if ex.stream {
		s.serveStreamingResponse(w, ex, resp, initialLatency)
		return
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	latency := time.Since(ex.startAt)
	if err != nil {
		s.health.RecordProxyResult(ex.provider.Name, latency, 0, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.health.RecordProxyResult(ex.provider.Name, latency, resp.StatusCode, nil)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)

	parsed := parseUsageTokens(respBody)
	if parsed.TotalTokens == 0 {
		parsed.EstimatedCompletionTokens = estimateCompletionTokensFromResponse(respBody)
	}
	s.recordCompletion(ex, resp.StatusCode, latency, initialLatency, parsed, "")
}

func (s *Server) serveStreamingResponse(w http.ResponseWriter, ex proxyExchange, resp *http.Response, initialLatency time.Duration) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	parser := newSSEUsageParser()
	firstChunk, pumpErr := relayStream(w, resp.Body, parser)
	if firstChunk > 0 {
		initialLatency += firstChunk
	}
	latency := time.Since(ex.startAt)
	if pumpErr != nil {
		// A half-delivered stream has no trustworthy counts; record the
		// provider result and drop the usage sample.
		s.health.RecordProxyResult(ex.provider.Name, latency, resp.StatusCode, pumpErr)
		log.Warn("stream interrupted", "provider", ex.provider.Name, "error", pumpErr)
		return
	}
	s.health.RecordProxyResult(ex.provider.Name, latency, resp.StatusCode, nil)
	s.recordCompletion(ex, resp.StatusCode, latency, initialLatency, parser.Usage(), "")
}

// relayStream pipes the upstream body to the client chunk by chunk,
// feeding each chunk through the usage parser. It reports how long the
// first chunk took to arrive and the error that ended the pump, if any.
func relayStream(w http.ResponseWriter, body io.Reader, parser *sseUsageParser) (firstChunk time.Duration, err error) {
	flusher, _ := w.(http.Flusher)
	start := time.Now()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if firstChunk <= 0 {
				firstChunk = time.Since(start)
			}
			parser.Consume(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return firstChunk, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		switch {
		case errors.Is(readErr, io.EOF):
			return firstChunk, nil
		case readErr != nil:
			return firstChunk, readErr
		}
	}
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for k, vals := range src {
		if strings.EqualFold(k, "content-length") {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// recordCompletion is the single seam where a finished request fans out:
// dashboard stats (2xx only), the long-term usage db, the cache monitor
// and the admin push channel. The monitor gets the provider-reported
// counts; the dashboards fall back to size-based estimates so cheap
// providers without usage payloads still chart.
func (s *Server) recordCompletion(ex proxyExchange, statusCode int, latency, initialLatency time.Duration, parsed usageTokenCounts, errorCode string) {
	display := parsed
	if display.TotalTokens == 0 && statusCode >= 200 && statusCode <= 299 {
		display.PromptTokens = estimatePromptTokensFromRequest(ex.requestBody)
		if display.CompletionTokens == 0 {
			display.CompletionTokens = display.EstimatedCompletionTokens
		}
		display.TotalTokens = display.PromptTokens + display.CompletionTokens
	}
	promptTPS, genTPS := computePromptAndGenerationTPS(display.PromptTokens, display.CompletionTokens, initialLatency, latency)
	now := time.Now()

	if statusCode >= 200 && statusCode <= 299 {
		s.stats.Add(UsageEvent{
			Timestamp:         now,
			Provider:          ex.provider.Name,
			Model:             ex.model,
			ClientType:        ex.meta.ClientType,
			ClientIP:          ex.meta.ClientIP,
			APIKeyName:        ex.meta.APIKeyName,
			PromptTokens:      display.PromptTokens,
			CompletionToks:    display.CompletionTokens,
			TotalTokens:       display.TotalTokens,
			CacheReadTokens:   display.CacheReadTokens,
			CacheCreateTokens: display.CacheCreateTokens,
			LatencyMS:         latency.Milliseconds(),
			PromptTPS:         promptTPS,
			GenTPS:            genTPS,
		})
	}
	if err := s.usage.Append(usagedb.Event{
		Timestamp:         now,
		Provider:          ex.provider.Name,
		Model:             ex.model,
		ClientType:        ex.meta.ClientType,
		UserAgent:         ex.meta.UserAgent,
		ClientIP:          ex.meta.ClientIP,
		APIKeyName:        ex.meta.APIKeyName,
		StatusCode:        statusCode,
		PromptTokens:      display.PromptTokens,
		CacheReadTokens:   display.CacheReadTokens,
		CacheCreateTokens: display.CacheCreateTokens,
		CompletionToks:    display.CompletionTokens,
		TotalTokens:       display.TotalTokens,
		LatencyMS:         latency.Milliseconds(),
		PromptTPS:         promptTPS,
		GenTPS:            genTPS,
	}); err != nil {
		log.Warn("usage db append failed", "error", err)
	}

	s.monitor.OnRequestCompletion(cachemon.CompletionEvent{
		TraceID:             ex.traceID,
		CLI:                 ex.meta.ClientType,
		Provider:            ex.provider.Name,
		StatusCode:          statusCode,
		ErrorCode:           errorCode,
		InputTokens:         float64(parsed.PromptTokens),
		CacheReadTokens:     float64(parsed.CacheReadTokens),
		CacheCreateTokens:   float64(parsed.CacheCreateTokens),
		CacheCreate5mTokens: float64(parsed.CacheCreate5mTokens),
		CacheCreate1hTokens: float64(parsed.CacheCreate1hTokens),
		AtMs:                now.UnixMilli(),
	})

	if s.adminHandler != nil {
		s.adminHandler.NotifyChanged("stats")
	}
}

type usageTokenCounts struct {
	PromptTokens              int
	CompletionTokens          int
	TotalTokens               int
	CacheReadTokens           int
	CacheCreateTokens         int
	CacheCreate5mTokens       int
	CacheCreate1hTokens       int
	EstimatedCompletionTokens int
}

type clientUsageMeta struct {
	ClientType string
	ClientIP   string
	APIKeyName string
	UserAgent  string
}

func parseUsageTokens(responseBody []byte) usageTokenCounts {
	var payload any
	if len(responseBody) == 0 || json.Unmarshal(responseBody, &payload) != nil {
		return usageTokenCounts{}
	}
	return findUsageTokens(payload)
}

type sseUsageParser struct {
	pending []byte
	usage   usageTokenCounts
}

func newSSEUsageParser() *sseUsageParser {
	return &sseUsageParser{pending: make([]byte, 0, 1024)}
}

func (p *sseUsageParser) Consume(chunk []byte) {
	p.pending = append(p.pending, chunk...)
	for {
		line, rest, found := bytes.Cut(p.pending, []byte{'\n'})
		if !found {
			return
		}
		p.pending = rest
		p.consumeLine(strings.TrimSpace(string(line)))
	}
}

func (p *sseUsageParser) consumeLine(line string) {
	data, found := strings.CutPrefix(line, "data:")
	if !found {
		return
	}
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return
	}
	p.merge(parseUsageTokens([]byte(data)))
	if p.usage.TotalTokens == 0 {
		p.usage.EstimatedCompletionTokens += estimateCompletionTokensFromResponse([]byte(data))
	}
}

func (p *sseUsageParser) Usage() usageTokenCounts {
	return p.usage
}

// merge folds one event's counts into the running totals. Streaming
// providers split usage across events (input and cache counts in the
// opening event, output counts in the closing delta), so each field keeps
// its maximum rather than the last value seen.
func (p *sseUsageParser) merge(u usageTokenCounts) {
	t := &p.usage
	t.PromptTokens = max(t.PromptTokens, u.PromptTokens)
	t.CompletionTokens = max(t.CompletionTokens, u.CompletionTokens)
	t.CacheReadTokens = max(t.CacheReadTokens, u.CacheReadTokens)
	t.CacheCreateTokens = max(t.CacheCreateTokens, u.CacheCreateTokens)
	t.CacheCreate5mTokens = max(t.CacheCreate5mTokens, u.CacheCreate5mTokens)
	t.CacheCreate1hTokens = max(t.CacheCreate1hTokens, u.CacheCreate1hTokens)
	t.TotalTokens = max(t.TotalTokens, u.TotalTokens, t.PromptTokens+t.CompletionTokens)
}

// findUsageTokens walks the whole payload and keeps the best-scoring usage
// object, so nested shapes (chat choices, responses items, anthropic
// message envelopes) all resolve without per-provider schemas.
func findUsageTokens(payload any) usageTokenCounts {
	best, _ := bestUsage(payload)
	if best.TotalTokens == 0 {
		best.TotalTokens = best.PromptTokens + best.CompletionTokens
	}
	return best
}

func bestUsage(v any) (usageTokenCounts, int) {
	var best usageTokenCounts
	bestScore := 0
	consider := func(u usageTokenCounts, score int) {
		if score > bestScore {
			best, bestScore = u, score
		}
	}
	switch x := v.(type) {
	case map[string]any:
		if u, ok := parseUsageObject(x); ok {
			consider(u, usageScore(u))
		}
		for _, vv := range x {
			consider(bestUsage(vv))
		}
	case []any:
		for _, vv := range x {
			consider(bestUsage(vv))
		}
	}
	return best, bestScore
}

func usageScore(u usageTokenCounts) int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

func parseUsageObject(m map[string]any) (usageTokenCounts, bool) {
	if usage, ok := m["usage"].(map[string]any); ok {
		return parseUsageFields(usage)
	}
	return parseUsageFields(m)
}

func parseUsageFields(m map[string]any) (usageTokenCounts, bool) {
	u := usageTokenCounts{
		PromptTokens:     intField(m, "prompt_tokens", "input_tokens"),
		CompletionTokens: intField(m, "completion_tokens", "output_tokens"),
		TotalTokens:      intField(m, "total_tokens"),
		CacheReadTokens:  intField(m, "cache_read_input_tokens", "cache_read_tokens"),
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return usageTokenCounts{}, false
	}
	if u.CacheReadTokens == 0 {
		u.CacheReadTokens = cachedDetailTokens(m)
	}
	if cc, ok := m["cache_creation"].(map[string]any); ok {
		u.CacheCreate5mTokens = intField(cc, "ephemeral_5m_input_tokens")
		u.CacheCreate1hTokens = intField(cc, "ephemeral_1h_input_tokens")
	}
	u.CacheCreateTokens = intField(m, "cache_creation_input_tokens")
	if u.CacheCreateTokens == 0 {
		u.CacheCreateTokens = u.CacheCreate5mTokens + u.CacheCreate1hTokens
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u, true
}

// cachedDetailTokens digs cached-token counts out of the OpenAI-style
// details objects that sit next to the top-level counters.
func cachedDetailTokens(m map[string]any) int {
	for _, key := range []string{"prompt_tokens_details", "input_tokens_details"} {
		details, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		if v := intField(details, "cached_tokens"); v > 0 {
			return v
		}
	}
	return 0
}

// intField returns the first of keys present in m as an int. A key that
// exists wins even when its value is zero.
func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return int(f)
			}
		}
	}
	return 0
}

func extractClientUsageMeta(r *http.Request, cfg config.ServerConfig) clientUsageMeta {
	token := strings.TrimSpace(bearerToken(r.Header))
	ua := strings.TrimSpace(r.Header.Get("User-Agent"))
	return clientUsageMeta{
		ClientType: classifyClientType(ua),
		ClientIP:   requestClientIP(r),
		APIKeyName: resolveIncomingTokenName(token, cfg),
		UserAgent:  ua,
	}
}

func requestClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return strings.TrimSpace(host)
	}
	return addr
}

// Known coding agents and SDKs, matched in order against the lowercased
// User-Agent. The monitor's per-client baselines key on these names, so
// they must stay stable across releases.
var clientTypeSignatures = []struct {
	needle string
	name   string
}{
	{"claude-code", "claude-code"},
	{"claude-cli", "claude-code"},
	{"codex", "codex"},
	{"gemini-cli", "gemini-cli"},
	{"geminicli", "gemini-cli"},
	{"aider", "aider"},
	{"openai-python", "openai-python"},
	{"openai-node", "openai-node"},
	{"curl/", "curl"},
}

// classifyClientType maps a User-Agent to a coding-CLI family, falling
// back to the UA's first product token for agents it does not know.
func classifyClientType(userAgent string) string {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return "unknown"
	}
	for _, sig := range clientTypeSignatures {
		if strings.Contains(ua, sig.needle) {
			return sig.name
		}
	}
	token := ua
	if i := strings.IndexAny(token, "/ ("); i > 0 {
		token = token[:i]
	}
	if token = strings.TrimSpace(token); token == "" {
		return "unknown"
	}
	return token
}

func resolveIncomingTokenName(token string, cfg config.ServerConfig) string {
	tok, ok := resolveIncomingToken(strings.TrimSpace(token), cfg.IncomingTokens)
	if !ok {
		return ""
	}
	if name := strings.TrimSpace(tok.Name); name != "" {
		return name
	}
	return strings.TrimSpace(tok.ID)
}

// computePromptAndGenerationTPS splits a request's wall time at the first
// response byte: everything before it counts as prompt processing,
// everything after as generation. A generation phase shorter than
// tpsMinPhase is charged against the whole request instead, and both
// rates are capped so one instant cached reply cannot skew the charts.
func computePromptAndGenerationTPS(promptTokens, completionTokens int, initialLatency, totalLatency time.Duration) (promptTPS, genTPS float64) {
	const (
		tpsMinPhase = 250 * time.Millisecond
		tpsCeiling  = 2000.0
	)
	if totalLatency <= 0 {
		totalLatency = time.Millisecond
	}
	if initialLatency <= 0 || initialLatency > totalLatency {
		initialLatency = totalLatency
	}
	if promptTokens > 0 {
		promptTPS = min(float64(promptTokens)/initialLatency.Seconds(), tpsCeiling)
	}
	if completionTokens > 0 {
		gen := totalLatency - initialLatency
		if gen < tpsMinPhase {
			gen = max(totalLatency, tpsMinPhase)
		}
		genTPS = min(float64(completionTokens)/gen.Seconds(), tpsCeiling)
	}
	return promptTPS, genTPS
}

func estimatePromptTokensFromRequest(requestBody []byte) int {
	return estimateTokens(requestBody, extractPromptText)
}

func estimateCompletionTokensFromResponse(responseBody []byte) int {
	return estimateTokens(responseBody, extractCompletionText)
}

// estimateTokens approximates a token count as one per four runes of
// whatever text extract pulls out of the JSON body.
func estimateTokens(body []byte, extract func(any) string) int {
	var payload any
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return 0
	}
	text := strings.TrimSpace(extract(payload))
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

func extractPromptText(payload any) string {
	return collectText(payload, func(key, _ string) bool {
		switch key {
		case "prompt", "input", "instructions", "system", "content", "text":
			return true
		}
		return false
	})
}

func extractCompletionText(payload any) string {
	return collectText(payload, func(key, parent string) bool {
		switch key {
		case "output_text", "delta":
			return true
		case "text":
			return parent != "input" && parent != "prompt"
		case "content":
			return parent == "message" || parent == "delta" || parent == "choice" || parent == "output"
		}
		return false
	})
}

// collectText walks a decoded JSON payload and joins the string values
// whose lowercased key (and enclosing object's key) keep accepts. Array
// elements inherit the key of the field that held the array.
func collectText(payload any, keep func(key, parent string) bool) string {
	var parts []string
	var walk func(v any, parent string)
	walk = func(v any, parent string) {
		switch x := v.(type) {
		case map[string]any:
			for k, vv := range x {
				key := strings.ToLower(strings.TrimSpace(k))
				if s, ok := vv.(string); ok && keep(key, parent) {
					parts = append(parts, s)
				}
				walk(vv, key)
			}
		case []any:
			for _, vv := range x {
				walk(vv, parent)
			}
		}
	}
	walk(payload, "")
	return strings.Join(parts, "\n")
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
