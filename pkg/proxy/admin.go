package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/modelrelay/modelrelay/pkg/alertlog"
	"github.com/modelrelay/modelrelay/pkg/cache"
	"github.com/modelrelay/modelrelay/pkg/cachemon"
	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logstore"
	"github.com/modelrelay/modelrelay/pkg/provider"
	"github.com/modelrelay/modelrelay/pkg/usagedb"
	"github.com/modelrelay/modelrelay/pkg/version"
)

const adminSessionCookie = "mr_admin_session"
const adminInstanceHeader = "X-ModelRelay-Instance-ID"

const statsRefreshInterval = 15 * time.Minute

const (
	wsCheckInterval = 1 * time.Second
	wsIdleRefresh   = 5 * time.Minute
	wsReadTimeout   = 60 * time.Second
	wsPingInterval  = 25 * time.Second
	wsWriteTimeout  = 5 * time.Second
)

// AdminHandler serves the dashboard page and the /admin/api endpoints:
// traffic stats, provider and token management, the cache monitor
// controls, the alert history and the log tail. Connected dashboards get
// change notifications over a websocket.
type AdminHandler struct {
	store         *config.ServerConfigStore
	stats         *StatsStore
	usage         *usagedb.Store
	resolver      *ProviderResolver
	healthChecker *HealthChecker
	monitor       *cachemon.Monitor
	alerts        *alertlog.Store
	logs          *logstore.Store
	instance      string
	statsCache    *cache.TTLMap[int64, StatsSummary]

	wsMu       sync.Mutex
	wsSessions map[*wsSession]struct{}
	notifyAt   map[string]time.Time
}

type wsSession struct {
	send        chan []byte
	updateEvery time.Duration
	lastRefresh time.Time
	realtime    bool
}

type adminAuthContextKey struct{}

func NewAdminHandler(store *config.ServerConfigStore, stats *StatsStore, usage *usagedb.Store, resolver *ProviderResolver, healthChecker *HealthChecker, monitor *cachemon.Monitor, alerts *alertlog.Store, logs *logstore.Store, instanceID string) *AdminHandler {
	h := &AdminHandler{
		store:         store,
		stats:         stats,
		usage:         usage,
		resolver:      resolver,
		healthChecker: healthChecker,
		monitor:       monitor,
		alerts:        alerts,
		logs:          logs,
		instance:      instanceID,
		statsCache:    cache.NewTTLMap[int64, StatsSummary](),
		wsSessions:    map[*wsSession]struct{}{},
		notifyAt:      map[string]time.Time{},
	}
	go h.wsRefreshLoop()
	return h
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(g chi.Router) {
		g.Use(h.withRuntimeInstanceHeader)

		g.With(h.requireAdminPage).Get("/admin", h.page)
		g.With(h.requireAdminPage).Get("/admin/", h.page)
		g.With(h.requireAdminPage).Get("/admin/ws", h.adminWebsocket)
		g.Get("/admin/login", h.loginForm)
		g.Post("/admin/login", h.loginSubmit)
		g.Post("/admin/logout", h.logout)

		g.Route("/admin/api", func(api chi.Router) {
			api.Group(func(a chi.Router) {
				a.Use(h.requireAdminAPI)
				a.Get("/stats", h.statsAPI)
				a.Get("/usage", h.usageAPI)
				a.Get("/version", h.versionAPI)
				a.Get("/monitor", h.monitorAPI)
				a.Post("/monitor/enabled", h.monitorEnabledAPI)
				a.Post("/monitor/check", h.monitorCheckAPI)
				a.Put("/settings/monitor", h.putMonitorSettings)
				a.Get("/alerts", h.listAlerts)
				a.Delete("/alerts", h.clearAlerts)
				a.Get("/settings/alerts", h.getAlertsSettings)
				a.Put("/settings/alerts", h.putAlertsSettings)
				a.Get("/logs", h.listLogs)
				a.Delete("/logs", h.clearLogs)
				a.Get("/settings/logs", h.getLogsSettings)
				a.Put("/settings/logs", h.putLogsSettings)
				a.Get("/settings/security", h.getSecuritySettings)
				a.Put("/settings/security", h.putSecuritySettings)
				a.Get("/providers", h.listProviders)
				a.Post("/providers", h.createProvider)
				a.Get("/providers/popular", h.popularProvidersAPI)
				a.Post("/providers/test", h.testProviderAPI)
				a.Put("/providers/{name}", h.updateProvider)
				a.Delete("/providers/{name}", h.deleteProvider)
				a.Get("/models", h.modelsCatalogAPI)
				a.Post("/models/refresh", h.refreshModelsAPI)
			})

			// Token management is open to keymasters as well, so it hangs off
			// a role check instead of the plain admin gate.
			api.Group(func(a chi.Router) {
				a.Use(h.requireTokenRole(config.TokenRoleAdmin, config.TokenRoleKeymaster))
				a.Get("/access-tokens", h.listAccessTokens)
				a.Post("/access-tokens", h.createAccessToken)
				a.Put("/access-tokens/{id}", h.updateAccessToken)
				a.Delete("/access-tokens/{id}", h.deleteAccessToken)
			})
		})
	})
}

func (h *AdminHandler) wsRefreshLoop() {
	t := time.NewTicker(wsCheckInterval)
	defer t.Stop()
	for range t.C {
		h.pushDueRefreshes()
	}
}

// offer enqueues msg without blocking the broadcaster. When the queue is
// full it sheds the oldest entry once so a slow dashboard converges on the
// newest state instead of working through a backlog. Caller holds wsMu.
func (s *wsSession) offer(msg []byte, markRefresh bool, now time.Time) {
	for attempt := 0; ; attempt++ {
		select {
		case s.send <- msg:
			if markRefresh {
				s.lastRefresh = now
			}
			return
		default:
		}
		if attempt > 0 {
			return
		}
		select {
		case <-s.send:
		default:
		}
	}
}

func (h *AdminHandler) broadcastEvent(event map[string]any) {
	if event == nil {
		return
	}
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	refresh := fmt.Sprintf("%v", event["type"]) == "refresh"
	now := time.Now().UTC()
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	for sess := range h.wsSessions {
		if refresh && !sess.realtime {
			continue
		}
		sess.offer(b, refresh, now)
	}
}

func (h *AdminHandler) addWSSession(sess *wsSession) {
	h.wsMu.Lock()
	h.wsSessions[sess] = struct{}{}
	h.wsMu.Unlock()
}

func (h *AdminHandler) removeWSSession(sess *wsSession) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	if _, ok := h.wsSessions[sess]; !ok {
		return
	}
	delete(h.wsSessions, sess)
	close(sess.send)
}

// wsOriginAllowed accepts same-host origins plus clients that send no
// Origin header at all (curl, native apps).
func wsOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h *AdminHandler) adminWebsocket(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: wsOriginAllowed}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	armReadDeadline := func() error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	}
	_ = armReadDeadline()
	conn.SetPongHandler(func(string) error { return armReadDeadline() })

	sess := &wsSession{
		send:        make(chan []byte, 16),
		updateEvery: wsIdleRefresh,
		realtime:    true,
	}
	h.addWSSession(sess)
	defer h.removeWSSession(sess)
	h.sendRefresh(sess)

	gone := h.wsReadLoop(conn, sess)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		case msg, ok := <-sess.send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// wsReadLoop drains inbound frames (subscription changes) until the peer
// disconnects, then closes the returned channel.
func (h *AdminHandler) wsReadLoop(conn *websocket.Conn, sess *wsSession) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleWSMessage(sess, payload)
		}
	}()
	return gone
}

func (h *AdminHandler) handleWSMessage(sess *wsSession, payload []byte) {
	var msg struct {
		Type        string `json:"type"`
		UpdateSpeed string `json:"update_speed"`
	}
	if sess == nil || json.Unmarshal(payload, &msg) != nil {
		return
	}
	if strings.TrimSpace(msg.Type) != "subscribe" {
		return
	}
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	sess.updateEvery, sess.realtime = parseUpdateSpeed(msg.UpdateSpeed)
}

// wsUpdateSpeeds maps the dashboard's update-speed picker to a refresh
// cadence. Zero disables scheduled refreshes for that session.
var wsUpdateSpeeds = map[string]time.Duration{
	"2s":       2 * time.Second,
	"10s":      10 * time.Second,
	"30s":      30 * time.Second,
	"1m":       time.Minute,
	"5m":       5 * time.Minute,
	"disabled": 0,
}

// parseUpdateSpeed returns the refresh cadence for an update_speed value
// and whether the session also gets realtime change events. Unknown values
// mean realtime mode with a slow idle refresh as a floor.
func parseUpdateSpeed(updateSpeed string) (time.Duration, bool) {
	if every, ok := wsUpdateSpeeds[strings.TrimSpace(strings.ToLower(updateSpeed))]; ok {
		return every, false
	}
	return wsIdleRefresh, true
}

// refreshDue reports whether a scheduled refresh should fire for this session.
func (s *wsSession) refreshDue(now time.Time) bool {
	if s.updateEvery <= 0 {
		return false
	}
	return s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.updateEvery
}

var wsRefreshEvent = []byte(`{"type":"refresh"}`)

func (h *AdminHandler) pushDueRefreshes() {
	now := time.Now().UTC()
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	for sess := range h.wsSessions {
		if !sess.refreshDue(now) {
			continue
		}
		select {
		case sess.send <- wsRefreshEvent:
			sess.lastRefresh = now
		default:
		}
	}
}

func (h *AdminHandler) sendRefresh(sess *wsSession) {
	if sess == nil {
		return
	}
	select {
	case sess.send <- wsRefreshEvent:
		sess.lastRefresh = time.Now().UTC()
	default:
	}
}

// NotifyChanged tells connected dashboards that data in the given scope
// (stats, alert, log, providers, access, config) changed. Bursty scopes
// are debounced so a request storm does not turn into a websocket storm.
func (h *AdminHandler) NotifyChanged(scope string) {
	if h == nil {
		return
	}
	s := strings.TrimSpace(strings.ToLower(scope))
	if s == "" {
		s = "all"
	}
	debounce := time.Duration(0)
	switch s {
	case "stats":
		debounce = 1500 * time.Millisecond
	case "log":
		debounce = 250 * time.Millisecond
	case "alert":
		debounce = time.Second
	}
	if debounce > 0 {
		now := time.Now().UTC()
		h.wsMu.Lock()
		if last, ok := h.notifyAt[s]; ok && now.Sub(last) < debounce {
			h.wsMu.Unlock()
			return
		}
		h.notifyAt[s] = now
		h.wsMu.Unlock()
	}
	h.broadcastEvent(map[string]any{
		"type":  "changed",
		"scope": s,
	})
}

func (h *AdminHandler) withRuntimeInstanceHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.instance != "" {
			w.Header().Set(adminInstanceHeader, h.instance)
		}
		next.ServeHTTP(w, r)
	})
}

// adminNextTarget sanitizes the post-login redirect so the login form can
// only bounce back into the dashboard, never to an arbitrary URL.
func adminNextTarget(raw string) string {
	if strings.HasPrefix(raw, "/admin") {
		return raw
	}
	return "/admin"
}

// setSessionCookie writes or clears the dashboard session cookie. A negative
// maxAge deletes it.
func setSessionCookie(w http.ResponseWriter, r *http.Request, key string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    key,
		Path:     "/admin",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   maxAge,
	})
}

func (h *AdminHandler) loginForm(w http.ResponseWriter, r *http.Request) {
	if h.isAuthenticated(r) {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	h.renderLogin(w, adminNextTarget(r.URL.Query().Get("next")), "")
}

func (h *AdminHandler) loginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(r.FormValue("api_key"))
	next := adminNextTarget(r.FormValue("next"))
	identity, ok := resolveAuthIdentity(key, h.store.Snapshot())
	if !ok || identity.Role != config.TokenRoleAdmin {
		h.renderLogin(w, next, "Invalid API key")
		return
	}
	setSessionCookie(w, r, key, 86400)
	http.Redirect(w, r, next, http.StatusFound)
}

func (h *AdminHandler) renderLogin(w http.ResponseWriter, next, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	t, err := getTemplates()
	if err != nil {
		http.Error(w, "failed to render login page", http.StatusInternalServerError)
		return
	}
	_ = t.ExecuteTemplate(w, "login.html", struct {
		Next  string
		Error string
	}{Next: next, Error: errMsg})
}

func (h *AdminHandler) logout(w http.ResponseWriter, r *http.Request) {
	setSessionCookie(w, r, "", -1)
	http.Redirect(w, r, "/admin/login", http.StatusFound)
}

// trustedLocal reports whether the request may skip dashboard auth entirely
// under the allow_localhost_no_auth escape hatch.
func (h *AdminHandler) trustedLocal(r *http.Request, cfg config.ServerConfig) bool {
	return cfg.AllowLocalhostNoAuth && requestIsTrustedNoAuth(r, cfg)
}

// serveAs runs next with identity attached to the request context.
func serveAs(next http.Handler, w http.ResponseWriter, r *http.Request, identity authIdentity) {
	ctx := context.WithValue(r.Context(), adminAuthContextKey{}, identity)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (h *AdminHandler) requireAdminPage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.trustedLocal(r, h.store.Snapshot()) || h.isAuthenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "/admin/login?next="+url.QueryEscape(r.URL.Path), http.StatusFound)
	})
}

func (h *AdminHandler) requireAdminAPI(next http.Handler) http.Handler {
	return h.requireTokenRole(config.TokenRoleAdmin)(next)
}

func (h *AdminHandler) requireTokenRole(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = config.NormalizeIncomingTokenRole(role); role != "" {
			allowed[role] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := h.store.Snapshot()
			if h.trustedLocal(r, cfg) {
				serveAs(next, w, r, authIdentity{Role: config.TokenRoleAdmin, IsAdmin: true})
				return
			}
			if !config.HasAdminToken(cfg.IncomingTokens) {
				http.Error(w, "admin setup required", http.StatusServiceUnavailable)
				return
			}
			identity, ok := h.requestIdentity(r)
			switch {
			case !ok:
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			case !allowed[identity.Role] && !identity.IsAdmin:
				http.Error(w, "forbidden", http.StatusForbidden)
			default:
				serveAs(next, w, r, identity)
			}
		})
	}
}

func (h *AdminHandler) isAuthenticated(r *http.Request) bool {
	identity, ok := h.requestIdentity(r)
	return ok && identity.Role == config.TokenRoleAdmin
}

// adminTokensFromRequest gathers the API key candidates a dashboard request
// can carry, in trust order: bearer header, ?key= query, session cookie.
func (h *AdminHandler) adminTokensFromRequest(r *http.Request) []string {
	candidates := []string{bearerToken(r.Header), r.URL.Query().Get("key")}
	if c, err := r.Cookie(adminSessionCookie); err == nil {
		candidates = append(candidates, c.Value)
	}
	tokens := candidates[:0]
	for _, tok := range candidates {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func (h *AdminHandler) requestIdentity(r *http.Request) (authIdentity, bool) {
	cfg := h.store.Snapshot()
	for _, token := range h.adminTokensFromRequest(r) {
		if identity, ok := resolveAuthIdentity(token, cfg); ok {
			return identity, true
		}
	}
	return authIdentity{}, false
}

func adminIdentityFromContext(ctx context.Context) (authIdentity, bool) {
	raw := ctx.Value(adminAuthContextKey{})
	identity, ok := raw.(authIdentity)
	return identity, ok
}

func (h *AdminHandler) page(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/admin/" {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	t, err := getTemplates()
	if err != nil {
		http.Error(w, "failed to load admin template", http.StatusInternalServerError)
		return
	}
	if err := t.ExecuteTemplate(w, "admin.html", struct{}{}); err != nil {
		http.Error(w, "failed to render admin page", http.StatusInternalServerError)
	}
}

func (h *AdminHandler) statsAPI(w http.ResponseWriter, r *http.Request) {
	period := time.Hour
	if raw := r.URL.Query().Get("period_seconds"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
			period = time.Duration(sec) * time.Second
		}
	}
	force := r.URL.Query().Get("force") == "1"
	periodKey := int64(period / time.Second)
	now := time.Now().UTC()
	if !force {
		if summary, ok := h.statsCache.GetFresh(periodKey, now); ok {
			h.attachAvailability(&summary)
			writeJSON(w, http.StatusOK, summary)
			return
		}
	}
	summary := h.stats.Summary(period)
	h.attachAvailability(&summary)
	h.statsCache.SetWithTTL(periodKey, summary, now, statsRefreshInterval)
	writeJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) attachAvailability(summary *StatsSummary) {
	providers := h.resolver.ListProviders()
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name)
	}
	if h.healthChecker != nil {
		summary.ProvidersAvailable, summary.ProvidersOnline = h.healthChecker.AvailabilitySummary(names)
		return
	}
	summary.ProvidersAvailable = len(names)
}

// usageAPI serves long-horizon summaries from the usage db, which keeps
// more history than the in-memory stats buckets.
func (h *AdminHandler) usageAPI(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		http.Error(w, "usage db unavailable", http.StatusServiceUnavailable)
		return
	}
	period := 24 * time.Hour
	if raw := r.URL.Query().Get("period_seconds"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
			period = time.Duration(sec) * time.Second
		}
	}
	summary, err := h.usage.Summary(period, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) versionAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Current())
}

func (h *AdminHandler) monitorAPI(w http.ResponseWriter, _ *http.Request) {
	cfg := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": h.monitor.Status(),
		"settings": map[string]any{
			"enabled":                    cfg.Monitor.Enabled,
			"desktop_notifications":      cfg.Monitor.DesktopNotifications,
			"input_includes_cache_reads": cfg.Monitor.InputIncludesCacheReads,
		},
	})
}

func (h *AdminHandler) monitorEnabledAPI(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	// SetEnabled persists the flag through its config callback and wipes
	// the accumulated windows on every toggle.
	h.monitor.SetEnabled(payload.Enabled)
	h.NotifyChanged("monitor")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": h.monitor.Enabled()})
}

func (h *AdminHandler) monitorCheckAPI(w http.ResponseWriter, _ *http.Request) {
	h.monitor.Trigger()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// updateFromJSON decodes the request body into a fresh P and applies it to
// the config under the store lock, writing the HTTP error response itself.
// It reports whether the update committed.
func updateFromJSON[P any](h *AdminHandler, w http.ResponseWriter, r *http.Request, apply func(p P, c *config.ServerConfig) error) (P, bool) {
	var payload P
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return payload, false
	}
	err := h.store.Update(func(c *config.ServerConfig) error {
		return apply(payload, c)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return payload, false
	}
	return payload, true
}

type monitorSettingsPayload struct {
	DesktopNotifications    *bool           `json:"desktop_notifications"`
	InputIncludesCacheReads map[string]bool `json:"input_includes_cache_reads"`
}

func (h *AdminHandler) putMonitorSettings(w http.ResponseWriter, r *http.Request) {
	payload, ok := updateFromJSON(h, w, r, func(p monitorSettingsPayload, c *config.ServerConfig) error {
		if p.DesktopNotifications != nil {
			c.Monitor.DesktopNotifications = *p.DesktopNotifications
		}
		if p.InputIncludesCacheReads != nil {
			c.Monitor.InputIncludesCacheReads = p.InputIncludesCacheReads
		}
		return nil
	})
	if !ok {
		return
	}
	if payload.InputIncludesCacheReads != nil {
		h.monitor.SetInputIncludesCacheReads(h.store.Snapshot().Monitor.InputIncludesCacheReads)
	}
	h.NotifyChanged("monitor")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// alertListFilter builds an alert query from the request's filter params.
func alertListFilter(r *http.Request) alertlog.ListFilter {
	q := r.URL.Query()
	filter := alertlog.ListFilter{
		Query:    strings.TrimSpace(q.Get("q")),
		Rule:     strings.TrimSpace(q.Get("rule")),
		CLI:      strings.TrimSpace(q.Get("cli")),
		Provider: strings.TrimSpace(q.Get("provider")),
		Level:    strings.TrimSpace(q.Get("level")),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(q.Get("limit"))); err == nil {
		filter.Limit = n
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(q.Get("before"))); err == nil {
		filter.Before = ts
	}
	return filter
}

func (h *AdminHandler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}, "total": 0})
		return
	}
	records, total := h.alerts.List(alertListFilter(r))
	writeJSON(w, http.StatusOK, map[string]any{"alerts": records, "total": total})
}

func (h *AdminHandler) clearAlerts(w http.ResponseWriter, _ *http.Request) {
	removed := 0
	if h.alerts != nil {
		removed = h.alerts.Clear()
		h.NotifyChanged("alert")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "removed": removed})
}

func (h *AdminHandler) getAlertsSettings(w http.ResponseWriter, _ *http.Request) {
	cfg := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"max_items":    cfg.Alerts.MaxItems,
		"max_age_days": cfg.Alerts.MaxAgeDays,
	})
}

type alertsSettingsPayload struct {
	MaxItems   int `json:"max_items"`
	MaxAgeDays int `json:"max_age_days"`
}

func (h *AdminHandler) putAlertsSettings(w http.ResponseWriter, r *http.Request) {
	_, ok := updateFromJSON(h, w, r, func(p alertsSettingsPayload, c *config.ServerConfig) error {
		c.Alerts.MaxItems = p.MaxItems
		c.Alerts.MaxAgeDays = p.MaxAgeDays
		return nil
	})
	if !ok {
		return
	}
	cfg := h.store.Snapshot()
	if h.alerts != nil {
		h.alerts.UpdateSettings(alertlog.Settings{
			MaxItems:   cfg.Alerts.MaxItems,
			MaxAgeDays: cfg.Alerts.MaxAgeDays,
		})
	}
	h.NotifyChanged("alert")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *AdminHandler) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	q := r.URL.Query()
	filter := logstore.ListFilter{
		Level: strings.TrimSpace(q.Get("level")),
		Query: strings.TrimSpace(q.Get("q")),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(q.Get("limit"))); err == nil {
		filter.Limit = n
	}
	entries := h.logs.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

func (h *AdminHandler) clearLogs(w http.ResponseWriter, _ *http.Request) {
	if h.logs != nil {
		h.logs.Clear()
		h.NotifyChanged("log")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *AdminHandler) getLogsSettings(w http.ResponseWriter, _ *http.Request) {
	if h.logs == nil {
		http.Error(w, "logs store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"max_lines": h.store.Snapshot().Logs.MaxLines,
	})
}

type logsSettingsPayload struct {
	MaxLines int `json:"max_lines"`
}

func (h *AdminHandler) putLogsSettings(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		http.Error(w, "logs store unavailable", http.StatusServiceUnavailable)
		return
	}
	_, ok := updateFromJSON(h, w, r, func(p logsSettingsPayload, c *config.ServerConfig) error {
		c.Logs.MaxLines = p.MaxLines
		return nil
	})
	if !ok {
		return
	}
	h.logs.UpdateSettings(logstore.Settings{
		MaxLines: h.store.Snapshot().Logs.MaxLines,
	})
	h.NotifyChanged("log")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *AdminHandler) getSecuritySettings(w http.ResponseWriter, _ *http.Request) {
	cfg := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"http_mode":                          cfg.HTTPMode,
		"allow_localhost_no_auth":            cfg.AllowLocalhostNoAuth,
		"allow_host_docker_internal_no_auth": cfg.AllowHostDockerInternalNoAuth,
		"auto_remove_expired_tokens":         cfg.AutoRemoveExpiredTokens,
	})
}

// securitySettingsPayload uses pointer fields so the dashboard can flip one
// switch without clobbering the rest.
type securitySettingsPayload struct {
	HTTPMode                      *string `json:"http_mode"`
	AllowLocalhostNoAuth          *bool   `json:"allow_localhost_no_auth"`
	AllowHostDockerInternalNoAuth *bool   `json:"allow_host_docker_internal_no_auth"`
	AutoRemoveExpiredTokens       *bool   `json:"auto_remove_expired_tokens"`
}

func (h *AdminHandler) putSecuritySettings(w http.ResponseWriter, r *http.Request) {
	_, ok := updateFromJSON(h, w, r, func(p securitySettingsPayload, c *config.ServerConfig) error {
		if p.HTTPMode != nil {
			c.HTTPMode = strings.TrimSpace(*p.HTTPMode)
		}
		if p.AllowLocalhostNoAuth != nil {
			c.AllowLocalhostNoAuth = *p.AllowLocalhostNoAuth
		}
		if p.AllowHostDockerInternalNoAuth != nil {
			c.AllowHostDockerInternalNoAuth = *p.AllowHostDockerInternalNoAuth
		}
		if p.AutoRemoveExpiredTokens != nil {
			c.AutoRemoveExpiredTokens = *p.AutoRemoveExpiredTokens
		}
		return nil
	})
	if !ok {
		return
	}
	h.NotifyChanged("config")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// providerListItem is the dashboard's view of a configured provider: config
// fields merged with the latest health probe.
type providerListItem struct {
	DisplayName    string `json:"display_name"`
	Name           string `json:"name"`
	ProviderType   string `json:"provider_type,omitempty"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Enabled        bool   `json:"enabled"`
	Status         string `json:"status"`
	ModelCount     int    `json:"model_count"`
	ResponseMS     int64  `json:"response_ms,omitempty"`
	CheckedAt      string `json:"checked_at,omitempty"`
}

// presetDisplayNames maps provider types to the human names from the preset
// catalog, for dashboards that want "OpenRouter" instead of "openrouter".
func presetDisplayNames() map[string]string {
	names := map[string]string{}
	popular, err := getPopularProviders()
	if err != nil {
		return names
	}
	for _, p := range popular {
		if strings.TrimSpace(p.DisplayName) != "" {
			names[p.Name] = p.DisplayName
		}
	}
	return names
}

func (h *AdminHandler) providerItem(p config.ProviderConfig, displayNames map[string]string) providerListItem {
	providerType := providerTypeOrName(p)
	item := providerListItem{
		DisplayName:    p.Name,
		Name:           p.Name,
		ProviderType:   providerType,
		BaseURL:        p.BaseURL,
		TimeoutSeconds: p.TimeoutSeconds,
		Enabled:        p.Enabled,
	}
	if dn, ok := displayNames[providerType]; ok {
		item.DisplayName = dn
	}
	if !p.Enabled {
		item.Status = "disabled"
		return item
	}
	item.Status = "unknown"
	if h.healthChecker != nil {
		if snap, ok := h.healthChecker.Snapshot(p.Name); ok {
			item.Status = snap.Status
			item.ModelCount = snap.ModelCount
			item.ResponseMS = snap.ResponseMS
			item.CheckedAt = snap.CheckedAt.Format(time.RFC3339)
		}
	}
	return item
}

func (h *AdminHandler) listProviders(w http.ResponseWriter, _ *http.Request) {
	cfg := h.store.Snapshot()
	displayNames := presetDisplayNames()
	out := make([]providerListItem, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, h.providerItem(p, displayNames))
	}
	writeJSON(w, http.StatusOK, out)
}

// providersChanged re-probes health and notifies dashboards after a provider
// mutation, then acks with the given status.
func (h *AdminHandler) providersChanged(w http.ResponseWriter, status int) {
	if h.healthChecker != nil {
		h.healthChecker.Trigger()
	}
	h.NotifyChanged("providers")
	writeJSON(w, status, map[string]string{"status": "ok"})
}

func (h *AdminHandler) createProvider(w http.ResponseWriter, r *http.Request) {
	var p config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	p = applyPresetDefaults(p)
	if err := validateProviderForSave(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := h.store.Update(func(c *config.ServerConfig) error {
		exists := slices.ContainsFunc(c.Providers, func(e config.ProviderConfig) bool {
			return e.Name == p.Name
		})
		if exists {
			return fmt.Errorf("provider exists")
		}
		c.Providers = append(c.Providers, p)
		if c.DefaultProvider == "" {
			c.DefaultProvider = p.Name
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.providersChanged(w, http.StatusCreated)
}

// mergeProviderUpdate overlays an update onto the stored provider. Omitted
// fields keep their current values so the dashboard can PUT partial edits,
// and credentials in particular survive unless explicitly replaced.
func mergeProviderUpdate(cur, in config.ProviderConfig) config.ProviderConfig {
	out := in
	out.Name = cur.Name
	if strings.TrimSpace(out.ProviderType) == "" {
		out.ProviderType = cur.ProviderType
	}
	if strings.TrimSpace(out.BaseURL) == "" {
		out.BaseURL = cur.BaseURL
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = cur.TimeoutSeconds
	}
	if strings.TrimSpace(out.APIKey) == "" {
		out.APIKey = cur.APIKey
	}
	if strings.TrimSpace(out.AuthToken) == "" {
		out.AuthToken = cur.AuthToken
	}
	return out
}

func (h *AdminHandler) updateProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		http.Error(w, "provider name required", http.StatusBadRequest)
		return
	}
	var p config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := h.store.Update(func(c *config.ServerConfig) error {
		i := slices.IndexFunc(c.Providers, func(e config.ProviderConfig) bool {
			return e.Name == name
		})
		if i < 0 {
			return fmt.Errorf("provider not found")
		}
		merged := mergeProviderUpdate(c.Providers[i], p)
		if err := validateProviderForSave(merged); err != nil {
			return err
		}
		c.Providers[i] = merged
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.providersChanged(w, http.StatusOK)
}

func (h *AdminHandler) deleteProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		http.Error(w, "provider name required", http.StatusBadRequest)
		return
	}
	err := h.store.Update(func(c *config.ServerConfig) error {
		before := len(c.Providers)
		c.Providers = slices.DeleteFunc(c.Providers, func(p config.ProviderConfig) bool {
			return p.Name == name
		})
		if len(c.Providers) == before {
			return fmt.Errorf("provider not found")
		}
		if c.DefaultProvider == name {
			c.DefaultProvider = ""
			if len(c.Providers) > 0 {
				c.DefaultProvider = c.Providers[0].Name
			}
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.providersChanged(w, http.StatusOK)
}

// testProviderAPI probes a provider definition without saving it, so the
// dashboard can validate credentials before adding.
func (h *AdminHandler) testProviderAPI(w http.ResponseWriter, r *http.Request) {
	var p config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		http.Error(w, "base_url is required", http.StatusBadRequest)
		return
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 10
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutSeconds)*time.Second)
	defer cancel()
	start := time.Now()
	models, err := provider.NewClient(p).ListModels(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      probeStatus(err),
		"model_count": len(models),
		"response_ms": time.Since(start).Milliseconds(),
	})
}

func (h *AdminHandler) popularProvidersAPI(w http.ResponseWriter, _ *http.Request) {
	providers, err := getPopularProviders()
	if err != nil {
		http.Error(w, "popular providers unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (h *AdminHandler) modelsCatalogAPI(w http.ResponseWriter, r *http.Request) {
	models, err := h.resolver.DiscoverModels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": models})
}

func (h *AdminHandler) refreshModelsAPI(w http.ResponseWriter, r *http.Request) {
	models, err := h.resolver.DiscoverModels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if h.healthChecker != nil {
		h.healthChecker.Trigger()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": models})
}

// errForbidden marks role violations inside store updates so the handler can
// answer 403 instead of the generic 400.
var errForbidden = errors.New("forbidden")

// requestActor returns the authenticated identity, defaulting to admin for
// the trusted-localhost path where no token was presented.
func requestActor(r *http.Request) authIdentity {
	if actor, ok := adminIdentityFromContext(r.Context()); ok {
		return actor
	}
	return authIdentity{Role: config.TokenRoleAdmin}
}

// keymasterHidden reports whether the actor may not see or touch a token of
// the given role. Keymasters manage inferrer tokens only.
func keymasterHidden(actor authIdentity, role string) bool {
	return actor.Role == config.TokenRoleKeymaster && role != config.TokenRoleInferrer
}

// parseExpiresAt validates an optional RFC3339 expiry, returning it trimmed.
func parseExpiresAt(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if _, err := time.Parse(time.RFC3339, raw); err != nil {
		return "", errors.New("expires_at must be RFC3339")
	}
	return raw, nil
}

func tokenMutationError(w http.ResponseWriter, err error) {
	if errors.Is(err, errForbidden) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

type accessTokenItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	Comment   string `json:"comment,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (h *AdminHandler) listAccessTokens(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)
	cfg := h.store.Snapshot()
	out := make([]accessTokenItem, 0, len(cfg.IncomingTokens))
	for _, t := range cfg.IncomingTokens {
		role := config.NormalizeIncomingTokenRole(t.Role)
		if keymasterHidden(actor, role) {
			continue
		}
		out = append(out, accessTokenItem{
			ID:        strings.TrimSpace(t.ID),
			Name:      strings.TrimSpace(t.Name),
			Role:      role,
			Comment:   strings.TrimSpace(t.Comment),
			ExpiresAt: strings.TrimSpace(t.ExpiresAt),
			CreatedAt: strings.TrimSpace(t.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type accessTokenPayload struct {
	Name      string `json:"name"`
	Key       string `json:"key,omitempty"`
	Role      string `json:"role,omitempty"`
	Comment   string `json:"comment,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (h *AdminHandler) createAccessToken(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)
	var payload accessTokenPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(payload.Key)
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	expiresAt, err := parseExpiresAt(payload.ExpiresAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	role := config.NormalizeIncomingTokenRole(payload.Role)
	if keymasterHidden(actor, role) {
		http.Error(w, "keymaster can only create inferrer tokens", http.StatusForbidden)
		return
	}
	err = h.store.Update(func(c *config.ServerConfig) error {
		dup := slices.ContainsFunc(c.IncomingTokens, func(t config.IncomingAPIToken) bool {
			return strings.TrimSpace(t.Key) == key
		})
		if dup {
			return errors.New("token already exists")
		}
		c.IncomingTokens = append(c.IncomingTokens, config.IncomingAPIToken{
			Name:      name,
			Key:       key,
			Role:      role,
			Comment:   strings.TrimSpace(payload.Comment),
			ExpiresAt: expiresAt,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.NotifyChanged("access")
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *AdminHandler) updateAccessToken(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	var payload accessTokenPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	role := config.NormalizeIncomingTokenRole(payload.Role)
	expiresAt, err := parseExpiresAt(payload.ExpiresAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.store.Update(func(c *config.ServerConfig) error {
		i := slices.IndexFunc(c.IncomingTokens, func(t config.IncomingAPIToken) bool {
			return strings.TrimSpace(t.ID) == id
		})
		if i < 0 {
			return errors.New("token not found")
		}
		t := &c.IncomingTokens[i]
		if keymasterHidden(actor, config.NormalizeIncomingTokenRole(t.Role)) || keymasterHidden(actor, role) {
			return errForbidden
		}
		t.Name = name
		t.Role = role
		t.Comment = strings.TrimSpace(payload.Comment)
		t.ExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		tokenMutationError(w, err)
		return
	}
	h.NotifyChanged("access")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) deleteAccessToken(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	err := h.store.Update(func(c *config.ServerConfig) error {
		i := slices.IndexFunc(c.IncomingTokens, func(t config.IncomingAPIToken) bool {
			return strings.TrimSpace(t.ID) == id
		})
		if i < 0 {
			return errors.New("token not found")
		}
		if keymasterHidden(actor, config.NormalizeIncomingTokenRole(c.IncomingTokens[i].Role)) {
			return errForbidden
		}
		c.IncomingTokens = slices.Delete(c.IncomingTokens, i, i+1)
		return nil
	})
	if err != nil {
		tokenMutationError(w, err)
		return
	}
	h.NotifyChanged("access")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validateProviderForSave(p config.ProviderConfig) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be an absolute http(s) URL")
	}
	return nil
}
