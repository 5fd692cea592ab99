package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/gemrelay/pkg/config"
	"github.com/lkarlslund/gemrelay/pkg/keypool"
	"github.com/lkarlslund/gemrelay/pkg/logstore"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
	"github.com/lkarlslund/gemrelay/pkg/ratelimit"
	"github.com/lkarlslund/gemrelay/pkg/version"
)

const adminValidateTimeout = 2 * time.Minute

// AdminHandler serves the operator API under /admin/api. It is gated by the
// same shared secret as the public API.
type AdminHandler struct {
	srv *Server
	hub *wsHub
}

func NewAdminHandler(s *Server) *AdminHandler {
	return &AdminHandler{srv: s, hub: newWSHub()}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/api", func(api chi.Router) {
		api.Use(h.requireAdminAPI)
		api.Get("/status", h.statusAPI)
		api.Get("/config", h.configAPI)
		api.Post("/keys", h.addKeyAPI)
		api.Post("/keys/validate", h.validateKeysAPI)
		api.Delete("/keys/{suffix}", h.removeKeyAPI)
		api.Post("/keys/{suffix}/reset", h.resetKeyAPI)
		api.Delete("/cache", h.clearCacheAPI)
		api.Get("/usage", h.usageAPI)
		api.Get("/logs", h.logsAPI)
		api.Delete("/logs", h.clearLogsAPI)
		api.Get("/ws", h.adminWebsocket)
	})
}

// requireAdminAPI accepts the secret as a bearer token, or as a token query
// parameter for websocket clients that cannot set headers.
func (h *AdminHandler) requireAdminAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := h.srv.store.Snapshot().APIKey
		token := bearerToken(r.Header)
		if token == "" && strings.HasSuffix(r.URL.Path, "/ws") {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if !tokenAllowed(token, secret) {
			writeError(w, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type cacheStatus struct {
	Backend string `json:"backend"`
	Enabled bool   `json:"enabled"`
	Entries int    `json:"entries"`
}

type statusPayload struct {
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Keys       keypool.Stats          `json:"keys"`
	Validation KeyHealthSnapshot      `json:"validation"`
	RateLimit  ratelimit.Stats        `json:"rate_limit"`
	Cache      cacheStatus            `json:"cache"`
	Features   config.FeaturesConfig  `json:"features"`
	Limits     config.RateLimitConfig `json:"limits"`
}

func (h *AdminHandler) status(ctx context.Context) statusPayload {
	cfg := h.srv.store.Snapshot()
	entries, err := h.srv.cache.Len(ctx)
	if err != nil {
		h.srv.logger.Warn("cache size unavailable", "err", err)
	}
	return statusPayload{
		Version:    version.String(),
		Uptime:     time.Since(h.srv.startedAt).Round(time.Second).String(),
		Keys:       h.srv.pool.Stats(),
		Validation: h.srv.keyHealth.Last(),
		RateLimit:  h.srv.limiter.Stats(),
		Cache:      cacheStatus{Backend: cfg.Cache.Backend, Enabled: cfg.Features.Cache, Entries: entries},
		Features:   cfg.Features,
		Limits:     cfg.RateLimit,
	}
}

func (h *AdminHandler) statusAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status(r.Context()))
}

func (h *AdminHandler) configAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.store.Snapshot().Redacted())
}

func (h *AdminHandler) addKeyAPI(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&payload); err != nil {
		writeInvalidRequest(w, "invalid JSON body")
		return
	}
	if err := h.srv.pool.Add(payload.Key); err != nil {
		h.writeKeyError(w, err)
		return
	}
	h.srv.logger.Info("key added", "key", logutil.Redact(strings.TrimSpace(payload.Key)))
	writeJSON(w, http.StatusCreated, h.srv.pool.Stats())
}

func (h *AdminHandler) removeKeyAPI(w http.ResponseWriter, r *http.Request) {
	suffix := chi.URLParam(r, "suffix")
	if err := h.srv.pool.Remove(suffix); err != nil {
		h.writeKeyError(w, err)
		return
	}
	h.srv.logger.Info("key removed", "suffix", suffix)
	writeJSON(w, http.StatusOK, h.srv.pool.Stats())
}

func (h *AdminHandler) resetKeyAPI(w http.ResponseWriter, r *http.Request) {
	suffix := chi.URLParam(r, "suffix")
	if err := h.srv.pool.Reset(suffix); err != nil {
		h.writeKeyError(w, err)
		return
	}
	h.srv.logger.Info("key reset", "suffix", suffix)
	writeJSON(w, http.StatusOK, h.srv.pool.Stats())
}

// validateKeysAPI probes every key synchronously. The sweep keeps running
// if the caller disconnects so the pool still learns the results.
func (h *AdminHandler) validateKeysAPI(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), adminValidateTimeout)
	defer cancel()
	snap := h.srv.keyHealth.Validate(ctx)
	writeJSON(w, http.StatusOK, snap)
}

func (h *AdminHandler) clearCacheAPI(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.cache.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.srv.logger.Info("response cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

// usageAPI summarises recorded requests over ?period= (default 24h).
func (h *AdminHandler) usageAPI(w http.ResponseWriter, r *http.Request) {
	if h.srv.usage == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{
			Message: "usage tracking is disabled",
			Type:    errTypeInvalidRequest,
			Code:    "usage_disabled",
		}})
		return
	}
	period := 24 * time.Hour
	if v := r.URL.Query().Get("period"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeInvalidRequest(w, "period must be a positive duration such as 1h or 168h")
			return
		}
		period = d
	}
	sum, err := h.srv.usage.Summary(period, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// logsAPI returns buffered log lines, newest first. Supports level, q,
// limit and after (a sequence number) query parameters.
func (h *AdminHandler) logsAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := logstore.Filter{Level: q.Get("level"), Query: q.Get("q")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeInvalidRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeInvalidRequest(w, "after must be a sequence number")
			return
		}
		f.After = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.srv.logs.List(f)})
}

func (h *AdminHandler) clearLogsAPI(w http.ResponseWriter, _ *http.Request) {
	h.srv.logs.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) writeKeyError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, keypool.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, keypool.ErrDuplicateKey), errors.Is(err, keypool.ErrLastHealthyKeyProtected):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: err.Error(),
		Type:    errTypeInvalidRequest,
		Code:    errTypeInvalidRequest,
	}})
}
