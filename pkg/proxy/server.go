// Package proxy is the HTTP surface of gemrelay: the OpenAI-compatible API,
// the admin API and the background maintenance loops.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/gemrelay/pkg/cache"
	"github.com/lkarlslund/gemrelay/pkg/config"
	"github.com/lkarlslund/gemrelay/pkg/disguise"
	"github.com/lkarlslund/gemrelay/pkg/dispatch"
	"github.com/lkarlslund/gemrelay/pkg/keypool"
	"github.com/lkarlslund/gemrelay/pkg/logstore"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
	"github.com/lkarlslund/gemrelay/pkg/metrics"
	"github.com/lkarlslund/gemrelay/pkg/ratelimit"
	"github.com/lkarlslund/gemrelay/pkg/upstream"
	"github.com/lkarlslund/gemrelay/pkg/usagedb"
)

const (
	shutdownTimeout = 10 * time.Second
	maxRequestBody  = 10 << 20
)

type Server struct {
	store      *config.Store
	configPath string

	pool       *keypool.Pool
	limiter    *ratelimit.Limiter
	disguiser  *disguise.Disguiser
	client     *upstream.Client
	cache      cache.Store
	dispatcher *dispatch.Manager
	metrics    *metrics.Collector
	keyHealth  *KeyHealthChecker
	admin      *AdminHandler
	logs       *logstore.Store
	usage      *usagedb.Store
	logger     *log.Logger

	handler             http.Handler
	httpServer          *http.Server
	modelsCached        atomic.Pointer[[]string]
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
	startedAt           time.Time
}

type serverOptions struct {
	configPath string
	httpClient *http.Client
}

type Option func(*serverOptions)

// WithConfigPath enables hot reload of the file the configuration came from.
func WithConfigPath(path string) Option {
	return func(o *serverOptions) { o.configPath = path }
}

func WithHTTPClient(h *http.Client) Option {
	return func(o *serverOptions) { o.httpClient = h }
}

// NewKeyPool builds the credential pool described by cfg.
func NewKeyPool(cfg *config.Config) (*keypool.Pool, error) {
	pool, err := keypool.New(cfg.Keys,
		keypool.WithFailureThreshold(cfg.KeyPool.FailureThreshold),
		keypool.WithRecoveryAfter(cfg.KeyPool.RecoveryAfter.Std()),
		keypool.WithValidationBatch(cfg.KeyPool.ValidateBatch, cfg.KeyPool.ValidatePause.Std()),
	)
	if err != nil {
		return nil, fmt.Errorf("init key pool: %w", err)
	}
	return pool, nil
}

// NewUpstreamClient builds a backend client drawing credentials from keys.
// Extra options are applied after the ones derived from cfg.
func NewUpstreamClient(cfg *config.Config, keys upstream.KeySource, extra ...upstream.Option) *upstream.Client {
	opts := []upstream.Option{
		upstream.WithBaseURL(cfg.Upstream.BaseURL),
		upstream.WithMaxRetries(cfg.Upstream.MaxRetries),
		upstream.WithRetryDelay(cfg.Upstream.RetryDelay.Std()),
		upstream.WithTimeout(cfg.Upstream.Timeout.Std()),
	}
	return upstream.New(keys, append(opts, extra...)...)
}

// NewServer wires every component from cfg. It fails when no credential is
// configured or the cache backend cannot be opened.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := NewKeyPool(cfg)
	if err != nil {
		return nil, err
	}
	store, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Backend, err)
	}
	var usage *usagedb.Store
	if cfg.Usage.Enabled {
		usage, err = usagedb.Open(cfg.Usage.Path, cfg.Usage.Retention.Std())
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open usage log: %w", err)
		}
	}

	m := metrics.New()
	disguiser := disguise.New(cfg.Features.Disguise)
	upOpts := []upstream.Option{
		upstream.WithMutator(disguiser),
		upstream.WithObserver(m),
	}
	if o.httpClient != nil {
		upOpts = append(upOpts, upstream.WithHTTPClient(o.httpClient))
	}
	client := NewUpstreamClient(cfg, pool, upOpts...)

	s := &Server{
		store:      config.NewStore(cfg),
		configPath: o.configPath,
		pool:       pool,
		limiter:    ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.PerDay),
		disguiser:  disguiser,
		client:     client,
		cache:      store,
		dispatcher: dispatch.New(client, store, dispatchOptions(cfg), dispatch.WithMetrics(m)),
		metrics:    m,
		keyHealth:  NewKeyHealthChecker(pool, client.Probe, cfg.KeyPool.ValidateInterval.Std()),
		logs:       logstore.New(cfg.Log.Buffer),
		usage:      usage,
		logger:     logutil.New("proxy"),
		startedAt:  time.Now(),
	}
	m.RegisterKeyPool(func() (int, int) {
		st := pool.Stats()
		return st.Healthy, st.Total
	})
	m.RegisterCacheEntries(func() int {
		n, _ := store.Len(context.Background())
		return n
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authAPIMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})

	s.admin = NewAdminHandler(s)
	s.admin.RegisterRoutes(r)
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
	return dispatch.Options{
		CacheEnabled:      cfg.Features.Cache,
		CacheTTL:          cfg.Cache.TTL.Std(),
		Concurrent:        cfg.Features.Concurrent,
		FanOut:            cfg.Features.Concurrency,
		BackgroundTimeout: cfg.Upstream.Timeout.Std(),
	}
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Close waits for background cache collection and releases the cache.
func (s *Server) Close() error {
	s.dispatcher.Wait()
	return errors.Join(s.cache.Close(), s.usage.Close())
}

// applyConfig takes a reloaded configuration into use. Limits, feature
// toggles and the cache policy apply to the next request; new keys join the
// pool. Listener, TLS and upstream transport settings need a restart.
func (s *Server) applyConfig(next *config.Config) {
	if err := s.store.Update(func(c *config.Config) error {
		*c = *next
		return nil
	}); err != nil {
		s.logger.Warn("rejected reloaded config", "err", err)
		return
	}
	if err := logutil.Configure(next.Log.Level, next.Log.Format); err != nil {
		s.logger.Warn("keeping previous log settings", "err", err)
	}
	s.limiter.SetLimits(next.RateLimit.PerMinute, next.RateLimit.PerDay)
	s.disguiser.SetEnabled(next.Features.Disguise)
	s.dispatcher.SetOptions(dispatchOptions(next))
	s.logs.Resize(next.Log.Buffer)
	added := 0
	for _, k := range next.Keys {
		switch err := s.pool.Add(k); {
		case err == nil:
			added++
		case errors.Is(err, keypool.ErrDuplicateKey):
		default:
			s.logger.Warn("skipping configured key", "key", logutil.Redact(k), "err", err)
		}
	}
	s.logger.Info("configuration applied", "keys_added", added, "pool", s.pool.String())
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go s.keyHealth.Run(bgCtx)
	go s.sweepLoop(bgCtx, cfg.Cache.SweepInterval.Std())
	if s.configPath != "" {
		if err := config.Watch(bgCtx, s.configPath, s.applyConfig); err != nil {
			s.logger.Warn("config hot reload disabled", "path", s.configPath, "err", err)
		}
	}
	logutil.SetOutputTee(io.MultiWriter(s.admin.hub, s.logs.Writer()))
	defer logutil.SetOutputTee(nil)

	servers := []*http.Server{s.httpServer}
	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              cfg.TLS.ListenAddr,
			Handler:           s.handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = []*http.Server{httpChallenge, httpsSrv}

		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", httpChallenge.Addr)
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			s.logger.Info("proxy listening", "addr", cfg.ListenAddr, "keys", s.pool.String())
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("proxy server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	stopBackground()

	s.draining.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.waitForProxyIdle(shutdownCtx)
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown: background cache collection still running")
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("close cache", "err", err)
	}
	if err := s.usage.Close(); err != nil {
		s.logger.Warn("close usage log", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			s.logger.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.logger.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown: giving up on active proxy requests", "active", active)
			return
		case <-t.C:
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Stats()
	status := http.StatusOK
	state := "ok"
	if st.Healthy == 0 {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       state,
		"keys_healthy": st.Healthy,
		"keys_total":   st.Total,
	})
}

type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// handleModels lists every base model and its search variant. The backend
// list is remembered so a failing lookup can still be answered.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	models := cfg.Upstream.Models
	if len(models) == 0 {
		found, err := s.client.ListModels(r.Context())
		switch {
		case err == nil:
			s.modelsCached.Store(&found)
			models = found
		case s.modelsCached.Load() != nil:
			s.logger.Warn("model discovery failed, serving cached list", "err", err)
			models = *s.modelsCached.Load()
		default:
			writeError(w, err)
			return
		}
	}
	created := s.startedAt.Unix()
	out := modelList{Object: "list", Data: make([]ModelCard, 0, len(models)*2)}
	for _, id := range models {
		base, _ := upstream.ResolveModel(id)
		for _, name := range []string{base, base + upstream.SearchSuffix} {
			if slices.ContainsFunc(out.Data, func(c ModelCard) bool { return c.ID == name }) {
				continue
			}
			out.Data = append(out.Data, ModelCard{ID: name, Object: "model", Created: created, OwnedBy: "google"})
		}
	}
	writeJSON(w, http.StatusOK, out)
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
