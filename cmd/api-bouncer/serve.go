package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/bouncer"
	"github.com/aryangodara/api_bouncer/config"
	"github.com/aryangodara/api_bouncer/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const adminTokenHeader = "X-Admin-Token"

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rate limited HTTP server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			rt, err := newApp(ctx, *configPath, metrics.NewPrometheus(reg))
			if err != nil {
				return err
			}
			defer rt.close()

			return serve(ctx, rt, reg)
		},
	}
}

func serve(ctx context.Context, rt *app, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              rt.cfg.Server.Addr,
		Handler:           newRouter(rt.cfg, rt.bouncer, rt.logger, reg),
		ReadHeaderTimeout: rt.cfg.Server.ReadHeaderTimeout,
	}

	settings := rt.bouncer.Settings()
	rt.logger.Info("starting api bouncer",
		zap.String("addr", srv.Addr),
		zap.String("algorithm", string(settings.Algorithm)),
		zap.Int64("default_requests", settings.Policies.Default.Requests),
		zap.Duration("default_window", settings.Policies.Default.Window),
		zap.Bool("admin_enabled", rt.cfg.Admin.Token != ""),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	rt.logger.Info("server stopped")
	return nil
}

// newRouter builds the demo API behind the rate limiter plus the metrics and
// admin endpoints, which are not rate limited.
func newRouter(cfg *config.Config, b *bouncer.Bouncer, logger *zap.Logger, gatherer prometheus.Gatherer) http.Handler {
	extractor := api_bouncer.NewClientIPExtractor()
	h := &handlers{bouncer: b, extractor: extractor, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if cfg.Admin.Token != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireToken(cfg.Admin.Token))
			r.Delete("/limits", h.resetLimit)
			r.Delete("/blocks/{identifier}", h.unblock)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return api_bouncer.NewHTTPRateLimiterHandler(next, &api_bouncer.RateLimiterConfig{
				Extractor: extractor,
				Admitter:  b,
				Logger:    logger,
			})
		})

		r.Get("/", h.root)
		r.Get("/health", h.health)
		r.Get("/api/data", h.data)
		r.Post("/auth/login", h.message("Login successful"))
		r.Post("/auth/register", h.message("Registration successful"))
		r.Post("/auth/reset-password", h.message("Password reset email sent"))
		r.Get("/stats", h.stats)
	})

	return r
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(adminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error":   http.StatusText(http.StatusUnauthorized),
					"message": "missing or invalid admin token",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	bouncer   *bouncer.Bouncer
	extractor api_bouncer.Extractor
	logger    *zap.Logger
}

type policyView struct {
	Limit         int64   `json:"limit"`
	WindowSeconds float64 `json:"window_seconds"`
	BurstSize     int64   `json:"burst_size"`
}

func newPolicyView(p api_bouncer.Policy) policyView {
	return policyView{Limit: p.Requests, WindowSeconds: p.Window.Seconds(), BurstSize: p.Burst}
}

func (h *handlers) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Welcome to API Bouncer",
		"description": "Rate limiting and abuse blocking for HTTP APIs",
		"endpoints": map[string]string{
			"/":                    "This endpoint",
			"/health":              "Health check",
			"/api/data":            "Sample data endpoint",
			"/auth/login":          "Login endpoint with a stricter limit",
			"/auth/register":       "Registration endpoint with a stricter limit",
			"/auth/reset-password": "Password reset endpoint with a stricter limit",
			"/stats":               "Your current rate limit usage",
		},
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "api-bouncer"})
}

func (h *handlers) data(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": []map[string]interface{}{
			{"id": 1, "name": "Item 1"},
			{"id": 2, "name": "Item 2"},
			{"id": 3, "name": "Item 3"},
		},
	})
}

func (h *handlers) message(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := h.bouncer.Policy(r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": msg,
			"policy":  newPolicyView(p),
		})
	}
}

// stats reports the configured policies and the caller's usage of the route
// given by the "route" query parameter, "/api/data" by default.
func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	identifier, err := h.extractor.Extract(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": http.StatusText(http.StatusBadRequest), "message": err.Error()})
		return
	}

	route := r.URL.Query().Get("route")
	if route == "" {
		route = "/api/data"
	}

	settings := h.bouncer.Settings()
	routes := make(map[string]policyView, len(settings.Policies.Routes))
	for path, p := range settings.Policies.Routes {
		routes[path] = newPolicyView(p)
	}

	body := map[string]interface{}{
		"your_ip":   identifier,
		"algorithm": settings.Algorithm,
		"policies": map[string]interface{}{
			"default": newPolicyView(settings.Policies.Default),
			"routes":  routes,
		},
		"violation_tracking": map[string]interface{}{
			"threshold":              settings.ViolationThreshold,
			"window_seconds":         settings.ViolationWindow.Seconds(),
			"block_duration_seconds": settings.BlockDuration.Seconds(),
		},
	}

	usage, err := h.bouncer.Usage(r.Context(), identifier, route)
	if err != nil {
		h.logger.Warn("failed to read usage", zap.String("identifier", identifier), zap.Error(err))
	} else {
		body["usage"] = map[string]interface{}{
			"route":             usage.Route,
			"remaining":         usage.Remaining,
			"reset":             usage.ResetAt.Unix(),
			"violations":        usage.Violations,
			"blocked":           usage.Blocked,
			"block_ttl_seconds": usage.BlockTTL.Seconds(),
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) resetLimit(w http.ResponseWriter, r *http.Request) {
	identifier, route := r.URL.Query().Get("identifier"), r.URL.Query().Get("route")
	if identifier == "" || route == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   http.StatusText(http.StatusBadRequest),
			"message": "identifier and route are required",
		})
		return
	}

	if err := h.bouncer.Reset(r.Context(), identifier, route); err != nil {
		h.adminError(w, "reset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) unblock(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if err := h.bouncer.Unblock(r.Context(), identifier); err != nil {
		h.adminError(w, "unblock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) adminError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("admin operation failed", zap.String("op", op), zap.Error(err))
	status := http.StatusInternalServerError
	if api_bouncer.IsStoreError(err) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": op + " failed",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
