package app

import (
	"net/http"
	"time"

	"keeper/cmd/internal/auth/api"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes builds the full handler chain. Every route that reads a bearer token
// sits behind the blacklist gate; logout uses its idempotent form.
func (a *App) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)

	if a.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	idempotent := r.NewRoute().Subrouter()
	idempotent.Use(a.gate.Idempotent)
	protected := r.NewRoute().Subrouter()
	protected.Use(a.gate.Middleware)

	a.auth.Register(api.Routers{Public: r, Idempotent: idempotent, Protected: protected})
	protected.Handle("/ws/sessions", a.ws).Methods(http.MethodGet)

	return WithSecurityHeaders(WithCORS(WithRequestLogging(r, a.log), a.cfg, a.log))
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	if a.redis != nil {
		if err := PingRedis(r.Context(), a.redis, 2*time.Second); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.redis.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
