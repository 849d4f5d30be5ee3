package api

import (
	"net/http"
	"time"

	"entitlements/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	MaxBodyBytes int64
	// ReplayLock keeps two replays of the same dead letter from running at once.
	ReplayLock    middleware.KeyLocker
	ReplayLockTTL time.Duration
}

func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ReplayLockTTL <= 0 {
		cfg.ReplayLockTTL = time.Minute
	}

	r := chi.NewRouter()

	r.Use(ChiMiddleware.RequestID)
	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)
	r.Use(middleware.Metrics)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.With(middleware.RawBody(cfg.MaxBodyBytes)).Post("/events", h.ReceiveEvent)
	r.Get("/events/{eventId}", h.GetEvent)

	r.Get("/entitlements/{actorId}/{subjectId}", h.HasAccess)
	r.Post("/entitlements/{actorId}/{subjectId}/token", h.IssueToken)
	r.Post("/tokens/verify", h.CheckToken)
	r.Get("/.well-known/jwks.json", h.JWKS)

	r.Get("/dead-letters", h.DeadLetters)
	if cfg.ReplayLock != nil {
		r.With(middleware.Exclusive(cfg.ReplayLock, cfg.ReplayLockTTL, func(r *http.Request) string {
			return "replay:" + chi.URLParam(r, "eventId")
		})).Post("/dead-letters/{eventId}/replay", h.Replay)
	} else {
		r.Post("/dead-letters/{eventId}/replay", h.Replay)
	}

	r.Handle("/metrics", promhttp.Handler())

	return r
}
