package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// dependency is one backing service pinged by the readiness check.
// A failing critical dependency makes the service unready; others only
// degrade it.
type dependency struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

type HealthHandler struct {
	deps    []dependency
	env     string
	version string
}

// NewHealthHandler pings only the dependencies that are configured.
// Postgres receives hand-offs and audit rows but the live queue does not
// depend on it, so it is not critical. Redis is critical only when it
// issues ticket numbers; the event relay alone can lag without harm.
func NewHealthHandler(pgPool *pgxpool.Pool, rdb *redis.Client, ticketsOnRedis bool, env, version string) *HealthHandler {
	h := &HealthHandler{env: env, version: version}
	if pgPool != nil {
		h.deps = append(h.deps, dependency{name: "postgres", ping: pgPool.Ping})
	}
	if rdb != nil {
		h.deps = append(h.deps, dependency{
			name:     "redis",
			critical: ticketsOnRedis,
			ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return h
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Version: h.version, Env: h.env})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.version,
		Env:          h.env,
		Dependencies: make(map[string]string, len(h.deps)),
	}
	code := http.StatusOK

	for _, d := range h.deps {
		pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
		err := d.ping(pingCtx)
		pingCancel()

		if err == nil {
			resp.Dependencies[d.name] = "ok"
			continue
		}
		resp.Dependencies[d.name] = "down"
		if d.critical {
			resp.Status = "error"
			code = http.StatusServiceUnavailable
		} else if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, code, resp)
}
