package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/queue"
	"github.com/hackgods/clinic-queue/internal/realtime"
)

type RouterConfig struct {
	Coordinator *queue.Coordinator
	Hub         *realtime.Hub
	PgPool      *pgxpool.Pool
	Redis       *redis.Client
	Logger      zerolog.Logger
	Env         string
	Version     string

	// RedisTickets marks Redis as the ticket backend, making it critical
	// for readiness.
	RedisTickets bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.RedisTickets, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	svc := cfg.Coordinator
	ws := realtime.NewHandler(cfg.Hub, svc.Snapshot, cfg.Logger)

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Route("/clinics/{clinicID}", func(r chi.Router) {
			r.Get("/queue", listQueueHandler(svc))
			r.Get("/queue/stats", queueStatsHandler(svc))
			r.Get("/events", clinicEventsHandler(ws))
			r.Post("/departments/{departmentID}/queue", checkInHandler(svc))
			r.Post("/departments/{departmentID}/queue/call-next", callNextHandler(svc))
		})

		r.Get("/events", globalEventsHandler(ws))

		r.Route("/entries/{id}", func(r chi.Router) {
			r.Get("/", getEntryHandler(svc))
			r.Post("/call", transitionHandler(svc.CallSpecific))
			r.Post("/start", transitionHandler(svc.StartService))
			r.Post("/complete", transitionHandler(svc.Complete))
			r.Post("/cancel", transitionHandler(svc.Cancel))
			r.Post("/no-show", transitionHandler(svc.MarkNoShow))
			r.Post("/requeue", transitionHandler(svc.Requeue))
			r.Post("/priority", transitionHandler(svc.Reprioritize))
		})
	})

	return r
}
