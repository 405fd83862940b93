package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/chatrelay/api/controllers"
	"github.com/angelmondragon/chatrelay/api/middleware"
	"github.com/angelmondragon/chatrelay/internal/notify"
	"github.com/angelmondragon/chatrelay/pkg/config"
	"github.com/angelmondragon/chatrelay/pkg/db"
	"github.com/angelmondragon/chatrelay/pkg/inbox"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
	"github.com/angelmondragon/chatrelay/pkg/redis"
)

// Dependencies are the collaborators the HTTP surface needs. Redis,
// HTTPMetrics and MetricsHandler are optional.
type Dependencies struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             db.Pinger
	Redis          *redis.Client
	Inbox          *inbox.Service
	Outbox         *outbox.Service
	Notifications  *notify.Service
	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTPMetrics),
	)

	var redisPinger interface{ Ping(context.Context) error }
	var rateStore interface {
		FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	}
	if deps.Redis != nil {
		redisPinger = deps.Redis
		rateStore = deps.Redis
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.DB, redisPinger))
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	intakePolicy := middleware.NewRateLimitPolicy("intake", cfg.Intake.RateWindow, cfg.Intake.RateLimit)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(intakePolicy, rateStore, logg))
		r.Post("/interactions", controllers.IngestInteraction(deps.Inbox, cfg.Intake.MaxBodyBytes, logg))
		r.Post("/notifications", controllers.SendNotification(deps.Notifications, cfg.Intake.MaxBodyBytes, logg))
	})

	if cfg.Admin.Enabled() {
		r.Route("/api/admin/v1", func(r chi.Router) {
			r.Use(middleware.AdminToken(cfg.Admin.Token, logg))
			r.Get("/inbox/failed", controllers.AdminListFailedInbox(deps.Inbox, logg))
			r.Get("/inbox/records/{recordId}", controllers.AdminGetInboxRecord(deps.Inbox, logg))
			r.Get("/outbox/failed", controllers.AdminListFailedOutbox(deps.Outbox, logg))
			r.Get("/outbox/records/{recordId}", controllers.AdminGetOutboxRecord(deps.Outbox, logg))
		})
	}

	return r
}
