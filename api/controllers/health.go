package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/chatrelay/api/responses"
	"github.com/angelmondragon/chatrelay/pkg/config"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
)

const (
	envHeader    = "X-Chatrelay-Env"
	readyTimeout = 2 * time.Second
)

type pinger interface {
	Ping(context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency the process needs. redis may be nil when
// the deployment runs without it.
func HealthReady(cfg *config.Config, logg *logger.Logger, database pinger, redis pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := map[string]string{"database": "ok"}
		var failed error
		if err := database.Ping(ctx); err != nil {
			checks["database"] = "unavailable"
			failed = err
		}
		if redis != nil {
			checks["redis"] = "ok"
			if err := redis.Ping(ctx); err != nil {
				checks["redis"] = "unavailable"
				if failed == nil {
					failed = err
				}
			}
		}

		if failed != nil {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeDependency, failed, "dependency check failed").WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
