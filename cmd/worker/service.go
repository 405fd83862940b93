package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/server"
)

type pinger interface {
	Ping(context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Logger        *logger.Logger
	DB            pinger
	Loops         map[string]runner
	MetricsServer *http.Server
}

// Service runs the dispatch loops and the metrics listener side by side. The
// first one to fail stops the rest.
type Service struct {
	logg          *logger.Logger
	db            pinger
	loops         map[string]runner
	metricsServer *http.Server
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if len(params.Loops) == 0 {
		return nil, errors.New("at least one dispatch loop is required")
	}
	return &Service{
		logg:          params.Logger,
		db:            params.DB,
		loops:         params.Loops,
		metricsServer: params.MetricsServer,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until ctx is cancelled or a loop fails. A cancelled ctx is a
// clean stop and returns nil.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for name, loop := range s.loops {
		name, loop := name, loop
		group.Go(func() error {
			err := loop.Run(groupCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s loop: %w", name, err)
			}
			return nil
		})
	}
	if s.metricsServer != nil {
		group.Go(func() error {
			return server.Run(groupCtx, s.metricsServer, s.logg, 0)
		})
	}

	return group.Wait()
}
