package sweep

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/core"
)

// Sweeper periodically re-dispatches active deployments: nodes that were
// offline, requeued after a transient failure, or waiting out a schedule
// window get picked up here. A sweep that overruns its interval is skipped,
// never stacked.
type Sweeper struct {
	deployments *core.DeploymentService
	interval    time.Duration
	logger      zerolog.Logger

	running atomic.Bool
}

func New(deployments *core.DeploymentService, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		deployments: deployments,
		interval:    interval,
		logger:      logger.With().Str("component", "reconciliation-sweep").Logger(),
	}
}

// Run ticks until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep visits every active deployment once. Non-reentrant: a concurrent
// call returns immediately so two sweeps never dispatch the same rows.
func (s *Sweeper) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("sweep overrun, skipping tick")
		return
	}
	defer s.running.Store(false)

	started := time.Now()
	ids, err := s.deployments.ListActiveIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list active deployments failed")
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.deployments.DispatchEligible(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("deployment_id", id).Msg("sweep dispatch failed")
		}
	}

	if len(ids) > 0 {
		s.logger.Debug().
			Int("deployments", len(ids)).
			Dur("took", time.Since(started)).
			Msg("sweep finished")
	}
}
