package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/internal/orchestrator"
)

type Workspaces interface {
	GetActiveVMs(ctx context.Context) ([]orchestrator.ActiveSession, error)
	EvictProjectVM(ctx context.Context, projectID models.ProjectID, idle time.Duration) error
}

type Config struct {
	Interval      time.Duration `envconfig:"REAPER_INTERVAL,default=30s"`
	IdleThreshold time.Duration `envconfig:"REAPER_IDLE_THRESHOLD,default=20m"`
}

// Reaper releases sessions nobody heartbeats anymore. Evictions are
// routine maintenance: they are logged, never surfaced as errors.
type Reaper struct {
	cfg        Config
	workspaces Workspaces
}

func New(cfg Config, workspaces Workspaces) *Reaper {
	return &Reaper{
		cfg:        cfg,
		workspaces: workspaces,
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	active, err := r.workspaces.GetActiveVMs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reaper failed to list active sessions")
		return
	}
	for _, session := range active {
		if session.Idle <= r.cfg.IdleThreshold {
			continue
		}
		err := r.workspaces.EvictProjectVM(ctx, session.ProjectID, session.Idle)
		if err != nil {
			log.Error().Err(err).Msgf("failed to evict idle project %s", session.ProjectID)
			continue
		}
		log.Info().Msgf("evicted project %s after %s idle", session.ProjectID, session.Idle.Round(time.Second))
	}
}
