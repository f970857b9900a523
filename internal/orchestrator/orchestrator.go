package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/workspace-node/internal/driver"
	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/internal/pool"
)

// ErrStaleSession means the durable session pointed at a unit the backend
// no longer recognizes; the session is invalidated and allocation retried.
var ErrStaleSession = errors.New("project session references a dead unit")

// ErrUnitUnhealthy means the fast-path probe failed for a known unit.
var ErrUnitUnhealthy = errors.New("assigned unit is unhealthy")

// errSessionExpired means the session aged past the freshness window but
// its unit is alive and owned; the unit goes back to the warm pool.
var errSessionExpired = errors.New("project session is beyond the freshness window")

type SessionRepository interface {
	Save(ctx context.Context, session models.ProjectSession) error
	Get(ctx context.Context, projectID models.ProjectID) (*models.ProjectSession, error)
	Delete(ctx context.Context, projectID models.ProjectID) error
	List(ctx context.Context) ([]models.ProjectSession, error)
	Touch(ctx context.Context, projectID models.ProjectID, at time.Time) error
}

type UnitPool interface {
	Allocate(ctx context.Context, projectID models.ProjectID) (models.ComputeUnit, error)
	Release(ctx context.Context, projectID models.ProjectID)
	DestroyAllocated(ctx context.Context, projectID models.ProjectID) bool
	Adopt(unit models.ComputeUnit, projectID models.ProjectID)
	AssignedUnit(projectID models.ProjectID) (models.ComputeUnit, bool)
	UnitOwner(unitID models.UnitID) (models.ProjectID, bool)
	RecycleAll(ctx context.Context) int
	GetStats() pool.Stats
}

// FileSyncer is the external storage collaborator: it pushes project files
// into a freshly allocated unit. Nil disables syncing entirely.
type FileSyncer interface {
	SyncProject(ctx context.Context, projectID models.ProjectID, endpoint string) error
}

type Notifier interface {
	NotifyUnitEvent(models.UnitEvent)
}

type Config struct {
	// FreshnessWindow bounds how old a session may be for the fast path
	// to trust it without a fresh allocation round.
	FreshnessWindow time.Duration `envconfig:"ORCH_FRESHNESS_WINDOW,default=30m"`
}

type VMHandle struct {
	UnitID   models.UnitID `json:"unit_id"`
	Endpoint string        `json:"endpoint"`
}

type GetOrCreateOpts struct {
	SkipSync bool
}

type ActiveSession struct {
	models.ProjectSession
	Idle time.Duration `json:"idle"`
}

// Orchestrator is the single entry point for "give me a working unit for
// project P". It owns session durability and the fast path; all pool
// state mutation is delegated to the pool manager.
type Orchestrator struct {
	cfg      Config
	units    UnitPool
	sessions SessionRepository
	drv      driver.Driver
	syncer   FileSyncer
	notifier Notifier
}

func New(cfg Config, units UnitPool, sessions SessionRepository, drv driver.Driver, syncer FileSyncer, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		units:    units,
		sessions: sessions,
		drv:      drv,
		syncer:   syncer,
		notifier: notifier,
	}
}

// GetOrCreateVM resolves a ready unit for projectID. Fast path: the
// durable session still points at a live, fresh unit owned by this
// project; returns without touching the pool. Otherwise allocates from
// the pool and persists a new session.
func (o *Orchestrator) GetOrCreateVM(ctx context.Context, projectID models.ProjectID, opts GetOrCreateOpts) (VMHandle, error) {
	session, err := o.sessions.Get(ctx, projectID)
	if err != nil {
		return VMHandle{}, fmt.Errorf("failed to read session for project %s: %w", projectID, err)
	}
	if session != nil {
		handle, err := o.tryFastPath(ctx, projectID, session)
		switch {
		case err == nil:
			return handle, nil
		case errors.Is(err, errSessionExpired):
			log.Info().Msgf("session for project %s aged out, re-pooling unit %s", projectID, session.UnitID)
			o.repoolExpired(ctx, projectID, *session)
		case errors.Is(err, ErrStaleSession), errors.Is(err, ErrUnitUnhealthy):
			log.Warn().Err(err).Msgf("invalidating session for project %s, will reallocate", projectID)
			o.invalidateSession(ctx, projectID, *session)
		default:
			return VMHandle{}, err
		}
	}

	unit, err := o.units.Allocate(ctx, projectID)
	if err != nil {
		return VMHandle{}, fmt.Errorf("failed to allocate unit for project %s: %w", projectID, err)
	}

	newSession := models.ProjectSession{
		ProjectID: projectID,
		UnitID:    unit.ID,
		Endpoint:  unit.Endpoint,
		LastUsed:  time.Now(),
	}
	if err := o.sessions.Save(ctx, newSession); err != nil {
		// the unit is allocated but the binding is not durable; undo the
		// allocation instead of handing out a unit we would forget about
		// after a restart
		o.units.Release(ctx, projectID)
		return VMHandle{}, fmt.Errorf("failed to persist session for project %s: %w", projectID, err)
	}

	if !opts.SkipSync && o.syncer != nil {
		if err := o.syncer.SyncProject(ctx, projectID, unit.Endpoint); err != nil {
			log.Error().Err(err).Msgf("file sync failed for project %s on unit %s", projectID, unit.ID)
		}
	}
	return VMHandle{UnitID: unit.ID, Endpoint: unit.Endpoint}, nil
}

func (o *Orchestrator) tryFastPath(ctx context.Context, projectID models.ProjectID, session *models.ProjectSession) (VMHandle, error) {
	// re-confirm ownership: after a restart or a pool recycle the pool
	// may have handed this unit to someone else already
	if owned, exists := o.units.AssignedUnit(projectID); exists {
		if owned.ID != session.UnitID {
			return VMHandle{}, fmt.Errorf("pool has unit %s for project %s but session says %s: %w",
				owned.ID, projectID, session.UnitID, ErrStaleSession)
		}
	} else if owner, taken := o.units.UnitOwner(session.UnitID); taken && owner != projectID {
		return VMHandle{}, fmt.Errorf("unit %s was reused by project %s: %w", session.UnitID, owner, ErrStaleSession)
	}

	healthy, err := o.drv.HealthCheck(ctx, session.Endpoint)
	if err != nil {
		return VMHandle{}, fmt.Errorf("fast-path probe errored for unit %s: %w", session.UnitID, ErrUnitUnhealthy)
	}
	if !healthy {
		return VMHandle{}, fmt.Errorf("fast-path probe failed for unit %s: %w", session.UnitID, ErrUnitUnhealthy)
	}

	// freshness is checked last so an aged session with a dead unit still
	// classifies as unhealthy and gets destroyed, not re-pooled
	if session.IdleFor(time.Now()) > o.cfg.FreshnessWindow {
		return VMHandle{}, fmt.Errorf("session for project %s: %w", projectID, errSessionExpired)
	}

	if _, exists := o.units.AssignedUnit(projectID); !exists {
		// process restarted since the session was written; re-adopt the
		// live unit into pool accounting
		o.units.Adopt(models.ComputeUnit{
			ID:         session.UnitID,
			Endpoint:   session.Endpoint,
			CreatedAt:  session.LastUsed,
			LastUsedAt: session.LastUsed,
		}, projectID)
	}
	if err := o.sessions.Touch(ctx, projectID, time.Now()); err != nil {
		log.Error().Err(err).Msgf("failed to bump session for project %s", projectID)
	}
	return VMHandle{UnitID: session.UnitID, Endpoint: session.Endpoint}, nil
}

// ReleaseProjectVM returns the project's unit to the warm pool and drops
// the durable session. Safe to call for unknown projects.
func (o *Orchestrator) ReleaseProjectVM(ctx context.Context, projectID models.ProjectID) error {
	o.units.Release(ctx, projectID)
	if err := o.sessions.Delete(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete session for project %s: %w", projectID, err)
	}
	return nil
}

// EvictProjectVM is the reaper's release path: same effect as
// ReleaseProjectVM plus an eviction audit event.
func (o *Orchestrator) EvictProjectVM(ctx context.Context, projectID models.ProjectID, idle time.Duration) error {
	unit, held := o.units.AssignedUnit(projectID)
	if err := o.ReleaseProjectVM(ctx, projectID); err != nil {
		return err
	}
	if held && o.notifier != nil {
		o.notifier.NotifyUnitEvent(models.UnitEvent{
			Type:      models.UnitEventEvicted,
			UnitID:    unit.ID,
			ProjectID: projectID,
			Endpoint:  unit.Endpoint,
			At:        time.Now(),
			Detail:    fmt.Sprintf("idle for %s", idle),
		})
	}
	return nil
}

// StopVM permanently tears down the project's unit: destroyed, not
// re-pooled, session gone.
func (o *Orchestrator) StopVM(ctx context.Context, projectID models.ProjectID) error {
	destroyed := o.units.DestroyAllocated(ctx, projectID)
	if !destroyed {
		// not in pool accounting (e.g. restart before reconcile); fall
		// back to the durable session
		session, err := o.sessions.Get(ctx, projectID)
		if err != nil {
			return fmt.Errorf("failed to read session for project %s: %w", projectID, err)
		}
		if session != nil {
			if err := o.drv.Destroy(ctx, session.UnitID); err != nil && !errors.Is(err, driver.ErrUnitNotFound) {
				return fmt.Errorf("failed to destroy unit %s: %w", session.UnitID, err)
			}
		}
	}
	if err := o.sessions.Delete(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete session for project %s: %w", projectID, err)
	}
	return nil
}

// GetActiveVMs lists the currently allocated sessions with computed idle
// time; the reaper and the diagnostics endpoint consume this.
func (o *Orchestrator) GetActiveVMs(ctx context.Context) ([]ActiveSession, error) {
	sessions, err := o.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	now := time.Now()
	result := make([]ActiveSession, 0, len(sessions))
	for _, session := range sessions {
		if _, held := o.units.AssignedUnit(session.ProjectID); !held {
			continue
		}
		result = append(result, ActiveSession{
			ProjectSession: session,
			Idle:           session.IdleFor(now),
		})
	}
	return result, nil
}

// Heartbeat bumps the project's lastUsed without any allocation logic.
func (o *Orchestrator) Heartbeat(ctx context.Context, projectID models.ProjectID) error {
	if err := o.sessions.Touch(ctx, projectID, time.Now()); err != nil {
		return fmt.Errorf("failed to bump session for project %s: %w", projectID, err)
	}
	return nil
}

// RecyclePool destroys all warm units so the pool re-provisions them with
// current configuration. Allocated units are untouched.
func (o *Orchestrator) RecyclePool(ctx context.Context) int {
	return o.units.RecycleAll(ctx)
}

type Diagnostics struct {
	Pool           pool.Stats `json:"pool"`
	ActiveSessions int        `json:"active_sessions"`
}

func (o *Orchestrator) GetDiagnostics(ctx context.Context) (Diagnostics, error) {
	active, err := o.GetActiveVMs(ctx)
	if err != nil {
		return Diagnostics{}, err
	}
	return Diagnostics{
		Pool:           o.units.GetStats(),
		ActiveSessions: len(active),
	}, nil
}

// Reconcile replays durable sessions against the backend on startup:
// live allocated units are re-adopted into pool accounting, sessions for
// vanished units are dropped.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	sessions, err := o.sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions for reconciliation: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}
	units, err := o.drv.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backend units for reconciliation: %w", err)
	}
	byID := make(map[models.UnitID]driver.UnitInfo, len(units))
	for _, info := range units {
		byID[info.ID] = info
	}

	for _, session := range sessions {
		info, alive := byID[session.UnitID]
		if !alive || !info.Running {
			log.Warn().Msgf("dropping stale session: project %s -> unit %s is gone", session.ProjectID, session.UnitID)
			if err := o.sessions.Delete(ctx, session.ProjectID); err != nil {
				return fmt.Errorf("failed to drop stale session for project %s: %w", session.ProjectID, err)
			}
			continue
		}
		o.units.Adopt(models.ComputeUnit{
			ID:         session.UnitID,
			Endpoint:   session.Endpoint,
			CreatedAt:  info.CreatedAt,
			LastUsedAt: session.LastUsed,
		}, session.ProjectID)
		log.Info().Msgf("re-adopted unit %s for project %s after restart", session.UnitID, session.ProjectID)
	}
	return nil
}

// repoolExpired hands a healthy but stale-by-age unit back to the warm
// pool. It passed the probe and still belongs to the project, so the next
// allocation may reuse it; destruction is reserved for dead units.
func (o *Orchestrator) repoolExpired(ctx context.Context, projectID models.ProjectID, session models.ProjectSession) {
	if _, held := o.units.AssignedUnit(projectID); !held {
		o.units.Adopt(models.ComputeUnit{
			ID:         session.UnitID,
			Endpoint:   session.Endpoint,
			CreatedAt:  session.LastUsed,
			LastUsedAt: session.LastUsed,
		}, projectID)
	}
	o.units.Release(ctx, projectID)
}

func (o *Orchestrator) invalidateSession(ctx context.Context, projectID models.ProjectID, session models.ProjectSession) {
	// free pool accounting first so Allocate does not hand the same dead
	// unit back; then make sure the backend unit is really gone
	if o.units.DestroyAllocated(ctx, projectID) {
		return
	}
	if owner, taken := o.units.UnitOwner(session.UnitID); taken && owner != projectID {
		// the unit legitimately moved to another project; just drop the
		// stale binding
		return
	}
	if err := o.drv.Destroy(ctx, session.UnitID); err != nil && !errors.Is(err, driver.ErrUnitNotFound) {
		log.Error().Err(err).Msgf("failed to destroy invalidated unit %s", session.UnitID)
	}
}
