package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/atelier-dev/workspace-node/internal/driver"
	"github.com/atelier-dev/workspace-node/internal/metrics"
	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/pkg/probe"
)

// destroyTimeout bounds a single backend teardown; destroys keep running
// on their own clock even when the triggering request is gone.
const destroyTimeout = 30 * time.Second

type Notifier interface {
	NotifyUnitEvent(models.UnitEvent)
}

type Config struct {
	// TargetSize is how many warm units the pool keeps ready.
	TargetSize int `envconfig:"POOL_TARGET_SIZE,default=3"`
	// MaxUnits caps concurrently allocated units. The warm pool tops up
	// to TargetSize on top of live allocations, so total backend units
	// stay under MaxUnits + TargetSize.
	MaxUnits          int           `envconfig:"POOL_MAX_UNITS,default=10"`
	ProvisionTimeout  time.Duration `envconfig:"POOL_PROVISION_TIMEOUT,default=30s"`
	ProvisionAttempts uint          `envconfig:"POOL_PROVISION_ATTEMPTS,default=3"`
	ProvisionBackoff  time.Duration `envconfig:"POOL_PROVISION_BACKOFF,default=500ms"`
	// ReadyProbeAttempts/Delay bound the wait for a started unit's agent
	// to come up before the unit counts as Ready.
	ReadyProbeAttempts uint          `envconfig:"POOL_READY_PROBE_ATTEMPTS,default=10"`
	ReadyProbeDelay    time.Duration `envconfig:"POOL_READY_PROBE_DELAY,default=200ms"`
	// MaxUnitAge and MaxLeases force recycling of released units instead
	// of re-pooling them; zero disables the corresponding threshold.
	MaxUnitAge time.Duration `envconfig:"POOL_MAX_UNIT_AGE,default=0"`
	MaxLeases  uint32        `envconfig:"POOL_MAX_LEASES,default=0"`
	// SmokeCommand, when set, must exit zero inside a freshly started
	// unit before it is declared Ready.
	SmokeCommand      []string      `envconfig:"POOL_SMOKE_COMMAND,optional"`
	SmokeTimeout      time.Duration `envconfig:"POOL_SMOKE_TIMEOUT,default=5s"`
	ReplenishInterval time.Duration `envconfig:"POOL_REPLENISH_INTERVAL,default=15s"`
}

type Stats struct {
	Size         int `json:"size"`
	Available    int `json:"available"`
	Allocated    int `json:"allocated"`
	Provisioning int `json:"provisioning"`
}

type destroyRequest struct {
	unit   models.ComputeUnit
	event  models.UnitEventType
	reason string
}

// Manager owns the warm pool. The free list and the allocation map are
// mutated only under mu; provisioning (the slow path) always runs outside
// the critical section and is accounted via the allocating/replenishing
// counters so ceiling and deficit checks see in-flight creations.
type Manager struct {
	cfg      Config
	drv      driver.Driver
	spec     driver.CreateSpec
	notifier Notifier
	mtr      metrics.Metrics

	mu        sync.Mutex
	free      freeList
	allocated map[models.ProjectID]*pooledUnit
	// miss-path provisions in flight; these count against MaxUnits
	allocating int
	// replenisher provisions in flight; these count against TargetSize
	replenishing int

	// replenishCh wakes the replenisher right after an allocation took a
	// warm unit; buffered so the hot path never blocks on it.
	replenishCh chan struct{}
	// destroyCh feeds the destroyer worker; teardown never runs on the
	// allocate/release hot paths
	destroyCh chan destroyRequest
	// limiter keeps the replenisher from hammering a struggling backend
	replenishLimiter *rate.Limiter
}

func NewManager(cfg Config, drv driver.Driver, spec driver.CreateSpec, notifier Notifier, mtr metrics.Metrics) *Manager {
	if mtr == nil {
		mtr = metrics.NewNop()
	}
	return &Manager{
		cfg:              cfg,
		drv:              drv,
		spec:             spec,
		notifier:         notifier,
		mtr:              mtr,
		allocated:        make(map[models.ProjectID]*pooledUnit, cfg.MaxUnits),
		replenishCh:      make(chan struct{}, 1),
		destroyCh:        make(chan destroyRequest, cfg.MaxUnits+cfg.TargetSize+1),
		replenishLimiter: rate.NewLimiter(rate.Every(time.Second), cfg.TargetSize+1),
	}
}

// Allocate hands a Ready unit to projectID. Warm-pool hit is the fast
// path: pop under the lock and return. On a miss a unit is provisioned
// synchronously, bounded by the provisioning timeout and the allocation
// ceiling. Either way the warm pool is topped up asynchronously.
func (m *Manager) Allocate(ctx context.Context, projectID models.ProjectID) (models.ComputeUnit, error) {
	started := time.Now()
	defer func() {
		m.mtr.Duration("pool.allocate", time.Since(started))
	}()

	m.mu.Lock()
	if existing, exists := m.allocated[projectID]; exists {
		// same-project double allocate: hand back the unit it already
		// owns instead of leaking a second one
		unit := existing.unit
		m.mu.Unlock()
		return unit, nil
	}
	if m.atCeilingLocked() {
		m.mu.Unlock()
		m.mtr.Increment("pool.allocate.exhausted")
		return models.ComputeUnit{}, fmt.Errorf("allocation ceiling %d reached: %w", m.cfg.MaxUnits, ErrPoolExhausted)
	}
	if entry := m.free.popFront(); entry != nil {
		m.lease(entry, projectID)
		unit := entry.unit
		m.mu.Unlock()

		m.signalReplenish()
		m.mtr.Increment("pool.allocate.hit")
		m.notify(models.UnitEventAllocated, unit, "warm pool hit")
		return unit, nil
	}
	m.allocating++
	m.mu.Unlock()

	unit, err := m.provisionUnit(ctx)

	m.mu.Lock()
	m.allocating--
	if err != nil {
		m.mu.Unlock()
		m.mtr.Increment("pool.allocate.miss_failed")
		if errors.Is(err, ErrProvisioningTimeout) {
			return models.ComputeUnit{}, err
		}
		return models.ComputeUnit{}, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	entry := &pooledUnit{unit: unit, warmedAt: time.Now()}
	m.lease(entry, projectID)
	allocatedUnit := entry.unit
	m.mu.Unlock()

	m.signalReplenish()
	m.mtr.Increment("pool.allocate.miss")
	m.notify(models.UnitEventAllocated, allocatedUnit, "provisioned on miss")
	return allocatedUnit, nil
}

// Release returns projectID's unit to the warm pool. Unknown or already
// released projects are a no-op. Units past the age or lease thresholds
// are recycled instead of re-pooled.
func (m *Manager) Release(ctx context.Context, projectID models.ProjectID) {
	m.mu.Lock()
	entry, exists := m.allocated[projectID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.allocated, projectID)

	if m.wornOutLocked(entry) {
		m.mu.Unlock()
		m.enqueueDestroy(entry.unit, models.UnitEventRecycled, "worn out on release")
		m.signalReplenish()
		return
	}

	entry.unit.AssignedProject = ""
	entry.unit.State = models.UnitReady
	entry.unit.LastUsedAt = time.Now()
	entry.warmedAt = time.Now()
	if !m.free.contains(entry.unit.ID) {
		m.free.pushBack(entry)
	}
	released := entry.unit
	m.mu.Unlock()

	m.mtr.Increment("pool.release")
	m.notify(models.UnitEventReleased, released, "")
}

// DestroyAllocated tears down projectID's unit without re-pooling it.
func (m *Manager) DestroyAllocated(ctx context.Context, projectID models.ProjectID) bool {
	m.mu.Lock()
	entry, exists := m.allocated[projectID]
	if !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.allocated, projectID)
	unit := entry.unit
	m.mu.Unlock()

	if err := m.drv.Destroy(ctx, unit.ID); err != nil && !errors.Is(err, driver.ErrUnitNotFound) {
		log.Error().Err(err).Msgf("failed to destroy unit %s for project %s", unit.ID, projectID)
	}
	unit.State = models.UnitDestroyed
	m.notify(models.UnitEventDestroyed, unit, "project stop")
	return true
}

// Adopt re-registers a live allocated unit after a process restart, so the
// in-memory allocation map matches the durable session store again.
func (m *Manager) Adopt(unit models.ComputeUnit, projectID models.ProjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocated[projectID]; exists {
		return
	}
	unit.State = models.UnitAllocated
	unit.AssignedProject = projectID
	m.allocated[projectID] = &pooledUnit{unit: unit, warmedAt: unit.CreatedAt}
}

// AssignedUnit returns the unit currently held by projectID, if any.
func (m *Manager) AssignedUnit(projectID models.ProjectID) (models.ComputeUnit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.allocated[projectID]
	if !exists {
		return models.ComputeUnit{}, false
	}
	return entry.unit, true
}

// UnitOwner reports which project, if any, currently holds the unit.
func (m *Manager) UnitOwner(unitID models.UnitID) (models.ProjectID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for projectID, entry := range m.allocated {
		if entry.unit.ID == unitID {
			return projectID, true
		}
	}
	return "", false
}

// RecycleAll destroys every warm unit and lets the replenisher rebuild the
// pool with current configuration. In-use allocations stay untouched.
func (m *Manager) RecycleAll(ctx context.Context) int {
	m.mu.Lock()
	drained := m.free.drain()
	m.mu.Unlock()

	for _, entry := range drained {
		m.enqueueDestroy(entry.unit, models.UnitEventRecycled, "pool recycle")
	}
	m.signalReplenish()
	m.mtr.Increment("pool.recycle_all")
	return len(drained)
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := m.free.len()
	allocated := len(m.allocated)
	return Stats{
		Size:         available + allocated,
		Available:    available,
		Allocated:    allocated,
		Provisioning: m.allocating + m.replenishing,
	}
}

// RunReplenisher keeps the warm pool at its target size. It wakes on the
// allocation signal and on a ticker (to recover from failed replenish
// rounds), provisioning one unit at a time off any lock.
func (m *Manager) RunReplenisher(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReplenishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.replenishCh:
		case <-ticker.C:
		}
		m.replenishOnce(ctx)
	}
}

// RunDestroyer serializes backend teardown off the allocate/release hot
// paths. On shutdown the queue is drained before returning, so every unit
// that left pool accounting is really destroyed.
func (m *Manager) RunDestroyer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.drainDestroys()
			return nil
		case req := <-m.destroyCh:
			m.destroyUnit(req)
		}
	}
}

func (m *Manager) replenishOnce(ctx context.Context) {
	for {
		m.mu.Lock()
		deficit := m.cfg.TargetSize - m.free.len() - m.replenishing
		if deficit <= 0 {
			m.publishGaugesLocked()
			m.mu.Unlock()
			return
		}
		m.replenishing++
		m.mu.Unlock()

		if err := m.replenishLimiter.Wait(ctx); err != nil {
			m.mu.Lock()
			m.replenishing--
			m.mu.Unlock()
			return
		}
		unit, err := m.provisionUnit(ctx)

		m.mu.Lock()
		m.replenishing--
		if err != nil {
			m.mu.Unlock()
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("replenish provisioning failed, will retry on next tick")
			}
			return
		}
		m.free.pushBack(&pooledUnit{unit: unit, warmedAt: time.Now()})
		m.publishGaugesLocked()
		m.mu.Unlock()

		log.Info().Msgf("replenished warm pool with unit %s", unit.ID)
	}
}

// provisionUnit runs the full Provisioning -> Ready sequence: create,
// start, wait for the agent, optional smoke command. Runs off the pool
// lock. A unit that got created but never became ready is destroyed so
// nothing leaks outside pool accounting.
func (m *Manager) provisionUnit(ctx context.Context) (models.ComputeUnit, error) {
	var unit models.ComputeUnit

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
			defer cancel()

			created, err := m.provisionAttempt(attemptCtx)
			if err != nil {
				return err
			}
			unit = created
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(m.cfg.ProvisionAttempts),
		retry.Delay(m.cfg.ProvisionBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.ComputeUnit{}, fmt.Errorf("%w: %v", ErrProvisioningTimeout, err)
		}
		return models.ComputeUnit{}, fmt.Errorf("failed to provision unit: %w", err)
	}
	m.notify(models.UnitEventProvisioned, unit, "")
	return unit, nil
}

func (m *Manager) provisionAttempt(ctx context.Context) (models.ComputeUnit, error) {
	info, err := m.drv.Create(ctx, m.spec)
	if err != nil {
		return models.ComputeUnit{}, fmt.Errorf("backend create failed: %w", err)
	}
	unit := models.ComputeUnit{
		ID:        info.ID,
		State:     models.UnitProvisioning,
		Endpoint:  info.Endpoint,
		CreatedAt: info.CreatedAt,
	}
	if err := m.bringUp(ctx, info); err != nil {
		m.enqueueDestroy(unit, models.UnitEventDestroyed, "provisioning cleanup")
		return models.ComputeUnit{}, err
	}
	unit.State = models.UnitReady
	unit.LastUsedAt = time.Now()
	return unit, nil
}

func (m *Manager) bringUp(ctx context.Context, info driver.UnitInfo) error {
	if err := m.drv.Start(ctx, info.ID); err != nil {
		return fmt.Errorf("backend start failed for unit %s: %w", info.ID, err)
	}
	agentUp := probe.ProberFunc(func(ctx context.Context) (bool, error) {
		return m.drv.HealthCheck(ctx, info.Endpoint)
	})
	if err := probe.Await(ctx, agentUp, m.cfg.ReadyProbeAttempts, m.cfg.ReadyProbeDelay); err != nil {
		return fmt.Errorf("unit %s never became healthy: %w", info.ID, err)
	}
	if len(m.cfg.SmokeCommand) > 0 {
		result, err := m.drv.Exec(ctx, info.Endpoint, m.cfg.SmokeCommand, "", m.cfg.SmokeTimeout)
		if err != nil {
			return fmt.Errorf("smoke command failed on unit %s: %w", info.ID, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("smoke command exited with %d on unit %s: %s", result.ExitCode, info.ID, result.Stderr)
		}
	}
	return nil
}

func (m *Manager) lease(entry *pooledUnit, projectID models.ProjectID) {
	entry.unit.State = models.UnitAllocated
	entry.unit.AssignedProject = projectID
	entry.unit.LastUsedAt = time.Now()
	entry.unit.LeaseCount++
	m.allocated[projectID] = entry
}

func (m *Manager) atCeilingLocked() bool {
	return len(m.allocated)+m.allocating >= m.cfg.MaxUnits
}

func (m *Manager) wornOutLocked(entry *pooledUnit) bool {
	if m.cfg.MaxUnitAge > 0 && entry.unit.Age(time.Now()) > m.cfg.MaxUnitAge {
		return true
	}
	if m.cfg.MaxLeases > 0 && entry.unit.LeaseCount >= m.cfg.MaxLeases {
		return true
	}
	return false
}

// enqueueDestroy hands a unit to the destroyer worker; the unit is already
// out of pool accounting. A full queue means the destroyer is far behind,
// then the caller pays for the teardown inline rather than dropping it.
func (m *Manager) enqueueDestroy(unit models.ComputeUnit, event models.UnitEventType, reason string) {
	unit.State = models.UnitDraining
	req := destroyRequest{unit: unit, event: event, reason: reason}
	select {
	case m.destroyCh <- req:
	default:
		m.destroyUnit(req)
	}
}

func (m *Manager) destroyUnit(req destroyRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	if err := m.drv.Destroy(ctx, req.unit.ID); err != nil && !errors.Is(err, driver.ErrUnitNotFound) {
		log.Error().Err(err).Msgf("failed to destroy unit %s (%s)", req.unit.ID, req.reason)
		return
	}
	req.unit.State = models.UnitDestroyed
	m.notify(req.event, req.unit, req.reason)
}

func (m *Manager) drainDestroys() {
	for {
		select {
		case req := <-m.destroyCh:
			m.destroyUnit(req)
		default:
			return
		}
	}
}

func (m *Manager) signalReplenish() {
	select {
	case m.replenishCh <- struct{}{}:
	default:
	}
}

func (m *Manager) notify(eventType models.UnitEventType, unit models.ComputeUnit, detail string) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyUnitEvent(models.UnitEvent{
		Type:      eventType,
		UnitID:    unit.ID,
		ProjectID: unit.AssignedProject,
		Endpoint:  unit.Endpoint,
		At:        time.Now(),
		Detail:    detail,
	})
}

func (m *Manager) publishGaugesLocked() {
	m.mtr.Gauge("pool.available", m.free.len())
	m.mtr.Gauge("pool.allocated", len(m.allocated))
	m.mtr.Gauge("pool.provisioning", m.allocating+m.replenishing)
}
