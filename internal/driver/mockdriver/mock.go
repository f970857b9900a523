package mockdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/atelier-dev/workspace-node/internal/driver"
	"github.com/atelier-dev/workspace-node/internal/models"
)

type mockUnit struct {
	info    driver.UnitInfo
	healthy bool
}

// MockDriver is an in-memory compute backend. Besides the normal Driver
// surface it exposes knobs for tests: provisioning latency, injected
// create failures and out-of-band destruction.
type MockDriver struct {
	mu    sync.Mutex
	units map[models.UnitID]*mockUnit
	// endpoint -> unit id, endpoints are never reused
	endpoints map[string]models.UnitID

	createDelay  time.Duration
	failCreates  bool
	createdCount int
	execResult   driver.ExecResult
}

func New() *MockDriver {
	return &MockDriver{
		units:     make(map[models.UnitID]*mockUnit, 16),
		endpoints: make(map[string]models.UnitID, 16),
	}
}

func (d *MockDriver) Create(ctx context.Context, spec driver.CreateSpec) (driver.UnitInfo, error) {
	d.mu.Lock()
	delay := d.createDelay
	fail := d.failCreates
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return driver.UnitInfo{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return driver.UnitInfo{}, fmt.Errorf("mock backend is out of capacity")
	}

	rawID, err := uuid.GenerateUUID()
	if err != nil {
		return driver.UnitInfo{}, fmt.Errorf("failed to generate unit id: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.createdCount++
	info := driver.UnitInfo{
		ID:        models.UnitID("mock-" + rawID[:8]),
		Endpoint:  fmt.Sprintf("10.0.0.%d:7070", d.createdCount%250+1),
		Running:   false,
		CreatedAt: time.Now(),
		Labels:    spec.Labels,
	}
	d.units[info.ID] = &mockUnit{info: info, healthy: true}
	d.endpoints[info.Endpoint] = info.ID
	return info, nil
}

func (d *MockDriver) Start(ctx context.Context, id models.UnitID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	unit, exists := d.units[id]
	if !exists {
		return driver.ErrUnitNotFound
	}
	unit.info.Running = true
	return nil
}

func (d *MockDriver) Stop(ctx context.Context, id models.UnitID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	unit, exists := d.units[id]
	if !exists {
		return driver.ErrUnitNotFound
	}
	unit.info.Running = false
	return nil
}

func (d *MockDriver) Destroy(ctx context.Context, id models.UnitID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	unit, exists := d.units[id]
	if !exists {
		return driver.ErrUnitNotFound
	}
	delete(d.endpoints, unit.info.Endpoint)
	delete(d.units, id)
	return nil
}

func (d *MockDriver) List(ctx context.Context) ([]driver.UnitInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]driver.UnitInfo, 0, len(d.units))
	for _, unit := range d.units {
		result = append(result, unit.info)
	}
	return result, nil
}

func (d *MockDriver) Exec(ctx context.Context, endpoint string, command []string, cwd string, timeout time.Duration) (driver.ExecResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, exists := d.endpoints[endpoint]
	if !exists {
		return driver.ExecResult{}, driver.ErrUnitNotFound
	}
	if !d.units[id].info.Running {
		return driver.ExecResult{}, fmt.Errorf("unit %s is not running", id)
	}
	return d.execResult, nil
}

func (d *MockDriver) HealthCheck(ctx context.Context, endpoint string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, exists := d.endpoints[endpoint]
	if !exists {
		return false, nil
	}
	unit := d.units[id]
	return unit.info.Running && unit.healthy, nil
}

// test knobs

func (d *MockDriver) SetCreateDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createDelay = delay
}

func (d *MockDriver) SetFailCreates(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCreates = fail
}

func (d *MockDriver) SetHealthy(id models.UnitID, healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if unit, exists := d.units[id]; exists {
		unit.healthy = healthy
	}
}

func (d *MockDriver) SetExecResult(result driver.ExecResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execResult = result
}

// DestroyOutOfBand drops the unit without going through Destroy, imitating
// a backend that lost the unit behind the orchestrator's back.
func (d *MockDriver) DestroyOutOfBand(id models.UnitID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if unit, exists := d.units[id]; exists {
		delete(d.endpoints, unit.info.Endpoint)
		delete(d.units, id)
	}
}

func (d *MockDriver) CreatedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createdCount
}

func (d *MockDriver) UnitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.units)
}
