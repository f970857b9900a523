package driver

import (
	"context"
	"errors"
	"time"

	"github.com/atelier-dev/workspace-node/internal/models"
)

// ErrUnitNotFound is returned when the backend no longer knows the unit,
// e.g. it was destroyed out-of-band.
var ErrUnitNotFound = errors.New("compute unit not found")

// CreateSpec describes the unit to provision. The pool passes the same
// spec for every warm unit, so backends may cache whatever they derive
// from it.
type CreateSpec struct {
	Image     string
	Env       []string
	Labels    map[string]string
	AgentPort uint16
}

type UnitInfo struct {
	ID        models.UnitID
	Endpoint  string
	Running   bool
	CreatedAt time.Time
	Labels    map[string]string
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver abstracts the compute backend (container engine or microVM API).
// The orchestration core is backend-agnostic: all it needs is lifecycle
// control, command execution and a cheap liveness probe.
type Driver interface {
	// Create provisions a new unit and returns it stopped. The endpoint
	// reported here is fixed for the unit's whole lifetime.
	Create(ctx context.Context, spec CreateSpec) (UnitInfo, error)

	Start(ctx context.Context, id models.UnitID) error
	Stop(ctx context.Context, id models.UnitID) error
	Destroy(ctx context.Context, id models.UnitID) error

	// List returns every unit the backend currently knows about,
	// including stopped ones.
	List(ctx context.Context) ([]UnitInfo, error)

	// Exec runs a command inside the unit reachable at endpoint.
	Exec(ctx context.Context, endpoint string, command []string, cwd string, timeout time.Duration) (ExecResult, error)

	// HealthCheck reports whether the unit agent behind endpoint answers.
	// A false result with nil error means "reachable backend, dead unit".
	HealthCheck(ctx context.Context, endpoint string) (bool, error)
}
