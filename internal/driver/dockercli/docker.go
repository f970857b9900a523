package dockercli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelier-dev/workspace-node/internal/driver"
	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/pkg/probe"
)

// managedLabel marks containers owned by this orchestrator so List never
// picks up unrelated workloads on the same engine.
const (
	managedLabel   = "workspace-node.managed"
	agentPortLabel = "workspace-node.agent-port"
)

type Config struct {
	// Binary is the engine CLI to drive, "docker" or "podman".
	Binary       string        `envconfig:"DRIVER_BINARY,default=docker"`
	ProbeTimeout time.Duration `envconfig:"DRIVER_PROBE_TIMEOUT,default=1s"`
	// ProbePath is the unit agent's health endpoint; empty means plain
	// TCP connect instead of HTTP.
	ProbePath string `envconfig:"DRIVER_PROBE_PATH,default=/healthz"`
}

// DockerCLI drives a container engine through its CLI binary. Containers
// are discovered by label, never by name, so a redeploy of the
// orchestrator re-adopts everything it created before.
type DockerCLI struct {
	helper *cliHelper
	cfg    Config
}

func New(cfg Config) *DockerCLI {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return &DockerCLI{
		helper: &cliHelper{command: cfg.Binary},
		cfg:    cfg,
	}
}

type inspectState struct {
	Status    string `json:"Status"`
	StartedAt string `json:"StartedAt"`
}

type inspectNetwork struct {
	IPAddress string `json:"IPAddress"`
}

type inspectConfig struct {
	Labels map[string]string `json:"Labels"`
}

type inspectContainer struct {
	ID              string         `json:"Id"`
	Created         string         `json:"Created"`
	State           inspectState   `json:"State"`
	Config          inspectConfig  `json:"Config"`
	NetworkSettings inspectNetwork `json:"NetworkSettings"`
}

func (c inspectContainer) toUnitInfo(agentPort uint16) driver.UnitInfo {
	createdAt, _ := time.Parse(time.RFC3339Nano, c.Created)
	return driver.UnitInfo{
		ID:        models.UnitID(c.ID),
		Endpoint:  fmt.Sprintf("%s:%d", c.NetworkSettings.IPAddress, agentPort),
		Running:   strings.EqualFold(c.State.Status, "running"),
		CreatedAt: createdAt,
		Labels:    c.Config.Labels,
	}
}

func (d *DockerCLI) Create(ctx context.Context, spec driver.CreateSpec) (driver.UnitInfo, error) {
	args := []string{"create", "--label", managedLabel + "=1"}
	args = append(args, "--label", fmt.Sprintf("%s=%d", agentPortLabel, spec.AgentPort))
	for key, value := range spec.Labels {
		args = append(args, "--label", key+"="+value)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	args = append(args, spec.Image)

	out, err := d.helper.output(ctx, args...)
	if err != nil {
		return driver.UnitInfo{}, fmt.Errorf("failed to create container: %w", err)
	}
	id := strings.TrimSpace(string(out))

	var raw []inspectContainer
	if err := d.helper.inspect(ctx, []string{id}, &raw); err != nil {
		return driver.UnitInfo{}, fmt.Errorf("failed to inspect created container %s: %w", id, err)
	}
	if len(raw) == 0 {
		return driver.UnitInfo{}, driver.ErrUnitNotFound
	}
	return raw[0].toUnitInfo(spec.AgentPort), nil
}

func (d *DockerCLI) Start(ctx context.Context, id models.UnitID) error {
	_, err := d.helper.output(ctx, "start", id.String())
	if err != nil {
		return d.mapNotFound(err, id)
	}
	return nil
}

func (d *DockerCLI) Stop(ctx context.Context, id models.UnitID) error {
	_, err := d.helper.output(ctx, "stop", id.String())
	if err != nil {
		return d.mapNotFound(err, id)
	}
	return nil
}

func (d *DockerCLI) Destroy(ctx context.Context, id models.UnitID) error {
	_, err := d.helper.output(ctx, "rm", "-f", id.String())
	if err != nil {
		return d.mapNotFound(err, id)
	}
	return nil
}

func (d *DockerCLI) List(ctx context.Context) ([]driver.UnitInfo, error) {
	out, err := d.helper.output(ctx,
		"ps", "-q", "-a",
		"--filter", "label="+managedLabel+"=1",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}
	ids := splitLines(string(out))
	if len(ids) == 0 {
		return nil, nil
	}
	var raw []inspectContainer
	if err := d.helper.inspect(ctx, ids, &raw); err != nil {
		return nil, fmt.Errorf("failed to inspect managed containers: %w", err)
	}
	result := make([]driver.UnitInfo, 0, len(raw))
	for _, c := range raw {
		result = append(result, c.toUnitInfo(d.agentPortFromLabels(c.Config.Labels)))
	}
	return result, nil
}

func (d *DockerCLI) Exec(ctx context.Context, endpoint string, command []string, cwd string, timeout time.Duration) (driver.ExecResult, error) {
	id, err := d.unitByEndpoint(ctx, endpoint)
	if err != nil {
		return driver.ExecResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec"}
	if cwd != "" {
		args = append(args, "-w", cwd)
	}
	args = append(args, id.String())
	args = append(args, command...)

	out, err := d.helper.output(ctx, args...)
	if err != nil {
		// non-zero exit codes come back as exec errors with stderr
		// attached; the caller gets them as ExitCode=-1 + message
		return driver.ExecResult{
			ExitCode: -1,
			Stderr:   err.Error(),
		}, nil
	}
	return driver.ExecResult{
		ExitCode: 0,
		Stdout:   string(out),
	}, nil
}

func (d *DockerCLI) HealthCheck(ctx context.Context, endpoint string) (bool, error) {
	var p probe.Prober
	if d.cfg.ProbePath != "" {
		p = probe.NewHTTPProbe(probe.HTTPProbeSettings{
			Timeout: d.cfg.ProbeTimeout,
			Path:    d.cfg.ProbePath,
		}, endpoint)
	} else {
		p = probe.NewTCPProbe(probe.TCPProbeSettings{
			Timeout: d.cfg.ProbeTimeout,
		}, endpoint)
	}
	healthy, err := p.Probe(ctx)
	if err != nil {
		// an unreachable agent is "not healthy", not an orchestration error
		return false, nil
	}
	return healthy, nil
}

func (d *DockerCLI) unitByEndpoint(ctx context.Context, endpoint string) (models.UnitID, error) {
	units, err := d.List(ctx)
	if err != nil {
		return "", err
	}
	for _, unit := range units {
		if unit.Endpoint == endpoint {
			return unit.ID, nil
		}
	}
	return "", driver.ErrUnitNotFound
}

func (d *DockerCLI) mapNotFound(err error, id models.UnitID) error {
	msg := err.Error()
	if strings.Contains(msg, "No such container") || strings.Contains(msg, "no such container") {
		return driver.ErrUnitNotFound
	}
	return fmt.Errorf("engine call for unit %s failed: %w", id, err)
}

func (d *DockerCLI) agentPortFromLabels(labels map[string]string) uint16 {
	port := uint16(0)
	if raw, exists := labels[agentPortLabel]; exists {
		_, _ = fmt.Sscanf(raw, "%d", &port)
	}
	return port
}

func splitLines(s string) []string {
	var result []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}
