package dockercli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// cliHelper shells out to the container engine binary (docker or podman).
type cliHelper struct {
	command string
}

func (h *cliHelper) output(ctx context.Context, args ...string) ([]byte, error) {
	log.Debug().Msgf("[docker-cli]: %s %v", h.command, args)

	var (
		stdout bytes.Buffer
		stderr bytes.Buffer
	)
	cmd := exec.CommandContext(ctx, h.command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %v: %w: %s", h.command, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (h *cliHelper) inspect(ctx context.Context, ids []string, result any) error {
	args := append([]string{"inspect", "--type", "container"}, ids...)
	out, err := h.output(ctx, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, result); err != nil {
		return fmt.Errorf("failed to decode inspect output: %w", err)
	}
	return nil
}
