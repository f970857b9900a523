package probe

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// Await polls the prober until it reports healthy, bounded by attempts and
// by ctx. It replaces ad-hoc "exec a check command in a loop" patterns:
// one helper, explicit attempt budget, exponential delay.
func Await(ctx context.Context, p Prober, attempts uint, delay time.Duration) error {
	return retry.Do(
		func() error {
			healthy, err := p.Probe(ctx)
			if err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("endpoint is not healthy yet")
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
