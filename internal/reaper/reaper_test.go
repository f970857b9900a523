package reaper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/internal/orchestrator"
	"github.com/atelier-dev/workspace-node/internal/reaper"
)

type fakeWorkspaces struct {
	mu      sync.Mutex
	active  map[models.ProjectID]time.Duration
	evicted []models.ProjectID
}

func (f *fakeWorkspaces) GetActiveVMs(ctx context.Context) ([]orchestrator.ActiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]orchestrator.ActiveSession, 0, len(f.active))
	for projectID, idle := range f.active {
		result = append(result, orchestrator.ActiveSession{
			ProjectSession: models.ProjectSession{ProjectID: projectID},
			Idle:           idle,
		})
	}
	return result, nil
}

func (f *fakeWorkspaces) EvictProjectVM(ctx context.Context, projectID models.ProjectID, idle time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.active, projectID)
	f.evicted = append(f.evicted, projectID)
	return nil
}

func (f *fakeWorkspaces) snapshot() ([]models.ProjectID, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ProjectID(nil), f.evicted...), len(f.active)
}

func TestReaper_EvictsOnlyIdleSessions(t *testing.T) {
	fake := &fakeWorkspaces{
		active: map[models.ProjectID]time.Duration{
			"busy": 5 * time.Second,
			"idle": 10 * time.Minute,
		},
	}
	r := reaper.New(reaper.Config{
		Interval:      10 * time.Millisecond,
		IdleThreshold: time.Minute,
	}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		evicted, _ := fake.snapshot()
		return len(evicted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	evicted, remaining := fake.snapshot()
	assert.Equal(t, []models.ProjectID{"idle"}, evicted)
	assert.Equal(t, 1, remaining, "session within the threshold must stay")
}

func TestReaper_StopsOnContextCancel(t *testing.T) {
	fake := &fakeWorkspaces{active: map[models.ProjectID]time.Duration{}}
	r := reaper.New(reaper.Config{
		Interval:      5 * time.Millisecond,
		IdleThreshold: time.Minute,
	}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper must exit when its context is cancelled")
	}
}
