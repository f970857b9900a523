package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/workspace-node/internal/models"
)

type fakeSink struct {
	mu      sync.Mutex
	fail    bool
	written []models.UnitEvent
}

func (s *fakeSink) WriteUnitEvents(ctx context.Context, events []models.UnitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return fmt.Errorf("sink is down")
	}
	s.written = append(s.written, events...)
	return nil
}

func (s *fakeSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func TestPublisher_DeliversEvents(t *testing.T) {
	notifier := NewNotifier(16)
	sink := &fakeSink{}
	publisher := NewPublisher(notifier.GetEventChan(), sink, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = publisher.Run(ctx)
	}()

	notifier.NotifyUnitEvent(models.UnitEvent{Type: models.UnitEventAllocated, UnitID: "u1"})
	notifier.NotifyUnitEvent(models.UnitEvent{Type: models.UnitEventReleased, UnitID: "u1"})

	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisher_QueuesUnsentAndFlushesOnTick(t *testing.T) {
	notifier := NewNotifier(16)
	sink := &fakeSink{}
	sink.setFail(true)
	publisher := NewPublisher(notifier.GetEventChan(), sink, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = publisher.Run(ctx)
	}()

	notifier.NotifyUnitEvent(models.UnitEvent{Type: models.UnitEventDestroyed, UnitID: "u1"})

	// event lands in the unsent queue while the sink is down
	require.Eventually(t, func() bool {
		publisher.unsentGuard.Lock()
		defer publisher.unsentGuard.Unlock()
		return len(publisher.unsent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.setFail(false)

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond, "unsent queue must drain once the sink recovers")
}

func TestNotifier_CloseIsSafeUnderConcurrentPublish(t *testing.T) {
	notifier := NewNotifier(4)

	var group sync.WaitGroup
	for i := range 32 {
		group.Add(1)
		go func() {
			defer group.Done()
			notifier.NotifyUnitEvent(models.UnitEvent{
				Type:   models.UnitEventDestroyed,
				UnitID: models.UnitID(fmt.Sprintf("u%d", i)),
			})
		}()
	}
	notifier.Close()
	group.Wait()

	// closing again is a no-op
	notifier.Close()

	// the channel is closed; whatever made it in before the close is
	// still readable
	for range notifier.GetEventChan() {
	}
}

func TestNotifier_DropsAfterClose(t *testing.T) {
	notifier := NewNotifier(1)
	notifier.Close()

	// must not panic or block
	notifier.NotifyUnitEvent(models.UnitEvent{Type: models.UnitEventAllocated, UnitID: "u1"})

	_, open := <-notifier.GetEventChan()
	assert.False(t, open, "event channel must be closed and empty")
}
