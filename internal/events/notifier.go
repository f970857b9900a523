package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/workspace-node/internal/models"
)

// Notifier decouples pool/orchestrator hot paths from event delivery: a
// buffered channel absorbs bursts, publishing never blocks, and a full
// buffer drops the event rather than stalling an allocation. Publishers
// hold the read lock while sending, so Close cannot close the channel
// under an in-flight send.
type Notifier struct {
	mu        sync.RWMutex
	eventChan chan models.UnitEvent
	closed    bool
}

func NewNotifier(buf int) *Notifier {
	return &Notifier{
		eventChan: make(chan models.UnitEvent, buf),
	}
}

func (n *Notifier) NotifyUnitEvent(event models.UnitEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	select {
	case n.eventChan <- event:
	default:
		log.Warn().Msgf("event buffer full, dropping %s event for unit %s", event.Type, event.UnitID)
	}
}

func (n *Notifier) GetEventChan() chan models.UnitEvent {
	return n.eventChan
}

func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	close(n.eventChan)
}
