package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/atelier-dev/workspace-node/internal/models"
)

type EventSink interface {
	WriteUnitEvents(ctx context.Context, events []models.UnitEvent) error
}

// Publisher drains the notifier channel into the sink. Writes that keep
// failing after retries land in an unsent queue which is flushed on a
// ticker, so a broker outage delays the audit trail instead of losing it.
type Publisher struct {
	events      chan models.UnitEvent
	sink        EventSink
	ttlTicker   *time.Ticker
	unsentGuard *sync.Mutex
	unsent      []models.UnitEvent
}

func NewPublisher(eventCh chan models.UnitEvent, sink EventSink, resendInterval time.Duration) *Publisher {
	return &Publisher{
		events:      eventCh,
		sink:        sink,
		ttlTicker:   time.NewTicker(resendInterval),
		unsentGuard: &sync.Mutex{},
		unsent:      make([]models.UnitEvent, 0),
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-p.ttlTicker.C:
			if !ok {
				return nil
			}
			p.sendUnsentEvents(ctx)
		case event, ok := <-p.events:
			if !ok {
				return nil
			}
			err := retry.Do(
				func() error {
					return p.sink.WriteUnitEvents(ctx, []models.UnitEvent{event})
				},
				retry.Attempts(3),
				retry.Context(ctx),
			)
			if err != nil {
				log.Error().Err(err).Msg("failed to publish unit event, put it into unsent queue")
				p.unsentGuard.Lock()
				p.unsent = append(p.unsent, event)
				p.unsentGuard.Unlock()
			}
		}
	}
}

func (p *Publisher) sendUnsentEvents(ctx context.Context) {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()

	if len(p.unsent) == 0 {
		return
	}
	err := p.sink.WriteUnitEvents(ctx, p.unsent)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to flush %d unsent unit events", len(p.unsent))
		return
	}
	p.unsent = p.unsent[:0]
}

// KafkaSink writes unit lifecycle events to a kafka topic, keyed by unit
// id so per-unit history stays ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(addr string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{
		writer: writer,
	}
}

func (s *KafkaSink) WriteUnitEvents(ctx context.Context, events []models.UnitEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode unit event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(event.UnitID),
			Value: value,
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write unit events to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
