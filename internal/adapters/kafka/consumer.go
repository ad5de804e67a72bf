package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notify-service/internal/config"
	"notify-service/internal/realtime"

	kafkago "github.com/segmentio/kafka-go"
)

// Publisher is the part of the dispatcher the consumer needs.
type Publisher interface {
	Publish(ev realtime.DomainEvent) (int, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// EventConsumer reads domain events from the events topic and publishes each to
// connected clients. Malformed events are logged and committed so they cannot
// wedge the partition.
type EventConsumer struct {
	reader    messageReader
	publisher Publisher
	logger    *slog.Logger
	doneCh    chan struct{}
}

func NewEventConsumer(cfg config.KafkaConfig, publisher Publisher, logger *slog.Logger) *EventConsumer {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "notify-service"
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     groupID,
		Topic:       cfg.EventsTopic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafkago.LastOffset,
	})
	return newEventConsumer(reader, publisher, logger)
}

func newEventConsumer(reader messageReader, publisher Publisher, logger *slog.Logger) *EventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventConsumer{
		reader:    reader,
		publisher: publisher,
		logger:    logger,
		doneCh:    make(chan struct{}),
	}
}

// Run consumes until ctx is cancelled.
func (ec *EventConsumer) Run(ctx context.Context) {
	defer close(ec.doneCh)
	ec.logger.Info("Domain event consumer started")

	for {
		msg, err := ec.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				ec.logger.Info("Domain event consumer shutting down")
				return
			}
			ec.logger.Error("Kafka fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ec.process(msg)

		if err := ec.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			ec.logger.Warn("Kafka commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (ec *EventConsumer) process(msg kafkago.Message) {
	ev, err := realtime.DecodeDomainEvent(msg.Value)
	if err != nil {
		ec.logger.Error("Dropping malformed domain event", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return
	}
	// tenant-scoped events may carry the tenant only as the record key
	if ev.TenantID == "" && len(msg.Key) > 0 && ev.Type != realtime.MessageTypeSystemNotification {
		ev.TenantID = string(msg.Key)
	}

	n, err := ec.publisher.Publish(ev)
	if err != nil {
		ec.logger.Warn("Domain event rejected", "type", ev.Type, "tenantID", ev.TenantID, "error", err)
		return
	}
	ec.logger.Debug("Domain event published", "type", ev.Type, "tenantID", ev.TenantID, "delivered", n)
}

// Close waits for Run to return, then closes the reader. Cancel Run's context
// first.
func (ec *EventConsumer) Close() error {
	<-ec.doneCh
	if err := ec.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
