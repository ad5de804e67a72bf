package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"notify-service/internal/config"
	"notify-service/internal/realtime"

	"github.com/IBM/sarama"
)

func InitKafkaProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(cfg.Brokers, producerConfig(cfg))
}

func producerConfig(cfg config.KafkaConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	// same device, same partition: commands to one device stay ordered
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = cfg.ClientID
	if config.ClientID == "" {
		config.ClientID = "notify-service"
	}
	config.Producer.MaxMessageBytes = 1000000
	return config
}

// CommandProducer forwards device commands to the commands topic, keyed by the
// target device id.
type CommandProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

func NewCommandProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *CommandProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandProducer{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

var _ realtime.CommandForwarder = (*CommandProducer)(nil)

func (p *CommandProducer) Forward(ctx context.Context, cmd realtime.DeviceCommand) error {
	// SyncProducer has no context; don't start a send for a caller that gave up
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode device command: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(cmd.TargetDeviceID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("issued-by"), Value: []byte(cmd.IssuedBy)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish device command: %w", err)
	}

	p.logger.Debug("Device command published",
		"deviceID", cmd.TargetDeviceID, "topic", p.topic, "partition", partition, "offset", offset)
	return nil
}

func (p *CommandProducer) Close() error {
	return p.producer.Close()
}
