package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/reliability"
)

// Header names carried by every produced message
const (
	HeaderTenant = "tenant"
	// labelHeaderPrefix prefixes one header per label
	labelHeaderPrefix = "label."
)

// KafkaSink produces one message per entry. The message key is the stream's
// label set so a stream always lands on the same partition, in order.
type KafkaSink struct {
	topic           string
	maxMessageBytes int
	producer        sarama.SyncProducer
}

// NewKafkaSink creates a sink with a sarama SyncProducer
func NewKafkaSink(cfg config.ClientConfig) (*KafkaSink, error) {
	kc := cfg.Kafka
	if kc == nil || len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	producer, err := sarama.NewSyncProducer(kc.Brokers, newSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newKafkaSink(kc.Topic, kc.MaxMessageBytes, producer), nil
}

func newKafkaSink(topic string, maxMessageBytes int, producer sarama.SyncProducer) *KafkaSink {
	if maxMessageBytes <= 0 {
		maxMessageBytes = 1000000
	}
	return &KafkaSink{
		topic:           topic,
		maxMessageBytes: maxMessageBytes,
		producer:        producer,
	}
}

func newSaramaConfig(cfg config.ClientConfig) *sarama.Config {
	kc := cfg.Kafka

	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = "logshipper"
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	// Retries are handled by the client around the whole batch
	saramaConfig.Producer.Retry.Max = 0
	if cfg.Timeout > 0 {
		saramaConfig.Producer.Timeout = cfg.Timeout
	}
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	if kc.RequiredAcks != 0 {
		saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(kc.RequiredAcks)
	}

	switch kc.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
		if !saramaConfig.Version.IsAtLeast(sarama.V2_1_0_0) {
			saramaConfig.Version = sarama.V2_1_0_0
		}
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if kc.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = kc.MaxMessageBytes
	}

	if kc.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
	}

	return saramaConfig
}

// Send produces the batch's entries in order
func (k *KafkaSink) Send(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := sarama.StringEncoder(batch.Labels.String())
	headers := make([]sarama.RecordHeader, 0, len(batch.Labels)+1)
	for _, name := range batch.Labels.Names() {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(labelHeaderPrefix + name),
			Value: []byte(batch.Labels[name]),
		})
	}
	if batch.Tenant != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderTenant), Value: []byte(batch.Tenant)})
	}

	messages := make([]*sarama.ProducerMessage, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		if len(e.Line) > k.maxMessageBytes {
			return reliability.Permanent(fmt.Errorf("%w: line of %d bytes exceeds max_message_bytes %d",
				ErrBatchTooLarge, len(e.Line), k.maxMessageBytes))
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic:     k.topic,
			Key:       key,
			Value:     sarama.StringEncoder(e.Line),
			Headers:   headers,
			Timestamp: e.Timestamp,
		})
	}

	if err := k.producer.SendMessages(messages); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			err = fmt.Errorf("%d of %d messages failed: %w", len(perrs), len(messages), perrs[0].Err)
		} else {
			err = fmt.Errorf("failed to send messages to Kafka: %w", err)
		}
		if errors.Is(err, sarama.ErrMessageSizeTooLarge) {
			return reliability.Permanent(fmt.Errorf("%w: %w", ErrBatchTooLarge, err))
		}
		return err
	}

	return nil
}

// Type returns the sink type
func (k *KafkaSink) Type() string {
	return "kafka"
}

// Close closes the producer
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
