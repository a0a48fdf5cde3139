package kafka

import (
	"context"
	"strings"

	"trustwork/pkg/config"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("kafka.producer",
	fx.Provide(NewProducer),
)

// Message is one record handed to the broker.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

type Producer struct {
	producer *kafka.Producer
	topic    string
}

func NewProducer(lc fx.Lifecycle, cfg *config.Config) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.TrimSpace(cfg.Kafka.Addrs),
		"client.id":          cfg.AppName,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		zap.L().Error("[Kafka] failed to create producer", zap.Error(err))
		return nil, err
	}

	go func() {
		for e := range p.Events() {
			if ev, ok := e.(kafka.Error); ok {
				zap.L().Warn("[Kafka] producer error", zap.Error(ev))
			}
		}
	}()

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			p.Flush(15 * 1000)
			p.Close()
			return nil
		},
	})

	zap.L().Info("[Kafka] producer ready", zap.String("addrs", cfg.Kafka.Addrs), zap.String("topic", cfg.Kafka.Topic))
	return &Producer{producer: p, topic: cfg.Kafka.Topic}, nil
}

// Publish produces msg and waits for the delivery report.
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.Key),
		Value:          msg.Value,
		Headers:        headers,
	}, delivery); err != nil {
		return err
	}

	select {
	case e := <-delivery:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return m.TopicPartition.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
