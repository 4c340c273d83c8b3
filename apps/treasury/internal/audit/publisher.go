package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/events"
	"treasury/apps/treasury/internal/metrics"
	"treasury/apps/treasury/internal/model"
)

// MessageProducer delivers one keyed message and waits for the broker ack.
type MessageProducer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
	Close()
}

type KafkaProducer struct {
	producer *kafka.Producer
}

func NewKafkaProducer(kafkaBroker string) (*KafkaProducer, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"acks":               "all",
		"retries":            3,
		"retry.backoff.ms":   100,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return &KafkaProducer{producer: producer}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	deliveryChan := make(chan kafka.Event, 1)

	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
	}, deliveryChan)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		switch ev := e.(type) {
		case *kafka.Message:
			return ev.TopicPartition.Error
		default:
			return fmt.Errorf("unexpected kafka event type: %T", e)
		}
	}
}

func (p *KafkaProducer) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}

// OutboxStore is the part of the audit repository the publisher drains.
type OutboxStore interface {
	ClaimUnpublished(ctx context.Context, limit int) ([]model.AuditLogEntry, error)
	MarkPublished(ctx context.Context, id string) error
	MarkUnpublished(ctx context.Context, id string) error
}

// Publisher drains unsent audit entries to the audit topic, keyed by entity
// id so every entity's history stays ordered within one partition.
type Publisher struct {
	logger    *zap.Logger
	producer  MessageProducer
	topic     string
	store     OutboxStore
	interval  time.Duration
	batchSize int
	mu        sync.Mutex
}

func NewPublisher(producer MessageProducer, topic string, store OutboxStore, interval time.Duration, logger *zap.Logger) *Publisher {
	return &Publisher{
		logger:    logger,
		producer:  producer,
		topic:     topic,
		store:     store,
		interval:  interval,
		batchSize: 100,
	}
}

// Start publishes on every interval until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PublishPending(ctx); err != nil {
				p.logger.Error("Error publishing audit entries", zap.Error(err))
			}
		}
	}
}

// PublishPending publishes one batch and returns how many entries were sent.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := p.store.ClaimUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range entries {
		if err := p.publish(ctx, entry); err != nil {
			metrics.AuditPublished.WithLabelValues("failed").Inc()
			p.logger.Error("Failed to publish audit entry", zap.String("audit_id", entry.ID), zap.Error(err))
			if markErr := p.store.MarkUnpublished(ctx, entry.ID); markErr != nil {
				p.logger.Error("Failed to return audit entry to outbox", zap.String("audit_id", entry.ID), zap.Error(markErr))
			}
			continue
		}

		// A failure here means the entry is sent again later; consumers dedupe on id.
		if err := p.store.MarkPublished(ctx, entry.ID); err != nil {
			p.logger.Error("Failed to mark audit entry as published", zap.String("audit_id", entry.ID), zap.Error(err))
			continue
		}
		metrics.AuditPublished.WithLabelValues("sent").Inc()
		sent++
	}

	if sent > 0 {
		p.logger.Info("Published audit entries", zap.Int("success_count", sent), zap.Int("attempted", len(entries)))
	}
	return sent, nil
}

func (p *Publisher) publish(ctx context.Context, entry model.AuditLogEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	msg := events.AuditEvent{
		EventType:  events.EventTypeAuditRecorded,
		ID:         entry.ID,
		Action:     string(entry.Action),
		ActorID:    entry.ActorID,
		ActorRole:  string(entry.ActorRole),
		EntityType: string(entry.EntityType),
		EntityID:   entry.EntityID,
		Severity:   string(entry.Severity),
		Detail:     detail,
		CreatedAt:  entry.CreatedAt,
		Timestamp:  time.Now().UTC(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.producer.Produce(ctx, p.topic, []byte(entry.EntityID), value)
}

func (p *Publisher) Close() {
	if p.producer != nil {
		p.producer.Close()
	}
}
