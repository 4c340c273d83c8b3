// Package intake turns payout_requested events from Kafka into PENDING payout
// requests.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/events"
	"treasury/apps/treasury/internal/metrics"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/payout"
)

const (
	consumerGroup = "treasury-payout-intake"
	pollTimeout   = time.Second
	maxTries      = 5
)

// PayoutSubmitter accepts payout requests on behalf of a requester.
type PayoutSubmitter interface {
	Submit(ctx context.Context, actor model.Actor, in payout.SubmitPayoutInput) (*model.PayoutRequest, bool, error)
}

type Consumer struct {
	logger        *zap.Logger
	kafkaConsumer *kafka.Consumer
	kafkaTopic    string
	payouts       PayoutSubmitter
	retryInterval time.Duration
}

func NewConsumer(kafkaBroker, kafkaTopic string, payouts PayoutSubmitter, logger *zap.Logger) (*Consumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          consumerGroup,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return newConsumer(consumer, kafkaTopic, payouts, logger), nil
}

func newConsumer(consumer *kafka.Consumer, kafkaTopic string, payouts PayoutSubmitter, logger *zap.Logger) *Consumer {
	return &Consumer{
		logger:        logger.With(zap.String("component", "payout_intake")),
		kafkaConsumer: consumer,
		kafkaTopic:    kafkaTopic,
		payouts:       payouts,
		retryInterval: 500 * time.Millisecond,
	}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting payout intake", zap.String("topic", c.kafkaTopic))

	if err := c.kafkaConsumer.Subscribe(c.kafkaTopic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", c.kafkaTopic, err)
	}

	for ctx.Err() == nil {
		msg, err := c.kafkaConsumer.ReadMessage(pollTimeout)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := c.handle(ctx, msg.Key, msg.Value); err != nil {
			c.logger.Error("Error processing message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
	c.logger.Info("Payout intake stopped")
	return nil
}

// handle submits one message. Malformed and invalid requests are dropped
// with a log line; store failures are retried and then reported.
func (c *Consumer) handle(ctx context.Context, key, value []byte) error {
	var event events.PayoutRequested
	if err := json.Unmarshal(value, &event); err != nil {
		metrics.IntakeMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("Dropping malformed payout event", zap.String("key", string(key)), zap.Error(err))
		return nil
	}
	if event.EventType != "" && !strings.EqualFold(event.EventType, events.EventTypePayoutRequested) {
		metrics.IntakeMessages.WithLabelValues("ignored").Inc()
		return nil
	}

	amount, err := decimal.NewFromString(event.Amount)
	if err != nil || event.RequesterID == "" {
		metrics.IntakeMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("Dropping invalid payout event",
			zap.String("external_ref", event.ExternalRef),
			zap.String("requester_id", event.RequesterID),
			zap.String("amount", event.Amount))
		return nil
	}

	actor := model.Actor{ID: event.RequesterID, Role: model.RoleMerchant}
	in := payout.SubmitPayoutInput{
		ExternalRef:        event.ExternalRef,
		RequesterID:        event.RequesterID,
		Amount:             amount,
		Currency:           event.Currency,
		DestinationAddress: event.DestinationAddress,
		DestinationNetwork: event.DestinationNetwork,
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInterval
	submit := func() (*model.PayoutRequest, error) {
		p, created, err := c.payouts.Submit(ctx, actor, in)
		if err != nil {
			if errs.KindOf(err) != "" {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if !created {
			metrics.IntakeMessages.WithLabelValues("duplicate").Inc()
			c.logger.Debug("Payout already submitted", zap.String("payout_id", p.ID), zap.String("external_ref", in.ExternalRef))
			return p, nil
		}
		metrics.IntakeMessages.WithLabelValues("created").Inc()
		c.logger.Info("Payout request received",
			zap.String("payout_id", p.ID),
			zap.String("requester_id", p.RequesterID),
			zap.String("amount", p.Amount.String()),
			zap.String("currency", p.Currency))
		return p, nil
	}

	_, err = backoff.Retry(ctx, submit, backoff.WithBackOff(exp), backoff.WithMaxTries(maxTries))
	if err != nil {
		if errs.KindOf(err) != "" {
			metrics.IntakeMessages.WithLabelValues("invalid").Inc()
			c.logger.Warn("Payout event rejected",
				zap.String("external_ref", event.ExternalRef),
				zap.String("requester_id", event.RequesterID),
				zap.Error(err))
			return nil
		}
		metrics.IntakeMessages.WithLabelValues("failed").Inc()
		return fmt.Errorf("submit payout %s: %w", event.ExternalRef, err)
	}
	return nil
}

func (c *Consumer) Close() error {
	if c.kafkaConsumer != nil {
		return c.kafkaConsumer.Close()
	}
	return nil
}
