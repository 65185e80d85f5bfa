// Package publisher emits payout events for the back office that sends INR.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	EventInitiated = "payout.initiated"
	EventSettled   = "payout.settled"
)

// PayoutEvent describes a reservation lifecycle step. Events for one
// reference share a partition key, so consumers see them in order.
type PayoutEvent struct {
	Type            string    `json:"type"`
	Reference       string    `json:"reference"`
	Token           string    `json:"token"`
	Amount          string    `json:"amount"`
	TokenAmount     string    `json:"tokenAmount,omitempty"`
	Recipient       string    `json:"recipient,omitempty"`
	MethodSummary   string    `json:"methodSummary,omitempty"`
	TransactionID   string    `json:"transactionId,omitempty"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	At              time.Time `json:"at"`
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes payout events to a Kafka topic.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev PayoutEvent) error {
	msg, err := buildMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to publish %s", ev.Type)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func buildMessage(ev PayoutEvent) (kafka.Message, error) {
	if ev.Reference == "" {
		return kafka.Message{}, errors.New("payout event without reference")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "failed to marshal payout event")
	}
	return kafka.Message{
		Key:   []byte(ev.Reference),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}, nil
}
