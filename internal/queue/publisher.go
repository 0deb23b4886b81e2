package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/pixellens/academy/internal/config"
)

// Publisher delivers checkout events to a broker.  Publishing happens
// after commit, so callers log failures instead of failing the request.
type Publisher interface {
	PublishCheckoutCompleted(ctx context.Context, ev CheckoutCompletedEvent) error
	Close() error
}

// NewPublisher picks the publisher named by cfg.Kind.
func NewPublisher(cfg config.BrokerConfig) (Publisher, error) {
	switch cfg.Kind {
	case "", "none":
		return NopPublisher{}, nil
	case "rabbitmq":
		return &RabbitPublisher{URL: cfg.RabbitURL, Queue: cfg.Topic}, nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("EVENT_BROKER=kafka requires KAFKA_BROKERS")
		}
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic), nil
	default:
		return nil, fmt.Errorf("unsupported EVENT_BROKER: %q", cfg.Kind)
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishCheckoutCompleted(context.Context, CheckoutCompletedEvent) error {
	return nil
}

func (NopPublisher) Close() error { return nil }

// RabbitPublisher publishes to a durable queue through the default
// exchange.  Each publish dials its own connection.
type RabbitPublisher struct {
	URL   string
	Queue string
}

// PublishCheckoutCompleted publishes ev as a persistent JSON message.
// Errors are logged and returned so the caller can choose to ignore them.
func (p *RabbitPublisher) PublishCheckoutCompleted(ctx context.Context, ev CheckoutCompletedEvent) error {
	conn, err := amqp.Dial(p.URL)
	if err != nil {
		log.Printf("rabbitmq: dial failed: %v", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("rabbitmq: channel open failed: %v", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		p.Queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		log.Printf("rabbitmq: queue declare failed: %v", err)
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.Reference,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.Queue, false, false, pub); err != nil {
		log.Printf("rabbitmq: publish failed: %v", err)
		return err
	}
	return nil
}

func (p *RabbitPublisher) Close() error { return nil }

// KafkaPublisher writes events keyed by student email, so one student's
// checkouts stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) PublishCheckoutCompleted(ctx context.Context, ev CheckoutCompletedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.StudentEmail),
		Value: data,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
